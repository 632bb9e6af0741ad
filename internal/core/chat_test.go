package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"exochat/internal/chattest"
	ncerr "exochat/internal/errors"
	"exochat/internal/metrics"
	"exochat/internal/packet"
	"exochat/internal/retry"
	"exochat/internal/session"
	"exochat/internal/transport"
	"exochat/tunnel"
	"exochat/util"
)

// syncBuffer is a bytes.Buffer safe to read while the console writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newChatMode(srv *chattest.Server, stdin io.Reader, out io.Writer) *ChatMode {
	host, port := srv.Addr()
	return &ChatMode{
		Dialer:      &transport.TCPDialer{Timeout: 2 * time.Second},
		Host:        host,
		Port:        port,
		Credentials: session.Credentials{Username: "alice", Password: "pw"},
		Metrics:     metrics.New(),
		Logger:      util.NewLogger(0),
		Stdin:       stdin,
		Stdout:      out,
	}
}

// run starts m and returns a channel carrying its result.
func run(ctx context.Context, m *ChatMode) <-chan error {
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	return done
}

func result(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

// waitFor waits until the console printed want.
func waitFor(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), want)
	}, 5*time.Second, 10*time.Millisecond, "output never contained %q", want)
}

// inbound builds a server-stamped message packet.
func inbound(t packet.Type, private bool, sender, body string) []byte {
	p := make([]byte, 2+packet.NameFieldSize+len(body))
	p[0] = byte(t)
	if private {
		p[1] = packet.TargetPrivate
	}
	packet.PutName(p[2:], sender)
	copy(p[2+packet.NameFieldSize:], body)
	return p
}

func TestChatMode_Session(t *testing.T) {
	srv := chattest.NewServer(t)
	stdin, typing := io.Pipe()
	defer typing.Close()
	out := &syncBuffer{}
	m := newChatMode(srv, stdin, out)

	done := run(context.Background(), m)
	peer := srv.Accept()
	require.Equal(t, "alice", peer.Username)

	require.NoError(t, peer.Send(packet.NewUserList([]string{"alice", "bob"})))
	require.NoError(t, peer.Send(inbound(packet.Chat, false, "bob", "hi alice")))
	require.NoError(t, peer.Send(inbound(packet.Chat, true, "bob", "psst")))
	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "[general] bob: hi alice") &&
			strings.Contains(s, "[notify] bob: bob: psst")
	}, 5*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(typing, "hello everyone\n/msg bob later\n")
	require.NoError(t, err)

	p, err := peer.RecvTimeout(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, packet.NewChat("", "hello everyone"), p)
	p, err = peer.RecvTimeout(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, packet.NewChat("bob", "later"), p)

	_, err = io.WriteString(typing, "/quit\n")
	require.NoError(t, err)
	require.NoError(t, result(t, done))
	require.Contains(t, out.String(), "logged in to ")

	// The client hung up; the server sees the stream end.
	_, err = peer.RecvTimeout(5 * time.Second)
	require.Error(t, err)
}

// TestChatMode_ServerDrop verifies a broken connection sends the user
// back to the login prompt, and that ending input there ends the run.
func TestChatMode_ServerDrop(t *testing.T) {
	srv := chattest.NewServer(t)
	stdin, typing := io.Pipe()
	defer typing.Close()
	out := &syncBuffer{}
	m := newChatMode(srv, stdin, out)

	done := run(context.Background(), m)
	peer := srv.Accept()
	require.NoError(t, peer.Close())
	waitFor(t, out, "press Enter to log in")
	require.NoError(t, typing.Close())

	err := result(t, done)
	require.ErrorIs(t, err, ErrSessionLost)
	require.Contains(t, out.String(), "disconnected; log in again")
	require.Equal(t, int64(0), m.Metrics.ActiveSessions())
}

// TestChatMode_Relogin verifies a dropped session can be resumed from
// the login prompt over the same dialer.
func TestChatMode_Relogin(t *testing.T) {
	srv := chattest.NewServer(t)
	stdin, typing := io.Pipe()
	defer typing.Close()
	out := &syncBuffer{}
	m := newChatMode(srv, stdin, out)

	done := run(context.Background(), m)
	first := srv.Accept()
	require.NoError(t, first.Close())
	waitFor(t, out, "press Enter to log in")

	_, err := io.WriteString(typing, "\n")
	require.NoError(t, err)
	second := srv.Accept()
	require.Equal(t, "alice", second.Username)

	_, err = io.WriteString(typing, "back again\n")
	require.NoError(t, err)
	p, err := second.RecvTimeout(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, packet.NewChat("", "back again"), p)

	_, err = io.WriteString(typing, "/quit\n")
	require.NoError(t, err)
	require.NoError(t, result(t, done))

	require.Equal(t, int64(2), m.Metrics.TotalSessions())
	require.Equal(t, int64(0), m.Metrics.ActiveSessions())
	require.Equal(t, 2, strings.Count(out.String(), "logged in to "))
}

// TestChatMode_QuitAtLoginPrompt verifies /quit at the login prompt
// ends the run without an error.
func TestChatMode_QuitAtLoginPrompt(t *testing.T) {
	srv := chattest.NewServer(t)
	stdin, typing := io.Pipe()
	defer typing.Close()
	out := &syncBuffer{}
	m := newChatMode(srv, stdin, out)

	done := run(context.Background(), m)
	require.NoError(t, srv.Accept().Close())
	waitFor(t, out, "press Enter to log in")

	_, err := io.WriteString(typing, "/quit\n")
	require.NoError(t, err)
	require.NoError(t, result(t, done))
	require.Equal(t, int64(1), m.Metrics.TotalSessions())
}

// TestChatMode_ReloginAfterRejection verifies a rejected password is
// asked for again and the next login uses it.
func TestChatMode_ReloginAfterRejection(t *testing.T) {
	srv := chattest.NewServer(t)
	srv.Check = func(_, pass string) ncerr.AuthCode {
		if pass == "right" {
			return ncerr.AuthSuccess
		}
		return ncerr.AuthWrongPassword
	}
	out := &syncBuffer{}
	m := newChatMode(srv, strings.NewReader("\n/quit\n"), out)
	var prompts []string
	m.AskPassword = func(p string) (string, error) {
		prompts = append(prompts, p)
		return "right", nil
	}

	done := run(context.Background(), m)
	peer := srv.Accept()
	require.Equal(t, "alice", peer.Username)
	require.NoError(t, result(t, done))

	require.Len(t, prompts, 1)
	require.True(t, strings.HasPrefix(prompts[0], "Password for alice@"), "prompt = %q", prompts[0])
	require.Contains(t, out.String(), "login failed")
	require.Equal(t, int64(1), m.Metrics.TotalSessions())
}

// TestChatMode_ReloginThroughBastion verifies a bastion restart is
// survived: the next login reconnects the tunnel on the same dialer.
func TestChatMode_ReloginThroughBastion(t *testing.T) {
	srv := chattest.NewServer(t)
	bastion := chattest.NewBastion(t, "jump")
	bhost, bport := bastion.Addr()

	stdin, typing := io.Pipe()
	defer typing.Close()
	out := &syncBuffer{}
	m := newChatMode(srv, stdin, out)
	d := transport.NewSSHDialer(&tunnel.SSHConfig{
		User:      "admin",
		Host:      bhost,
		Port:      bport,
		Password:  "jump",
		KeepAlive: -1,
	}, m.Logger)
	d.Backoff = &retry.Backoff{Initial: 10 * time.Millisecond, Attempts: 3}
	d.Reconnects = m.Metrics
	m.Dialer = d

	done := run(context.Background(), m)
	srv.Accept()
	bastion.DropAll()
	waitFor(t, out, "press Enter to log in")

	_, err := io.WriteString(typing, "\n")
	require.NoError(t, err)
	srv.Accept()

	_, err = io.WriteString(typing, "/quit\n")
	require.NoError(t, err)
	require.NoError(t, result(t, done))

	require.Equal(t, int64(2), m.Metrics.TotalSessions())
	require.Equal(t, int64(1), m.Metrics.TunnelReconnects())
	require.Equal(t, 2, bastion.Logins())
}

func TestChatMode_LoginRejected(t *testing.T) {
	srv := chattest.NewServer(t)
	srv.Check = func(_, _ string) ncerr.AuthCode { return ncerr.AuthWrongPassword }
	out := &syncBuffer{}
	m := newChatMode(srv, strings.NewReader(""), out)

	err := result(t, run(context.Background(), m))
	var ae *ncerr.AuthError
	require.True(t, errors.As(err, &ae), "error = %v", err)
	require.Equal(t, ncerr.AuthWrongPassword, ae.Code)
	require.NotContains(t, out.String(), "logged in")
}

// TestChatMode_EndOfInput verifies closing stdin logs out cleanly.
func TestChatMode_EndOfInput(t *testing.T) {
	srv := chattest.NewServer(t)
	m := newChatMode(srv, strings.NewReader("bye\n"), &syncBuffer{})

	done := run(context.Background(), m)
	peer := srv.Accept()
	require.NoError(t, result(t, done))

	p, err := peer.RecvTimeout(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, packet.NewChat("", "bye"), p)
	_, err = peer.RecvTimeout(5 * time.Second)
	require.Error(t, err, "connection still open after logout")
}

func TestChatMode_ContextCancel(t *testing.T) {
	srv := chattest.NewServer(t)
	stdin, typing := io.Pipe()
	defer typing.Close()
	m := newChatMode(srv, stdin, &syncBuffer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := run(ctx, m)
	srv.Accept()
	cancel()

	require.NoError(t, result(t, done))
}
