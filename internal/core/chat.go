package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	ncerr "exochat/internal/errors"
	"exochat/internal/metrics"
	"exochat/internal/session"
	"exochat/internal/transport"
	"exochat/util"
)

// ErrSessionLost is returned by ChatMode.Run when the server connection
// broke after login and the user did not log in again.
var ErrSessionLost = ncerr.New("session lost")

// ChatMode logs in to a chat server and runs an interactive console.
// When the session drops or the server rejects the login, the user is
// sent back to the login prompt and may log in again over the same
// dialer, so an SSH tunnel is reused or re-established rather than
// rebuilt from scratch.
type ChatMode struct {
	Dialer           transport.Dialer
	Host             string
	Port             int
	Credentials      session.Credentials
	HandshakeTimeout time.Duration
	LenientDecode    bool
	MetricsListen    string // empty disables the /metrics endpoint
	Metrics          *metrics.Collector
	Logger           *util.Logger

	// AskPassword reads a new password after a rejected login.  Nil
	// ends the run on the first rejection.
	AskPassword func(prompt string) (string, error)

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *ChatMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *ChatMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run logs in and serves the console until the user quits, input ends
// or ctx is cancelled; those return nil.  A dropped session or rejected
// login offers another login; declining it (end of input) returns the
// failure, ErrSessionLost for a drop.
func (m *ChatMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if m.MetricsListen != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, m.MetricsListen, m.Metrics, m.Logger); err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer cancel()
		return m.loginLoop(gctx)
	})

	err := g.Wait()
	if m.Metrics != nil {
		m.Logger.Debug("client stats: %s", m.Metrics.JSON())
	}
	return err
}

// loginLoop runs one session after another on a single controller.
func (m *ChatMode) loginLoop(ctx context.Context) error {
	con := newConsole(m.stdout())
	ctl := session.New(session.Options{
		Dialer:           m.Dialer,
		Presenter:        con,
		HandshakeTimeout: m.HandshakeTimeout,
		LenientDecode:    m.LenientDecode,
		Metrics:          m.Metrics,
		Logger:           m.Logger,
	})

	lost := make(chan error, 1)
	unsubscribe := ctl.Subscribe(func(ev session.Event) {
		switch {
		case ev.State == session.Error:
			m.Logger.Verbose("login failed: %v", ev.Err)
		case ev.State == session.Disconnected && ev.Terminal:
			con.printf("disconnected; log in again")
			select {
			case lost <- ev.Err:
			default:
			}
		}
	})
	defer unsubscribe()

	lines := newLineReader(m.stdin())
	creds := m.Credentials
	for {
		err := m.serve(ctx, ctl, con, lines, lost, creds)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		var ae *ncerr.AuthError
		rejected := errors.As(err, &ae)
		if !rejected && !errors.Is(err, ErrSessionLost) {
			return err
		}
		if rejected {
			con.printf("login failed: %v", err)
			if m.AskPassword == nil {
				return err
			}
		}

		again, rerr := m.offerLogin(ctx, con, lines, creds)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(rerr, io.EOF):
			return err
		case rerr != nil:
			return rerr
		case !again:
			return nil
		}
		if rejected {
			pw, perr := m.AskPassword(fmt.Sprintf("Password for %s@%s: ",
				creds.Username, util.FormatAddr(m.Host, m.Port)))
			if perr != nil {
				return perr
			}
			creds.Password = pw
		}
	}
}

// offerLogin is the login prompt.  It reports whether the user wants
// another attempt; /quit declines and the end of input is io.EOF.
func (m *ChatMode) offerLogin(ctx context.Context, con *console, lines *lineReader, creds session.Credentials) (bool, error) {
	con.printf("press Enter to log in to %s as %s, or /quit to exit",
		util.FormatAddr(m.Host, m.Port), creds.Username)
	line, err := lines.next(ctx)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(line) {
	case "/quit", "/exit":
		return false, nil
	}
	return true, nil
}

// serve logs in once and runs the console until the session ends.  It
// returns nil when the user quit or input ended, ErrSessionLost when
// the connection broke, and the login error when Connect failed.
func (m *ChatMode) serve(ctx context.Context, ctl *session.Controller, con *console,
	lines *lineReader, lost <-chan error, creds session.Credentials) error {
	// A drop reported by a previous session is stale now.
	select {
	case <-lost:
	default:
	}

	if err := ctl.Connect(ctx, creds, m.Host, m.Port); err != nil {
		return err
	}
	con.printf("logged in to %s as %s; type /help for commands",
		util.FormatAddr(m.Host, m.Port), ctl.Username())

	sctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	go func() {
		select {
		case err := <-lost:
			stop(fmt.Errorf("%w: %w", ErrSessionLost, err))
		case <-sctx.Done():
		}
	}()

	err := m.console(sctx, ctl, con, lines)
	if ctx.Err() == nil && err == nil {
		// Let lines typed before /quit or EOF reach the server.
		ctl.Flush()
	}
	ctl.Disconnect() //nolint:errcheck
	return err
}

func (m *ChatMode) console(ctx context.Context, ctl *session.Controller, con *console, lines *lineReader) error {
	for {
		line, err := lines.next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			m.Logger.Verbose("end of input, logging out")
			return nil
		case err != nil:
			if cause := context.Cause(ctx); errors.Is(cause, ErrSessionLost) {
				return cause
			}
			return nil
		}
		if con.handle(ctl, line) {
			return nil
		}
	}
}

// ── input ────────────────────────────────────────────────────────────

// lineReader reads input lines on demand.  Nothing is read from the
// input until a line is asked for, so between requests a password
// prompt can use the terminal directly.  A request abandoned by a
// cancelled context stays pending and feeds the next call.
type lineReader struct {
	want    chan struct{}
	lines   chan string
	done    chan struct{} // closed at end of input
	pending bool
}

func newLineReader(r io.Reader) *lineReader {
	lr := &lineReader{
		want:  make(chan struct{}),
		lines: make(chan string),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(lr.done)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 4096), 1<<20)
		for range lr.want {
			if !sc.Scan() {
				return
			}
			lr.lines <- sc.Text()
		}
	}()
	return lr
}

// next returns the next line, io.EOF at end of input or ctx's error.
// It is not safe for concurrent use.
func (lr *lineReader) next(ctx context.Context) (string, error) {
	if !lr.pending {
		select {
		case lr.want <- struct{}{}:
			lr.pending = true
		case <-lr.done:
			return "", io.EOF
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	select {
	case line := <-lr.lines:
		lr.pending = false
		return line, nil
	case <-lr.done:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
