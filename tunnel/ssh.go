package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "exochat/internal/errors"
	"exochat/util"
)

const (
	defaultSSHPort     = 22
	defaultConnTimeout = 30 * time.Second
	defaultKeepAlive   = 15 * time.Second
)

// SSHConfig describes the bastion in front of the chat server.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Passphrase    string // opens an encrypted KeyPath; prompted for when empty
	Password      string // bastion password; prompted for when empty and PromptPass is set
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration // bounds dial plus SSH handshake
	KeepAlive     time.Duration // keepalive interval; negative disables

	// Prompt reads secrets that are not configured.  Nil means the
	// terminal.
	Prompt Prompter
}

// Addr returns the bastion address as host:port.
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Login returns user@host:port for prompts and logs.
func (c *SSHConfig) Login() string {
	return c.User + "@" + c.Addr()
}

// SSHTunnel implements [Tunnel] over one SSH client connection.  The
// chat connection is a direct-tcpip channel on it, so the chat
// protocol runs unchanged inside the forwarded stream.
type SSHTunnel struct {
	config *SSHConfig
	logger *util.Logger

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool

	// auth is built on the first Connect and reused, so a reconnect
	// does not prompt again.  A rejected login clears it.
	auth []ssh.AuthMethod
}

// NewSSHTunnel creates a tunnel that is ready to [SSHTunnel.Connect].
func NewSSHTunnel(cfg *SSHConfig, logger *util.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = defaultSSHPort
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = defaultConnTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	return &SSHTunnel{config: cfg, logger: logger.With("ssh")}
}

// ── connect ──────────────────────────────────────────────────────────

// Connect dials the bastion and logs in.  Failures are split the way
// the reconnect policy needs them:
//
//   - *errors.ConnectError: the bastion could not be reached or the
//     connection broke during the handshake.  Worth another attempt.
//   - *errors.SSHError: the bastion answered and refused us (op "auth"
//     or "hostkey"), or the local auth setup is broken.  Final.
//
// A Connect on a live tunnel replaces the old client.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	cfg := t.config
	addr := cfg.Addr()

	auth, err := t.authMethods()
	if err != nil {
		return ncerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	verify, err := hostKeyCallback(cfg)
	if err != nil {
		return ncerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	hk := &hostKeyCheck{verify: verify}
	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hk.check,
		Timeout:         cfg.ConnTimeout,
	}

	t.logger.Debug("dialing %s", cfg.Login())
	dialer := net.Dialer{Timeout: cfg.ConnTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &ncerr.ConnectError{Addr: addr, Err: err}
	}

	// ssh.NewClientConn knows neither ctx nor a deadline.
	raw.SetDeadline(time.Now().Add(cfg.ConnTimeout)) //nolint:errcheck
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	conn, chans, reqs, err := ssh.NewClientConn(raw, addr, sshCfg)
	interrupted := !stop()
	if err != nil {
		raw.Close()
		if interrupted {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return t.handshakeError(err, hk)
	}
	if interrupted {
		conn.Close()
		return ctx.Err()
	}
	raw.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(conn, chans, reqs)

	t.mu.Lock()
	old := t.client
	t.client = client
	t.alive = true
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}

	t.logger.Verbose("logged in to bastion %s (%s)", cfg.Login(), conn.ServerVersion())
	go t.monitor(client)
	return nil
}

func (t *SSHTunnel) authMethods() ([]ssh.AuthMethod, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.auth == nil {
		auth, err := BuildAuthMethods(t.config)
		if err != nil {
			return nil, err
		}
		t.auth = auth
	}
	return t.auth, nil
}

// hostKeyCheck records how host key verification went, which tells a
// refusal by the bastion apart from a connection that broke first.
type hostKeyCheck struct {
	verify ssh.HostKeyCallback

	mu   sync.Mutex
	seen bool
	err  error
}

func (h *hostKeyCheck) check(host string, remote net.Addr, key ssh.PublicKey) error {
	err := h.verify(host, remote, key)
	h.mu.Lock()
	h.seen, h.err = true, err
	h.mu.Unlock()
	return err
}

func (h *hostKeyCheck) result() (seen bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen, h.err
}

// handshakeError sorts a failed SSH handshake into a final SSHError or
// a retryable ConnectError.
func (t *SSHTunnel) handshakeError(err error, hk *hostKeyCheck) error {
	cfg := t.config
	seen, keyErr := hk.result()
	switch {
	case keyErr != nil:
		return ncerr.WrapSSH("hostkey", cfg.Host, cfg.Port, keyErr)
	case seen && isAuthRejected(err):
		t.mu.Lock()
		t.auth = nil
		t.mu.Unlock()
		return ncerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	default:
		return &ncerr.ConnectError{Addr: cfg.Addr(), Err: err}
	}
}

// isAuthRejected reports whether the server turned down every auth
// method.  x/crypto/ssh reports this only as text.
func isAuthRejected(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// ── forwarding ───────────────────────────────────────────────────────

// Dial opens a direct-tcpip channel to address through the bastion.
// When the SSH connection itself is gone the tunnel is marked dead and
// the error matches errors.ErrTunnelClosed, so the caller can
// reconnect; a refusal by the target is returned as is.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client, alive := t.client, t.alive
	t.mu.RUnlock()
	if !alive || client == nil {
		return nil, ncerr.ErrTunnelClosed
	}

	t.logger.Debug("forwarding %s %s", network, address)
	conn, err := client.DialContext(ctx, network, address)
	if err == nil {
		return conn, nil
	}
	var refused *ssh.OpenChannelError
	if errors.As(err, &refused) || ctx.Err() != nil {
		return nil, fmt.Errorf("tunnel dial %s: %w", address, err)
	}
	t.markDead(client)
	return nil, fmt.Errorf("tunnel dial %s: %w: %w", address, ncerr.ErrTunnelClosed, err)
}

// Close shuts down the SSH connection.  It is safe to call repeatedly.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.alive = false
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

// IsAlive reports whether the tunnel is connected.  A bastion that
// stops answering keepalives is reported dead within two intervals.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// markDead flags client as gone unless a newer one replaced it.
func (t *SSHTunnel) markDead(client *ssh.Client) {
	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()
	client.Close()
}

// ── liveness ─────────────────────────────────────────────────────────

// monitor sends keepalive requests on client until it closes, then
// marks it dead.
func (t *SSHTunnel) monitor(client *ssh.Client) {
	done := make(chan error, 1)
	go func() { done <- client.Wait() }()

	var tick <-chan time.Time
	if t.config.KeepAlive > 0 {
		ticker := time.NewTicker(t.config.KeepAlive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case err := <-done:
			t.markDead(client)
			if err != nil {
				t.logger.Verbose("bastion connection closed: %v", err)
			} else {
				t.logger.Verbose("bastion connection closed")
			}
			return
		case <-tick:
			if !t.keepAlive(client) {
				t.logger.Warn("bastion %s stopped answering", t.config.Addr())
				t.markDead(client)
			}
		}
	}
}

// keepAlive sends one keepalive and waits at most one interval for the
// reply.  Any reply, even a refusal, proves the connection is up.
func (t *SSHTunnel) keepAlive(client *ssh.Client) bool {
	reply := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		reply <- err
	}()
	select {
	case err := <-reply:
		return err == nil
	case <-time.After(t.config.KeepAlive):
		return false
	}
}
