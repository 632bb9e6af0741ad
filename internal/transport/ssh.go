package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	ncerr "exochat/internal/errors"
	"exochat/internal/retry"
	"exochat/tunnel"
	"exochat/util"
)

// ReconnectCounter is told each time a dropped bastion is dialled
// again.  *metrics.Collector satisfies it.
type ReconnectCounter interface {
	TunnelReconnect()
}

// SSHDialer routes connections to the chat server through an SSH
// bastion.  The tunnel is connected lazily on the first Dial call and
// torn down on Close, so one dialer can serve several login attempts.
type SSHDialer struct {
	tunnel tunnel.Tunnel
	config *tunnel.SSHConfig
	logger *util.Logger
	mu     sync.Mutex
	up     bool // the tunnel has been established at least once

	// Backoff paces re-establishing a tunnel that dropped.  The first
	// connect is a single attempt.
	Backoff *retry.Backoff

	// Reconnects may be nil.
	Reconnects ReconnectCounter
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH tunnel.  The tunnel is not connected until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	return newSSHDialer(tunnel.NewSSHTunnel(cfg, logger), cfg, logger)
}

func newSSHDialer(t tunnel.Tunnel, cfg *tunnel.SSHConfig, logger *util.Logger) *SSHDialer {
	return &SSHDialer{
		tunnel:  t,
		config:  cfg,
		logger:  logger,
		Backoff: retry.TunnelBackoff(),
	}
}

// connect establishes the SSH tunnel if it is not up.  A tunnel that
// dropped since the last login is reconnected with backoff.
func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tunnel.IsAlive() {
		return nil
	}

	if !d.up {
		d.logger.Verbose("establishing SSH tunnel to %s@%s:%d",
			d.config.User, d.config.Host, d.config.Port)
		if err := d.tunnel.Connect(ctx); err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		d.up = true
		d.logger.Verbose("SSH tunnel established")
		return nil
	}

	d.logger.Warn("SSH tunnel to %s is down, reconnecting", d.config.Host)
	if d.Reconnects != nil {
		d.Reconnects.TunnelReconnect()
	}
	b := d.Backoff
	if b == nil {
		b = &retry.Backoff{Attempts: 1}
	}
	err := b.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			d.logger.Verbose("tunnel reconnect attempt %d", attempt)
		}
		return d.tunnel.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	d.logger.Verbose("SSH tunnel re-established")
	return nil
}

// Dial connects to address through the SSH tunnel, lazily establishing
// the tunnel on the first call.  A forward that finds the tunnel dead
// reconnects it and tries once more.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	conn, err := d.tunnel.Dial(ctx, network, address)
	if !errors.Is(err, ncerr.ErrTunnelClosed) {
		return conn, err
	}
	d.logger.Verbose("forward to %s failed on a dead tunnel: %v", address, err)
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.tunnel.Dial(ctx, network, address)
}

// Close tears down the underlying SSH tunnel.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.up = false
	return d.tunnel.Close()
}
