// Package tunnel lets the chat client reach a server that is only
// visible from behind an SSH bastion.  The SSH implementation is backed
// by golang.org/x/crypto/ssh; the chat protocol runs unchanged inside
// the forwarded TCP stream.
package tunnel

import (
	"context"
	"net"
)

// Tunnel abstracts an encrypted channel through which TCP connections
// can be forwarded.
type Tunnel interface {
	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel and frees resources.  Closing a
	// tunnel that is not connected is a no-op.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool
}
