// Package transport owns the raw byte stream between the client and the
// chat server.  Dialers handle the "how" of reaching the server (plain
// TCP or through an SSH bastion); [Conn] layers the blocking
// read-exactly / write-all primitives and the 4-byte length-prefixed
// segment framing that every protocol phase is built from.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Implementations include
// a plain TCP dialer and an SSH-tunnelled dialer that routes traffic
// through an encrypted gateway.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}
