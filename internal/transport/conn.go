package transport

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	ncerr "exochat/internal/errors"
)

// MaxSegmentSize bounds the length prefix of a single segment.  Every
// legitimate segment is one RSA block or one DER public key, so
// anything near this size is a corrupt or hostile stream.
const MaxSegmentSize = 1 << 20

// Counter receives byte counts for every successful read and write.
// *metrics.Collector satisfies it.
type Counter interface {
	BytesReceived(n int64)
	BytesSent(n int64)
}

// Conn is the blocking byte stream a session runs over.
//
// Reads and writes may proceed concurrently from different goroutines;
// concurrent writers must serialize among themselves.  Close is
// idempotent and unblocks a pending read with an error.
type Conn struct {
	raw     net.Conn
	stats   Counter
	timeout atomic.Int64 // time.Duration; 0 means no deadline

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// NewConn wraps an established connection.  stats may be nil.
func NewConn(raw net.Conn, stats Counter) *Conn {
	return &Conn{raw: raw, stats: stats}
}

// Connect dials address with d and wraps the result.  Dial failures are
// returned as *errors.ConnectError.
func Connect(ctx context.Context, d Dialer, address string, stats Counter) (*Conn, error) {
	raw, err := d.Dial(ctx, "tcp", address)
	if err != nil {
		return nil, &ncerr.ConnectError{Addr: address, Err: err}
	}
	return NewConn(raw, stats), nil
}

// SetTimeout bounds every subsequent read and write to d.  Zero removes
// the bound, which is what a long-lived chat session runs with.
func (c *Conn) SetTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.timeout.Store(int64(d))
}

// Timeout returns the current per-operation bound.
func (c *Conn) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

func (c *Conn) deadline() time.Time {
	if d := c.Timeout(); d > 0 {
		return time.Now().Add(d)
	}
	return time.Time{}
}

// ReadExactly blocks until n bytes have arrived.
func (c *Conn) ReadExactly(n int) ([]byte, error) {
	if err := c.raw.SetReadDeadline(c.deadline()); err != nil {
		return nil, ncerr.WrapIO("read", err)
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(c.raw, buf)
	if c.stats != nil && got > 0 {
		c.stats.BytesReceived(int64(got))
	}
	if err != nil {
		return nil, ncerr.WrapIO("read", err)
	}
	return buf, nil
}

// WriteAll writes every byte of b or fails.
func (c *Conn) WriteAll(b []byte) error {
	if err := c.raw.SetWriteDeadline(c.deadline()); err != nil {
		return ncerr.WrapIO("write", err)
	}
	n, err := c.raw.Write(b)
	if c.stats != nil && n > 0 {
		c.stats.BytesSent(int64(n))
	}
	if err != nil {
		return ncerr.WrapIO("write", err)
	}
	if n != len(b) {
		return ncerr.WrapIO("write", io.ErrShortWrite)
	}
	return nil
}

// ReadInt32 reads one 4-byte big-endian signed integer.
func (c *Conn) ReadInt32() (int32, error) {
	b, err := c.ReadExactly(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// WriteInt32 writes one 4-byte big-endian signed integer.
func (c *Conn) WriteInt32(v int32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return c.WriteAll(b[:])
}

// ReadSegment reads a [4-byte length][bytes] segment.
func (c *Conn) ReadSegment() ([]byte, error) {
	n, err := c.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > MaxSegmentSize {
		return nil, ncerr.Protocol("segment", "length %d outside 0..%d", n, MaxSegmentSize)
	}
	return c.ReadExactly(int(n))
}

// WriteSegment writes b as a [4-byte length][bytes] segment in a single
// write call.
func (c *Conn) WriteSegment(b []byte) error {
	return c.WriteAll(AppendSegment(nil, b))
}

// AppendSegment appends the length-prefixed encoding of b to dst.
func AppendSegment(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// Close closes the underlying connection.  Safe to call more than once;
// every call returns the result of the first.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closed.Load() }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }
