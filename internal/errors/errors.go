// Package errors provides the error taxonomy for the exochat protocol
// client.
//
// Each phase of a session fails with its own type so callers can tell a
// refused TCP connection from a rejected password from a corrupted
// frame without string matching.  All types carry an operation name
// and unwrap to the underlying cause.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("session already active")
	ErrClosed           = errors.New("connection closed")
	ErrTimeout          = errors.New("operation timed out")
	ErrTunnelClosed     = errors.New("tunnel is closed")
	ErrAuthFailed       = errors.New("authentication failed")
)

// ── Structured error types ───────────────────────────────────────────

// ConnectError is a DNS or TCP failure while establishing the
// connection to the chat server.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// KeyExchangeError is a missing or malformed peer key, or a stream
// that closed before the exchange finished.
type KeyExchangeError struct {
	Op  string // "generate", "read", "parse", "write"
	Err error
}

func (e *KeyExchangeError) Error() string {
	return fmt.Sprintf("key exchange %s: %v", e.Op, e.Err)
}

func (e *KeyExchangeError) Unwrap() error { return e.Err }

// AuthCode is the 4-byte response the server sends after credentials.
type AuthCode int32

const (
	AuthNotRegistered   AuthCode = 0
	AuthSuccess         AuthCode = 1
	AuthWrongPassword   AuthCode = 2
	AuthAlreadyLoggedIn AuthCode = 3
)

// String returns the human-readable meaning of the code.
func (c AuthCode) String() string {
	switch c {
	case AuthSuccess:
		return "success"
	case AuthNotRegistered:
		return "user not registered"
	case AuthWrongPassword:
		return "wrong password"
	case AuthAlreadyLoggedIn:
		return "user already logged in elsewhere"
	default:
		return fmt.Sprintf("unexpected response code %d", int32(c))
	}
}

// AuthError reports a rejected login.  Code is meaningful only when
// Err is nil; a non-nil Err means the exchange itself broke down.
type AuthError struct {
	Code AuthCode
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %v", e.Err)
	}
	return "auth: " + e.Code.String()
}

func (e *AuthError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrAuthFailed
}

// ProtocolError is a frame that violates the wire format: a malformed
// header, a chunk count mismatch, or an oversized segment.
type ProtocolError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	s := "protocol " + e.Op
	if e.Detail != "" {
		s += ": " + e.Detail
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IoError is a read or write failure on the transport, including
// timeouts and premature close.
type IoError struct {
	Op  string // "read", "write", "close"
	Err error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// CryptoError is an RSA encrypt or decrypt failure on a single block.
type CryptoError struct {
	Op  string // "encrypt", "decrypt"
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// WrapIO creates an IoError, mapping deadline expiry to ErrTimeout and
// a closed socket to ErrClosed so callers can match on the sentinels.
func WrapIO(op string, err error) *IoError {
	switch {
	case isTimeout(err):
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	case isClosed(err):
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return &IoError{Op: op, Err: err}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Protocol creates a ProtocolError with a formatted detail.
func Protocol(op, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// ── Classification helpers ───────────────────────────────────────────

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || isTimeout(err)
}

// IsClosed reports whether err means the peer or the local side closed
// the stream.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) || isClosed(err)
}

// Classify returns a short label for err, used in log lines and metric
// labels.
func Classify(err error) string {
	var (
		ce  *ConnectError
		ke  *KeyExchangeError
		ae  *AuthError
		pe  *ProtocolError
		ie  *IoError
		cre *CryptoError
		se  *SSHError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &ce):
		return "connect"
	case errors.As(err, &se):
		return "ssh"
	case errors.As(err, &ke):
		return "key_exchange"
	case errors.As(err, &ae):
		return "auth"
	case errors.As(err, &pe):
		return "protocol"
	case errors.As(err, &cre):
		return "crypto"
	case errors.As(err, &ie):
		return "io"
	default:
		return "other"
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use exochat/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
