package errors

import (
	"fmt"
	"io"
	"net"
	"os"
	"testing"
)

func TestConnectError_Format(t *testing.T) {
	err := &ConnectError{Addr: "chat.example.com:5000", Err: fmt.Errorf("connection refused")}
	want := "connect chat.example.com:5000: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAuthError_Messages(t *testing.T) {
	tests := []struct {
		code AuthCode
		want string
	}{
		{AuthNotRegistered, "auth: user not registered"},
		{AuthWrongPassword, "auth: wrong password"},
		{AuthAlreadyLoggedIn, "auth: user already logged in elsewhere"},
		{AuthCode(42), "auth: unexpected response code 42"},
	}
	seen := map[string]bool{}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			err := &AuthError{Code: tt.code}
			if got := err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if !Is(err, ErrAuthFailed) {
				t.Error("code-only AuthError should match ErrAuthFailed")
			}
			if seen[err.Error()] {
				t.Errorf("duplicate message %q", err.Error())
			}
			seen[err.Error()] = true
		})
	}
}

func TestAuthError_UnwrapsCause(t *testing.T) {
	err := &AuthError{Err: io.ErrUnexpectedEOF}
	if !Is(err, io.ErrUnexpectedEOF) {
		t.Error("should unwrap to the cause")
	}
	if err.Error() != "auth: unexpected EOF" {
		t.Errorf("got %q", err.Error())
	}
}

func TestProtocolError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *ProtocolError
		want string
	}{
		{
			name: "detail only",
			err:  Protocol("header", "malformed %q", "SIZE:x"),
			want: `protocol header: malformed "SIZE:x"`,
		},
		{
			name: "detail and cause",
			err:  &ProtocolError{Op: "chunk", Detail: "chunk 2 of 3", Err: io.EOF},
			want: "protocol chunk: chunk 2 of 3: EOF",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSSHError_Format(t *testing.T) {
	err := WrapSSH("handshake", "bastion.example.com", 22, fmt.Errorf("connection refused"))
	want := "ssh handshake bastion.example.com:22: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSSHError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("auth fail")
	err := WrapSSH("auth", "host", 22, inner)
	if !Is(err, inner) {
		t.Error("should unwrap to inner error")
	}
}

func TestConfigError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  ConfigError
		want string
	}{
		{
			name: "with value and hint",
			err: ConfigError{
				Field:   "port",
				Value:   99999,
				Message: "out of range 1-65535",
				Hint:    "use a port between 1 and 65535",
			},
			want: "config: --port=99999: out of range 1-65535\n  hint: use a port between 1 and 65535",
		},
		{
			name: "missing value no hint",
			err: ConfigError{
				Field:   "username",
				Message: "required",
			},
			want: "config: --username: required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestWrapIO(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantTimeout bool
		wantClosed  bool
	}{
		{"eof", io.EOF, false, true},
		{"net closed", net.ErrClosed, false, true},
		{"deadline", os.ErrDeadlineExceeded, true, false},
		{"other", fmt.Errorf("boom"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapIO("read", tt.err)
			if got := IsTimeout(err); got != tt.wantTimeout {
				t.Errorf("IsTimeout = %v, want %v", got, tt.wantTimeout)
			}
			if got := IsClosed(err); got != tt.wantClosed {
				t.Errorf("IsClosed = %v, want %v", got, tt.wantClosed)
			}
			if !Is(err, tt.err) {
				t.Error("should unwrap to the original error")
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "none"},
		{&ConnectError{Addr: "x", Err: io.EOF}, "connect"},
		{fmt.Errorf("tunnel: %w", WrapSSH("auth", "bastion", 22, io.EOF)), "ssh"},
		{&KeyExchangeError{Op: "parse", Err: io.EOF}, "key_exchange"},
		{&AuthError{Code: AuthWrongPassword}, "auth"},
		{Protocol("header", "bad"), "protocol"},
		{&ProtocolError{Op: "chunk", Err: &CryptoError{Op: "decrypt", Err: io.EOF}}, "protocol"},
		{&CryptoError{Op: "decrypt", Err: io.EOF}, "crypto"},
		{WrapIO("read", io.EOF), "io"},
		{fmt.Errorf("wrapped: %w", WrapIO("write", io.EOF)), "io"},
		{fmt.Errorf("boom"), "other"},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSentinels(t *testing.T) {
	// Verify sentinel errors are distinct.
	sentinels := []error{
		ErrNotConnected, ErrAlreadyConnected, ErrClosed,
		ErrTimeout, ErrTunnelClosed, ErrAuthFailed,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && Is(a, b) {
				t.Errorf("sentinel %d and %d should not match", i, j)
			}
		}
	}
}
