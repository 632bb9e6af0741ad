package util

import (
	"fmt"
	"io"
	"net"
	"testing"
)

func TestResolveAddr(t *testing.T) {
	tests := []struct {
		host    string
		port    int
		noDNS   bool
		want    string
		wantErr bool
	}{
		{"127.0.0.1", 5000, true, "127.0.0.1:5000", false},
		{"::1", 443, true, "[::1]:443", false},
		{"chat.example.com", 5000, false, "chat.example.com:5000", false},
		{"chat.example.com", 5000, true, "", true}, // hostname with noDNS
	}

	for _, tt := range tests {
		got, err := ResolveAddr(tt.host, tt.port, tt.noDNS)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveAddr(%q,%d,%v) err=%v wantErr=%v",
				tt.host, tt.port, tt.noDNS, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveAddr(%q,%d,%v) = %q, want %q",
				tt.host, tt.port, tt.noDNS, got, tt.want)
		}
	}
}

func TestFormatAddr(t *testing.T) {
	if got := FormatAddr("1.2.3.4", 22); got != "1.2.3.4:22" {
		t.Errorf("got %q, want %q", got, "1.2.3.4:22")
	}
}

func TestIsHarmless(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"net closed", net.ErrClosed, true},
		{"op error closed", &net.OpError{Op: "read", Err: net.ErrClosed}, true},
		{"other", fmt.Errorf("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHarmless(tt.err); got != tt.want {
				t.Errorf("IsHarmless(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
