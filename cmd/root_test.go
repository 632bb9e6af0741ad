package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"exochat/internal/chattest"
	ncerr "exochat/internal/errors"
)

// TestExecute_Version verifies --version prints a version string.
func TestExecute_Version(t *testing.T) {
	var out bytes.Buffer
	err := execute(context.Background(), []string{"--version"}, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "exochat ") {
		t.Errorf("output = %q", out.String())
	}
}

// TestExecute_Help verifies --help (and no args) returns without error.
func TestExecute_Help(t *testing.T) {
	t.Setenv("EXOCHAT_HOST", "")
	for _, args := range [][]string{{"--help"}, {}} {
		name := "no-args"
		if len(args) > 0 {
			name = args[0]
		}
		t.Run(name, func(t *testing.T) {
			err := Execute(context.Background(), args)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestExecute_DryRun verifies --dry-run validates and exits cleanly
// without asking for a password.
func TestExecute_DryRun(t *testing.T) {
	readSecret = func(string) (string, error) {
		t.Fatal("dry run must not prompt")
		return "", nil
	}
	t.Cleanup(func() { readSecret = defaultReadSecret })

	var out bytes.Buffer
	err := execute(context.Background(), []string{
		"-u", "alice", "-T", "admin@bastion:2222", "--ssh-agent", "--dry-run", "10.0.0.2", "5000",
	}, strings.NewReader(""), &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"server:    10.0.0.2:5000", "user:      alice", "tunnel:    admin@bastion:2222"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("plan %q missing %q", out.String(), want)
		}
	}
}

// TestExecute_DryRunInvalid verifies --dry-run still catches bad configs.
func TestExecute_DryRunInvalid(t *testing.T) {
	t.Setenv("EXOCHAT_PORT", "")
	tests := []struct {
		name string
		args []string
	}{
		{"no port", []string{"-u", "alice", "--dry-run", "10.0.0.2"}},
		{"no user", []string{"--dry-run", "10.0.0.2", "5000"}},
		{"bad port", []string{"-u", "alice", "--dry-run", "10.0.0.2", "port"}},
		{"too many", []string{"-u", "alice", "--dry-run", "a", "1", "2"}},
		{"bad tunnel", []string{"-u", "alice", "-T", "gw:99999", "--dry-run", "a", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Execute(context.Background(), tt.args); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

// TestExecute_InvalidFlags verifies unknown flags produce an error.
func TestExecute_InvalidFlags(t *testing.T) {
	err := Execute(context.Background(), []string{"--nonexistent-flag"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

// TestParse_Precedence verifies flags > env > file > defaults.
func TestParse_Precedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exochat.toml")
	body := "host = \"file-host\"\nport = 5000\nusername = \"file-user\"\nverbose = 1\nhandshake_timeout = \"2s\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EXOCHAT_USER", "env-user")
	t.Setenv("EXOCHAT_PORT", "6000")

	cfg, _, _, err := parse([]string{"--config", path, "-u", "flag-user"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "file-host" {
		t.Errorf("Host = %q, want file value", cfg.Host)
	}
	if cfg.Port != 6000 {
		t.Errorf("Port = %d, want env value", cfg.Port)
	}
	if cfg.Username != "flag-user" {
		t.Errorf("Username = %q, want flag value", cfg.Username)
	}
	if cfg.Verbose != 1 {
		t.Errorf("Verbose = %d, want file value kept", cfg.Verbose)
	}
	if cfg.HandshakeTimeout != 2*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 2s", cfg.HandshakeTimeout)
	}

	cfg, _, _, err = parse([]string{"--config=" + path, "-vv", "-w", "7", "other-host", "7000"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "other-host" || cfg.Port != 7000 {
		t.Errorf("positional address = %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.Verbose != 2 {
		t.Errorf("Verbose = %d, want 2", cfg.Verbose)
	}
	if cfg.ConnTimeout != 7*time.Second {
		t.Errorf("ConnTimeout = %v, want 7s", cfg.ConnTimeout)
	}
}

func TestParse_MissingConfigFile(t *testing.T) {
	_, _, _, err := parse([]string{"--config", filepath.Join(t.TempDir(), "nope.toml")})
	var ce *ncerr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
}

// TestExecute_Login runs a full login against an in-process server,
// prompting for the password, and quits from the console.
func TestExecute_Login(t *testing.T) {
	t.Setenv("EXOCHAT_PASSWORD", "")
	srv := chattest.NewServer(t)
	srv.Check = func(user, pass string) ncerr.AuthCode {
		if user == "alice" && pass == "s3cret" {
			return ncerr.AuthSuccess
		}
		return ncerr.AuthWrongPassword
	}
	var prompt string
	readSecret = func(p string) (string, error) {
		prompt = p
		return "s3cret", nil
	}
	t.Cleanup(func() { readSecret = defaultReadSecret })

	host, port := srv.Addr()
	var out bytes.Buffer
	err := execute(context.Background(), []string{"-u", "alice", host, strconv.Itoa(port)},
		strings.NewReader("/quit\n"), &out)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.HasPrefix(prompt, "Password for alice@") {
		t.Errorf("prompt = %q", prompt)
	}
	if !strings.Contains(out.String(), "logged in to ") {
		t.Errorf("output = %q", out.String())
	}
}

// TestExecute_WrongPassword verifies a rejected login is returned as
// an AuthError.
func TestExecute_WrongPassword(t *testing.T) {
	srv := chattest.NewServer(t)
	srv.Check = func(_, _ string) ncerr.AuthCode { return ncerr.AuthWrongPassword }
	t.Setenv("EXOCHAT_PASSWORD", "nope")

	host, port := srv.Addr()
	err := execute(context.Background(), []string{"-u", "alice", host, strconv.Itoa(port)},
		strings.NewReader(""), &bytes.Buffer{})
	var ae *ncerr.AuthError
	if !errors.As(err, &ae) || ae.Code != ncerr.AuthWrongPassword {
		t.Fatalf("error = %v, want wrong-password AuthError", err)
	}
}

// TestExecute_RetryPassword verifies a rejected password is asked for
// again after the user chooses to log in once more.
func TestExecute_RetryPassword(t *testing.T) {
	t.Setenv("EXOCHAT_PASSWORD", "")
	srv := chattest.NewServer(t)
	srv.Check = func(_, pass string) ncerr.AuthCode {
		if pass == "s3cret" {
			return ncerr.AuthSuccess
		}
		return ncerr.AuthWrongPassword
	}
	answers := []string{"typo", "s3cret"}
	asked := 0
	readSecret = func(string) (string, error) {
		pw := answers[asked]
		asked++
		return pw, nil
	}
	t.Cleanup(func() { readSecret = defaultReadSecret })

	host, port := srv.Addr()
	var out bytes.Buffer
	err := execute(context.Background(), []string{"-u", "alice", host, strconv.Itoa(port)},
		strings.NewReader("\n/quit\n"), &out)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if asked != 2 {
		t.Errorf("asked for the password %d times, want 2", asked)
	}
	if !strings.Contains(out.String(), "login failed") || !strings.Contains(out.String(), "logged in to ") {
		t.Errorf("output = %q", out.String())
	}
}
