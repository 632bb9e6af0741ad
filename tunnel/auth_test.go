package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

// noPrompt fails the test if a secret is asked for.
func noPrompt(t *testing.T) Prompter {
	return func(p string) (string, error) {
		t.Errorf("unexpected prompt %q", p)
		return "", errors.New("no prompt")
	}
}

// TestBuildAuthMethods_ExplicitKey verifies that a key file is loaded.
func TestBuildAuthMethods_ExplicitKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_test")
	writeTestKey(t, keyPath, "")

	methods, err := BuildAuthMethods(&SSHConfig{KeyPath: keyPath, Prompt: noPrompt(t)})
	if err != nil {
		t.Fatalf("BuildAuthMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d methods, want 1", len(methods))
	}
}

// TestBuildAuthMethods_MissingKey verifies a clear error for a bad path.
func TestBuildAuthMethods_MissingKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	_, err := BuildAuthMethods(&SSHConfig{KeyPath: "/nonexistent/key"})
	if err == nil {
		t.Fatal("expected error for missing key")
	}
}

// TestBuildAuthMethods_ConfiguredPassword verifies a password from the
// configuration adds password and keyboard-interactive auth without
// prompting.
func TestBuildAuthMethods_ConfiguredPassword(t *testing.T) {
	methods, err := BuildAuthMethods(&SSHConfig{Password: "secret", Prompt: noPrompt(t)})
	if err != nil {
		t.Fatalf("BuildAuthMethods: %v", err)
	}
	if len(methods) != 2 {
		t.Fatalf("got %d methods, want password and keyboard-interactive", len(methods))
	}
}

// TestBuildAuthMethods_Passphrase covers encrypted key files.
func TestBuildAuthMethods_Passphrase(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		prompted   string
		wantPrompt bool
		wantErr    bool
	}{
		{"configured", "hunter2", "", false, false},
		{"prompted", "", "hunter2", true, false},
		{"wrong configured", "wrong", "", false, true},
		{"wrong prompted", "", "wrong", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyPath := filepath.Join(t.TempDir(), "id_test")
			writeTestKey(t, keyPath, "hunter2")

			prompted := false
			cfg := &SSHConfig{
				KeyPath:    keyPath,
				Passphrase: tt.configured,
				Prompt: func(string) (string, error) {
					prompted = true
					return tt.prompted, nil
				},
			}
			_, err := BuildAuthMethods(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildAuthMethods err = %v, wantErr %v", err, tt.wantErr)
			}
			if prompted != tt.wantPrompt {
				t.Errorf("prompted = %v, want %v", prompted, tt.wantPrompt)
			}
		})
	}
}

// TestBuildAuthMethods_Discovery verifies default keys in ~/.ssh are
// found, and that an encrypted one is used only with a configured
// passphrase.
func TestBuildAuthMethods_Discovery(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.Mkdir(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	writeTestKey(t, filepath.Join(home, ".ssh", "id_ed25519"), "hunter2")

	_, err := BuildAuthMethods(&SSHConfig{Prompt: noPrompt(t)})
	if !errors.Is(err, ErrNoAuthMethods) {
		t.Fatalf("without passphrase: err = %v, want ErrNoAuthMethods", err)
	}

	methods, err := BuildAuthMethods(&SSHConfig{Passphrase: "hunter2", Prompt: noPrompt(t)})
	if err != nil {
		t.Fatalf("with passphrase: %v", err)
	}
	if len(methods) != 1 {
		t.Errorf("got %d methods, want 1", len(methods))
	}
}

// TestSecret_AsksOnce verifies a prompted secret is cached until
// forgotten.
func TestSecret_AsksOnce(t *testing.T) {
	calls := 0
	s := newSecret("", "pw: ", func(string) (string, error) {
		calls++
		return "x", nil
	})
	for i := 0; i < 3; i++ {
		if v, err := s.get(); err != nil || v != "x" {
			t.Fatalf("get = %q, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("asked %d times, want 1", calls)
	}
	s.forget()
	s.get() //nolint:errcheck
	if calls != 2 {
		t.Errorf("asked %d times after forget, want 2", calls)
	}
}

// TestAnswerWith verifies only hidden questions get the password.
func TestAnswerWith(t *testing.T) {
	answers, err := answerWith(newSecret("secret", "", nil))("", "", []string{"Token (shown): ", "Password: "}, []bool{true, false})
	if err != nil {
		t.Fatal(err)
	}
	if answers[0] != "" || answers[1] != "secret" {
		t.Errorf("answers = %q", answers)
	}
}

// TestHostKeyCallback_Insecure verifies that InsecureIgnoreHostKey is used
// when StrictHostKey is false.
func TestHostKeyCallback_Insecure(t *testing.T) {
	cb, err := hostKeyCallback(&SSHConfig{StrictHostKey: false})
	if err != nil {
		t.Fatal(err)
	}
	if cb == nil {
		t.Fatal("callback should not be nil")
	}
}

// TestHostKeyCallback_MissingFile verifies strict checking needs a
// readable known_hosts.
func TestHostKeyCallback_MissingFile(t *testing.T) {
	_, err := hostKeyCallback(&SSHConfig{StrictHostKey: true, KnownHosts: "/nonexistent/known_hosts"})
	if err == nil {
		t.Fatal("expected error for missing known_hosts")
	}
}

// ── helpers ──────────────────────────────────────────────────────────

// writeTestKey writes a fresh ed25519 key in OpenSSH format, encrypted
// when passphrase is not empty.
func writeTestKey(t *testing.T, path, passphrase string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "exochat-test")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "exochat-test", []byte(passphrase))
	}
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
}
