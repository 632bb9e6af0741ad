package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"exochat/util"
)

// Prompter asks the user for a secret.  util.ReadSecret is the default.
type Prompter func(prompt string) (string, error)

// ErrNoAuthMethods means neither the configuration nor the environment
// offered a way to log in to the bastion.
var ErrNoAuthMethods = errors.New("no SSH authentication methods available for the bastion; " +
	"use --ssh-key, --ssh-password, --ssh-agent or EXOCHAT_SSH_PASSWORD")

// defaultKeyNames are tried from ~/.ssh when nothing explicit is given.
var defaultKeyNames = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// ── secrets ──────────────────────────────────────────────────────────

// secret is a value that comes from the configuration when set and is
// otherwise asked for at most once, so a tunnel reconnect does not
// prompt again.
type secret struct {
	mu     sync.Mutex
	value  string
	known  bool
	prompt string
	ask    Prompter
}

func newSecret(value, prompt string, ask Prompter) *secret {
	return &secret{value: value, known: value != "", prompt: prompt, ask: ask}
}

func (s *secret) get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known {
		return s.value, nil
	}
	v, err := s.ask(s.prompt)
	if err != nil {
		return "", err
	}
	s.value, s.known = v, true
	return v, nil
}

// forget drops a prompted value that turned out to be wrong.
func (s *secret) forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value, s.known = "", false
}

// ── method chain ─────────────────────────────────────────────────────

// BuildAuthMethods returns the methods offered to the bastion, in
// order: the configured key file, the agent, then the password (also
// used to answer keyboard-interactive challenges).  With none of those
// configured the agent and the usual ~/.ssh keys are tried.
//
// Secrets set in cfg (EXOCHAT_SSH_PASSWORD, EXOCHAT_SSH_PASSPHRASE or
// the config file) are used as given; the user is prompted only when
// they are missing and the server actually asks.
func BuildAuthMethods(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	ask := cfg.Prompt
	if ask == nil {
		ask = util.ReadSecret
	}

	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		passphrase := newSecret(cfg.Passphrase, fmt.Sprintf("Passphrase for %s: ", cfg.KeyPath), ask)
		signer, err := loadSigner(cfg.KeyPath, passphrase, true)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}

	if cfg.Password != "" || cfg.PromptPass {
		pw := newSecret(cfg.Password, fmt.Sprintf("SSH password for %s: ", cfg.Login()), ask)
		methods = append(methods,
			ssh.PasswordCallback(pw.get),
			ssh.KeyboardInteractive(answerWith(pw)),
		)
	}

	if len(methods) == 0 {
		methods = discoverAuthMethods(cfg.Passphrase)
	}
	if len(methods) == 0 {
		return nil, ErrNoAuthMethods
	}
	return methods, nil
}

// loadSigner reads a private key.  An encrypted key is opened with the
// passphrase; interactive controls whether a missing or wrong one may
// be asked for.
func loadSigner(path string, passphrase *secret, interactive bool) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		if err != nil {
			return nil, fmt.Errorf("parsing key: %w", err)
		}
		return signer, nil
	}

	if !passphrase.known && !interactive {
		return nil, fmt.Errorf("key is encrypted and no passphrase is configured")
	}
	pass, err := passphrase.get()
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(pass))
	if err != nil {
		passphrase.forget()
		return nil, fmt.Errorf("decrypting key: %w", err)
	}
	return signer, nil
}

// answerWith replies to every hidden keyboard-interactive question with
// the password.  Bastions that disable plain password auth usually ask
// exactly one such question.
func answerWith(pw *secret) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			if echos[i] {
				continue
			}
			v, err := pw.get()
			if err != nil {
				return nil, err
			}
			answers[i] = v
		}
		return answers, nil
	}
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// discoverAuthMethods offers the agent and any readable default key.
// Encrypted keys are used only when the configured passphrase opens
// them; discovery never prompts.
func discoverAuthMethods(passphrase string) []ssh.AuthMethod {
	var out []ssh.AuthMethod
	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	var signers []ssh.Signer
	for _, name := range defaultKeyNames {
		s, err := loadSigner(filepath.Join(home, ".ssh", name), newSecret(passphrase, "", nil), false)
		if err == nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		out = append(out, ssh.PublicKeys(signers...))
	}
	return out
}

// ── host keys ────────────────────────────────────────────────────────

// HostKeyError means the bastion presented a key that known_hosts does
// not vouch for.  Retrying cannot fix it.
type HostKeyError struct {
	Host    string
	Unknown bool // no entry at all, as opposed to a mismatch
	Err     error
}

func (e *HostKeyError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("host key for %s is not in known_hosts; add it with ssh-keyscan or drop --strict-hostkey", e.Host)
	}
	return fmt.Sprintf("host key for %s does not match known_hosts: %v", e.Host, e.Err)
}

func (e *HostKeyError) Unwrap() error { return e.Err }

// hostKeyCallback verifies the bastion against known_hosts when strict
// checking is on and accepts any key otherwise.
func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // user opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", path, err)
	}
	return func(host string, remote net.Addr, key ssh.PublicKey) error {
		err := check(host, remote, key)
		if err == nil {
			return nil
		}
		var ke *knownhosts.KeyError
		if errors.As(err, &ke) {
			return &HostKeyError{Host: host, Unknown: len(ke.Want) == 0, Err: err}
		}
		return err
	}, nil
}
