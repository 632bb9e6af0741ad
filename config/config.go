// Package config defines the runtime configuration for exochat and
// provides helpers for parsing ports and SSH tunnel specifications.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "exochat/internal/errors"
	"exochat/util"
)

// Config holds every tuneable for a single exochat login.
type Config struct {
	// ── Chat server ──────────────────────────────────────────────────
	Host             string        `toml:"host"`
	Port             int           `toml:"port"`
	LocalPort        int           `toml:"local_port"` // -p: local bind port
	ConnTimeout      time.Duration `toml:"conn_timeout"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	LenientDecode    bool          `toml:"lenient_decode"`
	NoDNS            bool          `toml:"no_dns"` // -n: host must be a numeric IP

	// ── Credentials ──────────────────────────────────────────────────
	Username string `toml:"username"`
	Password string `toml:"password"` // prompted when empty

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec     string `toml:"tunnel"` // raw user@host[:port] from -T
	TunnelEnabled  bool   `toml:"-"`
	TunnelUser     string `toml:"-"`
	TunnelHost     string `toml:"-"`
	TunnelPort     int    `toml:"-"`
	SSHKeyPath     string `toml:"ssh_key"`
	SSHPassword    bool   `toml:"ssh_password_prompt"` // --ssh-password: prompt for it
	SSHSecret      string `toml:"ssh_password"`        // bastion password, skips the prompt
	SSHPassphrase  string `toml:"ssh_passphrase"`      // for encrypted key files
	UseSSHAgent    bool   `toml:"ssh_agent"`
	StrictHostKey  bool   `toml:"strict_hostkey"`
	KnownHostsPath string `toml:"known_hosts"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose       int    `toml:"verbose"`
	MetricsListen string `toml:"metrics_listen"`
	ConfigFile    string `toml:"-"`
}

// New returns a Config populated with the package defaults.
func New() *Config {
	return &Config{
		ConnTimeout:      DefaultConnTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// Address returns the chat server address in host:port form.
func (c *Config) Address() string {
	return util.FormatAddr(c.Host, c.Port)
}

// ── Port helpers ─────────────────────────────────────────────────────

// ParsePort accepts a decimal port number in 1..65535.  The login form
// takes the port as free text, so surrounding spaces are tolerated.
func ParsePort(spec string) (int, error) {
	spec = strings.TrimSpace(spec)
	port, err := strconv.Atoi(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return port, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ApplyTunnelSpec parses TunnelSpec into the Tunnel* fields.  An empty
// spec leaves the tunnel disabled.
func (c *Config) ApplyTunnelSpec() error {
	if c.TunnelSpec == "" {
		c.TunnelEnabled = false
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: err.Error(),
			Hint:    "use -T user@bastion[:port]",
		}
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is complete enough to log in.
// The password is not checked here; the command prompts for it.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return &ncerr.ConfigError{
			Field:   "host",
			Message: "chat server address is required",
			Hint:    "exochat <host> <port>, or set host in the config file",
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		var v interface{}
		if c.Port != 0 {
			v = c.Port
		}
		return &ncerr.ConfigError{
			Field:   "port",
			Value:   v,
			Message: "chat server port must be in 1-65535",
			Hint:    "exochat <host> <port>",
		}
	}
	if strings.TrimSpace(c.Username) == "" {
		return &ncerr.ConfigError{
			Field:   "user",
			Message: "username is required",
			Hint:    "pass -u <name> or set EXOCHAT_USER",
		}
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return &ncerr.ConfigError{
			Field:   "local-port",
			Value:   c.LocalPort,
			Message: "local port must be in 0-65535",
		}
	}
	if c.HandshakeTimeout < 0 || c.ConnTimeout < 0 {
		return &ncerr.ConfigError{
			Field:   "timeout",
			Message: "timeouts cannot be negative",
		}
	}
	if c.TunnelEnabled {
		if c.TunnelHost == "" {
			return &ncerr.ConfigError{
				Field:   "tunnel",
				Value:   c.TunnelSpec,
				Message: "tunnel host is required",
				Hint:    "use -T user@bastion[:port]",
			}
		}
		if c.TunnelUser == "" {
			return &ncerr.ConfigError{
				Field:   "tunnel",
				Value:   c.TunnelSpec,
				Message: "tunnel user is required",
				Hint:    "prefix the bastion with the SSH login, e.g. -T admin@bastion",
			}
		}
	} else if c.SSHKeyPath != "" || c.SSHPassword || c.UseSSHAgent ||
		c.SSHSecret != "" || c.SSHPassphrase != "" {
		return &ncerr.ConfigError{
			Field:   "tunnel",
			Message: "SSH authentication options given without a tunnel",
			Hint:    "add -T user@bastion[:port] or drop the --ssh-* flags",
		}
	}
	return nil
}
