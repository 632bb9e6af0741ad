package config

// loader.go - configuration loading from files and environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (LoadFromEnv)
//   3. TOML config file  (LoadFile, --config)
//   4. Defaults   (defaults.go)

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	ncerr "exochat/internal/errors"
)

// ── Config file ──────────────────────────────────────────────────────

// LoadFile overlays the TOML file at path onto cfg.  Keys absent from
// the file keep their current value.  Durations are written as strings
// such as "5s".  Unknown keys are rejected so a typo does not silently
// fall back to a default.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return &ncerr.ConfigError{
			Field:   "config",
			Value:   path,
			Message: err.Error(),
		}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return &ncerr.ConfigError{
			Field:   "config",
			Value:   path,
			Message: fmt.Sprintf("unknown keys: %s", strings.Join(keys, ", ")),
		}
	}
	cfg.ConfigFile = path
	return nil
}

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the EXOCHAT_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flags are applied so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := env("HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("PORT"); v > 0 {
		cfg.Port = v
	}
	if v := envInt("LOCAL_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if v := envInt("TIMEOUT"); v > 0 {
		cfg.ConnTimeout = secondsDuration(v)
	}
	if v := envInt("HANDSHAKE_TIMEOUT"); v > 0 {
		cfg.HandshakeTimeout = secondsDuration(v)
	}
	if envBool("LENIENT") {
		cfg.LenientDecode = true
	}
	if envBool("NO_DNS") {
		cfg.NoDNS = true
	}

	// Credentials
	if v := env("USER"); v != "" {
		cfg.Username = v
	}
	if v := env("PASSWORD"); v != "" {
		cfg.Password = v
	}

	// SSH tunnel
	if v := env("TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := env("SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if v := env("SSH_PASSWORD"); v != "" {
		cfg.SSHSecret = v
	}
	if envBool("SSH_PASSWORD_PROMPT") {
		cfg.SSHPassword = true
	}
	if v := env("SSH_PASSPHRASE"); v != "" {
		cfg.SSHPassphrase = v
	}
	if envBool("SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := env("KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if v := env("METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func env(key string) string { return os.Getenv(EnvPrefix + key) }

func envInt(key string) int {
	v := env(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(env(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
