package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, config file parsing, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultConnTimeout bounds the TCP (or tunnelled) dial to the chat
	// server.
	DefaultConnTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds each read and write of the key
	// exchange and login.  The steady-state session runs without one.
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultSSHConnTimeout is the SSH bastion connection timeout.
	DefaultSSHConnTimeout = 30 * time.Second

	// EnvPrefix prefixes every supported environment variable.
	EnvPrefix = "EXOCHAT_"
)
