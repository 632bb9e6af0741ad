// Package core is the orchestration layer.  It composes a dialer, the
// session controller and a console into a runnable mode and provides a
// builder that assembles it from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  handshake/codec  →  dispatch  →  session  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete run of exochat, from login to logout.
type Mode interface {
	Run(ctx context.Context) error
}
