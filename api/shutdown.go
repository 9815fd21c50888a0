// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown unifies orderly termination of runtime components.
type GracefulShutdown interface {
	// Shutdown stops every internal service, drains queued work and
	// releases resources. Returns an error on failure.
	Shutdown() error
}
