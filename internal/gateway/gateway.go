// Package gateway defines the interface for the entry points that drive a
// session: the console REPL, the HTTP API and the MCP server.
package gateway

import "context"

// Gateway is a user- or client-facing entry point.
type Gateway interface {
	// Start runs the gateway and blocks until it exits or the context is
	// canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period.
	Stop(ctx context.Context) error
}
