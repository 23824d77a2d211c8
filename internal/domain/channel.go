package domain

import "context"

// Channel is a user-facing surface (CLI, HTTP API, MCP stdio).
type Channel interface {
	Name() string
	// Start serves until ctx is cancelled or the surface ends on its own.
	Start(ctx context.Context) error
}
