package workflow

import (
	"context"

	"github.com/gobbyhq/gobby/pkg/autonomous"
)

// MCPInvoker routes a tool call to an upstream or internal MCP server. The
// proxy manager satisfies it; keeping it an interface here avoids a package
// cycle with the proxy's phase-aware tool filtering.
type MCPInvoker interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error)
}

// SessionSpawner launches the next chained session.
type SessionSpawner interface {
	StartSession(ctx context.Context, req autonomous.ChainRequest) (int, error)
}
