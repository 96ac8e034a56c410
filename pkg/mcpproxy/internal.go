// Package mcpproxy multiplexes MCP traffic: upstream servers are pooled
// behind per-upstream state machines, and the gobby-* registries are served
// in-process against storage. Tool failures surface as {status, error}
// payloads rather than protocol errors so an agent can read and react to
// them.
package mcpproxy

import (
	"context"
	"fmt"

	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var internalLog = logger.New("mcpproxy:internal")

// ToolHandler executes one internal tool. The returned value is merged into
// the {status: "ok"} payload; an error becomes {status: "error", error: msg}.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// InternalTool is one tool on an in-process registry.
type InternalTool struct {
	Name        string
	Description string
	Handler     ToolHandler
}

// InternalServer is an in-process MCP registry (gobby-tasks, gobby-memory,
// and friends). Tools are registered at construction and never change.
type InternalServer struct {
	Name  string
	order []string
	tools map[string]InternalTool
}

// NewInternalServer creates an empty registry.
func NewInternalServer(name string) *InternalServer {
	return &InternalServer{Name: name, tools: map[string]InternalTool{}}
}

// Add registers a tool.
func (s *InternalServer) Add(tool InternalTool) {
	if _, exists := s.tools[tool.Name]; !exists {
		s.order = append(s.order, tool.Name)
	}
	s.tools[tool.Name] = tool
}

// Tools returns the registered tools in registration order.
func (s *InternalServer) Tools() []InternalTool {
	out := make([]InternalTool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

// call runs a tool and folds the outcome into the status payload.
func (s *InternalServer) call(ctx context.Context, tool string, args map[string]any) map[string]any {
	t, ok := s.tools[tool]
	if !ok {
		return errorPayload(fmt.Sprintf("unknown tool %s on %s", tool, s.Name))
	}
	result, err := t.Handler(ctx, args)
	if err != nil {
		internalLog.Printf("%s.%s failed: %v", s.Name, tool, err)
		return errorPayload(err.Error())
	}
	payload := map[string]any{"status": "ok"}
	switch v := result.(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			if k != "status" {
				payload[k] = val
			}
		}
	default:
		payload["result"] = v
	}
	return payload
}

func errorPayload(msg string) map[string]any {
	return map[string]any{"status": "error", "error": msg}
}

// Argument accessors. Tool arguments arrive as decoded JSON; numbers are
// float64.

func argString(args map[string]any, key string) string {
	if v, ok := args[key]; ok && v != nil {
		return expr.CoerceString(v)
	}
	return ""
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func argBool(args map[string]any, key string) bool {
	return expr.Truthy(args[key])
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, expr.CoerceString(v))
	}
	return out
}
