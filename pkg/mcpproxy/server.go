package mcpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gobbyhq/gobby/pkg/logger"
)

var serverLog = logger.New("mcpproxy:server")

// httpReadHeaderTimeout bounds slow-header clients on the HTTP endpoint.
const httpReadHeaderTimeout = 10 * time.Second

// ToolName builds the client-facing name for a proxied tool.
func ToolName(server, tool string) string {
	return fmt.Sprintf("mcp__%s__%s", server, tool)
}

// BuildServer assembles the client-facing MCP endpoint: every internal
// registry tool plus every connected upstream's catalog, each exposed under
// its mcp__<server>__<tool> name and routed back through the manager (so the
// phase gate applies to endpoint traffic too).
func (m *Manager) BuildServer(ctx context.Context, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "gobby",
		Version: version,
	}, &mcp.ServerOptions{
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		Logger: logger.NewSlogLoggerWithHandler(serverLog),
	})

	m.mu.RLock()
	internals := make([]*InternalServer, 0, len(m.internals))
	for _, s := range m.internals {
		internals = append(internals, s)
	}
	upstreams := make([]*upstream, 0, len(m.upstreams))
	for _, u := range m.upstreams {
		upstreams = append(upstreams, u)
	}
	m.mu.RUnlock()

	for _, internal := range internals {
		for _, tool := range internal.Tools() {
			m.registerProxyTool(server, internal.Name, tool.Name, tool.Description, nil)
		}
	}

	for _, u := range upstreams {
		catalog, err := m.Catalog(ctx, u.cfg.Name)
		if err != nil {
			serverLog.Printf("warn: upstream %s not in catalog: %v", u.cfg.Name, err)
			continue
		}
		for _, tool := range catalog.Tools {
			m.registerProxyTool(server, u.cfg.Name, tool.Name, tool.Description, tool.InputSchema)
		}
	}

	return server
}

// registerProxyTool wires one tool name through Manager.CallTool. Without an
// upstream schema the input is an open object.
func (m *Manager) registerProxyTool(server *mcp.Server, serverName, toolName, description string, schema any) {
	if schema == nil {
		schema = &jsonschema.Schema{Type: "object"}
	}
	tool := &mcp.Tool{
		Name:        ToolName(serverName, toolName),
		Description: description,
		InputSchema: schema,
	}
	mcp.AddTool(server, tool, func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		payload, err := m.CallTool(ctx, serverName, toolName, args)
		if err != nil {
			payload = errorPayload(err.Error())
		}
		text, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return nil, nil, marshalErr
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
		}, payload, nil
	})
}

// RunStdio serves the endpoint over stdio until the context ends.
func (m *Manager) RunStdio(ctx context.Context, version string) error {
	server := m.BuildServer(ctx, version)
	serverLog.Print("MCP endpoint ready on stdio")
	return server.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler returns the streamable HTTP handler for the endpoint.
func (m *Manager) HTTPHandler(ctx context.Context, version string) http.Handler {
	server := m.BuildServer(ctx, version)
	return mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{
		Logger: logger.NewSlogLoggerWithHandler(serverLog),
	})
}

// ServeHTTP runs the endpoint on addr until the context ends.
func (m *Manager) ServeHTTP(ctx context.Context, addr, version string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           m.HTTPHandler(ctx, version),
		ReadHeaderTimeout: httpReadHeaderTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	serverLog.Printf("MCP endpoint listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
