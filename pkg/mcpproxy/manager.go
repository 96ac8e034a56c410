package mcpproxy

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var managerLog = logger.New("mcpproxy:manager")

// Upstream connection states.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateClosed     State = "closed"
)

// Backoff bounds for degraded upstreams.
const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute
)

// connectTimeout bounds one upstream connection attempt.
const connectTimeout = 15 * time.Second

// UpstreamConfig describes one configured upstream MCP server: either a
// command to spawn over stdio or a streamable HTTP endpoint.
type UpstreamConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// Catalog is an immutable snapshot of an upstream's tools. Each successful
// connection produces a new generation; readers holding an old catalog keep a
// consistent view.
type Catalog struct {
	Generation int
	Tools      []*mcp.Tool
}

type upstream struct {
	cfg UpstreamConfig

	mu         sync.Mutex
	state      State
	session    *mcp.ClientSession
	catalog    *Catalog
	generation int
	backoff    time.Duration
	nextRetry  time.Time
	lastErr    error
}

// Gate decides whether a tool is visible right now. The daemon wires it to
// the workflow engine's phase permissions; nil means everything is allowed.
type Gate func(server, tool string) bool

// Manager owns the upstream pool and the internal registries, and routes
// tool calls by server name.
type Manager struct {
	mu        sync.RWMutex
	upstreams map[string]*upstream
	internals map[string]*InternalServer
	gate      Gate
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		upstreams: map[string]*upstream{},
		internals: map[string]*InternalServer{},
	}
}

// AddUpstream registers an upstream server. Connection is lazy: the first
// call routed to it dials.
func (m *Manager) AddUpstream(cfg UpstreamConfig) error {
	if cfg.Name == "" {
		return errkind.New(errkind.InvalidInput, "upstream server needs a name")
	}
	if cfg.Command == "" && cfg.URL == "" {
		return errkind.New(errkind.InvalidInput, "upstream %s needs a command or a url", cfg.Name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.upstreams[cfg.Name]; exists {
		return errkind.New(errkind.Conflict, "upstream %s already registered", cfg.Name)
	}
	if _, exists := m.internals[cfg.Name]; exists {
		return errkind.New(errkind.Conflict, "%s is reserved for an internal registry", cfg.Name)
	}
	m.upstreams[cfg.Name] = &upstream{cfg: cfg, state: StateIdle}
	managerLog.Printf("Registered upstream %s", cfg.Name)
	return nil
}

// AddInternal registers an in-process registry.
func (m *Manager) AddInternal(s *InternalServer) {
	m.mu.Lock()
	m.internals[s.Name] = s
	m.mu.Unlock()
}

// SetGate installs the phase-aware tool filter.
func (m *Manager) SetGate(g Gate) {
	m.mu.Lock()
	m.gate = g
	m.mu.Unlock()
}

// Servers lists all known server names, internal registries first.
func (m *Manager) Servers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.internals)+len(m.upstreams))
	for name := range m.internals {
		out = append(out, name)
	}
	for name := range m.upstreams {
		out = append(out, name)
	}
	return out
}

// Internal returns a registered internal registry, or nil.
func (m *Manager) Internal(name string) *InternalServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.internals[name]
}

// UpstreamState reports an upstream's connection state.
func (m *Manager) UpstreamState(name string) (State, bool) {
	m.mu.RLock()
	u := m.upstreams[name]
	m.mu.RUnlock()
	if u == nil {
		return "", false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state, true
}

// CallTool routes a call to an internal registry or an upstream. Internal
// and gated failures come back as {status, error} payloads; transport-level
// upstream failures return an UpstreamUnavailable error.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error) {
	m.mu.RLock()
	gate := m.gate
	internal := m.internals[server]
	u := m.upstreams[server]
	m.mu.RUnlock()

	if gate != nil && !gate(server, tool) {
		return errorPayload(fmt.Sprintf("tool %s on %s is not available in the current phase", tool, server)), nil
	}
	if internal != nil {
		return internal.call(ctx, tool, args), nil
	}
	if u == nil {
		return nil, errkind.New(errkind.NotFound, "unknown MCP server %q", server)
	}

	session, err := m.ready(ctx, u)
	if err != nil {
		return nil, err
	}
	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		m.degrade(u, err)
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, err, fmt.Sprintf("call %s on %s", tool, server))
	}
	return resultPayload(result), nil
}

// Catalog returns the current tool catalog for an upstream, connecting if
// necessary.
func (m *Manager) Catalog(ctx context.Context, server string) (*Catalog, error) {
	m.mu.RLock()
	u := m.upstreams[server]
	m.mu.RUnlock()
	if u == nil {
		return nil, errkind.New(errkind.NotFound, "unknown upstream %q", server)
	}
	if _, err := m.ready(ctx, u); err != nil {
		return nil, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.catalog, nil
}

// Close shuts every upstream session down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, u := range m.upstreams {
		u.mu.Lock()
		if u.session != nil {
			if err := u.session.Close(); err != nil {
				managerLog.Printf("warn: closing upstream %s: %v", name, err)
			}
			u.session = nil
		}
		u.state = StateClosed
		u.mu.Unlock()
	}
	return nil
}

// ready returns a live session for the upstream, dialing when idle and
// honoring the degraded backoff window.
func (m *Manager) ready(ctx context.Context, u *upstream) (*mcp.ClientSession, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateReady:
		return u.session, nil
	case StateClosed:
		return nil, errkind.New(errkind.UpstreamUnavailable, "upstream %s is closed", u.cfg.Name)
	case StateDegraded:
		if time.Now().Before(u.nextRetry) {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, u.lastErr,
				fmt.Sprintf("upstream %s is degraded, retry after %s", u.cfg.Name, time.Until(u.nextRetry).Round(time.Second)))
		}
	}

	u.state = StateConnecting
	session, tools, err := connect(ctx, u.cfg)
	if err != nil {
		u.state = StateDegraded
		u.lastErr = err
		if u.backoff == 0 {
			u.backoff = initialBackoff
		} else if u.backoff < maxBackoff {
			u.backoff *= 2
			if u.backoff > maxBackoff {
				u.backoff = maxBackoff
			}
		}
		u.nextRetry = time.Now().Add(u.backoff)
		managerLog.Printf("warn: upstream %s degraded (backoff %s): %v", u.cfg.Name, u.backoff, err)
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, err, fmt.Sprintf("connect upstream %s", u.cfg.Name))
	}

	u.session = session
	u.generation++
	u.catalog = &Catalog{Generation: u.generation, Tools: tools}
	u.state = StateReady
	u.backoff = 0
	u.lastErr = nil
	managerLog.Printf("Upstream %s ready (generation %d, %d tools)", u.cfg.Name, u.generation, len(tools))
	return session, nil
}

// degrade marks an upstream broken after a mid-session failure so the next
// call redials.
func (m *Manager) degrade(u *upstream, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.session != nil {
		_ = u.session.Close()
		u.session = nil
	}
	u.state = StateDegraded
	u.lastErr = err
	u.backoff = initialBackoff
	u.nextRetry = time.Now().Add(u.backoff)
	managerLog.Printf("warn: upstream %s degraded after call failure: %v", u.cfg.Name, err)
}

// connect dials an upstream and snapshots its tool list.
func connect(ctx context.Context, cfg UpstreamConfig) (*mcp.ClientSession, []*mcp.Tool, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "gobby-proxy", Version: "1.0.0"}, &mcp.ClientOptions{
		Logger: logger.NewSlogLoggerWithHandler(managerLog),
	})

	var transport mcp.Transport
	if cfg.URL != "" {
		t := &mcp.StreamableClientTransport{Endpoint: cfg.URL}
		if len(cfg.Headers) > 0 {
			t.HTTPClient = &http.Client{Transport: &headerRoundTripper{
				base:    http.DefaultTransport,
				headers: cfg.Headers,
			}}
		}
		transport = t
	} else {
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = os.Environ()
		for key, value := range cfg.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, os.ExpandEnv(value)))
		}
		transport = &mcp.CommandTransport{Command: cmd}
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		return nil, nil, err
	}

	listCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	toolsResult, err := session.ListTools(listCtx, &mcp.ListToolsParams{})
	if err != nil {
		_ = session.Close()
		return nil, nil, err
	}
	return session, toolsResult.Tools, nil
}

// resultPayload flattens an upstream CallToolResult into the status payload
// shape internal registries use.
func resultPayload(result *mcp.CallToolResult) map[string]any {
	var text string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			if text != "" {
				text += "\n"
			}
			text += tc.Text
		}
	}
	if result.IsError {
		return errorPayload(text)
	}
	payload := map[string]any{"status": "ok"}
	if text != "" {
		payload["content"] = text
	}
	if result.StructuredContent != nil {
		payload["structured"] = result.StructuredContent
	}
	return payload
}

// headerRoundTripper injects static headers into every upstream HTTP request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for key, value := range h.headers {
		clone.Header.Set(key, os.ExpandEnv(value))
	}
	return h.base.RoundTrip(clone)
}
