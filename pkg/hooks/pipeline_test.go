package hooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/pkg/autonomous"
	"github.com/gobbyhq/gobby/pkg/events"
	"github.com/gobbyhq/gobby/pkg/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{
		ProjectDir: t.TempDir(),
		DisableHub: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type engineFunc func(ctx context.Context, ev *events.HookEvent) *events.HookResponse

func (f engineFunc) HandleEvent(ctx context.Context, ev *events.HookEvent) *events.HookResponse {
	return f(ctx, ev)
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, ev *events.HookEvent) (*events.HookResponse, error)
}

func (h handlerFunc) Name() string { return h.name }
func (h handlerFunc) Handle(ctx context.Context, ev *events.HookEvent) (*events.HookResponse, error) {
	return h.fn(ctx, ev)
}

func TestDispatchCreatesSessionOnStart(t *testing.T) {
	store := newTestStore(t)
	p := NewPipeline(store, nil)

	resp := p.Dispatch(context.Background(), &events.HookEvent{
		Type:      events.SessionStart,
		SessionID: "s1",
		Metadata:  map[string]any{"source": "claude", "cwd": "/work"},
	})
	require.Equal(t, events.ActionContinue, resp.Action)

	sess, err := store.Sessions().Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "claude", sess.Source)
	require.Equal(t, "/work", sess.CWD)
}

func TestEngineBlockShortCircuitsHandlers(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, ev *events.HookEvent) *events.HookResponse {
		return events.Block("not in this phase")
	})
	p := NewPipeline(newTestStore(t), engine)

	handlerRan := false
	p.Register(handlerFunc{"probe", func(ctx context.Context, ev *events.HookEvent) (*events.HookResponse, error) {
		handlerRan = true
		return events.Continue(), nil
	}})

	resp := p.Dispatch(context.Background(), &events.HookEvent{Type: events.BeforeTool, SessionID: "s1", ToolName: "Edit"})
	require.Equal(t, events.ActionBlock, resp.Action)
	require.Equal(t, "not in this phase", resp.Message)
	require.False(t, handlerRan)
}

func TestHandlerResponsesMerge(t *testing.T) {
	p := NewPipeline(newTestStore(t), nil)
	p.Register(handlerFunc{"first", func(ctx context.Context, ev *events.HookEvent) (*events.HookResponse, error) {
		return events.Modify("context one"), nil
	}})
	p.Register(handlerFunc{"second", func(ctx context.Context, ev *events.HookEvent) (*events.HookResponse, error) {
		return events.Modify("context two"), nil
	}})

	resp := p.Dispatch(context.Background(), &events.HookEvent{Type: events.PromptSubmit, SessionID: "s1"})
	require.Equal(t, events.ActionModify, resp.Action)
	require.Contains(t, resp.InjectContext, "context one")
	require.Contains(t, resp.InjectContext, "context two")
}

func TestHandlerErrorIsSkipped(t *testing.T) {
	p := NewPipeline(newTestStore(t), nil)
	p.Register(handlerFunc{"broken", func(ctx context.Context, ev *events.HookEvent) (*events.HookResponse, error) {
		return nil, context.DeadlineExceeded
	}})
	p.Register(handlerFunc{"after", func(ctx context.Context, ev *events.HookEvent) (*events.HookResponse, error) {
		return events.Modify("still here"), nil
	}})

	resp := p.Dispatch(context.Background(), &events.HookEvent{Type: events.PromptSubmit, SessionID: "s1"})
	require.Contains(t, resp.InjectContext, "still here")
}

func TestPanicBecomesContinue(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, ev *events.HookEvent) *events.HookResponse {
		panic("engine bug")
	})
	p := NewPipeline(newTestStore(t), engine)

	resp := p.Dispatch(context.Background(), &events.HookEvent{Type: events.BeforeTool, SessionID: "s1"})
	require.Equal(t, events.ActionContinue, resp.Action)
}

func TestHookEndpointRoundTrip(t *testing.T) {
	engine := engineFunc(func(ctx context.Context, ev *events.HookEvent) *events.HookResponse {
		if ev.ToolName == "Edit" {
			return events.Block("read-only phase")
		}
		return events.Continue()
	})
	server := NewServer(NewPipeline(newTestStore(t), engine), nil, "test")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	body := `{"event_type":"before_tool","session_id":"s1","tool_name":"Edit"}`
	res, err := http.Post(ts.URL+"/hooks", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var resp events.HookResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	require.Equal(t, events.ActionBlock, resp.Action)
	require.Equal(t, "read-only phase", resp.Message)
}

func TestHookEndpointRejectsBadPayloads(t *testing.T) {
	server := NewServer(NewPipeline(newTestStore(t), nil), nil, "test")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/hooks", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Post(ts.URL+"/hooks", "application/json", strings.NewReader(`{"event_type":"stop"}`))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestStopEndpointIssuesSignal(t *testing.T) {
	stops := autonomous.NewStopRegistry(nil)
	server := NewServer(NewPipeline(newTestStore(t), nil), stops, "test")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/sessions/s9/stop", "application/json", strings.NewReader(`{"reason":"enough"}`))
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	sig, ok := stops.Has("s9")
	require.True(t, ok)
	require.Equal(t, "enough", sig.Reason)
	require.Equal(t, "api", sig.Source)
}

func TestHealthEndpoint(t *testing.T) {
	server := NewServer(NewPipeline(newTestStore(t), nil), nil, "1.2.3")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "1.2.3", body["version"])
}
