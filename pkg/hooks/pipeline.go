// Package hooks receives hook events from CLI adapters and turns them into
// decisions: the workflow engine runs first, then any registered handlers in
// order. The pipeline is the daemon's safety boundary: whatever fails inside
// it, the CLI gets an answer.
package hooks

import (
	"context"
	"sync"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/events"
	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/logger"
	"github.com/gobbyhq/gobby/pkg/storage"
)

var pipelineLog = logger.New("hooks:pipeline")

// Engine is the workflow engine surface the pipeline drives. It never
// returns an error: enforcement failures degrade to continue internally.
type Engine interface {
	HandleEvent(ctx context.Context, ev *events.HookEvent) *events.HookResponse
}

// Handler is an additional hook consumer running after the engine. Handler
// errors are logged and skipped; they never fail the event.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev *events.HookEvent) (*events.HookResponse, error)
}

// Pipeline serializes hook events per session and fans them through the
// engine and handlers.
type Pipeline struct {
	store   *storage.Store
	engine  Engine
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	handler []Handler
}

// NewPipeline creates a pipeline. The engine may be nil (events pass through
// to handlers only).
func NewPipeline(store *storage.Store, engine Engine) *Pipeline {
	return &Pipeline{
		store:  store,
		engine: engine,
		locks:  map[string]*sync.Mutex{},
	}
}

// Register appends a handler. Handlers run in registration order after the
// engine; a block short-circuits the rest.
func (p *Pipeline) Register(h Handler) {
	p.handler = append(p.handler, h)
}

// Dispatch processes one event and always returns a response. Events for the
// same session run one at a time; different sessions run concurrently.
func (p *Pipeline) Dispatch(ctx context.Context, ev *events.HookEvent) (resp *events.HookResponse) {
	defer func() {
		if r := recover(); r != nil {
			pipelineLog.Printf("warn: panic handling %s for session %s: %v", ev.Type, ev.SessionID, r)
			resp = events.Continue()
		}
	}()

	lock := p.sessionLock(ev.SessionID)
	lock.Lock()
	defer lock.Unlock()

	p.ensureSession(ctx, ev)

	resp = events.Continue()
	if p.engine != nil {
		resp = resp.Merge(p.engine.HandleEvent(ctx, ev))
		if resp.Action == events.ActionBlock {
			return resp
		}
	}
	for _, h := range p.handler {
		r, err := h.Handle(ctx, ev)
		if err != nil {
			pipelineLog.Printf("warn: handler %s failed on %s: %v", h.Name(), ev.Type, err)
			continue
		}
		resp = resp.Merge(r)
		if resp.Action == events.ActionBlock {
			break
		}
	}
	return resp
}

func (p *Pipeline) sessionLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[sessionID] = lock
	}
	return lock
}

// ensureSession materializes the session row on first contact and keeps the
// cheap bookkeeping fields fresh. Failures are logged, never fatal: an event
// without a session row still gets a decision.
func (p *Pipeline) ensureSession(ctx context.Context, ev *events.HookEvent) {
	if p.store == nil || ev.SessionID == "" {
		return
	}
	switch ev.Type {
	case events.SessionStart:
		_, err := p.store.Sessions().Create(ctx, storage.SessionInput{
			PlatformID:      ev.SessionID,
			Source:          metadataString(ev, "source"),
			CWD:             metadataString(ev, "cwd"),
			TranscriptPath:  ev.TranscriptPath,
			ParentSessionID: metadataString(ev, "parent_session_id"),
			Autonomous:      expr.Truthy(metadataValue(ev, "autonomous")),
			PID:             metadataInt(ev, "pid"),
		})
		if err != nil && !errkind.Is(err, errkind.Conflict) {
			pipelineLog.Printf("warn: session %s not recorded: %v", ev.SessionID, err)
		}
	default:
		if ev.TranscriptPath != "" {
			if err := p.store.Sessions().SetTranscriptPath(ctx, ev.SessionID, ev.TranscriptPath); err != nil {
				pipelineLog.Printf("warn: transcript path for %s not recorded: %v", ev.SessionID, err)
			}
		}
	}
}

func metadataValue(ev *events.HookEvent, key string) any {
	if ev.Metadata == nil {
		return nil
	}
	return ev.Metadata[key]
}

func metadataString(ev *events.HookEvent, key string) string {
	if v := metadataValue(ev, key); v != nil {
		return expr.CoerceString(v)
	}
	return ""
}

func metadataInt(ev *events.HookEvent, key string) int {
	switch v := metadataValue(ev, key).(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
