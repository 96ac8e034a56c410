// Package autonomous holds the services the workflow engine's autonomous-loop
// actions delegate to: the stop registry, progress tracker, stuck detector
// and session chaining.
package autonomous

import (
	"context"
	"sync"

	"github.com/gobbyhq/gobby/pkg/logger"
	"github.com/gobbyhq/gobby/pkg/storage"
)

var stopLog = logger.New("autonomous:stops")

// StopRegistry is the in-memory map of pending stop signals, persisted
// best-effort so in-flight stops survive a daemon restart.
type StopRegistry struct {
	mu      sync.Mutex
	signals map[string]storage.StopSignal
	store   *storage.StopManager // nil disables persistence
}

// NewStopRegistry creates a registry over an optional persistence manager.
func NewStopRegistry(store *storage.StopManager) *StopRegistry {
	return &StopRegistry{signals: map[string]storage.StopSignal{}, store: store}
}

// Rehydrate loads persisted signals into memory on daemon start.
func (r *StopRegistry) Rehydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	signals, err := r.store.All(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, sig := range signals {
		r.signals[sig.SessionID] = sig
	}
	r.mu.Unlock()
	if len(signals) > 0 {
		stopLog.Printf("Rehydrated %d stop signal(s)", len(signals))
	}
	return nil
}

// Issue records a stop request for a session. Persistence failures are logged
// and never fail the issue.
func (r *StopRegistry) Issue(ctx context.Context, sessionID, reason, source string) storage.StopSignal {
	sig := storage.StopSignal{SessionID: sessionID, Reason: reason, Source: source}
	r.mu.Lock()
	r.signals[sessionID] = sig
	r.mu.Unlock()
	if r.store != nil {
		if err := r.store.Put(ctx, sig); err != nil {
			stopLog.Printf("warn: stop signal persistence failed: %v", err)
		}
	}
	stopLog.Printf("Stop issued for session %s: %s", sessionID, reason)
	return sig
}

// Has reports the pending signal for a session without consuming it.
func (r *StopRegistry) Has(sessionID string) (storage.StopSignal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig, ok := r.signals[sessionID]
	return sig, ok
}

// Consume atomically removes and returns the pending signal.
func (r *StopRegistry) Consume(ctx context.Context, sessionID string) (storage.StopSignal, bool) {
	r.mu.Lock()
	sig, ok := r.signals[sessionID]
	if ok {
		delete(r.signals, sessionID)
	}
	r.mu.Unlock()
	if ok && r.store != nil {
		if err := r.store.Delete(ctx, sessionID); err != nil {
			stopLog.Printf("warn: stop signal cleanup failed: %v", err)
		}
	}
	return sig, ok
}
