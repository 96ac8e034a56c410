package autonomous

import (
	"sync"
	"time"
)

// Progress kinds recorded against the rolling window.
const (
	ProgressCommit       = "commit"
	ProgressFilesChanged = "files_changed"
	ProgressValidation   = "validation"
	ProgressTaskSelected = "task_selected"
)

// DefaultStagnationWindow is used when the tracker is built with a zero
// window.
const DefaultStagnationWindow = 15 * time.Minute

type progressEvent struct {
	kind string
	at   time.Time
}

// ProgressTracker keeps a per-session rolling window of progress events. A
// session is stagnant when no substantive progress (commits or file changes)
// landed inside the window.
type ProgressTracker struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string][]progressEvent
}

// NewProgressTracker creates a tracker with the given stagnation window.
func NewProgressTracker(window time.Duration) *ProgressTracker {
	if window <= 0 {
		window = DefaultStagnationWindow
	}
	return &ProgressTracker{
		window:   window,
		now:      time.Now,
		sessions: map[string][]progressEvent{},
	}
}

// Start begins tracking a session. Recording implies starting, so this only
// matters for sessions that should count as fresh (not stagnant) before their
// first event.
func (t *ProgressTracker) Start(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[sessionID]; !ok {
		t.sessions[sessionID] = []progressEvent{{kind: ProgressTaskSelected, at: t.now()}}
	}
}

// Stop drops a session's window.
func (t *ProgressTracker) Stop(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Record appends one progress event and prunes entries older than the window.
func (t *ProgressTracker) Record(sessionID, kind string) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	events := append(t.sessions[sessionID], progressEvent{kind: kind, at: now})
	cutoff := now.Add(-t.window)
	for len(events) > 0 && events[0].at.Before(cutoff) {
		events = events[1:]
	}
	t.sessions[sessionID] = events
}

// IsStagnant reports whether a tracked session made no substantive progress
// within the window. Untracked sessions are never stagnant.
func (t *ProgressTracker) IsStagnant(sessionID string) bool {
	cutoff := t.now().Add(-t.window)
	t.mu.Lock()
	defer t.mu.Unlock()
	events, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	for _, ev := range events {
		if ev.at.Before(cutoff) {
			continue
		}
		if ev.kind == ProgressCommit || ev.kind == ProgressFilesChanged || ev.kind == ProgressTaskSelected {
			return false
		}
	}
	return true
}
