package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/gobbyhq/gobby/pkg/autonomous"
	"github.com/gobbyhq/gobby/pkg/llm"
	"github.com/gobbyhq/gobby/pkg/logger"
	"github.com/gobbyhq/gobby/pkg/storage"
	"github.com/gobbyhq/gobby/pkg/stringutil"
)

var managerLog = logger.New("session:manager")

const (
	defaultSweepInterval = 30 * time.Second
	defaultHandoffTTL    = 72 * time.Hour
	maxConcurrentSettles = 4
)

// Options configures the lifecycle manager. Provider and Exporter may be nil;
// titles and summaries are then skipped and flushes are not forced.
type Options struct {
	Provider   llm.Provider
	Exporter   *storage.Exporter
	Interval   time.Duration
	HandoffTTL time.Duration
	Model      string
}

// Manager is the background session lifecycle loop.
type Manager struct {
	store      *storage.Store
	provider   llm.Provider
	exporter   *storage.Exporter
	interval   time.Duration
	handoffTTL time.Duration
	model      string

	settled map[string]struct{}
}

// NewManager creates a lifecycle manager over a store.
func NewManager(store *storage.Store, opts Options) *Manager {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ttl := opts.HandoffTTL
	if ttl <= 0 {
		ttl = defaultHandoffTTL
	}
	return &Manager{
		store:      store,
		provider:   opts.Provider,
		exporter:   opts.Exporter,
		interval:   interval,
		handoffTTL: ttl,
		model:      opts.Model,
		settled:    map[string]struct{}{},
	}
}

// Run sweeps on a fixed interval until ctx ends. Intended for its own
// goroutine.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one lifecycle pass: settle finished sessions, reap dead ones,
// expire stale handoffs.
func (m *Manager) Sweep(ctx context.Context) {
	changed := m.settleFinished(ctx)
	changed = m.reapDead(ctx) || changed
	changed = m.expireStale(ctx) || changed
	if changed && m.exporter != nil {
		m.exporter.Flush(ctx)
	}
}

// settleFinished aggregates transcript usage and fills in title and summary
// for sessions that ended with a handoff. Each session settles once per
// daemon run.
func (m *Manager) settleFinished(ctx context.Context) bool {
	sessions, err := m.store.Sessions().ListByStatus(ctx, storage.SessionHandoffReady)
	if err != nil {
		managerLog.Printf("warn: finished sessions not listed: %v", err)
		return false
	}
	var pending []*storage.Session
	for _, sess := range sessions {
		if _, done := m.settled[sess.ID]; !done {
			pending = append(pending, sess)
		}
	}
	if len(pending) == 0 {
		return false
	}

	p := pool.New().WithMaxGoroutines(maxConcurrentSettles).WithContext(ctx)
	for _, sess := range pending {
		p.Go(func(ctx context.Context) error {
			m.settle(ctx, sess)
			return nil
		})
	}
	_ = p.Wait()
	for _, sess := range pending {
		m.settled[sess.ID] = struct{}{}
	}
	return true
}

func (m *Manager) settle(ctx context.Context, sess *storage.Session) {
	var stats *TranscriptStats
	if sess.TranscriptPath != "" {
		var err error
		stats, err = ParseTranscript(sess.TranscriptPath)
		if err != nil {
			managerLog.Printf("warn: transcript for %s not parsed: %v", sess.ID, err)
		}
	}
	if stats != nil {
		// The transcript is authoritative; record only what hook events missed.
		dIn := stats.InputTokens - sess.InputTokens
		dOut := stats.OutputTokens - sess.OutputTokens
		dCost := stats.CostUSD - sess.CostUSD
		if dIn > 0 || dOut > 0 || dCost > 0 {
			if dIn < 0 {
				dIn = 0
			}
			if dOut < 0 {
				dOut = 0
			}
			if dCost < 0 {
				dCost = 0
			}
			if err := m.store.Sessions().AddUsage(ctx, sess.ID, dIn, dOut, dCost); err != nil {
				managerLog.Printf("warn: usage for %s not settled: %v", sess.ID, err)
			}
		}
	}

	if m.provider == nil {
		return
	}
	digest := m.digest(sess, stats)
	if digest == "" {
		return
	}
	if sess.Title == "" {
		if title := m.complete(ctx, sess,
			"Write a terse title (at most 8 words) for this coding session. Reply with the title only.",
			digest, 64); title != "" {
			if err := m.store.Sessions().SetTitle(ctx, sess.ID, title); err != nil {
				managerLog.Printf("warn: title for %s not saved: %v", sess.ID, err)
			}
		}
	}
	if sess.Summary == "" {
		if summary := m.complete(ctx, sess,
			"Summarize this coding session in 2-3 sentences: what was attempted and where it ended. Reply with the summary only.",
			digest, 300); summary != "" {
			if err := m.store.Sessions().SetSummary(ctx, sess.ID, summary); err != nil {
				managerLog.Printf("warn: summary for %s not saved: %v", sess.ID, err)
			}
		}
	}
}

func (m *Manager) digest(sess *storage.Session, stats *TranscriptStats) string {
	var b strings.Builder
	if stats != nil {
		if stats.FirstPrompt != "" {
			fmt.Fprintf(&b, "First request: %s\n", stringutil.Truncate(stats.FirstPrompt, 600))
		}
		if stats.LastPrompt != "" && stats.LastPrompt != stats.FirstPrompt {
			fmt.Fprintf(&b, "Last request: %s\n", stringutil.Truncate(stats.LastPrompt, 600))
		}
		fmt.Fprintf(&b, "Turns: %d prompts across %d transcript entries\n", stats.UserPrompts, stats.Entries)
	}
	if sess.CWD != "" {
		fmt.Fprintf(&b, "Working directory: %s\n", sess.CWD)
	}
	return strings.TrimSpace(b.String())
}

func (m *Manager) complete(ctx context.Context, sess *storage.Session, system, prompt string, maxTokens int) string {
	resp, err := m.provider.Complete(ctx, llm.Request{
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		Model:     m.model,
		MaxTokens: maxTokens,
		Timeout:   30 * time.Second,
	})
	if err != nil {
		managerLog.Printf("warn: completion for %s failed: %v", sess.ID, err)
		return ""
	}
	if resp.InputTokens > 0 || resp.OutputTokens > 0 {
		_ = m.store.Sessions().AddUsage(ctx, sess.ID, resp.InputTokens, resp.OutputTokens, 0)
	}
	return strings.TrimSpace(resp.Text)
}

// reapDead terminates active sessions whose recorded process is gone.
func (m *Manager) reapDead(ctx context.Context) bool {
	sessions, err := m.store.Sessions().ListByStatus(ctx, storage.SessionActive)
	if err != nil {
		managerLog.Printf("warn: active sessions not listed: %v", err)
		return false
	}
	changed := false
	for _, sess := range sessions {
		if sess.PID <= 0 || autonomous.ProcessAlive(sess.PID) {
			continue
		}
		if err := m.store.Sessions().SetStatus(ctx, sess.ID, storage.SessionTerminated); err != nil {
			managerLog.Printf("warn: dead session %s not reaped: %v", sess.ID, err)
			continue
		}
		managerLog.Printf("Reaped session %s (pid %d gone)", sess.ID, sess.PID)
		changed = true
	}
	return changed
}

// expireStale moves handoff_ready sessions past the TTL to expired so new
// sessions stop restoring from them.
func (m *Manager) expireStale(ctx context.Context) bool {
	sessions, err := m.store.Sessions().ListByStatus(ctx, storage.SessionHandoffReady)
	if err != nil {
		return false
	}
	cutoff := time.Now().UTC().Add(-m.handoffTTL)
	changed := false
	for _, sess := range sessions {
		if sess.EndedAt == "" {
			continue
		}
		endedAt, err := time.Parse(time.RFC3339Nano, sess.EndedAt)
		if err != nil || endedAt.After(cutoff) {
			continue
		}
		if err := m.store.Sessions().SetStatus(ctx, sess.ID, storage.SessionExpired); err != nil {
			managerLog.Printf("warn: stale session %s not expired: %v", sess.ID, err)
			continue
		}
		changed = true
	}
	return changed
}
