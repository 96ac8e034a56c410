package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/pkg/llm"
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

type scriptedProvider struct {
	replies []string
	calls   []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.calls = append(p.calls, req)
	reply := "ok"
	if len(p.replies) > 0 {
		reply = p.replies[0]
		p.replies = p.replies[1:]
	}
	return &llm.Response{Text: reply, InputTokens: 10, OutputTokens: 5}, nil
}

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseTranscriptAggregatesUsage(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"fix the flaky watcher test"}}`,
		`{"type":"assistant","costUSD":0.02,"message":{"role":"assistant","content":[{"type":"text","text":"Looking."}],"usage":{"input_tokens":120,"output_tokens":40}}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"text","text":"also update the changelog"}]}}`,
		`{"type":"assistant","costUSD":0.01,"message":{"role":"assistant","content":[{"type":"text","text":"Done."}],"usage":{"input_tokens":200,"output_tokens":60}}}`,
		`not json at all`,
	)

	stats, err := ParseTranscript(path)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Entries)
	require.Equal(t, 2, stats.UserPrompts)
	require.Equal(t, int64(320), stats.InputTokens)
	require.Equal(t, int64(100), stats.OutputTokens)
	require.InDelta(t, 0.03, stats.CostUSD, 1e-9)
	require.Equal(t, "fix the flaky watcher test", stats.FirstPrompt)
	require.Equal(t, "also update the changelog", stats.LastPrompt)
}

func TestParseTranscriptMissingFile(t *testing.T) {
	_, err := ParseTranscript(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, err)
}

func TestSettleFillsUsageTitleAndSummary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transcript := writeTranscript(t,
		`{"type":"user","message":{"role":"user","content":"port the importer to streaming"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"On it."}],"usage":{"input_tokens":500,"output_tokens":120}}}`,
	)

	sess, err := store.Sessions().Create(ctx, storage.SessionInput{
		PlatformID:     "s1",
		Source:         "claude",
		TranscriptPath: transcript,
	})
	require.NoError(t, err)
	require.NoError(t, store.Sessions().SetStatus(ctx, sess.ID, storage.SessionHandoffReady))

	provider := &scriptedProvider{replies: []string{"Streaming importer port", "Ported the importer to streaming reads."}}
	m := NewManager(store, Options{Provider: provider})
	m.Sweep(ctx)

	got, err := store.Sessions().Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, "Streaming importer port", got.Title)
	require.Equal(t, "Ported the importer to streaming reads.", got.Summary)
	// 500+120 from the transcript plus 2x(10+5) from the completions.
	require.Equal(t, int64(520), got.InputTokens)
	require.Equal(t, int64(130), got.OutputTokens)
	require.Len(t, provider.calls, 2)

	// A second sweep does not re-settle or re-call the provider.
	m.Sweep(ctx)
	require.Len(t, provider.calls, 2)
}

func TestSettleWithoutProviderStillRecordsUsage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	transcript := writeTranscript(t,
		`{"type":"assistant","message":{"role":"assistant","usage":{"input_tokens":50,"output_tokens":20}}}`,
	)
	sess, err := store.Sessions().Create(ctx, storage.SessionInput{PlatformID: "s2", TranscriptPath: transcript})
	require.NoError(t, err)
	require.NoError(t, store.Sessions().SetStatus(ctx, sess.ID, storage.SessionHandoffReady))

	NewManager(store, Options{}).Sweep(ctx)

	got, err := store.Sessions().Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, int64(50), got.InputTokens)
	require.Empty(t, got.Title)
}

func TestReapDeadSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	deadPID := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	dead, err := store.Sessions().Create(ctx, storage.SessionInput{PlatformID: "dead", PID: deadPID})
	require.NoError(t, err)
	alive, err := store.Sessions().Create(ctx, storage.SessionInput{PlatformID: "alive", PID: os.Getpid()})
	require.NoError(t, err)

	NewManager(store, Options{}).Sweep(ctx)

	got, err := store.Sessions().Get(ctx, dead.ID)
	require.NoError(t, err)
	require.Equal(t, storage.SessionTerminated, got.Status)

	got, err = store.Sessions().Get(ctx, alive.ID)
	require.NoError(t, err)
	require.Equal(t, storage.SessionActive, got.Status)
}

func TestExpireStaleHandoffs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.Sessions().Create(ctx, storage.SessionInput{PlatformID: "old"})
	require.NoError(t, err)
	require.NoError(t, store.Sessions().SetStatus(ctx, sess.ID, storage.SessionHandoffReady))

	m := NewManager(store, Options{HandoffTTL: time.Millisecond})
	time.Sleep(20 * time.Millisecond)
	m.Sweep(ctx)

	got, err := store.Sessions().Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, storage.SessionExpired, got.Status)
}
