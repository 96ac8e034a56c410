package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/pkg/errkind"
)

// newTestStore opens a store on a temp project directory with the hub on a
// temp path of its own.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), Options{
		ProjectDir: dir,
		HubPath:    filepath.Join(t.TempDir(), "hub.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenCreatesProjectRow(t *testing.T) {
	store := newTestStore(t)
	require.NotEmpty(t, store.ProjectID())
	require.Equal(t, "gp", store.ProjectID()[:2])
}

func TestOpenIsIdempotentPerDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	hub := filepath.Join(t.TempDir(), "hub.db")

	first, err := Open(ctx, Options{ProjectDir: dir, HubPath: hub})
	require.NoError(t, err)
	id := first.ProjectID()
	require.NoError(t, first.Close())

	second, err := Open(ctx, Options{ProjectDir: dir, HubPath: hub})
	require.NoError(t, err)
	defer second.Close()
	require.Equal(t, id, second.ProjectID())
}

func TestHubFailureDoesNotBlockProjectWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// A hub path under a regular file cannot be created.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	hubPath := filepath.Join(blocker, "nested", "hub.db")

	store, err := Open(ctx, Options{ProjectDir: dir, HubPath: hubPath})
	require.NoError(t, err)
	defer store.Close()

	task, err := store.Tasks().Create(ctx, TaskInput{Title: "survives hub outage"})
	require.NoError(t, err)

	got, err := store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, "survives hub outage", got.Title)
}

func TestSessionCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.Sessions().Create(ctx, SessionInput{PlatformID: "sess-abc", Source: "claude"})
	require.NoError(t, err)

	second, err := store.Sessions().Create(ctx, SessionInput{PlatformID: "sess-abc", Source: "gemini"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "claude", second.Source)
}

func TestSessionTitleWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Sessions().Create(ctx, SessionInput{PlatformID: "sess-title"})
	require.NoError(t, err)

	require.NoError(t, store.Sessions().SetTitle(ctx, "sess-title", "First title"))
	require.NoError(t, store.Sessions().SetTitle(ctx, "sess-title", "Second title"))

	s, err := store.Sessions().Get(ctx, "sess-title")
	require.NoError(t, err)
	require.Equal(t, "First title", s.Title)
}

func TestSessionTerminalStatusStampsEndedAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Sessions().Create(ctx, SessionInput{PlatformID: "sess-end"})
	require.NoError(t, err)

	require.NoError(t, store.Sessions().SetStatus(ctx, "sess-end", SessionTerminated))
	s, err := store.Sessions().Get(ctx, "sess-end")
	require.NoError(t, err)
	require.NotEmpty(t, s.EndedAt)

	// A second terminal transition keeps the original timestamp.
	ended := s.EndedAt
	require.NoError(t, store.Sessions().SetStatus(ctx, "sess-end", SessionExpired))
	s, err = store.Sessions().Get(ctx, "sess-end")
	require.NoError(t, err)
	require.Equal(t, ended, s.EndedAt)
}

func TestWorkflowStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	doc := []byte(`{"current_phase":"planning","tool_call_count":3}`)
	require.NoError(t, store.WorkflowStates().Save(ctx, "sess-wf", "plan-execute", doc))

	name, data, err := store.WorkflowStates().Load(ctx, "sess-wf")
	require.NoError(t, err)
	require.Equal(t, "plan-execute", name)
	require.JSONEq(t, string(doc), string(data))

	require.NoError(t, store.WorkflowStates().Delete(ctx, "sess-wf"))
	_, _, err = store.WorkflowStates().Load(ctx, "sess-wf")
	require.True(t, errkind.Is(err, errkind.NotFound))
}

func TestHandoffConsumedOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	h, err := store.WorkflowStates().SaveHandoff(ctx, "sess-h", "remaining work: finish exporter")
	require.NoError(t, err)

	latest, err := store.WorkflowStates().LatestHandoff(ctx, "sess-h")
	require.NoError(t, err)
	require.Equal(t, h.ID, latest.ID)

	require.NoError(t, store.WorkflowStates().ConsumeHandoff(ctx, h.ID))
	_, err = store.WorkflowStates().LatestHandoff(ctx, "sess-h")
	require.True(t, errkind.Is(err, errkind.NotFound))
}

func TestRuleResolutionPrecedence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Rules().Put(ctx, "no-force-push", TierBundled, "action: warn"))
	require.NoError(t, store.Rules().Put(ctx, "no-force-push", TierProject, "action: block"))

	r, err := store.Rules().Resolve(ctx, "no-force-push")
	require.NoError(t, err)
	require.Equal(t, TierProject, r.Tier)
	require.Equal(t, "action: block", r.Definition)

	_, err = store.Rules().Resolve(ctx, "missing")
	require.True(t, errkind.Is(err, errkind.NotFound))
}

func TestStopSignalLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Stops().Put(ctx, StopSignal{SessionID: "sess-stop", Reason: "user requested", Source: "cli"}))

	sig, err := store.Stops().Get(ctx, "sess-stop")
	require.NoError(t, err)
	require.Equal(t, "user requested", sig.Reason)

	all, err := store.Stops().All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Stops().Delete(ctx, "sess-stop"))
	_, err = store.Stops().Get(ctx, "sess-stop")
	require.True(t, errkind.Is(err, errkind.NotFound))
}

func TestArtifactSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Artifacts().Capture(ctx, Artifact{
		SessionID:    "sess-a",
		ArtifactType: "plan",
		Title:        "Migration plan",
		Content:      "Move the exporter to a debounced flush loop.",
	})
	require.NoError(t, err)
	_, err = store.Artifacts().Capture(ctx, Artifact{
		SessionID:    "sess-a",
		ArtifactType: "note",
		Title:        "Unrelated",
		Content:      "Nothing to see here.",
	})
	require.NoError(t, err)

	hits, err := store.Artifacts().Search(ctx, "exporter", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "Migration plan", hits[0].Title)
}

func TestChangeBusPublishesAfterCommit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ch := store.Changes().Subscribe("test", 8)
	task, err := store.Tasks().Create(ctx, TaskInput{Title: "watch me"})
	require.NoError(t, err)

	ev := <-ch
	require.Equal(t, "task", ev.Entity)
	require.Equal(t, "create", ev.Op)
	require.Equal(t, task.ID, ev.ID)
}
