package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/pkg/errkind"
)

func TestTaskCreateDefaults(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task, err := store.Tasks().Create(ctx, TaskInput{Title: "Fix login"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(task.ID, "gt-"))
	require.Equal(t, TaskOpen, task.Status)
	require.Equal(t, 2, task.Priority)
	require.Equal(t, "task", task.TaskType)
	require.NotEmpty(t, task.UUID)
}

func TestTaskCreateValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tests := []struct {
		name string
		in   TaskInput
	}{
		{"empty title", TaskInput{Title: "  "}},
		{"priority too high", TaskInput{Title: "x", Priority: 5}},
		{"unknown type", TaskInput{Title: "x", TaskType: "saga"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Tasks().Create(ctx, tt.in)
			require.True(t, errkind.Is(err, errkind.InvalidInput), "want InvalidInput, got %v", err)
		})
	}
}

func TestTaskStatusTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task, err := store.Tasks().Create(ctx, TaskInput{Title: "lifecycle"})
	require.NoError(t, err)

	// open -> closed without the skip flag is rejected.
	_, err = store.Tasks().SetStatus(ctx, task.ID, TaskClosed, false)
	require.True(t, errkind.Is(err, errkind.InvalidInput))

	// open -> closed with skip is allowed.
	_, err = store.Tasks().SetStatus(ctx, task.ID, TaskClosed, true)
	require.NoError(t, err)

	// closed -> open reopens.
	_, err = store.Tasks().SetStatus(ctx, task.ID, TaskOpen, false)
	require.NoError(t, err)

	// Normal forward path.
	_, err = store.Tasks().SetStatus(ctx, task.ID, TaskInProgress, false)
	require.NoError(t, err)
	closed, err := store.Tasks().Close(ctx, task.ID, "done", false)
	require.NoError(t, err)
	require.Equal(t, TaskClosed, closed.Status)
	require.Equal(t, "done", closed.ClosedReason)
}

func TestDependencyCycleRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	a, err := store.Tasks().Create(ctx, TaskInput{Title: "A"})
	require.NoError(t, err)
	b, err := store.Tasks().Create(ctx, TaskInput{Title: "B"})
	require.NoError(t, err)
	c, err := store.Tasks().Create(ctx, TaskInput{Title: "C"})
	require.NoError(t, err)

	require.NoError(t, store.Tasks().AddDependency(ctx, a.ID, b.ID, DepBlocks))
	require.NoError(t, store.Tasks().AddDependency(ctx, b.ID, c.ID, DepBlocks))

	// c -> a closes the loop.
	err = store.Tasks().AddDependency(ctx, c.ID, a.ID, DepBlocks)
	require.True(t, errkind.Is(err, errkind.InvalidInput))
	require.Contains(t, err.Error(), "cycle")

	// The graph is unchanged, so the edge can still go the other way.
	require.NoError(t, store.Tasks().AddDependency(ctx, a.ID, c.ID, DepBlocks))

	// Non-blocking edges never participate in cycle checks.
	require.NoError(t, store.Tasks().AddDependency(ctx, c.ID, a.ID, DepRelated))
}

func TestSelfDependencyRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task, err := store.Tasks().Create(ctx, TaskInput{Title: "solo"})
	require.NoError(t, err)
	err = store.Tasks().AddDependency(ctx, task.ID, task.ID, DepBlocks)
	require.True(t, errkind.Is(err, errkind.InvalidInput))
}

func TestListReadyRespectsBlockingDeps(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	blocked, err := store.Tasks().Create(ctx, TaskInput{Title: "blocked", Priority: 1})
	require.NoError(t, err)
	blocker, err := store.Tasks().Create(ctx, TaskInput{Title: "blocker", Priority: 3})
	require.NoError(t, err)
	free, err := store.Tasks().Create(ctx, TaskInput{Title: "free", Priority: 2})
	require.NoError(t, err)

	require.NoError(t, store.Tasks().AddDependency(ctx, blocked.ID, blocker.ID, DepBlocks))

	ready, err := store.Tasks().ListReady(ctx)
	require.NoError(t, err)
	ids := readyIDs(ready)
	require.Equal(t, []string{free.ID, blocker.ID}, ids)

	// Closing the blocker releases the blocked task, which then sorts first
	// on priority.
	_, err = store.Tasks().Close(ctx, blocker.ID, "done", true)
	require.NoError(t, err)

	ready, err = store.Tasks().ListReady(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{blocked.ID, free.ID}, readyIDs(ready))
}

func readyIDs(tasks []*Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

func TestTreeComplete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	root, err := store.Tasks().Create(ctx, TaskInput{Title: "root", TaskType: "epic"})
	require.NoError(t, err)
	child, err := store.Tasks().Create(ctx, TaskInput{Title: "child", ParentTaskID: root.ID})
	require.NoError(t, err)

	_, err = store.Tasks().Close(ctx, root.ID, "scoped", true)
	require.NoError(t, err)

	done, err := store.Tasks().TreeComplete(ctx, root.ID)
	require.NoError(t, err)
	require.False(t, done)

	_, err = store.Tasks().Close(ctx, child.ID, "done", true)
	require.NoError(t, err)

	done, err = store.Tasks().TreeComplete(ctx, root.ID)
	require.NoError(t, err)
	require.True(t, done)
}

func TestTaskUpdateAllowList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task, err := store.Tasks().Create(ctx, TaskInput{Title: "before"})
	require.NoError(t, err)

	updated, err := store.Tasks().Update(ctx, task.ID, map[string]any{
		"title":    "after",
		"priority": 1,
		"labels":   []string{"auth"},
	})
	require.NoError(t, err)
	require.Equal(t, "after", updated.Title)
	require.Equal(t, 1, updated.Priority)
	require.Equal(t, []string{"auth"}, updated.Labels)

	_, err = store.Tasks().Update(ctx, task.ID, map[string]any{"status": TaskClosed})
	require.True(t, errkind.Is(err, errkind.InvalidInput))
}

func TestRecordCommitDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task, err := store.Tasks().Create(ctx, TaskInput{Title: "commits"})
	require.NoError(t, err)

	require.NoError(t, store.Tasks().RecordCommit(ctx, task.ID, "abc123"))
	require.NoError(t, store.Tasks().RecordCommit(ctx, task.ID, "abc123"))
	require.NoError(t, store.Tasks().RecordCommit(ctx, task.ID, "def456"))

	got, err := store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"abc123", "def456"}, got.Commits)
}

func TestValidationHistorySurvivesClose(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	task, err := store.Tasks().Create(ctx, TaskInput{Title: "validated"})
	require.NoError(t, err)

	require.NoError(t, store.Tasks().RecordValidation(ctx, task.ID, ValidationEntry{Passed: false, Summary: "tests failed"}))
	require.NoError(t, store.Tasks().RecordValidation(ctx, task.ID, ValidationEntry{Passed: true, Summary: "tests pass"}))

	_, err = store.Tasks().Close(ctx, task.ID, "done", true)
	require.NoError(t, err)

	got, err := store.Tasks().Get(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.ValidationHistory, 2)
	require.True(t, got.ValidationHistory[1].Passed)
}
