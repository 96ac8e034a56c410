package mcpproxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/pkg/errkind"
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

func TestTasksRegistryLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	m.AddInternal(NewTasksServer(newTestStore(t)))

	payload, err := m.CallTool(ctx, "gobby-tasks", "create_task", map[string]any{
		"title":    "wire the parser",
		"priority": float64(2),
	})
	require.NoError(t, err)
	require.Equal(t, "ok", payload["status"])
	task := payload["task"].(*storage.Task)
	require.Equal(t, storage.TaskOpen, task.Status)

	payload, err = m.CallTool(ctx, "gobby-tasks", "claim_task", map[string]any{"task_id": task.ID})
	require.NoError(t, err)
	require.Equal(t, "ok", payload["status"])
	require.Equal(t, storage.TaskInProgress, payload["task"].(*storage.Task).Status)

	payload, err = m.CallTool(ctx, "gobby-tasks", "close_task", map[string]any{"task_id": task.ID})
	require.NoError(t, err)
	require.Equal(t, "ok", payload["status"])

	payload, err = m.CallTool(ctx, "gobby-tasks", "task_tree_complete", map[string]any{"task_id": task.ID})
	require.NoError(t, err)
	require.Equal(t, true, payload["complete"])
}

func TestRegistryFailuresAreStatusPayloads(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	m.AddInternal(NewTasksServer(newTestStore(t)))

	// Missing task: error payload, not a Go error.
	payload, err := m.CallTool(ctx, "gobby-tasks", "get_task", map[string]any{"task_id": "gt-ffffff"})
	require.NoError(t, err)
	require.Equal(t, "error", payload["status"])
	require.NotEmpty(t, payload["error"])

	// Unknown tool on a known registry.
	payload, err = m.CallTool(ctx, "gobby-tasks", "no_such_tool", nil)
	require.NoError(t, err)
	require.Equal(t, "error", payload["status"])
}

func TestUnknownServerIsNotFound(t *testing.T) {
	m := NewManager()
	_, err := m.CallTool(context.Background(), "nowhere", "tool", nil)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.NotFound))
}

func TestGateHidesTools(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	m.AddInternal(NewTasksServer(newTestStore(t)))
	m.SetGate(func(server, tool string) bool { return tool != "close_task" })

	payload, err := m.CallTool(ctx, "gobby-tasks", "close_task", map[string]any{"task_id": "gt-000001"})
	require.NoError(t, err)
	require.Equal(t, "error", payload["status"])
	require.Contains(t, payload["error"], "not available")

	payload, err = m.CallTool(ctx, "gobby-tasks", "list_tasks", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", payload["status"])
}

func TestBrokenUpstreamDegradesWithBackoff(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	require.NoError(t, m.AddUpstream(UpstreamConfig{
		Name:    "broken",
		Command: filepath.Join(t.TempDir(), "does-not-exist"),
	}))

	_, err := m.CallTool(ctx, "broken", "anything", nil)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.UpstreamUnavailable))

	state, ok := m.UpstreamState("broken")
	require.True(t, ok)
	require.Equal(t, StateDegraded, state)

	// Inside the backoff window the second call fails fast without redialing.
	_, err = m.CallTool(ctx, "broken", "anything", nil)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.UpstreamUnavailable))
	require.Contains(t, err.Error(), "degraded")
}

func TestAddUpstreamValidation(t *testing.T) {
	m := NewManager()
	require.Error(t, m.AddUpstream(UpstreamConfig{Name: ""}))
	require.Error(t, m.AddUpstream(UpstreamConfig{Name: "bare"}))

	require.NoError(t, m.AddUpstream(UpstreamConfig{Name: "dup", URL: "http://localhost:1"}))
	err := m.AddUpstream(UpstreamConfig{Name: "dup", URL: "http://localhost:2"})
	require.True(t, errkind.Is(err, errkind.Conflict))
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	m.AddInternal(NewMemoryServer(newTestStore(t)))

	payload, err := m.CallTool(ctx, "gobby-memory", "add_memory", map[string]any{
		"content": "the deploy script needs FOO_TOKEN",
		"tags":    []any{"deploy"},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", payload["status"])

	payload, err = m.CallTool(ctx, "gobby-memory", "list_memories", map[string]any{"tag": "deploy"})
	require.NoError(t, err)
	require.Equal(t, 1, payload["count"])
}

func TestSkillsRegistryExport(t *testing.T) {
	ctx := context.Background()
	skillsDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(skillsDir, "review", "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "review", "SKILL.md"), []byte("# Review"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(skillsDir, "review", "prompts", "checklist.md"), []byte("- tests"), 0o644))

	m := NewManager()
	m.AddInternal(NewSkillsServer(skillsDir))

	payload, err := m.CallTool(ctx, "gobby-skills", "list_skills", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"review"}, payload["skills"])

	target := t.TempDir()
	payload, err = m.CallTool(ctx, "gobby-skills", "export_skill", map[string]any{
		"name": "review", "target_dir": target,
	})
	require.NoError(t, err)
	require.Equal(t, "ok", payload["status"])

	data, err := os.ReadFile(filepath.Join(target, ".claude", "skills", "review", "prompts", "checklist.md"))
	require.NoError(t, err)
	require.Equal(t, "- tests", string(data))

	payload, err = m.CallTool(ctx, "gobby-skills", "export_skill", map[string]any{
		"name": "missing", "target_dir": target,
	})
	require.NoError(t, err)
	require.Equal(t, "error", payload["status"])
}

func TestInternalToolOrderIsStable(t *testing.T) {
	s := NewInternalServer("probe")
	s.Add(InternalTool{Name: "b"})
	s.Add(InternalTool{Name: "a"})
	s.Add(InternalTool{Name: "b"}) // replace keeps position

	tools := s.Tools()
	require.Len(t, tools, 2)
	require.Equal(t, "b", tools[0].Name)
	require.Equal(t, "a", tools[1].Name)
}
