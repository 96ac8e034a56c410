package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/pkg/autonomous"
	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/events"
	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/storage"
)

// newTestEngine assembles an engine over a throwaway store. Extra project
// workflows are written into a temp project tier.
func newTestEngine(t *testing.T, workflows []string, opts EngineOptions, projectWorkflows map[string]string) *Engine {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{
		ProjectDir: t.TempDir(),
		DisableHub: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	projectDir := ""
	if len(projectWorkflows) > 0 {
		projectDir = t.TempDir()
		for name, body := range projectWorkflows {
			writeWorkflow(t, projectDir, name, body)
		}
	}
	eval := expr.New()
	opts.Evaluator = eval
	opts.Workflows = workflows
	loader := NewLoader("", projectDir, eval)
	states := NewStateManager(store.WorkflowStates())
	return NewEngine(loader, states, store, opts)
}

func sendEvent(e *Engine, ev *events.HookEvent) *events.HookResponse {
	return e.HandleEvent(context.Background(), ev)
}

func TestUnknownEventPassesThrough(t *testing.T) {
	e := newTestEngine(t, []string{"plan-execute"}, EngineOptions{}, nil)
	resp := sendEvent(e, &events.HookEvent{Type: "mystery", SessionID: "s1"})
	require.Equal(t, events.ActionContinue, resp.Action)
}

func TestNoWorkflowsMeansContinue(t *testing.T) {
	e := newTestEngine(t, nil, EngineOptions{}, nil)
	resp := sendEvent(e, &events.HookEvent{Type: events.BeforeTool, SessionID: "s1", ToolName: "Edit"})
	require.Equal(t, events.ActionContinue, resp.Action)
}

func TestPlanPhaseBlocksEdits(t *testing.T) {
	e := newTestEngine(t, []string{"plan-execute"}, EngineOptions{}, nil)
	ctx := context.Background()

	sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "s1"})

	resp := sendEvent(e, &events.HookEvent{Type: events.BeforeTool, SessionID: "s1", ToolName: "Edit"})
	require.Equal(t, events.ActionBlock, resp.Action)
	require.Contains(t, resp.Message, "plan")

	st, err := e.states.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "plan", st.Phase)
	require.Equal(t, 0, st.PhaseActionCount)

	resp = sendEvent(e, &events.HookEvent{Type: events.BeforeTool, SessionID: "s1", ToolName: "Read"})
	require.NotEqual(t, events.ActionBlock, resp.Action)

	sendEvent(e, &events.HookEvent{Type: events.AfterTool, SessionID: "s1", ToolName: "Read"})
	st, err = e.states.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, st.PhaseActionCount)
	require.Equal(t, 1, st.TotalActionCount)
}

func TestApprovalUnlocksExecution(t *testing.T) {
	e := newTestEngine(t, []string{"plan-execute"}, EngineOptions{}, nil)
	ctx := context.Background()

	// Session start raises the approval request for leaving plan.
	resp := sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "s1"})
	require.Contains(t, resp.InjectContext, "Approve")

	st, err := e.states.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, st.PendingApproval)

	// A non-approval prompt changes nothing.
	sendEvent(e, &events.HookEvent{Type: events.PromptSubmit, SessionID: "s1", PromptText: "what about tests?"})
	st, _ = e.states.Get(ctx, "s1")
	require.Equal(t, "plan", st.Phase)

	// Approval transitions to execute and runs its on_enter.
	resp = sendEvent(e, &events.HookEvent{Type: events.PromptSubmit, SessionID: "s1", PromptText: "yes"})
	require.Contains(t, resp.InjectContext, "Execute")

	st, _ = e.states.Get(ctx, "s1")
	require.Equal(t, "execute", st.Phase)
	require.Empty(t, st.PendingApproval)

	resp = sendEvent(e, &events.HookEvent{Type: events.BeforeTool, SessionID: "s1", ToolName: "Edit"})
	require.NotEqual(t, events.ActionBlock, resp.Action)
}

func TestForcePushBlockedInExecute(t *testing.T) {
	e := newTestEngine(t, []string{"plan-execute"}, EngineOptions{}, nil)

	sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "s1"})
	sendEvent(e, &events.HookEvent{Type: events.PromptSubmit, SessionID: "s1", PromptText: "yes"})

	resp := sendEvent(e, &events.HookEvent{
		Type: events.BeforeTool, SessionID: "s1", ToolName: "Bash",
		ToolInput: map[string]any{"command": "git push --force origin main"},
	})
	require.Equal(t, events.ActionBlock, resp.Action)
	require.Contains(t, resp.Message, "Force pushes")

	resp = sendEvent(e, &events.HookEvent{
		Type: events.BeforeTool, SessionID: "s1", ToolName: "Bash",
		ToolInput: map[string]any{"command": "git push origin main"},
	})
	require.NotEqual(t, events.ActionBlock, resp.Action)
}

func TestStopSignalEndsRun(t *testing.T) {
	stops := autonomous.NewStopRegistry(nil)
	e := newTestEngine(t, []string{"stop-guard"}, EngineOptions{Stops: stops}, map[string]string{
		"stop-guard": `
name: stop-guard
type: lifecycle
triggers:
  on_before_tool:
    - action: check_stop_signal
`,
	})

	ev := &events.HookEvent{Type: events.BeforeTool, SessionID: "s1", ToolName: "Edit"}
	resp := sendEvent(e, ev)
	require.Equal(t, events.ActionContinue, resp.Action)

	stops.Issue(context.Background(), "s1", "user requested stop", "cli")

	resp = sendEvent(e, ev)
	require.Equal(t, events.ActionBlock, resp.Action)
	require.Contains(t, resp.Message, "user requested stop")

	// The signal is consumed exactly once.
	resp = sendEvent(e, ev)
	require.Equal(t, events.ActionContinue, resp.Action)
}

func TestCompactionGeneratesHandoff(t *testing.T) {
	e := newTestEngine(t, []string{"session-handoff"}, EngineOptions{}, nil)
	ctx := context.Background()

	// Manual compaction does not trigger a handoff.
	sendEvent(e, &events.HookEvent{Type: events.PreCompact, SessionID: "s1", TriggerSource: "manual"})
	_, err := e.store.WorkflowStates().LatestHandoff(ctx, "s1")
	require.True(t, errkind.Is(err, errkind.NotFound))

	// Auto compaction does.
	sendEvent(e, &events.HookEvent{Type: events.PreCompact, SessionID: "s1", TriggerSource: "auto"})
	h, err := e.store.WorkflowStates().LatestHandoff(ctx, "s1")
	require.NoError(t, err)
	require.Contains(t, h.Content, "session-handoff")
}

func TestSessionEndMarksHandoffReady(t *testing.T) {
	e := newTestEngine(t, []string{"session-handoff"}, EngineOptions{}, nil)
	ctx := context.Background()

	_, err := e.store.Sessions().Create(ctx, storage.SessionInput{PlatformID: "s1", Source: "claude"})
	require.NoError(t, err)

	sendEvent(e, &events.HookEvent{Type: events.SessionEnd, SessionID: "s1"})

	sess, err := e.store.Sessions().Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "handoff_ready", sess.Status)

	h, err := e.store.WorkflowStates().LatestHandoff(ctx, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, h.Content)
}

func TestHandoffRestoredIntoChildSession(t *testing.T) {
	e := newTestEngine(t, []string{"session-handoff"}, EngineOptions{}, nil)
	ctx := context.Background()

	_, err := e.store.Sessions().Create(ctx, storage.SessionInput{PlatformID: "parent", Source: "claude"})
	require.NoError(t, err)
	sendEvent(e, &events.HookEvent{Type: events.SessionEnd, SessionID: "parent"})

	_, err = e.store.Sessions().Create(ctx, storage.SessionInput{
		PlatformID: "child", Source: "claude", ParentSessionID: "parent",
	})
	require.NoError(t, err)

	resp := sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "child"})
	require.Contains(t, resp.InjectContext, "previous session")

	// Consumed: a second child start gets nothing.
	resp = sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "child"})
	require.NotContains(t, resp.InjectContext, "previous session")
}

func TestObserverMirrorsTodoWrites(t *testing.T) {
	e := newTestEngine(t, []string{"plan-execute"}, EngineOptions{}, nil)
	ctx := context.Background()

	sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "s1"})
	sendEvent(e, &events.HookEvent{
		Type: events.AfterTool, SessionID: "s1", ToolName: "TodoWrite",
		ToolInput: map[string]any{"todos": []any{
			map[string]any{"content": "write tests", "status": "pending"},
		}},
	})

	st, err := e.states.Get(ctx, "s1")
	require.NoError(t, err)
	todos, ok := st.Variables["todo_state"].([]any)
	require.True(t, ok)
	require.Len(t, todos, 1)
}

func TestStuckDiversionInjectsReflection(t *testing.T) {
	e := newTestEngine(t, []string{"plan-execute"}, EngineOptions{}, nil)
	ctx := context.Background()

	sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "s1"})

	st, err := e.states.Get(ctx, "s1")
	require.NoError(t, err)
	st.SameTaskCount = 3
	require.NoError(t, e.states.Save(ctx, "s1", st))

	resp := sendEvent(e, &events.HookEvent{Type: events.BeforeTool, SessionID: "s1", ToolName: "Read"})
	require.Contains(t, resp.InjectContext, "stuck")

	// Counters reset so the next event is not diverted again.
	st, _ = e.states.Get(ctx, "s1")
	require.Equal(t, 0, st.SameTaskCount)
}

func TestStuckTransitionToDeclaredReflectPhase(t *testing.T) {
	e := newTestEngine(t, []string{"reflective"}, EngineOptions{}, map[string]string{
		"reflective": `
name: reflective
type: phase
phases:
  - name: work
    allowed_tools: all
  - name: reflect
    allowed_tools: [Read]
    on_enter:
      - action: inject_context
        content: Review your recent attempts.
`,
	})
	ctx := context.Background()

	sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "s1"})
	st, err := e.states.Get(ctx, "s1")
	require.NoError(t, err)
	st.ValidationFailures = 3
	require.NoError(t, e.states.Save(ctx, "s1", st))

	resp := sendEvent(e, &events.HookEvent{Type: events.BeforeTool, SessionID: "s1", ToolName: "Edit"})
	require.Contains(t, resp.InjectContext, "Review your recent attempts")

	st, _ = e.states.Get(ctx, "s1")
	require.Equal(t, "reflect", st.Phase)
	require.Equal(t, string(autonomous.StuckValidationFailures), st.Variables["stuck_reason"])
}

func TestRequireApprovalRuleBlocksUntilApproved(t *testing.T) {
	e := newTestEngine(t, []string{"guarded"}, EngineOptions{}, map[string]string{
		"guarded": `
name: guarded
type: phase
phases:
  - name: work
    allowed_tools: all
    rules:
      - name: dangerous-bash
        tools: [Bash]
        when: command_contains("rm -rf")
        reason: Destructive command needs approval.
        action: require_approval
`,
	})
	ctx := context.Background()

	sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "s1"})

	danger := &events.HookEvent{
		Type: events.BeforeTool, SessionID: "s1", ToolName: "Bash",
		ToolInput: map[string]any{"command": "rm -rf build"},
	}
	resp := sendEvent(e, danger)
	require.Equal(t, events.ActionBlock, resp.Action)
	require.Contains(t, resp.Message, "approval")

	// Scoped: other tools still run while the approval is pending.
	resp = sendEvent(e, &events.HookEvent{Type: events.BeforeTool, SessionID: "s1", ToolName: "Read"})
	require.NotEqual(t, events.ActionBlock, resp.Action)

	sendEvent(e, &events.HookEvent{Type: events.PromptSubmit, SessionID: "s1", PromptText: "approve"})
	st, err := e.states.Get(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, st.PendingApproval)
}

func TestVariableActionsThroughTriggers(t *testing.T) {
	e := newTestEngine(t, []string{"counting"}, EngineOptions{}, map[string]string{
		"counting": `
name: counting
type: lifecycle
triggers:
  on_after_tool:
    - action: increment_variable
      name: tool_calls
    - action: set_variable
      name: last_tool
      value: "{{ event.tool_name }}"
`,
	})
	ctx := context.Background()

	sendEvent(e, &events.HookEvent{Type: events.AfterTool, SessionID: "s1", ToolName: "Read"})
	sendEvent(e, &events.HookEvent{Type: events.AfterTool, SessionID: "s1", ToolName: "Grep"})

	st, err := e.states.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 2.0, st.Variables["tool_calls"])
	require.Equal(t, "Grep", st.Variables["last_tool"])
}

func TestActionErrorKeepsSessionRunning(t *testing.T) {
	e := newTestEngine(t, []string{"faulty"}, EngineOptions{}, map[string]string{
		"faulty": `
name: faulty
type: lifecycle
triggers:
  on_after_tool:
    - action: set_variable
      name: first
      value: ran
    - action: close_task
    - action: set_variable
      name: second
      value: ran
`,
	})
	ctx := context.Background()

	// close_task fails with no active task: the first action's effect is
	// kept, the rest of the list is skipped, the event continues.
	resp := sendEvent(e, &events.HookEvent{Type: events.AfterTool, SessionID: "s1", ToolName: "Read"})
	require.Equal(t, events.ActionContinue, resp.Action)

	st, err := e.states.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "ran", st.Variables["first"])
	require.NotContains(t, st.Variables, "second")
}

func TestMCPObserverFeedsHelpers(t *testing.T) {
	e := newTestEngine(t, []string{"mcp-watch"}, EngineOptions{}, map[string]string{
		"mcp-watch": `
name: mcp-watch
type: phase
observers:
  - name: mcp-tracking
    behavior: mcp_call_tracking
phases:
  - name: work
    allowed_tools: all
    transitions:
      - to: complete
        when: mcp_called("gobby-tasks", "close_task") && !mcp_failed()
`,
	})
	ctx := context.Background()

	sendEvent(e, &events.HookEvent{Type: events.SessionStart, SessionID: "s1"})
	sendEvent(e, &events.HookEvent{
		Type: events.AfterTool, SessionID: "s1",
		ToolName:   "mcp__gobby-tasks__close_task",
		ToolResult: map[string]any{"status": "ok"},
	})

	st, err := e.states.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, st.Phase)
}
