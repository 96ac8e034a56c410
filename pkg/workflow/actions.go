package workflow

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/gobbyhq/gobby/pkg/autonomous"
	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/events"
	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/llm"
	"github.com/gobbyhq/gobby/pkg/logger"
	"github.com/gobbyhq/gobby/pkg/storage"
	"github.com/gobbyhq/gobby/pkg/stringutil"
)

var actionLog = logger.New("workflow:actions")

// ActionHandler executes one verb. The returned response is merged into the
// pass; nil means no response contribution.
type ActionHandler func(p *pass, params map[string]any) (*events.HookResponse, error)

// ActionRegistry maps verb names to handlers.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// Register adds or replaces a verb.
func (r *ActionRegistry) Register(verb string, h ActionHandler) {
	r.mu.Lock()
	r.handlers[verb] = h
	r.mu.Unlock()
}

// run renders the action's params against the pass context and executes it.
func (r *ActionRegistry) run(p *pass, action Action) (*events.HookResponse, error) {
	r.mu.RLock()
	h, ok := r.handlers[action.Verb]
	r.mu.RUnlock()
	if !ok {
		return nil, errkind.New(errkind.ActionError, "unknown action verb %q", action.Verb)
	}
	params := renderParams(p, action.Params)
	resp, err := h(p, params)
	if err != nil {
		return nil, errkind.Wrap(errkind.ActionError, err, action.Verb)
	}
	return resp, nil
}

// renderParams applies {{ expr }} templating to every string param,
// recursively through maps and lists.
func renderParams(p *pass, params map[string]any) map[string]any {
	if len(params) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	ctx := p.evalCtx()
	for k, v := range params {
		out[k] = renderValue(p.engine.eval, v, ctx)
	}
	return out
}

func renderValue(eval *expr.Evaluator, v any, ctx expr.Context) any {
	switch t := v.(type) {
	case string:
		return eval.RenderTemplate(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = renderValue(eval, item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = renderValue(eval, item, ctx)
		}
		return out
	default:
		return v
	}
}

func stringParam(params map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := params[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringsParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		out = append(out, expr.CoerceString(v))
	}
	return out
}

func newActionRegistry() *ActionRegistry {
	r := &ActionRegistry{handlers: map[string]ActionHandler{}}

	// Context and messaging.

	r.Register("inject_context", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		text := stringutil.SanitizeContext(stringParam(params, "text", "content", "message"))
		if text == "" {
			return nil, nil
		}
		return events.Modify(text), nil
	})

	r.Register("inject_message", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		text := stringutil.SanitizeContext(stringParam(params, "text", "message"))
		if text == "" {
			return nil, nil
		}
		return &events.HookResponse{Action: events.ActionContinue, Message: text}, nil
	})

	r.Register("switch_mode", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		mode := stringParam(params, "mode")
		if mode == "" {
			return nil, fmt.Errorf("switch_mode requires a mode")
		}
		p.st.SetVariable("mode", mode)
		return &events.HookResponse{Action: events.ActionModify, ModifiedInput: map[string]any{"mode": mode}}, nil
	})

	// Variables and artifacts.

	r.Register("set_variable", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		name := stringParam(params, "name", "variable")
		if name == "" {
			return nil, fmt.Errorf("set_variable requires a name")
		}
		p.st.SetVariable(name, params["value"])
		return nil, nil
	})

	r.Register("increment_variable", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		name := stringParam(params, "name", "variable")
		if name == "" {
			return nil, fmt.Errorf("increment_variable requires a name")
		}
		delta := 1.0
		if by, ok := numberSetting(params, "by"); ok {
			delta = by
		}
		p.st.IncrementVariable(name, delta)
		return nil, nil
	})

	r.Register("clear_variable", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		name := stringParam(params, "name", "variable")
		if name == "" {
			return nil, fmt.Errorf("clear_variable requires a name")
		}
		p.st.ClearVariable(name)
		return nil, nil
	})

	r.Register("capture_artifact", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		name := stringParam(params, "name")
		if name == "" {
			return nil, fmt.Errorf("capture_artifact requires a name")
		}
		content := stringParam(params, "content")
		if from := stringParam(params, "from_variable"); content == "" && from != "" {
			content = expr.CoerceString(p.st.Variables[from])
		}
		p.st.CaptureArtifact(name, content)
		if expr.Truthy(params["persist"]) {
			_, err := p.engine.store.Artifacts().Capture(p.ctx, storage.Artifact{
				SessionID:    p.ev.SessionID,
				ArtifactType: stringParam(params, "type"),
				Title:        name,
				Content:      content,
			})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	r.Register("read_artifact", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		name := stringParam(params, "name")
		if name == "" {
			return nil, fmt.Errorf("read_artifact requires a name")
		}
		content := p.st.ReadArtifact(name)
		if content == "" {
			return nil, nil
		}
		if into := stringParam(params, "into_variable"); into != "" {
			p.st.SetVariable(into, content)
			return nil, nil
		}
		return events.Modify(content), nil
	})

	// Explicit state persistence. Dispatch saves at the end of every pass;
	// these exist for workflows that need a durable point mid-pass.

	r.Register("save_workflow_state", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		return nil, p.engine.states.Save(p.ctx, p.ev.SessionID, p.st)
	})

	r.Register("load_workflow_state", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		st, err := p.engine.states.Get(p.ctx, p.ev.SessionID)
		if err != nil {
			return nil, err
		}
		*p.st = *st
		return nil, nil
	})

	// Session lifecycle and handoff.

	r.Register("generate_handoff", actionGenerateHandoff)
	r.Register("restore_from_handoff", actionRestoreFromHandoff)

	r.Register("find_parent_session", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		candidates, err := p.engine.store.Sessions().ListByStatus(p.ctx, "handoff_ready")
		if err != nil || len(candidates) == 0 {
			return nil, err
		}
		parent := candidates[0]
		for _, c := range candidates {
			if c.ID == p.ev.SessionID {
				continue
			}
			if c.EndedAt > parent.EndedAt {
				parent = c
			}
		}
		if parent.ID == p.ev.SessionID {
			return nil, nil
		}
		p.st.SetVariable("parent_session_id", parent.ID)
		if p.session != nil && p.session.ParentSessionID == "" {
			p.session.ParentSessionID = parent.ID
		}
		return nil, nil
	})

	r.Register("mark_session_status", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		status := stringParam(params, "status")
		if status == "" {
			return nil, fmt.Errorf("mark_session_status requires a status")
		}
		return nil, p.engine.store.Sessions().SetStatus(p.ctx, p.ev.SessionID, status)
	})

	// LLM-backed verbs.

	r.Register("call_llm", actionCallLLM)

	r.Register("generate_summary", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		text, err := p.engine.completeLLM(p,
			"Summarize this coding session in 2-3 sentences for a colleague picking it up.",
			sessionDigest(p))
		if err != nil {
			return nil, err
		}
		if err := p.engine.store.Sessions().SetSummary(p.ctx, p.ev.SessionID, text); err != nil {
			return nil, err
		}
		return nil, nil
	})

	r.Register("synthesize_title", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		seed := p.ev.PromptText
		if seed == "" {
			seed = sessionDigest(p)
		}
		text, err := p.engine.completeLLM(p,
			"Write a short title (at most 8 words) for this coding session. Reply with the title only.",
			seed)
		if err != nil {
			return nil, err
		}
		title := strings.TrimSpace(strings.Trim(strings.TrimSpace(text), `"`))
		if title == "" {
			return nil, nil
		}
		return nil, p.engine.store.Sessions().SetTitle(p.ctx, p.ev.SessionID, title)
	})

	// Task management.

	r.Register("persist_tasks", actionPersistTasks)

	r.Register("write_todos", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		ready, err := p.engine.store.Tasks().ListReady(p.ctx)
		if err != nil {
			return nil, err
		}
		if len(ready) == 0 {
			return nil, nil
		}
		var b strings.Builder
		b.WriteString("Ready tasks:\n")
		for _, task := range ready {
			fmt.Fprintf(&b, "- [%s] %s\n", task.ID, task.Title)
		}
		return events.Modify(b.String()), nil
	})

	r.Register("mark_todo_complete", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		target := stringParam(params, "content", "title")
		todos, _ := p.st.Variables["todo_state"].([]any)
		for _, item := range todos {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if content, _ := m["content"].(string); target == "" || content == target {
				m["status"] = "completed"
				if target != "" {
					break
				}
			}
		}
		p.st.SetVariable("todo_state", todos)
		return nil, nil
	})

	r.Register("close_task", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		taskID := stringParam(params, "task_id")
		if taskID == "" {
			taskID = expr.CoerceString(p.st.Variables["active_task"])
		}
		if taskID == "" {
			return nil, fmt.Errorf("close_task: no task id given and no active task")
		}
		reason := stringParam(params, "reason")
		if reason == "" {
			reason = "completed"
		}
		if _, err := p.engine.store.Tasks().Close(p.ctx, taskID, reason, expr.Truthy(params["skip_validation"])); err != nil {
			return nil, err
		}
		p.st.ClearVariable("active_task")
		p.st.PushObservation("task_closed", taskID)
		return nil, nil
	})

	// Session chaining and MCP.

	r.Register("start_new_session", actionStartNewSession)
	r.Register("call_mcp_tool", actionCallMCPTool)

	// Enforcement.

	r.Register("block_tools", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		tools := stringsParam(params, "tools")
		if len(tools) == 0 {
			return nil, fmt.Errorf("block_tools requires a tools list")
		}
		existing, _ := p.st.Variables["blocked_tools"].([]any)
		for _, t := range tools {
			existing = append(existing, t)
		}
		p.st.SetVariable("blocked_tools", existing)
		return nil, nil
	})

	r.Register("require_task_complete", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		taskID := stringParam(params, "task_id")
		if taskID == "" {
			taskID = expr.CoerceString(p.st.Variables["active_task"])
		}
		if taskID == "" {
			return nil, nil
		}
		task, err := p.engine.store.Tasks().Get(p.ctx, taskID)
		if err != nil {
			return nil, err
		}
		if task.Status != "closed" {
			return events.Block(fmt.Sprintf("task %s is still %s; finish or release it before stopping", taskID, task.Status)), nil
		}
		return nil, nil
	})

	r.Register("require_commit_before_stop", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		taskID := expr.CoerceString(p.st.Variables["active_task"])
		if taskID == "" {
			return nil, nil
		}
		task, err := p.engine.store.Tasks().Get(p.ctx, taskID)
		if err != nil {
			return nil, err
		}
		if len(task.Commits) == 0 {
			return events.Block(fmt.Sprintf("no commit recorded for task %s; commit your work before stopping", taskID)), nil
		}
		return nil, nil
	})

	r.Register("capture_baseline_dirty_files", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		dir := stringParam(params, "dir")
		if dir == "" && p.session != nil {
			dir = p.session.CWD
		}
		p.st.SetVariable("baseline_dirty_files", gitDirtyFiles(dir))
		return nil, nil
	})

	r.Register("validate_session_task_scope", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		baseline, ok := p.st.Variables["baseline_dirty_files"].([]any)
		if !ok {
			return nil, nil
		}
		path := expr.CoerceString(p.ev.ToolInput["file_path"])
		if path == "" {
			return nil, nil
		}
		for _, b := range baseline {
			if expr.CoerceString(b) == path {
				return &events.HookResponse{
					Action:  events.ActionContinue,
					Message: fmt.Sprintf("warning: %s was already dirty when the session started", path),
				}, nil
			}
		}
		return nil, nil
	})

	// Stop signals and progress.

	r.Register("check_stop_signal", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		if p.engine.stops == nil {
			return nil, nil
		}
		sig, ok := p.engine.stops.Consume(p.ctx, p.ev.SessionID)
		if !ok {
			return nil, nil
		}
		p.st.SetVariable("stop_requested", true)
		p.st.PushObservation("stop", sig.Reason)
		reason := sig.Reason
		if reason == "" {
			reason = "stop requested"
		}
		return events.Block("autonomous run stopped: " + reason), nil
	})

	r.Register("clear_stop_signal", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		if p.engine.stops != nil {
			p.engine.stops.Consume(p.ctx, p.ev.SessionID)
		}
		p.st.ClearVariable("stop_requested")
		return nil, nil
	})

	r.Register("start_progress_tracking", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		p.engine.progress.Start(p.ev.SessionID)
		return nil, nil
	})

	r.Register("stop_progress_tracking", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		p.engine.progress.Stop(p.ev.SessionID)
		return nil, nil
	})

	r.Register("record_progress", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		kind := stringParam(params, "kind")
		if kind == "" {
			kind = autonomous.ProgressFilesChanged
		}
		p.engine.progress.Record(p.ev.SessionID, kind)
		return nil, nil
	})

	r.Register("check_stuck", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		reason, stuck := p.engine.stuckReason(p)
		if !stuck {
			return nil, nil
		}
		p.st.SetVariable("stuck_reason", string(reason))
		return events.Modify("You appear to be stuck: " + reason.Describe() + "."), nil
	})

	r.Register("handle_stuck", func(p *pass, params map[string]any) (*events.HookResponse, error) {
		reason := expr.CoerceString(p.st.Variables["stuck_reason"])
		p.st.SameTaskCount = 0
		p.st.ValidationFailures = 0
		p.st.ClearVariable("stuck_reason")
		msg := stringParam(params, "text")
		if msg == "" {
			msg = "Reflect on your recent attempts before continuing. Consider breaking the task down, " +
				"releasing it, or trying a different approach."
		}
		if reason != "" {
			msg = "Stuck (" + reason + "). " + msg
		}
		return events.Modify(msg), nil
	})

	return r
}

// actionGenerateHandoff snapshots the session into a durable handoff record.
// The content is deterministic; an LLM summary is layered on when a provider
// is configured and the workflow asks for it.
func actionGenerateHandoff(p *pass, params map[string]any) (*events.HookResponse, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session handoff\n\nWorkflow: %s\n", p.st.WorkflowName)
	if p.st.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", p.st.Phase)
	}
	if task := expr.CoerceString(p.st.Variables["active_task"]); task != "" {
		fmt.Fprintf(&b, "Active task: %s\n", task)
	}
	if len(p.st.Observations) > 0 {
		b.WriteString("\nRecent activity:\n")
		start := len(p.st.Observations) - 10
		if start < 0 {
			start = 0
		}
		for _, obs := range p.st.Observations[start:] {
			fmt.Fprintf(&b, "- %s: %s\n", obs.Kind, obs.Note)
		}
	}
	for name, content := range p.st.Artifacts {
		fmt.Fprintf(&b, "\n## Artifact: %s\n%s\n", name, content)
	}
	content := b.String()

	if expr.Truthy(params["summarize"]) && p.engine.provider != nil {
		summary, err := p.engine.completeLLM(p,
			"Condense this session handoff into the essentials the next session needs.", content)
		if err == nil && summary != "" {
			content = summary
		}
	}

	h, err := p.engine.store.WorkflowStates().SaveHandoff(p.ctx, p.ev.SessionID, content)
	if err != nil {
		return nil, err
	}
	p.st.PushObservation("handoff", h.ID)
	return nil, nil
}

// actionRestoreFromHandoff injects the parent session's handoff, consuming it
// so a second restore does not replay it.
func actionRestoreFromHandoff(p *pass, params map[string]any) (*events.HookResponse, error) {
	parent := expr.CoerceString(p.st.Variables["parent_session_id"])
	if parent == "" && p.session != nil {
		parent = p.session.ParentSessionID
	}
	if parent == "" {
		return nil, nil
	}
	h, err := p.engine.store.WorkflowStates().LatestHandoff(p.ctx, parent)
	if err != nil {
		if errkind.Is(err, errkind.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := p.engine.store.WorkflowStates().ConsumeHandoff(p.ctx, h.ID); err != nil {
		return nil, err
	}
	p.st.PushObservation("handoff_restored", h.ID)
	return events.Modify("Context from the previous session:\n\n" + h.Content), nil
}

func actionCallLLM(p *pass, params map[string]any) (*events.HookResponse, error) {
	prompt := stringParam(params, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("call_llm requires a prompt")
	}
	text, err := p.engine.completeLLMWith(p, llm.Request{
		System:   stringParam(params, "system"),
		Model:    stringParam(params, "model"),
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	if into := stringParam(params, "save_to", "into_variable"); into != "" {
		p.st.SetVariable(into, text)
		return nil, nil
	}
	if name := stringParam(params, "save_to_artifact"); name != "" {
		p.st.CaptureArtifact(name, text)
		return nil, nil
	}
	return events.Modify(text), nil
}

// actionPersistTasks converts the tracked todo list into durable task rows.
// Already-persisted items (those carrying a task_id) are skipped.
func actionPersistTasks(p *pass, params map[string]any) (*events.HookResponse, error) {
	todos, _ := p.st.Variables["todo_state"].([]any)
	parent := stringParam(params, "parent_task_id")
	if parent == "" {
		parent = expr.CoerceString(p.st.Variables["root_task"])
	}
	created := 0
	for _, item := range todos {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := m["task_id"].(string); id != "" {
			continue
		}
		title, _ := m["content"].(string)
		if title == "" {
			continue
		}
		task, err := p.engine.store.Tasks().Create(p.ctx, storage.TaskInput{
			Title:                 title,
			ParentTaskID:          parent,
			DiscoveredInSessionID: p.ev.SessionID,
		})
		if err != nil {
			return nil, err
		}
		m["task_id"] = task.ID
		created++
	}
	if created > 0 {
		p.st.SetVariable("todo_state", todos)
		p.st.PushObservation("tasks_persisted", fmt.Sprintf("%d", created))
	}
	return nil, nil
}

func actionStartNewSession(p *pass, params map[string]any) (*events.HookResponse, error) {
	if p.engine.spawner == nil {
		return nil, fmt.Errorf("start_new_session: no session spawner configured")
	}
	cli := stringParam(params, "cli")
	if cli == "" && p.session != nil {
		cli = p.session.Source
	}
	if cli == "" {
		cli = "claude"
	}
	prompt := stringParam(params, "prompt")
	if prompt == "" {
		prompt = "Continue the previous session's work."
	}
	dir := stringParam(params, "dir")
	if dir == "" && p.session != nil {
		dir = p.session.CWD
	}
	pid, err := p.engine.spawner.StartSession(p.ctx, autonomous.ChainRequest{
		CLI:          cli,
		Prompt:       prompt,
		SystemPrompt: stringParam(params, "system_prompt"),
		WorkingDir:   dir,
	})
	if err != nil {
		return nil, err
	}
	p.st.PushObservation("session_chained", fmt.Sprintf("pid %d", pid))
	return nil, nil
}

func actionCallMCPTool(p *pass, params map[string]any) (*events.HookResponse, error) {
	if p.engine.mcp == nil {
		return nil, fmt.Errorf("call_mcp_tool: no MCP invoker configured")
	}
	server := stringParam(params, "server")
	tool := stringParam(params, "tool")
	if server == "" || tool == "" {
		return nil, fmt.Errorf("call_mcp_tool requires server and tool")
	}
	args, _ := params["args"].(map[string]any)
	result, err := p.engine.mcp.CallTool(p.ctx, server, tool, args)
	if err != nil {
		return nil, err
	}
	p.st.SetVariable("last_mcp_result", result)
	if into := stringParam(params, "save_to", "into_variable"); into != "" {
		p.st.SetVariable(into, result)
	}
	return nil, nil
}

// completeLLM runs a one-shot prompt against the configured provider.
func (e *Engine) completeLLM(p *pass, system, prompt string) (string, error) {
	return e.completeLLMWith(p, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
}

func (e *Engine) completeLLMWith(p *pass, req llm.Request) (string, error) {
	if e.provider == nil {
		return "", fmt.Errorf("no LLM provider configured")
	}
	resp, err := e.provider.Complete(p.ctx, req)
	if err != nil {
		return "", err
	}
	if p.session != nil {
		if err := e.store.Sessions().AddUsage(p.ctx, p.session.ID, resp.InputTokens, resp.OutputTokens, 0); err != nil {
			actionLog.Printf("warn: usage not recorded for session %s: %v", p.session.ID, err)
		}
	}
	return resp.Text, nil
}

// sessionDigest flattens the observation ring into prompt material.
func sessionDigest(p *pass) string {
	var b strings.Builder
	for _, obs := range p.st.Observations {
		fmt.Fprintf(&b, "%s: %s\n", obs.Kind, obs.Note)
	}
	if b.Len() == 0 {
		fmt.Fprintf(&b, "workflow %s in phase %s", p.st.WorkflowName, p.st.Phase)
	}
	return b.String()
}

// gitDirtyFiles lists paths with uncommitted changes. Errors degrade to an
// empty baseline.
func gitDirtyFiles(dir string) []any {
	cmd := exec.Command("git", "status", "--porcelain")
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	var files []any
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files
}
