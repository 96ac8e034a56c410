package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gobbyhq/gobby/pkg/autonomous"
	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/events"
	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/llm"
	"github.com/gobbyhq/gobby/pkg/logger"
	"github.com/gobbyhq/gobby/pkg/storage"
)

var engineLog = logger.New("workflow:engine")

// passKey stashes the in-flight pass in the evaluation context so registered
// helpers can reach engine services. It is not addressable from workflow
// expressions by accident: no YAML identifier starts with underscores.
const passKey = "__pass"

// EngineOptions wires the optional engine services. Nil fields disable the
// verbs that need them; those verbs then fail with ActionError.
type EngineOptions struct {
	Evaluator *expr.Evaluator
	Provider  llm.Provider
	MCP       MCPInvoker
	Spawner   SessionSpawner
	Stops     *autonomous.StopRegistry
	Progress  *autonomous.ProgressTracker
	Workflows []string // workflow names enabled for new sessions
}

// Engine turns hook events into hook responses by enforcing the session's
// workflows. The hook pipeline serializes calls per session; the engine
// assumes one event per session at a time.
type Engine struct {
	loader    *Loader
	states    *StateManager
	store     *storage.Store
	eval      *expr.Evaluator
	actions   *ActionRegistry
	observers *ObserverRegistry

	provider llm.Provider
	mcp      MCPInvoker
	spawner  SessionSpawner
	stops    *autonomous.StopRegistry
	progress *autonomous.ProgressTracker
	stuck    *autonomous.StuckDetector
	enabled  []string
}

// NewEngine assembles an engine. The evaluator gains the engine-backed
// helpers; share one evaluator between loader and engine so load-time
// expression checks see the same helper table.
func NewEngine(loader *Loader, states *StateManager, store *storage.Store, opts EngineOptions) *Engine {
	eval := opts.Evaluator
	if eval == nil {
		eval = expr.New()
	}
	progress := opts.Progress
	if progress == nil {
		progress = autonomous.NewProgressTracker(0)
	}
	e := &Engine{
		loader:    loader,
		states:    states,
		store:     store,
		eval:      eval,
		observers: NewObserverRegistry(),
		provider:  opts.Provider,
		mcp:       opts.MCP,
		spawner:   opts.Spawner,
		stops:     opts.Stops,
		progress:  progress,
		stuck:     autonomous.NewStuckDetector(progress),
		enabled:   opts.Workflows,
	}
	e.actions = newActionRegistry()
	e.registerHelpers()
	return e
}

// Evaluator exposes the engine's evaluator so plugins can register helpers.
func (e *Engine) Evaluator() *expr.Evaluator { return e.eval }

// Observers exposes the behavior registry for plugin registration.
func (e *Engine) Observers() *ObserverRegistry { return e.observers }

// Actions exposes the verb registry for plugin registration.
func (e *Engine) Actions() *ActionRegistry { return e.actions }

// pass is the per-event working set threaded through dispatch.
type pass struct {
	ctx     context.Context
	engine  *Engine
	ev      *events.HookEvent
	def     *Definition
	st      *State
	session *storage.Session
	resp    *events.HookResponse
	aborted bool
}

func (p *pass) merge(r *events.HookResponse) {
	p.resp = p.resp.Merge(r)
}

// evalCtx builds the read-only context guards evaluate against. Variables are
// shared by reference so writes within the pass are visible to later guards.
func (p *pass) evalCtx() expr.Context {
	if p.st.Variables == nil {
		p.st.Variables = map[string]any{}
	}
	ctx := expr.Context{
		"event": map[string]any{
			"event_type":      string(p.ev.Type),
			"session_id":      p.ev.SessionID,
			"tool_name":       p.ev.ToolName,
			"tool_input":      p.ev.ToolInput,
			"tool_result":     p.ev.ToolResult,
			"prompt_text":     p.ev.PromptText,
			"trigger_source":  p.ev.TriggerSource,
			"transcript_path": p.ev.TranscriptPath,
			"metadata":        p.ev.Metadata,
		},
		"state": map[string]any{
			"workflow":           p.st.WorkflowName,
			"phase":              p.st.Phase,
			"phase_action_count": p.st.PhaseActionCount,
			"total_action_count": p.st.TotalActionCount,
			"current_task_index": p.st.CurrentTaskIndex,
			"artifacts":          p.st.Artifacts,
		},
		"variables": p.st.Variables,
		"settings":  p.def.Settings,
		passKey:     p,
	}
	if p.session != nil {
		ctx["session"] = map[string]any{
			"id":                p.session.ID,
			"source":            p.session.Source,
			"status":            p.session.Status,
			"autonomous":        p.session.Autonomous,
			"parent_session_id": p.session.ParentSessionID,
			"cwd":               p.session.CWD,
		}
	}
	if task, ok := p.st.Variables["active_task"]; ok {
		ctx["task"] = task
	}
	return ctx
}

// HandleEvent runs the full dispatch for one hook event and returns the
// merged response. Errors never escape: the pipeline contract is that the
// engine answers every event.
func (e *Engine) HandleEvent(ctx context.Context, ev *events.HookEvent) *events.HookResponse {
	if !ev.Type.Known() {
		engineLog.Printf("warn: unknown event type %q, passing through", ev.Type)
		return events.Continue()
	}
	defs := e.sessionDefinitions(ev)
	if len(defs) == 0 {
		return events.Continue()
	}
	session, err := e.store.Sessions().Get(ctx, ev.SessionID)
	if err != nil {
		session = nil
	}
	st, err := e.sessionState(ctx, ev.SessionID, defs)
	if err != nil {
		engineLog.Printf("warn: workflow state unavailable for session %s: %v", ev.SessionID, err)
		return events.Continue()
	}

	resp := events.Continue()
	for _, def := range defs {
		p := &pass{ctx: ctx, engine: e, ev: ev, def: def, st: st, session: session, resp: events.Continue()}
		if def.EffectiveType() == TypePhase {
			e.dispatchPhase(p)
		} else {
			e.applyObservers(p)
			e.runTriggers(p)
		}
		resp = resp.Merge(p.resp)
	}

	if err := e.states.Save(ctx, ev.SessionID, st); err != nil {
		engineLog.Printf("warn: workflow state save failed for session %s: %v", ev.SessionID, err)
	}
	if ev.Type == events.SessionEnd {
		e.loader.Unlock(ev.SessionID)
	}
	return resp
}

// sessionDefinitions resolves the workflows governing a session, locking the
// enabled set on first contact. A definition that fails to load disables
// enforcement for that workflow with a logged notification.
func (e *Engine) sessionDefinitions(ev *events.HookEvent) []*Definition {
	if def := e.loader.ForSession(ev.SessionID); def != nil {
		return e.lockedSet(ev.SessionID)
	}
	var defs []*Definition
	for _, name := range e.enabled {
		def, err := e.loader.Load(name)
		if err != nil {
			engineLog.Printf("warn: workflow %q disabled for session %s: %v", name, ev.SessionID, err)
			continue
		}
		defs = append(defs, def)
	}
	if len(defs) > 0 {
		// Pin the first (primary) definition; the rest are stable via the
		// loader cache for the session's lifetime.
		e.loader.mu.Lock()
		e.loader.locked[ev.SessionID] = defs[0]
		e.loader.mu.Unlock()
	}
	return defs
}

func (e *Engine) lockedSet(sessionID string) []*Definition {
	var defs []*Definition
	for _, name := range e.enabled {
		if def, err := e.loader.Load(name); err == nil {
			defs = append(defs, def)
		}
	}
	return defs
}

// sessionState loads or creates the per-session state. The phase-based
// definition (at most one) owns the state document.
func (e *Engine) sessionState(ctx context.Context, sessionID string, defs []*Definition) (*State, error) {
	st, err := e.states.Get(ctx, sessionID)
	if err == nil {
		return st, nil
	}
	if !errkind.Is(err, errkind.NotFound) {
		return nil, err
	}
	owner := defs[0]
	for _, def := range defs {
		if def.EffectiveType() == TypePhase {
			owner = def
			break
		}
	}
	return e.states.Create(ctx, sessionID, owner)
}

// dispatchPhase is the §-order dispatch for a phase workflow: observers,
// permissions and rules, transitions, exit conditions, then triggers.
func (e *Engine) dispatchPhase(p *pass) {
	e.applyObservers(p)
	phase := p.def.PhaseByName(p.st.Phase)

	switch p.ev.Type {
	case events.SessionStart:
		if phase != nil && p.st.PhaseActionCount == 0 && p.st.TotalActionCount == 0 {
			e.runActions(p, phase.OnEnter)
		}
	case events.PromptSubmit:
		e.consumeApproval(p)
	case events.BeforeTool:
		if blocked := e.enforceToolPolicy(p, phase); blocked != nil {
			p.merge(blocked)
			return
		}
	case events.AfterTool:
		p.st.PhaseActionCount++
		p.st.TotalActionCount++
	}

	if e.divertIfStuck(p, phase) {
		return
	}

	if phase != nil {
		for _, tr := range phase.Transitions {
			fire := tr.When == ""
			if !fire {
				fire, _ = e.eval.EvalBool(tr.When, p.evalCtx())
			}
			if fire {
				e.transition(p, phase, tr)
				phase = p.def.PhaseByName(p.st.Phase)
				break
			}
		}
	}

	if phase != nil && e.exitConditionsMet(p, phase) {
		next := p.def.NextPhase(phase.Name)
		if next == "" {
			next = PhaseComplete
		}
		e.transition(p, phase, Transition{To: next})
	}

	e.runTriggers(p)
}

// enforceToolPolicy applies phase tool permissions and the rule chain for a
// before_tool event. A non-nil return is the final blocking response.
func (e *Engine) enforceToolPolicy(p *pass, phase *Phase) *events.HookResponse {
	tool := p.ev.ToolName
	if phase == nil {
		return nil
	}
	if p.st.PendingApproval != "" && approvalScopeCovers(p.st.ApprovalScope, tool) {
		return events.Block(fmt.Sprintf("approval pending: %s", p.st.PendingApproval))
	}
	if !phase.AllowedTools.Permits(tool) {
		return events.Block(fmt.Sprintf("tool %q is not allowed in the %s phase", tool, phase.Name))
	}
	for _, blocked := range phase.BlockedTools {
		if blocked == tool {
			return events.Block(fmt.Sprintf("tool %q is blocked in the %s phase", tool, phase.Name))
		}
	}
	if extra, ok := p.st.Variables["blocked_tools"].([]any); ok {
		for _, b := range extra {
			if expr.CoerceString(b) == tool {
				return events.Block(fmt.Sprintf("tool %q is currently blocked", tool))
			}
		}
	}

	// Phase rules first, then the phase's named rules, then root tool_rules;
	// the first blocking match wins.
	rules := make([]RuleDef, 0, len(phase.Rules)+len(phase.CheckRules)+len(p.def.ToolRules))
	rules = append(rules, phase.Rules...)
	for _, name := range phase.CheckRules {
		if r, ok := p.def.ResolveRule(name); ok {
			rules = append(rules, r)
		}
	}
	rules = append(rules, p.def.ToolRules...)

	for _, rule := range rules {
		if !e.ruleApplies(rule, p) {
			continue
		}
		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("blocked by rule %s", rule.Name)
		}
		switch rule.Action {
		case RuleWarn:
			engineLog.Printf("warn: rule %s matched tool %s: %s", rule.Name, tool, reason)
		case RuleRequireApproval:
			p.st.PendingApproval = reason
			p.st.ApprovalScope = rule.Tools
			if len(p.st.ApprovalScope) == 0 {
				p.st.ApprovalScope = []string{tool}
			}
			return &events.HookResponse{
				Action:        events.ActionBlock,
				Message:       reason,
				InjectContext: fmt.Sprintf("Approval required: %s Reply \"yes\" to approve.", reason),
			}
		default: // block
			return events.Block(reason)
		}
	}
	return nil
}

// ruleApplies checks the rule's structural scoping and its when guard.
func (e *Engine) ruleApplies(rule RuleDef, p *pass) bool {
	tool := p.ev.ToolName
	if len(rule.Tools) > 0 && !containsString(rule.Tools, tool) {
		return false
	}
	if len(rule.MCPTools) > 0 {
		matched := false
		for _, name := range rule.MCPTools {
			if strings.Contains(tool, name) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if rule.CommandPattern != "" {
		command, _ := p.ev.ToolInput["command"].(string)
		re, err := regexp.Compile(rule.CommandPattern)
		if err != nil || !re.MatchString(command) {
			return false
		}
	}
	if rule.When == "" {
		return len(rule.Tools) > 0 || len(rule.MCPTools) > 0 || rule.CommandPattern != ""
	}
	ok, err := e.eval.EvalBool(rule.When, p.evalCtx())
	if err != nil {
		engineLog.Printf("warn: rule %s has invalid expression: %v", rule.Name, err)
		return false
	}
	return ok
}

// consumeApproval resolves an outstanding approval request from the user's
// prompt text.
func (e *Engine) consumeApproval(p *pass) {
	if p.st.PendingApproval == "" {
		return
	}
	if isApproval(p.ev.PromptText) {
		p.st.SetVariable("user_approved", true)
		p.st.PendingApproval = ""
		p.st.ApprovalScope = nil
		p.st.PushObservation("approval", "user approved")
	}
}

func isApproval(prompt string) bool {
	t := strings.ToLower(strings.TrimSpace(prompt))
	switch t {
	case "yes", "y", "ok", "approve", "approved", "lgtm", "go ahead":
		return true
	}
	return strings.HasPrefix(t, "yes,") || strings.HasPrefix(t, "yes ")
}

func approvalScopeCovers(scope []string, tool string) bool {
	if len(scope) == 0 {
		return false
	}
	return containsString(scope, tool)
}

// transition leaves the current phase and enters tr.To, running on_exit,
// on_transition and on_enter actions in that order.
func (e *Engine) transition(p *pass, from *Phase, tr Transition) {
	if from != nil {
		e.runActions(p, from.OnExit)
	}
	e.runActions(p, tr.OnTransition)
	previous := p.st.Phase
	p.st.EnterPhase(tr.To)
	if to := p.def.PhaseByName(tr.To); to != nil {
		e.runActions(p, to.OnEnter)
	}
	p.st.PushObservation("phase", previous+" -> "+tr.To)
	engineLog.Printf("Session %s: %s -> %s", p.ev.SessionID, previous, tr.To)
}

// exitConditionsMet evaluates exit_when plus every exit condition. Approval
// and webhook conditions block until satisfied; the first unsatisfied
// approval injects its prompt once.
func (e *Engine) exitConditionsMet(p *pass, phase *Phase) bool {
	if phase.ExitWhen == "" && len(phase.ExitConditions) == 0 {
		return false
	}
	if phase.ExitWhen != "" {
		ok, _ := e.eval.EvalBool(phase.ExitWhen, p.evalCtx())
		if !ok {
			return false
		}
	}
	for _, cond := range phase.ExitConditions {
		switch cond.Type {
		case ExitUserApproval:
			if expr.Truthy(p.st.Variables["user_approved"]) {
				continue
			}
			if p.st.PendingApproval == "" {
				prompt := cond.Prompt
				if prompt == "" {
					prompt = "Approve to continue?"
				}
				p.st.PendingApproval = prompt
				p.merge(events.Modify(prompt))
			}
			return false
		case ExitWebhook:
			if !expr.Truthy(p.st.Variables["webhook_received"]) {
				return false
			}
		default:
			ok, _ := e.eval.EvalBool(cond.When, p.evalCtx())
			if !ok {
				return false
			}
		}
	}
	return true
}

// divertIfStuck applies engine-level stuck detection: phase overstay, repeat
// task selection, or repeated validation failures. A declared reflect/stuck
// phase receives the session; otherwise a reflection prompt is injected.
func (e *Engine) divertIfStuck(p *pass, phase *Phase) bool {
	if phase == nil || phase.Name == "reflect" || phase.Name == "stuck" {
		return false
	}
	if p.ev.Type != events.BeforeTool && p.ev.Type != events.PromptSubmit {
		return false
	}

	reason, stuck := e.stuckReason(p)
	if !stuck {
		return false
	}
	for _, target := range []string{"reflect", "stuck"} {
		if p.def.PhaseByName(target) != nil {
			p.st.SetVariable("stuck_reason", string(reason))
			e.transition(p, phase, Transition{To: target})
			return true
		}
	}
	p.merge(events.Modify("You appear to be stuck: " + reason.Describe() +
		". Step back, reassess the current task, and adjust your approach."))
	p.st.SameTaskCount = 0
	p.st.ValidationFailures = 0
	return false
}

func (e *Engine) stuckReason(p *pass) (autonomous.StuckReason, bool) {
	settings := stuckSettings(p.def.Settings)
	if settings.MaxPhaseDuration > 0 && p.st.PhaseAge() > settings.MaxPhaseDuration {
		return autonomous.StuckStagnation, true
	}
	return e.stuck.Check(p.ev.SessionID, p.st.SameTaskCount, p.st.ValidationFailures, autonomous.Thresholds{
		SameTask:           settings.SameTaskThreshold,
		ValidationFailures: settings.ValidationFailureThreshold,
	})
}

// stuckConfig is the typed view of settings.stuck_detection.
type stuckConfig struct {
	MaxPhaseDuration           time.Duration
	SameTaskThreshold          int
	ValidationFailureThreshold int
}

func stuckSettings(settings map[string]any) stuckConfig {
	var cfg stuckConfig
	section, _ := settings["stuck_detection"].(map[string]any)
	if minutes, ok := numberSetting(section, "max_phase_duration_minutes"); ok {
		cfg.MaxPhaseDuration = time.Duration(minutes * float64(time.Minute))
	}
	if n, ok := numberSetting(section, "same_task_threshold"); ok {
		cfg.SameTaskThreshold = int(n)
	}
	if n, ok := numberSetting(section, "validation_failure_threshold"); ok {
		cfg.ValidationFailureThreshold = int(n)
	}
	return cfg
}

func numberSetting(section map[string]any, key string) (float64, bool) {
	if section == nil {
		return 0, false
	}
	switch v := section[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// runTriggers executes the definition's trigger actions for this event.
func (e *Engine) runTriggers(p *pass) {
	if len(p.def.Triggers) == 0 {
		return
	}
	for key, actions := range p.def.Triggers {
		if normalizeEventKey(key) != string(p.ev.Type) {
			continue
		}
		e.runActions(p, actions)
	}
}

// runActions executes a list sequentially. A failing action logs a warning
// and aborts the remainder of the list; effects already applied are kept.
func (e *Engine) runActions(p *pass, actions []Action) {
	if p.aborted {
		return
	}
	for _, action := range actions {
		if action.When != "" {
			ok, err := e.eval.EvalBool(action.When, p.evalCtx())
			if err != nil || !ok {
				continue
			}
		}
		resp, err := e.actions.run(p, action)
		if err != nil {
			engineLog.Printf("warn: action %s failed for session %s: %v", action.Verb, p.ev.SessionID, err)
			p.aborted = true
			return
		}
		p.merge(resp)
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
