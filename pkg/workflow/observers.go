package workflow

import (
	"strings"
	"sync"

	"github.com/gobbyhq/gobby/pkg/events"
	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var observerLog = logger.New("workflow:observers")

// ObserverBehavior is a registered native observer implementation, for state
// tracking a declarative match/set observer cannot express.
type ObserverBehavior func(p *pass) error

// ObserverRegistry maps behavior names to implementations.
type ObserverRegistry struct {
	mu        sync.RWMutex
	behaviors map[string]ObserverBehavior
}

// NewObserverRegistry creates a registry with the built-in behaviors.
func NewObserverRegistry() *ObserverRegistry {
	r := &ObserverRegistry{behaviors: map[string]ObserverBehavior{}}
	r.Register("task_claim_tracking", trackTaskClaims)
	r.Register("detect_plan_mode", detectPlanMode)
	r.Register("mcp_call_tracking", trackMCPCalls)
	return r
}

// Register adds or replaces a behavior.
func (r *ObserverRegistry) Register(name string, b ObserverBehavior) {
	r.mu.Lock()
	r.behaviors[name] = b
	r.mu.Unlock()
}

func (r *ObserverRegistry) get(name string) (ObserverBehavior, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.behaviors[name]
	return b, ok
}

// applyObservers runs the definition's observers against the current event.
// Observers fire before rules so guards see the updated variables.
func (e *Engine) applyObservers(p *pass) {
	for _, obs := range p.def.Observers {
		if obs.Behavior != "" {
			behavior, ok := e.observers.get(obs.Behavior)
			if !ok {
				observerLog.Printf("warn: observer %s references unknown behavior %q", obs.Name, obs.Behavior)
				continue
			}
			if err := behavior(p); err != nil {
				observerLog.Printf("warn: observer %s failed: %v", obs.Name, err)
			}
			continue
		}
		if !observerMatches(obs, p.ev, e.eval, p.evalCtx()) {
			continue
		}
		for variable, src := range obs.Set {
			prog, err := e.eval.Program(src)
			if err != nil {
				observerLog.Printf("warn: observer %s has bad expression %q: %v", obs.Name, src, err)
				continue
			}
			value, err := e.eval.Eval(prog, p.evalCtx())
			if err != nil {
				observerLog.Printf("warn: observer %s expression %q failed: %v", obs.Name, src, err)
				continue
			}
			p.st.SetVariable(variable, value)
		}
	}
}

// observerMatches checks the on/match clauses. Match keys address event
// fields; "tool" is shorthand for the tool name.
func observerMatches(obs Observer, ev *events.HookEvent, eval *expr.Evaluator, ctx expr.Context) bool {
	if obs.On != "" && normalizeEventKey(obs.On) != string(ev.Type) {
		return false
	}
	for key, want := range obs.Match {
		var got string
		switch key {
		case "tool", "tool_name":
			got = ev.ToolName
		case "trigger", "trigger_source":
			got = ev.TriggerSource
		case "prompt_text":
			got = ev.PromptText
		default:
			prog, err := eval.Program("event." + key)
			if err != nil {
				return false
			}
			v, err := eval.Eval(prog, ctx)
			if err != nil {
				return false
			}
			got = expr.CoerceString(v)
		}
		if got != want {
			return false
		}
	}
	return true
}

// normalizeEventKey maps trigger/observer keys like "on_session_start" to the
// event type "session_start".
func normalizeEventKey(key string) string {
	return strings.TrimPrefix(key, "on_")
}

// trackTaskClaims mirrors gobby-tasks claim calls into the active_task
// variable and the repeat-selection counter.
func trackTaskClaims(p *pass) error {
	if p.ev.Type != events.AfterTool {
		return nil
	}
	name := p.ev.ToolName
	if !strings.Contains(name, "claim_task") && !strings.Contains(name, "update_task") {
		return nil
	}
	taskID, _ := p.ev.ToolInput["task_id"].(string)
	if taskID == "" {
		return nil
	}
	if strings.Contains(name, "claim_task") {
		p.st.SetVariable("active_task", taskID)
		p.st.RecordTaskSelection(taskID)
		p.st.PushObservation("task_claimed", taskID)
		return nil
	}
	if status, _ := p.ev.ToolInput["status"].(string); status == "closed" {
		p.st.SetVariable("task_done", true)
	}
	return nil
}

// detectPlanMode tracks the CLI's plan mode from its tool traffic.
func detectPlanMode(p *pass) error {
	if p.ev.Type != events.AfterTool {
		return nil
	}
	switch p.ev.ToolName {
	case "ExitPlanMode", "exit_plan_mode":
		p.st.SetVariable("plan_mode", false)
		p.st.SetVariable("plan_approved", true)
	case "EnterPlanMode", "enter_plan_mode":
		p.st.SetVariable("plan_mode", true)
	}
	return nil
}

// trackMCPCalls records proxied MCP traffic so guards like mcp_called and
// mcp_failed can see it.
func trackMCPCalls(p *pass) error {
	if p.ev.Type != events.AfterTool {
		return nil
	}
	name := p.ev.ToolName
	if !strings.HasPrefix(name, "mcp__") {
		return nil
	}
	parts := strings.SplitN(strings.TrimPrefix(name, "mcp__"), "__", 2)
	if len(parts) != 2 {
		return nil
	}
	calls, _ := p.st.Variables["mcp_calls"].([]any)
	calls = append(calls, parts[0]+":"+parts[1])
	p.st.SetVariable("mcp_calls", calls)
	p.st.SetVariable("last_mcp_result", p.ev.ToolResult)

	failed := false
	if m, ok := p.ev.ToolResult.(map[string]any); ok {
		if _, has := m["error"]; has {
			failed = true
		}
		if status, _ := m["status"].(string); status == "error" {
			failed = true
		}
	}
	p.st.SetVariable("last_mcp_failed", failed)
	return nil
}
