package workflow

import (
	"fmt"
	"strings"

	"github.com/gobbyhq/gobby/pkg/expr"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var helperLog = logger.New("workflow:helpers")

// registerHelpers installs the engine-backed helpers on the shared evaluator.
// Helpers are read-only: they inspect state and storage but never mutate.
// Each one recovers the in-flight pass from the evaluation context; outside a
// dispatch pass they evaluate to a safe zero value.
func (e *Engine) registerHelpers() {
	register := func(name string, h expr.Helper) {
		if err := e.eval.RegisterHelper(name, h); err != nil {
			helperLog.Printf("warn: helper %s not registered: %v", name, err)
		}
	}

	register("has_previous_session", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil || p.session == nil {
			return false, nil
		}
		return p.session.ParentSessionID != "", nil
	})

	register("has_handoff", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil || p.session == nil || p.session.ParentSessionID == "" {
			return false, nil
		}
		h, err := e.store.WorkflowStates().LatestHandoff(p.ctx, p.session.ParentSessionID)
		if err != nil {
			return false, nil
		}
		return h != nil && !h.Consumed, nil
	})

	register("has_stop_signal", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil || e.stops == nil {
			return false, nil
		}
		_, ok := e.stops.Has(p.ev.SessionID)
		return ok, nil
	})

	register("mcp_called", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil || len(args) < 2 {
			return false, nil
		}
		want := expr.CoerceString(args[0]) + ":" + expr.CoerceString(args[1])
		calls, _ := p.st.Variables["mcp_calls"].([]any)
		for _, c := range calls {
			if expr.CoerceString(c) == want {
				return true, nil
			}
		}
		return false, nil
	})

	register("mcp_result_is_null", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil {
			return true, nil
		}
		v, ok := p.st.Variables["last_mcp_result"]
		return !ok || v == nil, nil
	})

	register("mcp_failed", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil {
			return false, nil
		}
		return expr.Truthy(p.st.Variables["last_mcp_failed"]), nil
	})

	register("mcp_result_has", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil || len(args) < 1 {
			return false, nil
		}
		value := lookupPath(p.st.Variables["last_mcp_result"], expr.CoerceString(args[0]))
		if value == nil {
			return false, nil
		}
		if len(args) < 2 {
			return true, nil
		}
		return expr.CoerceString(value) == expr.CoerceString(args[1]), nil
	})

	register("task_tree_complete", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil || len(args) < 1 {
			return false, nil
		}
		rootID := expr.CoerceString(args[0])
		if rootID == "" {
			return false, nil
		}
		done, err := e.store.Tasks().TreeComplete(p.ctx, rootID)
		if err != nil {
			helperLog.Printf("warn: task_tree_complete(%s): %v", rootID, err)
			return false, nil
		}
		return done, nil
	})

	register("task_needs_user_review", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil || len(args) < 1 {
			return false, nil
		}
		task, err := e.store.Tasks().Get(p.ctx, expr.CoerceString(args[0]))
		if err != nil {
			return false, nil
		}
		if task.Status == "review" {
			return true, nil
		}
		for _, label := range task.Labels {
			if label == "needs-review" || label == "user-review" {
				return true, nil
			}
		}
		return false, nil
	})

	register("check_stuck", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil {
			return false, nil
		}
		_, stuck := e.stuckReason(p)
		return stuck, nil
	})

	register("task_status", func(ctx expr.Context, args []any) (any, error) {
		p := passFrom(ctx)
		if p == nil || len(args) < 1 {
			return "", nil
		}
		task, err := e.store.Tasks().Get(p.ctx, expr.CoerceString(args[0]))
		if err != nil {
			return "", nil
		}
		return task.Status, nil
	})
}

func passFrom(ctx expr.Context) *pass {
	p, _ := ctx[passKey].(*pass)
	return p
}

// lookupPath walks a dotted path ("content.0.text") through nested maps and
// slices.
func lookupPath(root any, path string) any {
	current := root
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			current = node[part]
		case []any:
			var idx int
			if _, err := fmt.Sscanf(part, "%d", &idx); err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
		if current == nil {
			return nil
		}
	}
	return current
}
