package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() Context {
	return Context{
		"event": map[string]any{
			"event_type": "before_tool",
			"tool_name":  "Bash",
			"tool_input": map[string]any{
				"command":   "git push origin main",
				"file_path": "docs/plan.md",
			},
			"prompt_text": "yes, go ahead",
		},
		"state": map[string]any{
			"phase":              "plan",
			"phase_action_count": float64(3),
		},
		"variables": map[string]any{
			"todo_state": []any{"a", "b"},
			"approved":   true,
		},
		"settings": map[string]any{},
	}
}

func TestCompileRejectsUnsafeForms(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "function literal", src: "func() {}"},
		{name: "composite literal", src: "[]string{\"a\"}"},
		{name: "type assertion", src: "event.(string)"},
		{name: "method call", src: "event.tool_name.Upper()"},
		{name: "slice expression", src: "event.tool_name[0:2]"},
		{name: "bitwise operator", src: "1 | 2"},
		{name: "dereference", src: "*event"},
		{name: "char literal", src: "'a'"},
		{name: "empty", src: ""},
		{name: "statement", src: "x := 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.src)
			assert.Error(t, err, "expected %q to be rejected", tt.src)
		})
	}
}

func TestEval(t *testing.T) {
	e := New()
	ctx := testContext()

	tests := []struct {
		name string
		src  string
		want any
	}{
		{name: "attribute access", src: "event.tool_name", want: "Bash"},
		{name: "nested attribute", src: "event.tool_input.command", want: "git push origin main"},
		{name: "equality", src: "state.phase == \"plan\"", want: true},
		{name: "inequality", src: "state.phase != \"execute\"", want: true},
		{name: "numeric comparison", src: "state.phase_action_count >= 3", want: true},
		{name: "arithmetic", src: "state.phase_action_count + 1", want: float64(4)},
		{name: "boolean and", src: "variables.approved && state.phase == \"plan\"", want: true},
		{name: "boolean or with false left", src: "false || variables.approved", want: true},
		{name: "negation", src: "!variables.approved", want: false},
		{name: "string concat", src: "\"phase-\" + state.phase", want: "phase-plan"},
		{name: "contains string", src: "contains(event.tool_input.command, \"push\")", want: true},
		{name: "contains list", src: "contains(variables.todo_state, \"a\")", want: true},
		{name: "len", src: "len(variables.todo_state)", want: float64(2)},
		{name: "index", src: "variables.todo_state[1]", want: "b"},
		{name: "missing key is nil-falsy", src: "!state.missing", want: true},
		{name: "command_contains", src: "command_contains(\"git push\")", want: true},
		{name: "command_in", src: "command_in(variables.todo_state) == false", want: true},
		{name: "user_says", src: "user_says(\"yes\")", want: true},
		{name: "user_says miss", src: "user_says(\"no\")", want: false},
		{name: "is_plan_file", src: "is_plan_file(event.tool_input.file_path)", want: true},
		{name: "starts_with", src: "starts_with(event.tool_name, \"Ba\")", want: true},
		{name: "matches", src: "matches(event.tool_input.command, \"^git (push|pull)\")", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.src)
			require.NoError(t, err)
			got, err := e.Eval(p, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalDeterministicAndReadOnly(t *testing.T) {
	e := New()
	ctx := testContext()

	p, err := Compile("state.phase == \"plan\" && len(variables.todo_state) == 2")
	require.NoError(t, err)

	first, err := e.Eval(p, ctx)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := e.Eval(p, ctx)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	// Context contents survive evaluation untouched.
	assert.Equal(t, "plan", ctx["state"].(map[string]any)["phase"])
	assert.Len(t, ctx["variables"].(map[string]any)["todo_state"], 2)
}

func TestEvalBoolRuntimeErrorsAreFalse(t *testing.T) {
	e := New()
	ctx := testContext()

	tests := []struct {
		name string
		src  string
	}{
		{name: "attribute access on nil", src: "state.missing.deeper == 1"},
		{name: "unknown helper", src: "not_a_helper()"},
		{name: "division by zero", src: "1 / 0 == 0"},
		{name: "index out of range", src: "variables.todo_state[9] == \"a\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvalBool(tt.src, ctx)
			require.NoError(t, err)
			assert.False(t, got)
		})
	}
}

func TestShortCircuit(t *testing.T) {
	e := New()
	ctx := testContext()

	// The right operand would fail at runtime; short-circuit must prevent
	// evaluation and therefore the error.
	got, err := e.EvalBool("false && state.missing.deeper == 1", ctx)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = e.EvalBool("true || state.missing.deeper == 1", ctx)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestRegisterHelper(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterHelper("always_true", func(_ Context, _ []any) (any, error) {
		return true, nil
	}))

	got, err := e.EvalBool("always_true()", testContext())
	require.NoError(t, err)
	assert.True(t, got)

	assert.Error(t, e.RegisterHelper("always_true", nil), "duplicate registration must fail")
	assert.Error(t, e.RegisterHelper("bad name", nil), "invalid identifier must fail")
}

func TestRenderTemplate(t *testing.T) {
	e := New()
	ctx := testContext()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain string untouched", in: "no placeholders", want: "no placeholders"},
		{name: "single substitution", in: "phase is {{ state.phase }}", want: "phase is plan"},
		{name: "numeric substitution", in: "{{ state.phase_action_count }} actions", want: "3 actions"},
		{name: "failed expression renders empty", in: "x{{ state.missing.deeper }}y", want: "xy"},
		{name: "multiple placeholders", in: "{{ state.phase }}/{{ event.tool_name }}", want: "plan/Bash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.RenderTemplate(tt.in, ctx))
		})
	}
}
