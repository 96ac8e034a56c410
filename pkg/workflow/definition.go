// Package workflow implements the YAML-defined session workflows: phase
// state machines with tool permissions, declarative rules and observers, and
// the engine that turns hook events into hook responses.
package workflow

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// Workflow types.
const (
	TypePhase     = "phase"
	TypeLifecycle = "lifecycle"
)

// Rule actions.
const (
	RuleBlock           = "block"
	RuleWarn            = "warn"
	RuleRequireApproval = "require_approval"
)

// Definition is one parsed workflow document. Definitions are pure values:
// immutable once loaded and safe to share across sessions.
type Definition struct {
	Name            string              `yaml:"name" json:"name"`
	Version         string              `yaml:"version,omitempty" json:"version,omitempty"`
	Extends         string              `yaml:"extends,omitempty" json:"extends,omitempty"`
	Type            string              `yaml:"type,omitempty" json:"type,omitempty"`
	Description     string              `yaml:"description,omitempty" json:"description,omitempty"`
	Settings        map[string]any      `yaml:"settings,omitempty" json:"settings,omitempty"`
	Variables       map[string]any      `yaml:"variables,omitempty" json:"variables,omitempty"`
	RuleDefinitions map[string]RuleDef  `yaml:"rule_definitions,omitempty" json:"rule_definitions,omitempty"`
	ToolRules       []RuleDef           `yaml:"tool_rules,omitempty" json:"tool_rules,omitempty"`
	Observers       []Observer          `yaml:"observers,omitempty" json:"observers,omitempty"`
	Phases          []Phase             `yaml:"phases,omitempty" json:"phases,omitempty"`
	Triggers        map[string][]Action `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// Phase is one named state in a phase workflow.
type Phase struct {
	Name           string          `yaml:"name" json:"name"`
	Description    string          `yaml:"description,omitempty" json:"description,omitempty"`
	AllowedTools   ToolList        `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	BlockedTools   []string        `yaml:"blocked_tools,omitempty" json:"blocked_tools,omitempty"`
	Rules          []RuleDef       `yaml:"rules,omitempty" json:"rules,omitempty"`
	CheckRules     []string        `yaml:"check_rules,omitempty" json:"check_rules,omitempty"`
	OnEnter        []Action        `yaml:"on_enter,omitempty" json:"on_enter,omitempty"`
	OnExit         []Action        `yaml:"on_exit,omitempty" json:"on_exit,omitempty"`
	Transitions    []Transition    `yaml:"transitions,omitempty" json:"transitions,omitempty"`
	ExitConditions []ExitCondition `yaml:"exit_conditions,omitempty" json:"exit_conditions,omitempty"`
	ExitWhen       string          `yaml:"exit_when,omitempty" json:"exit_when,omitempty"`
}

// Transition moves the session to another phase when its guard holds.
type Transition struct {
	To           string   `yaml:"to" json:"to"`
	When         string   `yaml:"when,omitempty" json:"when,omitempty"`
	OnTransition []Action `yaml:"on_transition,omitempty" json:"on_transition,omitempty"`
}

// RuleDef is a named guard. Action defaults to block.
type RuleDef struct {
	Name           string   `yaml:"name,omitempty" json:"name,omitempty"`
	When           string   `yaml:"when,omitempty" json:"when,omitempty"`
	Reason         string   `yaml:"reason,omitempty" json:"reason,omitempty"`
	Action         string   `yaml:"action,omitempty" json:"action,omitempty"`
	Tools          []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	MCPTools       []string `yaml:"mcp_tools,omitempty" json:"mcp_tools,omitempty"`
	CommandPattern string   `yaml:"command_pattern,omitempty" json:"command_pattern,omitempty"`
}

// Observer mirrors event data into workflow variables. Either Match/Set
// (declarative) or Behavior (a registered implementation) is populated.
type Observer struct {
	Name     string            `yaml:"name" json:"name"`
	On       string            `yaml:"on,omitempty" json:"on,omitempty"`
	Match    map[string]string `yaml:"match,omitempty" json:"match,omitempty"`
	Set      map[string]string `yaml:"set,omitempty" json:"set,omitempty"`
	Behavior string            `yaml:"behavior,omitempty" json:"behavior,omitempty"`
}

// ToolList is either the sentinel "all" or an explicit allow-list.
type ToolList struct {
	All   bool
	Tools []string
}

// UnmarshalYAML accepts "all" or a list of tool names.
func (t *ToolList) UnmarshalYAML(data []byte) error {
	var s string
	if err := yaml.Unmarshal(data, &s); err == nil {
		if s != "all" {
			return fmt.Errorf("allowed_tools string must be %q, got %q", "all", s)
		}
		t.All = true
		t.Tools = nil
		return nil
	}
	var list []string
	if err := yaml.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("allowed_tools must be \"all\" or a list: %w", err)
	}
	t.All = false
	t.Tools = list
	return nil
}

// MarshalYAML renders the sentinel back out.
func (t ToolList) MarshalYAML() ([]byte, error) {
	if t.All {
		return yaml.Marshal("all")
	}
	return yaml.Marshal(t.Tools)
}

// IsZero reports an unset list: no sentinel and no entries.
func (t ToolList) IsZero() bool {
	return !t.All && len(t.Tools) == 0
}

// Permits applies the permission model: "all" permits everything, an explicit
// list permits only its members, an unset list permits everything.
func (t ToolList) Permits(tool string) bool {
	if t.All || t.IsZero() {
		return true
	}
	for _, name := range t.Tools {
		if name == tool {
			return true
		}
	}
	return false
}

// Exit condition types.
const (
	ExitExpression   = "expression"
	ExitUserApproval = "user_approval"
	ExitWebhook      = "webhook"
)

// ExitCondition gates leaving a phase. A bare string in YAML is shorthand for
// an expression condition.
type ExitCondition struct {
	Type   string         `yaml:"type,omitempty" json:"type,omitempty"`
	When   string         `yaml:"when,omitempty" json:"when,omitempty"`
	Prompt string         `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// UnmarshalYAML accepts a bare expression string or a typed mapping.
func (c *ExitCondition) UnmarshalYAML(data []byte) error {
	var s string
	if err := yaml.Unmarshal(data, &s); err == nil {
		c.Type = ExitExpression
		c.When = s
		return nil
	}
	type plain ExitCondition
	var p plain
	if err := yaml.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = ExitCondition(p)
	if c.Type == "" {
		c.Type = ExitExpression
	}
	return nil
}

// Action is a named verb with verb-specific parameters. In YAML it is a
// mapping with an "action" key, an optional "when" guard, and the rest of the
// keys passed through to the handler.
type Action struct {
	Verb   string
	When   string
	Params map[string]any
}

// UnmarshalYAML splits the reserved keys from the verb parameters.
func (a *Action) UnmarshalYAML(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	verb, _ := raw["action"].(string)
	if verb == "" {
		return fmt.Errorf("action entry is missing the %q key", "action")
	}
	a.Verb = verb
	a.When, _ = raw["when"].(string)
	delete(raw, "action")
	delete(raw, "when")
	a.Params = raw
	return nil
}

// MarshalYAML re-flattens the action into a single mapping.
func (a Action) MarshalYAML() ([]byte, error) {
	out := make(map[string]any, len(a.Params)+2)
	for k, v := range a.Params {
		out[k] = v
	}
	out["action"] = a.Verb
	if a.When != "" {
		out["when"] = a.When
	}
	return yaml.Marshal(out)
}

// EffectiveType defaults the workflow type to phase.
func (d *Definition) EffectiveType() string {
	if d.Type == "" {
		return TypePhase
	}
	return d.Type
}

// PhaseByName returns the declared phase or nil.
func (d *Definition) PhaseByName(name string) *Phase {
	for i := range d.Phases {
		if d.Phases[i].Name == name {
			return &d.Phases[i]
		}
	}
	return nil
}

// NextPhase returns the phase declared after name, or "" when name is last.
func (d *Definition) NextPhase(name string) string {
	for i := range d.Phases {
		if d.Phases[i].Name == name && i+1 < len(d.Phases) {
			return d.Phases[i+1].Name
		}
	}
	return ""
}

// InitialPhase returns the first declared phase name.
func (d *Definition) InitialPhase() string {
	if len(d.Phases) == 0 {
		return ""
	}
	return d.Phases[0].Name
}

// ResolveRule looks a named rule up in the definition's rule_definitions.
func (d *Definition) ResolveRule(name string) (RuleDef, bool) {
	r, ok := d.RuleDefinitions[name]
	if ok && r.Name == "" {
		r.Name = name
	}
	return r, ok
}
