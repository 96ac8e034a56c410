// Package events defines the uniform hook event model crossing from CLI
// adapters into the daemon, and the response contract going back.
//
// The event taxonomy is closed: adapters for each CLI family translate
// vendor-specific hook invocations into one of the Type constants below.
// Unknown event types are preserved so they can be logged and passed through
// as a continue decision.
package events

import (
	"encoding/json"
)

// Type identifies a hook event kind.
type Type string

const (
	SessionStart Type = "session_start"
	SessionEnd   Type = "session_end"
	PreCompact   Type = "pre_compact"
	PromptSubmit Type = "prompt_submit"
	BeforeTool   Type = "before_tool"
	AfterTool    Type = "after_tool"
	Stop         Type = "stop"
	SubagentStop Type = "subagent_stop"
	Notification Type = "notification"
)

// knownTypes is the closed taxonomy.
var knownTypes = map[Type]bool{
	SessionStart: true,
	SessionEnd:   true,
	PreCompact:   true,
	PromptSubmit: true,
	BeforeTool:   true,
	AfterTool:    true,
	Stop:         true,
	SubagentStop: true,
	Notification: true,
}

// Known reports whether t is part of the closed event taxonomy.
func (t Type) Known() bool { return knownTypes[t] }

// HookEvent is the request object crossing from a CLI adapter into the hook
// pipeline. It is treated as immutable within a pipeline pass.
type HookEvent struct {
	Type           Type           `json:"event_type"`
	SessionID      string         `json:"session_id"`
	ProjectHint    string         `json:"project_hint,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	ToolInput      map[string]any `json:"tool_input,omitempty"`
	ToolResult     any            `json:"tool_result,omitempty"`
	PromptText     string         `json:"prompt_text,omitempty"`
	TranscriptPath string         `json:"transcript_path,omitempty"`
	TriggerSource  string         `json:"trigger_source,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Extensions preserves fields this version does not model so events
	// survive round-trips through the daemon unchanged.
	Extensions map[string]json.RawMessage `json:"-"`
}

// knownEventFields are the JSON keys handled by the typed fields above.
var knownEventFields = map[string]bool{
	"event_type": true, "session_id": true, "project_hint": true,
	"tool_name": true, "tool_input": true, "tool_result": true,
	"prompt_text": true, "transcript_path": true, "trigger_source": true,
	"metadata": true,
}

// UnmarshalJSON decodes a hook event, collecting unknown fields into
// Extensions.
func (e *HookEvent) UnmarshalJSON(data []byte) error {
	type alias HookEvent
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownEventFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		a.Extensions = raw
	}
	*e = HookEvent(a)
	return nil
}

// MarshalJSON encodes a hook event, merging Extensions back into the object.
func (e *HookEvent) MarshalJSON() ([]byte, error) {
	type alias HookEvent
	data, err := json.Marshal((*alias)(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extensions) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extensions {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Action is the decision kind returned to the CLI.
type Action string

const (
	ActionContinue Action = "continue"
	ActionBlock    Action = "block"
	ActionModify   Action = "modify"
)

// HookResponse is the decision returned to the CLI for one hook event.
type HookResponse struct {
	Action        Action         `json:"action"`
	Message       string         `json:"message,omitempty"`
	InjectContext string         `json:"inject_context,omitempty"`
	ModifiedInput map[string]any `json:"modified_input,omitempty"`
}

// Continue returns a pass-through response.
func Continue() *HookResponse { return &HookResponse{Action: ActionContinue} }

// Block returns a blocking response with a user-visible message.
func Block(message string) *HookResponse {
	return &HookResponse{Action: ActionBlock, Message: message}
}

// Modify returns a response that injects context into the next turn.
func Modify(injectContext string) *HookResponse {
	return &HookResponse{Action: ActionModify, InjectContext: injectContext}
}

// Merge folds other into r and returns the result. Block dominates every
// other action. Injected context accumulates; when both responses inject,
// the later injection is appended after the earlier one. Later modified
// input wins key-by-key.
func (r *HookResponse) Merge(other *HookResponse) *HookResponse {
	if r == nil {
		return other
	}
	if other == nil {
		return r
	}
	if other.Action == ActionBlock && r.Action != ActionBlock {
		r.Action = ActionBlock
		r.Message = other.Message
	} else if other.Message != "" && r.Message == "" {
		r.Message = other.Message
	}
	if other.InjectContext != "" {
		if r.InjectContext != "" {
			r.InjectContext += "\n\n" + other.InjectContext
		} else {
			r.InjectContext = other.InjectContext
		}
		if r.Action == ActionContinue {
			r.Action = ActionModify
		}
	}
	if len(other.ModifiedInput) > 0 {
		if r.ModifiedInput == nil {
			r.ModifiedInput = map[string]any{}
		}
		for k, v := range other.ModifiedInput {
			r.ModifiedInput[k] = v
		}
		if r.Action == ActionContinue {
			r.Action = ActionModify
		}
	}
	return r
}
