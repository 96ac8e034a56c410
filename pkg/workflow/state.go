package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var stateLog = logger.New("workflow:state")

// PhaseComplete is the implicit terminal phase every workflow may transition
// to without declaring it.
const PhaseComplete = "complete"

// maxObservations bounds the per-session observation ring.
const maxObservations = 50

// Observation is one recorded note in the state's bounded ring.
type Observation struct {
	At   string `json:"at"`
	Kind string `json:"kind"`
	Note string `json:"note,omitempty"`
}

// State is the per-session mutable workflow state. It serializes to the
// storage layer as one JSON document.
type State struct {
	WorkflowName     string            `json:"workflow_name"`
	Phase            string            `json:"phase,omitempty"`
	PhaseEnteredAt   string            `json:"phase_entered_at,omitempty"`
	PhaseActionCount int               `json:"phase_action_count"`
	TotalActionCount int               `json:"total_action_count"`
	Artifacts        map[string]string `json:"artifacts,omitempty"`
	Observations     []Observation     `json:"observations,omitempty"`
	Variables        map[string]any    `json:"variables,omitempty"`
	CurrentTaskIndex int               `json:"current_task_index"`

	// PendingApproval holds the prompt text of an outstanding approval
	// request; tool calls matching ApprovalScope stay blocked until the user
	// approves in a prompt.
	PendingApproval string   `json:"pending_approval,omitempty"`
	ApprovalScope   []string `json:"approval_scope,omitempty"`

	// Stuck-detection counters.
	LastSelectedTask   string `json:"last_selected_task,omitempty"`
	SameTaskCount      int    `json:"same_task_count"`
	ValidationFailures int    `json:"validation_failures"`
}

// newState creates empty state for a workflow, seeding variables from the
// definition.
func newState(def *Definition) *State {
	vars := map[string]any{}
	for k, v := range def.Variables {
		vars[k] = v
	}
	return &State{
		WorkflowName: def.Name,
		Artifacts:    map[string]string{},
		Variables:    vars,
	}
}

// EnterPhase moves the state into a phase. Re-entering the current phase is a
// no-op so replayed events stay idempotent.
func (s *State) EnterPhase(name string) {
	if s.Phase == name {
		return
	}
	s.Phase = name
	s.PhaseEnteredAt = time.Now().UTC().Format(time.RFC3339Nano)
	s.PhaseActionCount = 0
}

// PhaseAge returns how long the state has been in its current phase.
func (s *State) PhaseAge() time.Duration {
	if s.PhaseEnteredAt == "" {
		return 0
	}
	entered, err := time.Parse(time.RFC3339Nano, s.PhaseEnteredAt)
	if err != nil {
		return 0
	}
	return time.Since(entered)
}

// SetVariable writes a workflow variable.
func (s *State) SetVariable(name string, value any) {
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	s.Variables[name] = value
}

// IncrementVariable adds delta to a numeric variable, starting from zero.
func (s *State) IncrementVariable(name string, delta float64) {
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	current := 0.0
	switch v := s.Variables[name].(type) {
	case float64:
		current = v
	case int:
		current = float64(v)
	case int64:
		current = float64(v)
	}
	s.Variables[name] = current + delta
}

// ClearVariable removes a workflow variable.
func (s *State) ClearVariable(name string) {
	delete(s.Variables, name)
}

// PushObservation appends to the bounded ring, discarding the oldest entry
// when full.
func (s *State) PushObservation(kind, note string) {
	s.Observations = append(s.Observations, Observation{
		At:   time.Now().UTC().Format(time.RFC3339Nano),
		Kind: kind,
		Note: note,
	})
	if len(s.Observations) > maxObservations {
		s.Observations = s.Observations[len(s.Observations)-maxObservations:]
	}
}

// CaptureArtifact stores a named string blob on the state.
func (s *State) CaptureArtifact(name, content string) {
	if s.Artifacts == nil {
		s.Artifacts = map[string]string{}
	}
	s.Artifacts[name] = content
}

// ReadArtifact returns a named blob, or "".
func (s *State) ReadArtifact(name string) string {
	return s.Artifacts[name]
}

// RecordTaskSelection updates the consecutive-selection counter used by stuck
// detection.
func (s *State) RecordTaskSelection(taskID string) {
	if taskID == s.LastSelectedTask {
		s.SameTaskCount++
	} else {
		s.LastSelectedTask = taskID
		s.SameTaskCount = 1
	}
}

// StateStore is the persistence surface the manager writes through to. The
// storage package's WorkflowStateManager satisfies it.
type StateStore interface {
	Save(ctx context.Context, sessionID, workflowName string, data []byte) error
	Load(ctx context.Context, sessionID string) (workflowName string, data []byte, err error)
	Delete(ctx context.Context, sessionID string) error
}

// StateManager owns per-session workflow state with a write-through cache.
// Callers mutate the returned *State and then Save; the per-session pipeline
// mutex makes that safe.
type StateManager struct {
	store StateStore

	mu    sync.Mutex
	cache map[string]*State
}

// NewStateManager creates a manager over the given store.
func NewStateManager(store StateStore) *StateManager {
	return &StateManager{store: store, cache: map[string]*State{}}
}

// Get returns the cached state for a session, falling back to the store.
// NotFound means the session has no workflow state yet.
func (m *StateManager) Get(ctx context.Context, sessionID string) (*State, error) {
	m.mu.Lock()
	if st, ok := m.cache[sessionID]; ok {
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	_, data, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "decode workflow state")
	}
	m.mu.Lock()
	m.cache[sessionID] = &st
	m.mu.Unlock()
	return &st, nil
}

// Create initializes state for a session from a definition and persists it.
func (m *StateManager) Create(ctx context.Context, sessionID string, def *Definition) (*State, error) {
	st := newState(def)
	if def.EffectiveType() == TypePhase {
		st.EnterPhase(def.InitialPhase())
	}
	if err := m.Save(ctx, sessionID, st); err != nil {
		return nil, err
	}
	stateLog.Printf("Created workflow state for session %s (workflow=%s phase=%s)", sessionID, def.Name, st.Phase)
	return st, nil
}

// Save writes state through the cache to the store.
func (m *StateManager) Save(ctx context.Context, sessionID string, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return errkind.Wrap(errkind.StorageError, err, "encode workflow state")
	}
	if err := m.store.Save(ctx, sessionID, st.WorkflowName, data); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[sessionID] = st
	m.mu.Unlock()
	return nil
}

// Delete drops the session's state from cache and store.
func (m *StateManager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
	return m.store.Delete(ctx, sessionID)
}
