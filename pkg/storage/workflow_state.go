package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gobbyhq/gobby/pkg/errkind"
)

// WorkflowStateManager persists serialized per-session workflow state. The
// workflow package owns the in-memory shape; storage treats it as an opaque
// JSON document keyed by session id.
type WorkflowStateManager struct {
	store *Store
}

// Save upserts the state document for a session.
func (m *WorkflowStateManager) Save(ctx context.Context, sessionID, workflowName string, data []byte) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "workflow_state", Op: "update", ID: sessionID},
		`INSERT INTO workflow_states (session_id, project_id, workflow_name, data, deleted, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			data = excluded.data,
			deleted = 0,
			updated_at = excluded.updated_at`,
		sessionID, m.store.projectID, workflowName, string(data), nowUTC())
}

// Load returns the state document for a session, or NotFound.
func (m *WorkflowStateManager) Load(ctx context.Context, sessionID string) (workflowName string, data []byte, err error) {
	var doc string
	err = m.store.project.QueryRowContext(ctx,
		`SELECT workflow_name, data FROM workflow_states WHERE session_id = ? AND deleted = 0`,
		sessionID).Scan(&workflowName, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, errkind.New(errkind.NotFound, "no workflow state for session %s", sessionID)
	}
	if err != nil {
		return "", nil, errkind.Wrap(errkind.StorageError, err, "load workflow state")
	}
	return workflowName, []byte(doc), nil
}

// Delete soft-deletes the state for a session. Durable residue belongs in
// tasks, artifacts and handoff records, not here.
func (m *WorkflowStateManager) Delete(ctx context.Context, sessionID string) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "workflow_state", Op: "delete", ID: sessionID},
		`UPDATE workflow_states SET deleted = 1, updated_at = ? WHERE session_id = ?`,
		nowUTC(), sessionID)
}

// Handoff is the durable residue of a session, injected into the next one.
type Handoff struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Consumed  bool   `json:"consumed"`
	CreatedAt string `json:"created_at"`
}

// SaveHandoff stores handoff content keyed by session.
func (m *WorkflowStateManager) SaveHandoff(ctx context.Context, sessionID, content string) (*Handoff, error) {
	h := &Handoff{
		SessionID: sessionID,
		Content:   content,
		CreatedAt: nowUTC(),
	}
	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		h.ID = NewShortID(KindHandoff, m.store.projectID)
		err := m.store.exec(ctx,
			&ChangeEvent{Entity: "handoff", Op: "create", ID: h.ID},
			`INSERT INTO workflow_handoffs (id, session_id, project_id, content, consumed, created_at)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			h.ID, sessionID, m.store.projectID, content, h.CreatedAt)
		if err == nil {
			return h, nil
		}
		lastErr = err
		if !errkind.Is(err, errkind.Conflict) {
			return nil, err
		}
	}
	return nil, errkind.Wrap(errkind.Conflict, lastErr, "handoff id collision")
}

// LatestHandoff returns the newest unconsumed handoff for a session, or
// NotFound.
func (m *WorkflowStateManager) LatestHandoff(ctx context.Context, sessionID string) (*Handoff, error) {
	row := m.store.project.QueryRowContext(ctx,
		`SELECT id, session_id, content, consumed, created_at FROM workflow_handoffs
		 WHERE session_id = ? AND consumed = 0 ORDER BY created_at DESC LIMIT 1`, sessionID)
	var h Handoff
	var consumed int
	err := row.Scan(&h.ID, &h.SessionID, &h.Content, &consumed, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "no handoff for session %s", sessionID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "load handoff")
	}
	h.Consumed = consumed != 0
	return &h, nil
}

// ConsumeHandoff marks a handoff as used so it is injected exactly once.
func (m *WorkflowStateManager) ConsumeHandoff(ctx context.Context, id string) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "handoff", Op: "update", ID: id},
		`UPDATE workflow_handoffs SET consumed = 1 WHERE id = ?`, id)
}
