package storage

import (
	"context"
	"encoding/json"

	"github.com/gobbyhq/gobby/pkg/errkind"
)

// Artifact is captured output tied to a session.
type Artifact struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	ArtifactType string         `json:"artifact_type"`
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	FilePath     string         `json:"file_path,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at"`
}

// ArtifactManager captures and searches session artifacts.
type ArtifactManager struct {
	store *Store
}

// Capture stores an artifact.
func (m *ArtifactManager) Capture(ctx context.Context, a Artifact) (*Artifact, error) {
	if a.SessionID == "" {
		return nil, errkind.New(errkind.InvalidInput, "artifact session id is required")
	}
	a.CreatedAt = nowUTC()
	meta := "{}"
	if len(a.Metadata) > 0 {
		if data, err := json.Marshal(a.Metadata); err == nil {
			meta = string(data)
		}
	}
	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		a.ID = NewShortID(KindArtifact, m.store.projectID)
		err := m.store.exec(ctx,
			&ChangeEvent{Entity: "artifact", Op: "create", ID: a.ID},
			`INSERT INTO session_artifacts (id, session_id, artifact_type, title, content, file_path, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.SessionID, a.ArtifactType, a.Title, a.Content, nullable(a.FilePath), meta, a.CreatedAt)
		if err == nil {
			return &a, nil
		}
		lastErr = err
		if !errkind.Is(err, errkind.Conflict) {
			return nil, err
		}
	}
	return nil, errkind.Wrap(errkind.Conflict, lastErr, "artifact id collision")
}

// Search runs a full-text query over artifact titles and contents.
func (m *ArtifactManager) Search(ctx context.Context, query string, limit int) ([]*Artifact, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := m.store.project.QueryContext(ctx,
		`SELECT a.id, a.session_id, a.artifact_type, a.title, a.content, COALESCE(a.file_path, ''), a.created_at
		 FROM session_artifacts_fts f
		 JOIN session_artifacts a ON a.rowid = f.rowid
		 WHERE session_artifacts_fts MATCH ?
		 ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "artifact search")
	}
	defer rows.Close()
	var artifacts []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ArtifactType, &a.Title, &a.Content, &a.FilePath, &a.CreatedAt); err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan artifact")
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// BySession lists artifacts for a session, newest first.
func (m *ArtifactManager) BySession(ctx context.Context, sessionID string, limit int) ([]*Artifact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.store.project.QueryContext(ctx,
		`SELECT id, session_id, artifact_type, title, content, COALESCE(file_path, ''), created_at
		 FROM session_artifacts WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "list artifacts")
	}
	defer rows.Close()
	var artifacts []*Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ArtifactType, &a.Title, &a.Content, &a.FilePath, &a.CreatedAt); err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan artifact")
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}
