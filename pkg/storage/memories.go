package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gobbyhq/gobby/pkg/errkind"
)

// Memory is a persisted note scoped to the project.
type Memory struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"project_id"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// MemoryManager provides CRUD over memories.
type MemoryManager struct {
	store *Store
}

// Create stores a new memory.
func (m *MemoryManager) Create(ctx context.Context, content string, tags []string) (*Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errkind.New(errkind.InvalidInput, "memory content is required")
	}
	now := nowUTC()
	mem := &Memory{
		ProjectID: m.store.projectID,
		Content:   content,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		mem.ID = NewShortID(KindMemory, m.store.projectID)
		err := m.store.exec(ctx,
			&ChangeEvent{Entity: "memory", Op: "create", ID: mem.ID},
			`INSERT INTO memories (id, project_id, content, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			mem.ID, mem.ProjectID, mem.Content, jsonColumn(mem.Tags), mem.CreatedAt, mem.UpdatedAt)
		if err == nil {
			return mem, nil
		}
		lastErr = err
		if !errkind.Is(err, errkind.Conflict) {
			return nil, err
		}
	}
	return nil, errkind.Wrap(errkind.Conflict, lastErr, "memory id collision")
}

// Get loads a memory by id.
func (m *MemoryManager) Get(ctx context.Context, id string) (*Memory, error) {
	row := m.store.project.QueryRowContext(ctx,
		`SELECT id, project_id, content, tags, created_at, updated_at FROM memories WHERE id = ?`, id)
	mem, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "memory %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "load memory")
	}
	return mem, nil
}

// List returns memories, newest first, optionally filtered by tag.
func (m *MemoryManager) List(ctx context.Context, tag string, limit int) ([]*Memory, error) {
	query := `SELECT id, project_id, content, tags, created_at, updated_at FROM memories WHERE project_id = ?`
	args := []any{m.store.projectID}
	if tag != "" {
		query += ` AND tags LIKE ?`
		args = append(args, `%"`+tag+`"%`)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := m.store.project.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "list memories")
	}
	defer rows.Close()
	var memories []*Memory
	for rows.Next() {
		mem, err := scanMemory(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan memory")
		}
		memories = append(memories, mem)
	}
	return memories, rows.Err()
}

// Delete removes a memory.
func (m *MemoryManager) Delete(ctx context.Context, id string) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "memory", Op: "delete", ID: id},
		`DELETE FROM memories WHERE id = ?`, id)
}

func scanMemory(row rowScanner) (*Memory, error) {
	var mem Memory
	var tags string
	if err := row.Scan(&mem.ID, &mem.ProjectID, &mem.Content, &tags, &mem.CreatedAt, &mem.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &mem.Tags)
	return &mem, nil
}
