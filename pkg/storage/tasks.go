package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var taskLog = logger.New("storage:tasks")

// Task statuses.
const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskClosed     = "closed"
	TaskEscalated  = "escalated"
)

// Dependency types.
const (
	DepBlocks         = "blocks"
	DepRelated        = "related"
	DepDiscoveredFrom = "discovered-from"
)

// Task is a unit of persistent work.
type Task struct {
	ID                    string            `json:"id"`
	UUID                  string            `json:"platform_id,omitempty"`
	ProjectID             string            `json:"project_id"`
	ParentTaskID          string            `json:"parent_task_id,omitempty"`
	DiscoveredInSessionID string            `json:"discovered_in_session_id,omitempty"`
	Title                 string            `json:"title"`
	Description           string            `json:"description,omitempty"`
	Status                string            `json:"status"`
	Priority              int               `json:"priority"`
	TaskType              string            `json:"task_type"`
	Labels                []string          `json:"labels,omitempty"`
	Commits               []string          `json:"commits,omitempty"`
	ValidationHistory     []ValidationEntry `json:"validation_history,omitempty"`
	ExpansionStatus       string            `json:"expansion_status,omitempty"`
	ExternalURL           string            `json:"external_url,omitempty"`
	ClosedReason          string            `json:"closed_reason,omitempty"`
	CreatedAt             string            `json:"created_at"`
	UpdatedAt             string            `json:"updated_at"`
}

// ValidationEntry records one validation attempt against a task.
type ValidationEntry struct {
	At      string `json:"at"`
	Passed  bool   `json:"passed"`
	Summary string `json:"summary,omitempty"`
}

// Dependency is an edge in the task graph.
type Dependency struct {
	TaskID    string `json:"-"`
	DependsOn string `json:"depends_on"`
	DepType   string `json:"dep_type"`
}

// TaskInput carries the caller-supplied fields for Create.
type TaskInput struct {
	Title                 string
	Description           string
	ParentTaskID          string
	DiscoveredInSessionID string
	Priority              int
	TaskType              string
	Labels                []string
}

// TaskFilter narrows List results. Zero values match everything.
type TaskFilter struct {
	Status   string
	TaskType string
	Parent   string
	Label    string
	Limit    int
}

// TaskManager provides CRUD and graph operations over tasks.
type TaskManager struct {
	store *Store
}

// validStatusTransition encodes the status state machine: forward progress
// open -> in_progress -> (closed | escalated) with reopen edges.
func validStatusTransition(from, to string) bool {
	switch from {
	case TaskOpen:
		return to == TaskInProgress || to == TaskOpen
	case TaskInProgress:
		return to == TaskClosed || to == TaskEscalated || to == TaskOpen || to == TaskInProgress
	case TaskClosed, TaskEscalated:
		return to == TaskOpen
	}
	return false
}

const taskColumns = `id, uuid, project_id, parent_task_id, discovered_in_session_id, title, description,
	status, priority, task_type, labels, commits, validation_history, expansion_status,
	external_url, closed_reason, created_at, updated_at`

// Create inserts a new task. The short reference is generated with bounded
// collision retries; exhausting them fails with Conflict.
func (m *TaskManager) Create(ctx context.Context, in TaskInput) (*Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, errkind.New(errkind.InvalidInput, "task title is required")
	}
	if in.Priority == 0 {
		in.Priority = 2
	}
	if in.Priority < 1 || in.Priority > 4 {
		return nil, errkind.New(errkind.InvalidInput, "priority must be 1-4, got %d", in.Priority)
	}
	if in.TaskType == "" {
		in.TaskType = "task"
	}
	switch in.TaskType {
	case "bug", "feature", "task", "epic", "chore":
	default:
		return nil, errkind.New(errkind.InvalidInput, "unknown task type %q", in.TaskType)
	}

	now := nowUTC()
	task := &Task{
		UUID:                  uuid.NewString(),
		ProjectID:             m.store.projectID,
		ParentTaskID:          in.ParentTaskID,
		DiscoveredInSessionID: in.DiscoveredInSessionID,
		Title:                 in.Title,
		Description:           in.Description,
		Status:                TaskOpen,
		Priority:              in.Priority,
		TaskType:              in.TaskType,
		Labels:                in.Labels,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		task.ID = NewShortID(KindTask, m.store.projectID)
		err := m.store.exec(ctx,
			&ChangeEvent{Entity: "task", Op: "create", ID: task.ID},
			`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.UUID, task.ProjectID, nullable(task.ParentTaskID), nullable(task.DiscoveredInSessionID),
			task.Title, task.Description, task.Status, task.Priority, task.TaskType,
			jsonColumn(task.Labels), jsonColumn(task.Commits), jsonColumn(task.ValidationHistory),
			nullable(task.ExpansionStatus), nullable(task.ExternalURL), nullable(task.ClosedReason),
			task.CreatedAt, task.UpdatedAt)
		if err == nil {
			taskLog.Printf("Created task %s: %s", task.ID, task.Title)
			return task, nil
		}
		lastErr = err
		if !errkind.Is(err, errkind.Conflict) {
			return nil, err
		}
	}
	return nil, errkind.Wrap(errkind.Conflict, lastErr, fmt.Sprintf("id collision after %d attempts", maxIDAttempts))
}

// Get loads a task by short reference.
func (m *TaskManager) Get(ctx context.Context, id string) (*Task, error) {
	row := m.store.project.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "load task")
	}
	return task, nil
}

// List returns tasks matching the filter, ordered by priority then age.
func (m *TaskManager) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = ?`
	args := []any{m.store.projectID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, filter.TaskType)
	}
	if filter.Parent != "" {
		query += ` AND parent_task_id = ?`
		args = append(args, filter.Parent)
	}
	if filter.Label != "" {
		query += ` AND labels LIKE ?`
		args = append(args, `%"`+filter.Label+`"%`)
	}
	query += ` ORDER BY priority ASC, created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	return m.queryTasks(ctx, query, args...)
}

// ListReady returns open tasks whose blocking dependencies are all closed,
// ordered by priority then age.
func (m *TaskManager) ListReady(ctx context.Context) ([]*Task, error) {
	return m.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.project_id = ? AND t.status = 'open' AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks b ON b.id = d.depends_on
			WHERE d.task_id = t.id AND d.dep_type = 'blocks' AND b.status != 'closed'
		)
		ORDER BY t.priority ASC, t.created_at ASC`, m.store.projectID)
}

// SetStatus applies a status transition, enforcing the task state machine.
// skipValidation permits the direct open -> closed edge.
func (m *TaskManager) SetStatus(ctx context.Context, id, status string, skipValidation bool) (*Task, error) {
	task, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := validStatusTransition(task.Status, status)
	if !allowed && skipValidation && task.Status == TaskOpen && status == TaskClosed {
		allowed = true
	}
	if !allowed {
		return nil, errkind.New(errkind.InvalidInput, "cannot transition task %s from %s to %s", id, task.Status, status)
	}
	now := nowUTC()
	err = m.store.exec(ctx,
		&ChangeEvent{Entity: "task", Op: "update", ID: id},
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, now, id)
	if err != nil {
		return nil, err
	}
	task.Status = status
	task.UpdatedAt = now
	return task, nil
}

// Close closes a task with a reason.
func (m *TaskManager) Close(ctx context.Context, id, reason string, skipValidation bool) (*Task, error) {
	task, err := m.SetStatus(ctx, id, TaskClosed, skipValidation)
	if err != nil {
		return nil, err
	}
	now := nowUTC()
	if err := m.store.exec(ctx,
		&ChangeEvent{Entity: "task", Op: "update", ID: id},
		`UPDATE tasks SET closed_reason = ?, updated_at = ? WHERE id = ?`, reason, now, id); err != nil {
		return nil, err
	}
	task.ClosedReason = reason
	task.UpdatedAt = now
	return task, nil
}

// Update applies mutable-field changes from a column/value map. Only a fixed
// set of columns is writable through this path.
func (m *TaskManager) Update(ctx context.Context, id string, fields map[string]any) (*Task, error) {
	if len(fields) == 0 {
		return m.Get(ctx, id)
	}
	writable := map[string]bool{
		"title": true, "description": true, "priority": true, "task_type": true,
		"labels": true, "expansion_status": true, "external_url": true, "parent_task_id": true,
	}
	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+2)
	for col, v := range fields {
		if !writable[col] {
			return nil, errkind.New(errkind.InvalidInput, "field %q is not writable", col)
		}
		if col == "labels" {
			v = jsonColumn(v)
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, nowUTC(), id)
	err := m.store.exec(ctx,
		&ChangeEvent{Entity: "task", Op: "update", ID: id},
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}

// RecordCommit appends a commit SHA to the task's commit list.
func (m *TaskManager) RecordCommit(ctx context.Context, id, sha string) error {
	task, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, existing := range task.Commits {
		if existing == sha {
			return nil
		}
	}
	task.Commits = append(task.Commits, sha)
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "task", Op: "update", ID: id},
		`UPDATE tasks SET commits = ?, updated_at = ? WHERE id = ?`,
		jsonColumn(task.Commits), nowUTC(), id)
}

// RecordValidation appends a validation attempt. Attempts are retained even
// after the task closes.
func (m *TaskManager) RecordValidation(ctx context.Context, id string, entry ValidationEntry) error {
	task, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.At == "" {
		entry.At = nowUTC()
	}
	task.ValidationHistory = append(task.ValidationHistory, entry)
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "task", Op: "update", ID: id},
		`UPDATE tasks SET validation_history = ?, updated_at = ? WHERE id = ?`,
		jsonColumn(task.ValidationHistory), nowUTC(), id)
}

// AddDependency inserts an edge after validating both endpoints, rejecting
// self-edges and any cycle in the blocks sub-graph.
func (m *TaskManager) AddDependency(ctx context.Context, taskID, dependsOn, depType string) error {
	if taskID == dependsOn {
		return errkind.New(errkind.InvalidInput, "self-dependency is not allowed")
	}
	switch depType {
	case DepBlocks, DepRelated, DepDiscoveredFrom:
	default:
		return errkind.New(errkind.InvalidInput, "unknown dependency type %q", depType)
	}
	if _, err := m.Get(ctx, taskID); err != nil {
		return err
	}
	if _, err := m.Get(ctx, dependsOn); err != nil {
		return err
	}
	if depType == DepBlocks {
		cyclic, err := m.wouldCycle(ctx, taskID, dependsOn)
		if err != nil {
			return err
		}
		if cyclic {
			return errkind.New(errkind.InvalidInput, "cycle: %s -> %s would create a blocks cycle", taskID, dependsOn)
		}
	}
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "task", Op: "update", ID: taskID},
		`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on, dep_type, created_at) VALUES (?, ?, ?, ?)`,
		taskID, dependsOn, depType, nowUTC())
}

// RemoveDependency deletes an edge.
func (m *TaskManager) RemoveDependency(ctx context.Context, taskID, dependsOn, depType string) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "task", Op: "update", ID: taskID},
		`DELETE FROM task_dependencies WHERE task_id = ? AND depends_on = ? AND dep_type = ?`,
		taskID, dependsOn, depType)
}

// Dependencies returns the outgoing edges of a task.
func (m *TaskManager) Dependencies(ctx context.Context, taskID string) ([]Dependency, error) {
	rows, err := m.store.project.QueryContext(ctx,
		`SELECT task_id, depends_on, dep_type FROM task_dependencies WHERE task_id = ? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "load dependencies")
	}
	defer rows.Close()
	var deps []Dependency
	for rows.Next() {
		var d Dependency
		if err := rows.Scan(&d.TaskID, &d.DependsOn, &d.DepType); err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan dependency")
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// TreeComplete reports whether root and every descendant task is closed.
func (m *TaskManager) TreeComplete(ctx context.Context, rootID string) (bool, error) {
	root, err := m.Get(ctx, rootID)
	if err != nil {
		return false, err
	}
	if root.Status != TaskClosed {
		return false, nil
	}
	children, err := m.List(ctx, TaskFilter{Parent: rootID})
	if err != nil {
		return false, err
	}
	for _, child := range children {
		done, err := m.TreeComplete(ctx, child.ID)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}

// wouldCycle runs a DFS over blocks edges: adding taskID -> dependsOn creates
// a cycle iff taskID is reachable from dependsOn.
func (m *TaskManager) wouldCycle(ctx context.Context, taskID, dependsOn string) (bool, error) {
	edges, err := m.blocksEdges(ctx)
	if err != nil {
		return false, err
	}
	visited := map[string]bool{}
	var stack []string
	stack = append(stack, dependsOn)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == taskID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		stack = append(stack, edges[current]...)
	}
	return false, nil
}

// blocksEdges loads the full blocks adjacency map for the project.
func (m *TaskManager) blocksEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := m.store.project.QueryContext(ctx,
		`SELECT task_id, depends_on FROM task_dependencies WHERE dep_type = 'blocks'`)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "load blocks edges")
	}
	defer rows.Close()
	edges := map[string][]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan edge")
		}
		edges[from] = append(edges[from], to)
	}
	return edges, rows.Err()
}

func (m *TaskManager) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := m.store.project.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "query tasks")
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan task")
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var parent, discovered, expansion, external, closedReason sql.NullString
	var labels, commits, validation string
	err := row.Scan(&t.ID, &t.UUID, &t.ProjectID, &parent, &discovered, &t.Title, &t.Description,
		&t.Status, &t.Priority, &t.TaskType, &labels, &commits, &validation,
		&expansion, &external, &closedReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.ParentTaskID = parent.String
	t.DiscoveredInSessionID = discovered.String
	t.ExpansionStatus = expansion.String
	t.ExternalURL = external.String
	t.ClosedReason = closedReason.String
	_ = json.Unmarshal([]byte(labels), &t.Labels)
	_ = json.Unmarshal([]byte(commits), &t.Commits)
	_ = json.Unmarshal([]byte(validation), &t.ValidationHistory)
	return &t, nil
}

// jsonColumn serializes a value for a JSON text column, defaulting to "[]".
func jsonColumn(v any) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return "[]"
	}
	return string(data)
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
