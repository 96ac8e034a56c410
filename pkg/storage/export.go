package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var exportLog = logger.New("storage:export")

// TasksJSONLName is the exported task ledger file inside .gobby.
const TasksJSONLName = "tasks.jsonl"

// MemoriesJSONLName is the exported memory file inside .gobby.
const MemoriesJSONLName = "memories.jsonl"

// TaskRecord is one line of the task ledger: the task with its dependencies
// embedded so the file is self-contained.
type TaskRecord struct {
	ID           string       `json:"id"`
	PlatformID   string       `json:"platform_id,omitempty"`
	ProjectID    string       `json:"project_id"`
	ParentTaskID string       `json:"parent_task_id,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Status       string       `json:"status"`
	Priority     int          `json:"priority"`
	TaskType     string       `json:"task_type"`
	Labels       []string     `json:"labels,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
	ClosedReason string       `json:"closed_reason,omitempty"`
}

// ExportTasksJSONL writes the full task ledger to path atomically (temp file
// then rename), one JSON object per line.
func (s *Store) ExportTasksJSONL(ctx context.Context, path string) error {
	tasks, err := s.tasks.List(ctx, TaskFilter{})
	if err != nil {
		return err
	}
	records := make([]any, 0, len(tasks))
	for _, t := range tasks {
		deps, err := s.tasks.Dependencies(ctx, t.ID)
		if err != nil {
			return err
		}
		records = append(records, TaskRecord{
			ID:           t.ID,
			PlatformID:   t.UUID,
			ProjectID:    t.ProjectID,
			ParentTaskID: t.ParentTaskID,
			Title:        t.Title,
			Description:  t.Description,
			Status:       t.Status,
			Priority:     t.Priority,
			TaskType:     t.TaskType,
			Labels:       t.Labels,
			Dependencies: deps,
			CreatedAt:    t.CreatedAt,
			UpdatedAt:    t.UpdatedAt,
			ClosedReason: t.ClosedReason,
		})
	}
	return writeJSONL(path, records)
}

// ImportTasksJSONL merges a task ledger into the database. Records merge by
// id using updated_at last-write-wins; a DB row with no counterpart in the
// file is preserved.
func (s *Store) ImportTasksJSONL(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errkind.Wrap(errkind.StorageError, err, "open task ledger")
	}
	defer f.Close()

	applied := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec TaskRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			exportLog.Printf("warn: skipping malformed ledger line: %v", err)
			continue
		}
		changed, err := s.mergeTaskRecord(ctx, rec)
		if err != nil {
			return applied, err
		}
		if changed {
			applied++
		}
	}
	if err := scanner.Err(); err != nil {
		return applied, errkind.Wrap(errkind.StorageError, err, "read task ledger")
	}
	return applied, nil
}

// mergeTaskRecord upserts one ledger record, honoring last-write-wins.
func (s *Store) mergeTaskRecord(ctx context.Context, rec TaskRecord) (bool, error) {
	if rec.ID == "" || rec.Title == "" {
		return false, nil
	}
	existing, err := s.tasks.Get(ctx, rec.ID)
	if err == nil {
		// Existing row wins on ties and newer timestamps.
		if existing.UpdatedAt >= rec.UpdatedAt {
			return false, nil
		}
	} else if !errkind.Is(err, errkind.NotFound) {
		return false, err
	}

	if rec.Priority == 0 {
		rec.Priority = 2
	}
	if rec.TaskType == "" {
		rec.TaskType = "task"
	}
	if rec.Status == "" {
		rec.Status = TaskOpen
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = nowUTC()
	}
	if rec.UpdatedAt == "" {
		rec.UpdatedAt = rec.CreatedAt
	}

	err = s.writeTx(ctx, func(w *TxWriter) error {
		if err := w.Exec(
			`INSERT INTO tasks (id, uuid, project_id, parent_task_id, title, description, status, priority,
				task_type, labels, closed_reason, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET
				parent_task_id = excluded.parent_task_id,
				title = excluded.title,
				description = excluded.description,
				status = excluded.status,
				priority = excluded.priority,
				task_type = excluded.task_type,
				labels = excluded.labels,
				closed_reason = excluded.closed_reason,
				updated_at = excluded.updated_at`,
			rec.ID, rec.PlatformID, s.projectID, nullable(rec.ParentTaskID), rec.Title, rec.Description,
			rec.Status, rec.Priority, rec.TaskType, jsonColumn(rec.Labels), nullable(rec.ClosedReason),
			rec.CreatedAt, rec.UpdatedAt); err != nil {
			return err
		}
		if err := w.Exec(`DELETE FROM task_dependencies WHERE task_id = ?`, rec.ID); err != nil {
			return err
		}
		for _, dep := range rec.Dependencies {
			if err := w.Exec(
				`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on, dep_type, created_at) VALUES (?, ?, ?, ?)`,
				rec.ID, dep.DependsOn, dep.DepType, nowUTC()); err != nil {
				return err
			}
		}
		return nil
	}, ChangeEvent{Entity: "task", Op: "update", ID: rec.ID})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExportMemoriesJSONL writes the memory ledger to path atomically.
func (s *Store) ExportMemoriesJSONL(ctx context.Context, path string) error {
	memories, err := s.memories.List(ctx, "", 0)
	if err != nil {
		return err
	}
	records := make([]any, 0, len(memories))
	for _, mem := range memories {
		records = append(records, mem)
	}
	return writeJSONL(path, records)
}

// writeJSONL writes records one-per-line via a temp file and rename.
func writeJSONL(path string, records []any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errkind.Wrap(errkind.StorageError, err, "create export directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return errkind.Wrap(errkind.StorageError, err, "create temp export file")
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return errkind.Wrap(errkind.StorageError, err, "encode record")
		}
	}
	if err := w.Flush(); err != nil {
		return errkind.Wrap(errkind.StorageError, err, "flush export")
	}
	if err := tmp.Close(); err != nil {
		return errkind.Wrap(errkind.StorageError, err, "close export")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errkind.Wrap(errkind.StorageError, err, "replace export file")
	}
	return nil
}

// Exporter schedules debounced JSONL exports off the change bus. All dirty
// kinds coalesce into one flush per debounce window.
type Exporter struct {
	store    *Store
	debounce time.Duration

	dirtyTasks    bool
	dirtyMemories bool
}

// NewExporter creates an exporter with the given debounce interval (default
// 5s when zero).
func NewExporter(store *Store, debounce time.Duration) *Exporter {
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &Exporter{store: store, debounce: debounce}
}

// Run consumes change events until ctx is done, flushing the dirty ledgers
// once per quiet debounce window. Intended to run on its own goroutine.
func (e *Exporter) Run(ctx context.Context) {
	ch := e.store.Changes().Subscribe("jsonl-export", 256)
	defer e.store.Changes().Unsubscribe("jsonl-export")

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			e.flush(context.Background())
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Entity {
			case "task":
				e.dirtyTasks = true
			case "memory":
				e.dirtyMemories = true
			default:
				continue
			}
			if timer == nil {
				timer = time.NewTimer(e.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(e.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			e.flush(ctx)
		}
	}
}

// Flush forces an immediate export of all ledgers regardless of dirty state.
func (e *Exporter) Flush(ctx context.Context) {
	e.dirtyTasks = true
	e.dirtyMemories = true
	e.flush(ctx)
}

func (e *Exporter) flush(ctx context.Context) {
	gobbyDir := filepath.Join(e.store.projectDir, GobbyDirName)
	if e.dirtyTasks {
		if err := e.store.ExportTasksJSONL(ctx, filepath.Join(gobbyDir, TasksJSONLName)); err != nil {
			exportLog.Printf("warn: task export failed: %v", err)
		} else {
			exportLog.Print("Exported task ledger")
		}
		e.dirtyTasks = false
	}
	if e.dirtyMemories {
		if err := e.store.ExportMemoriesJSONL(ctx, filepath.Join(gobbyDir, MemoriesJSONLName)); err != nil {
			exportLog.Printf("warn: memory export failed: %v", err)
		} else {
			exportLog.Print("Exported memory ledger")
		}
		e.dirtyMemories = false
	}
}
