// Package storage implements the dual-write persistent store: a per-project
// SQLite database that is the source of truth, mirrored best-effort into a
// global hub database aggregating all projects. Reads always target the
// project database; every mutation is applied to the project first and then
// mirrored to the hub, where failures are logged and non-fatal.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var dbLog = logger.New("storage:db")

// GobbyDirName is the project-local state directory.
const GobbyDirName = ".gobby"

// ProjectDBName is the project database file name inside GobbyDirName.
const ProjectDBName = "gobby.db"

// Options configures Open.
type Options struct {
	// ProjectDir is the project root; the database lives at
	// <ProjectDir>/.gobby/gobby.db.
	ProjectDir string
	// HubPath overrides the hub database location. Empty means
	// ~/.gobby/gobby-hub.db.
	HubPath string
	// DisableHub skips the hub entirely.
	DisableHub bool
}

// Store owns both databases and the per-entity managers.
type Store struct {
	projectDir string
	projectID  string

	project *sql.DB

	hubMu   sync.Mutex
	hub     *sql.DB // nil when disabled or failed
	hubPath string

	bus *ChangeBus

	tasks     *TaskManager
	sessions  *SessionManager
	states    *WorkflowStateManager
	rules     *RuleManager
	memories  *MemoryManager
	stops     *StopManager
	artifacts *ArtifactManager
}

// DefaultHubPath returns ~/.gobby/gobby-hub.db.
func DefaultHubPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, GobbyDirName, "gobby-hub.db")
}

// Open opens (creating if needed) the project database, migrates it, and
// attaches the hub. A project migration failure is fatal; a hub failure
// disables hub writes for this process and logs a warning.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.ProjectDir == "" {
		return nil, errkind.New(errkind.InvalidInput, "project directory is required")
	}
	gobbyDir := filepath.Join(opts.ProjectDir, GobbyDirName)
	if err := os.MkdirAll(gobbyDir, 0o755); err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "create .gobby directory")
	}

	project, err := openDB(filepath.Join(gobbyDir, ProjectDBName))
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "open project database")
	}
	if err := migrate(ctx, project); err != nil {
		_ = project.Close()
		return nil, errkind.Wrap(errkind.StorageError, err, "migrate project database")
	}

	s := &Store{
		projectDir: opts.ProjectDir,
		project:    project,
		bus:        NewChangeBus(),
	}

	if err := s.ensureProject(ctx); err != nil {
		_ = project.Close()
		return nil, err
	}

	if !opts.DisableHub {
		hubPath := opts.HubPath
		if hubPath == "" {
			hubPath = DefaultHubPath()
		}
		s.hubPath = hubPath
		s.attachHub(ctx, hubPath)
	}

	s.tasks = &TaskManager{store: s}
	s.sessions = &SessionManager{store: s}
	s.states = &WorkflowStateManager{store: s}
	s.rules = &RuleManager{store: s}
	s.memories = &MemoryManager{store: s}
	s.stops = &StopManager{store: s}
	s.artifacts = &ArtifactManager{store: s}
	return s, nil
}

// attachHub opens and migrates the hub database. Any failure leaves the hub
// nil so subsequent writes skip mirroring.
func (s *Store) attachHub(ctx context.Context, hubPath string) {
	if err := os.MkdirAll(filepath.Dir(hubPath), 0o755); err != nil {
		dbLog.Printf("warn: hub directory unavailable, disabling hub writes: %v", err)
		return
	}
	hub, err := openDB(hubPath)
	if err != nil {
		dbLog.Printf("warn: hub database unavailable, disabling hub writes: %v", err)
		return
	}
	if err := migrate(ctx, hub); err != nil {
		dbLog.Printf("warn: hub migration failed, disabling hub writes: %v", err)
		_ = hub.Close()
		return
	}
	// Mirror the project row so hub queries can join on project_id.
	if _, err := hub.ExecContext(ctx,
		`INSERT INTO projects (id, path, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (path) DO NOTHING`,
		s.projectID, s.projectDir, filepath.Base(s.projectDir), nowUTC()); err != nil {
		dbLog.Printf("warn: hub project mirror failed: %v", err)
	}
	s.hubMu.Lock()
	s.hub = hub
	s.hubMu.Unlock()
}

// openDB opens a SQLite database in the simple durable journal mode (no
// write-ahead log) for maximum portability of the on-disk file.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		`PRAGMA journal_mode = DELETE`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// ensureProject loads or creates the project row for this directory.
func (s *Store) ensureProject(ctx context.Context) error {
	var id string
	err := s.project.QueryRowContext(ctx, `SELECT id FROM projects WHERE path = ?`, s.projectDir).Scan(&id)
	switch {
	case err == nil:
		s.projectID = id
		return nil
	case errors.Is(err, sql.ErrNoRows):
		id = NewShortID(KindProject, s.projectDir)
		if _, err := s.project.ExecContext(ctx,
			`INSERT INTO projects (id, path, name, created_at) VALUES (?, ?, ?, ?)`,
			id, s.projectDir, filepath.Base(s.projectDir), nowUTC()); err != nil {
			return errkind.Wrap(errkind.StorageError, err, "create project")
		}
		s.projectID = id
		return nil
	default:
		return errkind.Wrap(errkind.StorageError, err, "load project")
	}
}

// ProjectID returns the short reference of the opened project.
func (s *Store) ProjectID() string { return s.projectID }

// ProjectDir returns the project root directory.
func (s *Store) ProjectDir() string { return s.projectDir }

// Changes exposes the change-event bus.
func (s *Store) Changes() *ChangeBus { return s.bus }

// Tasks returns the task manager.
func (s *Store) Tasks() *TaskManager { return s.tasks }

// Sessions returns the session manager.
func (s *Store) Sessions() *SessionManager { return s.sessions }

// WorkflowStates returns the workflow state persistence manager.
func (s *Store) WorkflowStates() *WorkflowStateManager { return s.states }

// Rules returns the rule manager.
func (s *Store) Rules() *RuleManager { return s.rules }

// Memories returns the memory manager.
func (s *Store) Memories() *MemoryManager { return s.memories }

// Stops returns the stop-signal manager.
func (s *Store) Stops() *StopManager { return s.stops }

// Artifacts returns the session artifact manager.
func (s *Store) Artifacts() *ArtifactManager { return s.artifacts }

// Close shuts down both databases and the change bus.
func (s *Store) Close() error {
	s.bus.Close()
	s.hubMu.Lock()
	if s.hub != nil {
		_ = s.hub.Close()
		s.hub = nil
	}
	s.hubMu.Unlock()
	return s.project.Close()
}

// writeRetries bounds contention retries on the project database.
const writeRetries = 5

// exec applies a mutation to the project database with short-retry
// exponential backoff, then mirrors it to the hub best-effort. The change
// event is published only after the project write committed.
func (s *Store) exec(ctx context.Context, change *ChangeEvent, query string, args ...any) error {
	if err := s.execProject(ctx, query, args...); err != nil {
		return err
	}
	s.mirror(ctx, query, args...)
	if change != nil {
		s.bus.Publish(*change)
	}
	return nil
}

// execProject runs one statement on the project database with retries.
func (s *Store) execProject(ctx context.Context, query string, args ...any) error {
	var lastErr error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < writeRetries; attempt++ {
		_, err := s.project.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusy(err) {
			break
		}
		select {
		case <-ctx.Done():
			return errkind.Wrap(errkind.Cancelled, ctx.Err(), "project write")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if isConstraint(lastErr) {
		return errkind.Wrap(errkind.Conflict, lastErr, "project write")
	}
	return errkind.Wrap(errkind.StorageError, lastErr, "project write")
}

// mirror replays a statement on the hub. Hub failures are logged and never
// propagate: the project database is the source of truth.
func (s *Store) mirror(ctx context.Context, query string, args ...any) {
	s.hubMu.Lock()
	hub := s.hub
	s.hubMu.Unlock()
	if hub == nil {
		return
	}
	if _, err := hub.ExecContext(ctx, query, args...); err != nil {
		dbLog.Printf("warn: hub mirror failed: %v", err)
	}
}

// mirrorStmt is one statement queued for hub replay after a transactional
// project write.
type mirrorStmt struct {
	query string
	args  []any
}

// TxWriter wraps a project transaction and records every executed statement
// so it can be replayed on the hub after commit.
type TxWriter struct {
	tx       *sql.Tx
	ctx      context.Context
	mirrored []mirrorStmt
}

// Exec runs a statement in the project transaction and queues it for hub
// replay.
func (w *TxWriter) Exec(query string, args ...any) error {
	if _, err := w.tx.ExecContext(w.ctx, query, args...); err != nil {
		if isConstraint(err) {
			return errkind.Wrap(errkind.Conflict, err, "project write")
		}
		return errkind.Wrap(errkind.StorageError, err, "project write")
	}
	w.mirrored = append(w.mirrored, mirrorStmt{query: query, args: args})
	return nil
}

// QueryRow reads within the transaction (reads are never mirrored).
func (w *TxWriter) QueryRow(query string, args ...any) *sql.Row {
	return w.tx.QueryRowContext(w.ctx, query, args...)
}

// writeTx runs fn inside a project-database transaction; on commit the
// recorded statements replay on the hub and the change events publish.
func (s *Store) writeTx(ctx context.Context, fn func(w *TxWriter) error, changes ...ChangeEvent) error {
	tx, err := s.project.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.StorageError, err, "begin transaction")
	}
	w := &TxWriter{tx: tx, ctx: ctx}
	if err := fn(w); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.StorageError, err, "commit transaction")
	}
	s.replayOnHub(ctx, w.mirrored)
	for _, change := range changes {
		s.bus.Publish(change)
	}
	return nil
}

// replayOnHub mirrors a batch of statements onto the hub best-effort.
func (s *Store) replayOnHub(ctx context.Context, stmts []mirrorStmt) {
	for _, st := range stmts {
		s.mirror(ctx, st.query, st.args...)
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
