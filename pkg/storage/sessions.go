package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var sessionLog = logger.New("storage:sessions")

// Session statuses.
const (
	SessionActive       = "active"
	SessionHandoffReady = "handoff_ready"
	SessionExpired      = "expired"
	SessionTerminated   = "terminated"
)

// Session represents one CLI conversation.
type Session struct {
	ID              string `json:"id"`
	UUID            string `json:"uuid"`
	ProjectID       string `json:"project_id"`
	Source          string `json:"source,omitempty"`
	Status          string `json:"status"`
	Title           string `json:"title,omitempty"`
	Summary         string `json:"summary,omitempty"`
	Autonomous      bool   `json:"autonomous"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	CostUSD         float64 `json:"cost_usd"`
	PID             int    `json:"pid,omitempty"`
	CWD             string `json:"cwd,omitempty"`
	TranscriptPath  string `json:"transcript_path,omitempty"`
	StartedAt       string `json:"started_at"`
	EndedAt         string `json:"ended_at,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

// SessionInput carries caller-supplied fields for Create. The platform id is
// the CLI's own session identifier and doubles as our primary key so hook
// events resolve without a lookup table.
type SessionInput struct {
	PlatformID      string
	Source          string
	Autonomous      bool
	ParentSessionID string
	PID             int
	CWD             string
	TranscriptPath  string
}

// SessionManager provides CRUD over sessions.
type SessionManager struct {
	store *Store
}

const sessionColumns = `id, uuid, project_id, source, status, title, summary, autonomous,
	parent_session_id, input_tokens, output_tokens, cost_usd, pid, cwd, transcript_path,
	started_at, ended_at, updated_at`

// Create registers a session keyed by its platform id. Creating an existing
// session is a no-op returning the stored row, so replayed session_start
// events stay idempotent.
func (m *SessionManager) Create(ctx context.Context, in SessionInput) (*Session, error) {
	if strings.TrimSpace(in.PlatformID) == "" {
		return nil, errkind.New(errkind.InvalidInput, "platform session id is required")
	}
	if existing, err := m.Get(ctx, in.PlatformID); err == nil {
		return existing, nil
	}
	now := nowUTC()
	s := &Session{
		ID:              in.PlatformID,
		UUID:            uuid.NewString(),
		ProjectID:       m.store.projectID,
		Source:          in.Source,
		Status:          SessionActive,
		Autonomous:      in.Autonomous,
		ParentSessionID: in.ParentSessionID,
		PID:             in.PID,
		CWD:             in.CWD,
		TranscriptPath:  in.TranscriptPath,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	err := m.store.exec(ctx,
		&ChangeEvent{Entity: "session", Op: "create", ID: s.ID},
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UUID, s.ProjectID, nullable(s.Source), s.Status, nullable(s.Title), nullable(s.Summary),
		boolInt(s.Autonomous), nullable(s.ParentSessionID), s.InputTokens, s.OutputTokens, s.CostUSD,
		s.PID, nullable(s.CWD), nullable(s.TranscriptPath), s.StartedAt, nil, s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sessionLog.Printf("Created session %s (source=%s autonomous=%v)", s.ID, s.Source, s.Autonomous)
	return s, nil
}

// Get loads a session by id.
func (m *SessionManager) Get(ctx context.Context, id string) (*Session, error) {
	row := m.store.project.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "load session")
	}
	return s, nil
}

// ListByStatus returns sessions with the given status, oldest first.
func (m *SessionManager) ListByStatus(ctx context.Context, status string) ([]*Session, error) {
	rows, err := m.store.project.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? AND status = ? ORDER BY started_at ASC`,
		m.store.projectID, status)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "query sessions")
	}
	defer rows.Close()
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan session")
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SetStatus updates a session's lifecycle status. Entering handoff_ready or
// terminated stamps ended_at.
func (m *SessionManager) SetStatus(ctx context.Context, id, status string) error {
	now := nowUTC()
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{status, now, id}
	if status == SessionHandoffReady || status == SessionTerminated || status == SessionExpired {
		query = `UPDATE sessions SET status = ?, updated_at = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ?`
		args = []any{status, now, now, id}
	}
	return m.store.exec(ctx, &ChangeEvent{Entity: "session", Op: "update", ID: id}, query, args...)
}

// SetTitle records the LLM-synthesized title; it is written once.
func (m *SessionManager) SetTitle(ctx context.Context, id, title string) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "session", Op: "update", ID: id},
		`UPDATE sessions SET title = ?, updated_at = ? WHERE id = ? AND (title IS NULL OR title = '')`,
		title, nowUTC(), id)
}

// SetSummary records the end-of-session summary.
func (m *SessionManager) SetSummary(ctx context.Context, id, summary string) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "session", Op: "update", ID: id},
		`UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?`, summary, nowUTC(), id)
}

// SetAutonomous flags or unflags a session as autonomous.
func (m *SessionManager) SetAutonomous(ctx context.Context, id string, autonomous bool) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "session", Op: "update", ID: id},
		`UPDATE sessions SET autonomous = ?, updated_at = ? WHERE id = ?`, boolInt(autonomous), nowUTC(), id)
}

// AddUsage accumulates token and cost aggregates.
func (m *SessionManager) AddUsage(ctx context.Context, id string, inputTokens, outputTokens int64, costUSD float64) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "session", Op: "update", ID: id},
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
		 cost_usd = cost_usd + ?, updated_at = ? WHERE id = ?`,
		inputTokens, outputTokens, costUSD, nowUTC(), id)
}

// SetTranscriptPath records where the CLI writes the session transcript.
func (m *SessionManager) SetTranscriptPath(ctx context.Context, id, path string) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "session", Op: "update", ID: id},
		`UPDATE sessions SET transcript_path = ?, updated_at = ? WHERE id = ?`, path, nowUTC(), id)
}

// SetPID records the platform process id for liveness checks.
func (m *SessionManager) SetPID(ctx context.Context, id string, pid int) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "session", Op: "update", ID: id},
		`UPDATE sessions SET pid = ?, updated_at = ? WHERE id = ?`, pid, nowUTC(), id)
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var source, title, summary, parent, cwd, transcript, endedAt sql.NullString
	var autonomous int
	var pid sql.NullInt64
	err := row.Scan(&s.ID, &s.UUID, &s.ProjectID, &source, &s.Status, &title, &summary, &autonomous,
		&parent, &s.InputTokens, &s.OutputTokens, &s.CostUSD, &pid, &cwd, &transcript,
		&s.StartedAt, &endedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Source = source.String
	s.Title = title.String
	s.Summary = summary.String
	s.Autonomous = autonomous != 0
	s.ParentSessionID = parent.String
	s.PID = int(pid.Int64)
	s.CWD = cwd.String
	s.TranscriptPath = transcript.String
	s.EndedAt = endedAt.String
	return &s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
