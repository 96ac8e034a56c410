package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gobbyhq/gobby/pkg/errkind"
)

// StopSignal is a per-session stop request. Persistence is best-effort so
// in-flight stops survive a daemon restart.
type StopSignal struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	Source    string `json:"source"`
	IssuedAt  string `json:"issued_at"`
}

// StopManager persists stop signals.
type StopManager struct {
	store *Store
}

// Put upserts a stop signal for a session.
func (m *StopManager) Put(ctx context.Context, sig StopSignal) error {
	if sig.IssuedAt == "" {
		sig.IssuedAt = nowUTC()
	}
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "stop_signal", Op: "create", ID: sig.SessionID},
		`INSERT INTO stop_signals (session_id, reason, source, issued_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET reason = excluded.reason, source = excluded.source, issued_at = excluded.issued_at`,
		sig.SessionID, sig.Reason, sig.Source, sig.IssuedAt)
}

// Get loads the stop signal for a session, or NotFound.
func (m *StopManager) Get(ctx context.Context, sessionID string) (*StopSignal, error) {
	var sig StopSignal
	err := m.store.project.QueryRowContext(ctx,
		`SELECT session_id, reason, source, issued_at FROM stop_signals WHERE session_id = ?`,
		sessionID).Scan(&sig.SessionID, &sig.Reason, &sig.Source, &sig.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.New(errkind.NotFound, "no stop signal for session %s", sessionID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "load stop signal")
	}
	return &sig, nil
}

// Delete clears the stop signal for a session.
func (m *StopManager) Delete(ctx context.Context, sessionID string) error {
	return m.store.exec(ctx,
		&ChangeEvent{Entity: "stop_signal", Op: "delete", ID: sessionID},
		`DELETE FROM stop_signals WHERE session_id = ?`, sessionID)
}

// All returns every persisted stop signal, used to rehydrate the in-memory
// registry on daemon start.
func (m *StopManager) All(ctx context.Context) ([]StopSignal, error) {
	rows, err := m.store.project.QueryContext(ctx,
		`SELECT session_id, reason, source, issued_at FROM stop_signals`)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageError, err, "list stop signals")
	}
	defer rows.Close()
	var signals []StopSignal
	for rows.Next() {
		var sig StopSignal
		if err := rows.Scan(&sig.SessionID, &sig.Reason, &sig.Source, &sig.IssuedAt); err != nil {
			return nil, errkind.Wrap(errkind.StorageError, err, "scan stop signal")
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}
