package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadans/hrledger/internal/ledger"
)

// StartSession creates a running session and returns it.
func (s *Store) StartSession(ctx context.Context, sessionType, source string) (*ledger.SyncSession, error) {
	if sessionType == "" {
		return nil, fmt.Errorf("start session: session type is required")
	}

	session := &ledger.SyncSession{
		ID:          uuid.New().String(),
		SessionType: sessionType,
		Source:      source,
		Status:      ledger.SessionRunning,
		StartedAt:   s.clock.Now(),
		Details:     []ledger.ResultDetail{},
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_sessions (id, session_type, source, status, started_at)
		VALUES (?, ?, ?, 'running', ?)
	`, session.ID, session.SessionType, session.Source, ledger.FormatTime(session.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return session, nil
}

// SetSessionTotal records how many fetches the session will attempt,
// known only after enumeration.
func (s *Store) SetSessionTotal(ctx context.Context, sessionID string, total int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_sessions SET total_records = ? WHERE id = ? AND status = 'running'
	`, total, sessionID)
	if err != nil {
		return fmt.Errorf("set session total: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session total: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set session total: session %s is not running", sessionID)
	}
	return nil
}

// RecordResult appends one fetch outcome to the session's detail trail and
// bumps the matching counter. The read-append-write of sync_details runs in
// a transaction so concurrent workers do not drop each other's entries.
func (s *Store) RecordResult(ctx context.Context, sessionID string, detail ledger.ResultDetail) error {
	if detail.RecordedAt.IsZero() {
		detail.RecordedAt = s.clock.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record result: begin tx: %w", err)
	}
	defer tx.Rollback()

	var status, rawDetails string
	err = tx.QueryRowContext(ctx, `
		SELECT status, sync_details FROM sync_sessions WHERE id = ?
	`, sessionID).Scan(&status, &rawDetails)
	if err != nil {
		return fmt.Errorf("record result: read session: %w", err)
	}
	if status != string(ledger.SessionRunning) {
		return fmt.Errorf("record result: session %s is not running", sessionID)
	}

	var details []ledger.ResultDetail
	if err := json.Unmarshal([]byte(rawDetails), &details); err != nil {
		return fmt.Errorf("record result: decode details: %w", err)
	}
	details = append(details, detail)
	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("record result: encode details: %w", err)
	}

	counter := "successful_records"
	if detail.Outcome != "success" {
		counter = "failed_records"
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sync_sessions
		SET sync_details = ?, `+counter+` = `+counter+` + 1
		WHERE id = ?
	`, string(encoded), sessionID)
	if err != nil {
		return fmt.Errorf("record result: update session: %w", err)
	}
	return tx.Commit()
}

// FinishSession closes a running session, deriving the terminal status from
// its counters: failed when nothing succeeded (and something was attempted),
// partial when some fetches failed, completed otherwise.
func (s *Store) FinishSession(ctx context.Context, sessionID string) (*ledger.SyncSession, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("finish session: begin tx: %w", err)
	}
	defer tx.Rollback()

	session, err := scanSessionRow(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE id = ?`, sessionID))
	if err != nil {
		return nil, fmt.Errorf("finish session: read: %w", err)
	}
	if session.Status != ledger.SessionRunning {
		return nil, fmt.Errorf("finish session: session %s is not running", sessionID)
	}

	status := ledger.SessionCompleted
	switch {
	case session.FailedRecords > 0 && session.SuccessfulRecords == 0:
		status = ledger.SessionFailed
	case session.FailedRecords > 0:
		status = ledger.SessionPartial
	}

	now := s.clock.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE sync_sessions SET status = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`, string(status), ledger.FormatTime(now), sessionID)
	if err != nil {
		return nil, fmt.Errorf("finish session: update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("finish session: rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("finish session: session %s is not running", sessionID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("finish session: commit: %w", err)
	}

	session.Status = status
	session.CompletedAt = &now
	return session, nil
}

// FailExpiredSessions force-fails sessions that have been running longer
// than maxAge. A crashed run otherwise leaves its session running forever
// and its pending jobs claimable. Returns IDs of the sessions failed.
func (s *Store) FailExpiredSessions(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := s.clock.Now().Add(-maxAge)

	rows, err := s.db.QueryContext(ctx, `
		UPDATE sync_sessions
		SET status = 'failed', completed_at = ?
		WHERE status = 'running' AND started_at <= ?
		RETURNING id
	`, ledger.FormatTime(s.clock.Now()), ledger.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("fail expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("fail expired sessions: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fail expired sessions: iterate: %w", err)
	}
	return ids, nil
}

// Session retrieves a session by ID. Returns sql.ErrNoRows if not found.
func (s *Store) Session(ctx context.Context, id string) (*ledger.SyncSession, error) {
	return scanSessionRow(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sync_sessions WHERE id = ?`, id))
}

// Sessions lists sessions newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]ledger.SyncSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sync_sessions ORDER BY started_at DESC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []ledger.SyncSession
	for rows.Next() {
		session, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	if sessions == nil {
		sessions = []ledger.SyncSession{}
	}
	return sessions, nil
}

// SessionJobsRemaining counts jobs in the session not yet terminal.
func (s *Store) SessionJobsRemaining(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE session_id = ? AND status IN ('pending', 'processing')
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("session jobs remaining: %w", err)
	}
	return count, nil
}

const sessionColumns = `id, session_type, source, status, started_at,
	completed_at, total_records, successful_records, failed_records, sync_details`

func scanSessionRow(row rowScanner) (*ledger.SyncSession, error) {
	var (
		session     ledger.SyncSession
		status      string
		startedAt   string
		completedAt sql.NullString
		rawDetails  string
	)

	if err := row.Scan(
		&session.ID, &session.SessionType, &session.Source, &status,
		&startedAt, &completedAt, &session.TotalRecords,
		&session.SuccessfulRecords, &session.FailedRecords, &rawDetails,
	); err != nil {
		return nil, err
	}

	session.Status = ledger.SessionStatus(status)

	var err error
	if session.StartedAt, err = ledger.ParseTime(startedAt); err != nil {
		return nil, fmt.Errorf("scan session %s: started_at: %w", session.ID, err)
	}
	if completedAt.Valid {
		t, err := ledger.ParseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("scan session %s: completed_at: %w", session.ID, err)
		}
		session.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(rawDetails), &session.Details); err != nil {
		return nil, fmt.Errorf("scan session %s: details: %w", session.ID, err)
	}
	if session.Details == nil {
		session.Details = []ledger.ResultDetail{}
	}
	return &session, nil
}
