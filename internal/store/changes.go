package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cadans/hrledger/internal/ledger"
)

// WriteChangeRecord inserts a change record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - re-delivered detections
// are silently ignored.
func (s *Store) WriteChangeRecord(ctx context.Context, rec ledger.ChangeRecord) error {
	identity := ledger.ChangeIdentity(rec.FieldPath, rec.OldValue, rec.NewValue)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_records
		(id, employee_id, endpoint, field_path, old_value, new_value,
		 change_type, change_identity, is_significant, is_duplicate,
		 detected_at, collected_at, sync_session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID, rec.EmployeeID, rec.Endpoint, rec.FieldPath, rec.OldValue,
		rec.NewValue, string(rec.ChangeType), identity,
		boolToInt(rec.IsSignificant), boolToInt(rec.IsDuplicate),
		ledger.FormatTime(rec.DetectedAt), ledger.FormatTime(rec.CollectedAt),
		rec.SyncSessionID,
	)
	if err != nil {
		return fmt.Errorf("write change record: %w", err)
	}
	return nil
}

// EquivalentChangeExists reports whether a change with the same identity
// (field path + old value + new value) was already recorded for the
// employee by another session within the trailing window. Same-session
// rows are excluded: inside one session the cross-endpoint tie-break
// alone decides which record stays authoritative.
func (s *Store) EquivalentChangeExists(ctx context.Context, employeeID, identity, sessionID string, cutoff time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM change_records
		WHERE employee_id = ? AND change_identity = ?
		  AND sync_session_id <> ? AND detected_at >= ?
	`, employeeID, identity, sessionID, ledger.FormatTime(cutoff)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check equivalent change: %w", err)
	}
	return count > 0, nil
}

// SessionFieldChanges returns the changes already recorded in a session for
// one (employee, field path), ordered by collected_at. Used for the
// cross-endpoint tie-break.
func (s *Store) SessionFieldChanges(ctx context.Context, employeeID, fieldPath, sessionID string) ([]ledger.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, changeSelect+`
		WHERE employee_id = ? AND field_path = ? AND sync_session_id = ?
		ORDER BY collected_at ASC, id ASC
	`, employeeID, fieldPath, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session field changes: %w", err)
	}
	defer rows.Close()

	return collectChanges(rows)
}

// MarkChangeDuplicate flags an existing change record as duplicate. This is
// the single sanctioned post-write mutation of a change record, applied
// when a later-collected fetch in the same session wins the tie-break for
// the same field.
func (s *Store) MarkChangeDuplicate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE change_records SET is_duplicate = 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("mark change duplicate: %w", err)
	}
	return nil
}

// LastChangeBefore returns the most recent authoritative (non-duplicate)
// change for (employee, field path) with detected_at <= until, or nil when
// no change was recorded yet.
func (s *Store) LastChangeBefore(ctx context.Context, employeeID, fieldPath string, until time.Time) (*ledger.ChangeRecord, error) {
	row := s.db.QueryRowContext(ctx, changeSelect+`
		WHERE employee_id = ? AND field_path = ? AND is_duplicate = 0
		  AND detected_at <= ?
		ORDER BY detected_at DESC, id DESC
		LIMIT 1
	`, employeeID, fieldPath, ledger.FormatTime(until))

	rec, err := scanChangeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last change before: %w", err)
	}
	return rec, nil
}

// ChangesForEmployee returns changes for an employee within [from, to],
// ordered by detection time. Zero time bounds are open.
// When significantOnly is set, cosmetic changes are filtered out;
// duplicates are always included so consumers can audit them.
func (s *Store) ChangesForEmployee(ctx context.Context, employeeID string, from, to time.Time, significantOnly bool) ([]ledger.ChangeRecord, error) {
	query := changeSelect + ` WHERE employee_id = ?`
	args := []any{employeeID}

	if !from.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, ledger.FormatTime(from))
	}
	if !to.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, ledger.FormatTime(to))
	}
	if significantOnly {
		query += ` AND is_significant = 1`
	}
	query += ` ORDER BY detected_at ASC, collected_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query employee changes: %w", err)
	}
	defer rows.Close()

	return collectChanges(rows)
}

// ChangesForField returns the full ordered change history of one field.
func (s *Store) ChangesForField(ctx context.Context, employeeID, fieldPath string) ([]ledger.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx, changeSelect+`
		WHERE employee_id = ? AND field_path = ?
		ORDER BY detected_at ASC, id ASC
	`, employeeID, fieldPath)
	if err != nil {
		return nil, fmt.Errorf("query field changes: %w", err)
	}
	defer rows.Close()

	return collectChanges(rows)
}

const changeSelect = `
	SELECT id, employee_id, endpoint, field_path, old_value, new_value,
	       change_type, is_significant, is_duplicate, detected_at,
	       collected_at, sync_session_id
	FROM change_records
`

func scanChangeRow(row rowScanner) (*ledger.ChangeRecord, error) {
	var (
		rec                      ledger.ChangeRecord
		changeType               string
		isSignificant, isDup     int
		detectedAt, collectedAt  string
	)

	if err := row.Scan(
		&rec.ID, &rec.EmployeeID, &rec.Endpoint, &rec.FieldPath,
		&rec.OldValue, &rec.NewValue, &changeType, &isSignificant, &isDup,
		&detectedAt, &collectedAt, &rec.SyncSessionID,
	); err != nil {
		return nil, err
	}

	rec.ChangeType = ledger.ChangeType(changeType)
	rec.IsSignificant = isSignificant == 1
	rec.IsDuplicate = isDup == 1

	var err error
	if rec.DetectedAt, err = ledger.ParseTime(detectedAt); err != nil {
		return nil, fmt.Errorf("scan change %s: detected_at: %w", rec.ID, err)
	}
	if rec.CollectedAt, err = ledger.ParseTime(collectedAt); err != nil {
		return nil, fmt.Errorf("scan change %s: collected_at: %w", rec.ID, err)
	}
	return &rec, nil
}

func collectChanges(rows *sql.Rows) ([]ledger.ChangeRecord, error) {
	var recs []ledger.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change record: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change records: %w", err)
	}
	if recs == nil {
		recs = []ledger.ChangeRecord{}
	}
	return recs, nil
}
