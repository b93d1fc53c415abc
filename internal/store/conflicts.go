package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cadans/hrledger/internal/ledger"
)

// InsertConflict records an open conflict for (employee, field). If one is
// already open for the pair the insert is a no-op and the existing conflict
// is returned; the partial unique index enforces at-most-one-open so the
// check and the guarantee are the same statement.
func (s *Store) InsertConflict(ctx context.Context, c ledger.SyncConflict) (*ledger.SyncConflict, bool, error) {
	if c.EmployeeID == "" || c.FieldPath == "" {
		return nil, false, fmt.Errorf("insert conflict: employee and field path are required")
	}

	c.ID = uuid.New().String()
	c.ResolutionStatus = ledger.ConflictUnresolved
	c.CreatedAt = s.clock.Now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts
		(id, employee_id, field_path, conflict_type, local_data, remote_data,
		 resolution_status, created_at, change_record_id)
		VALUES (?, ?, ?, ?, ?, ?, 'unresolved', ?, ?)
		ON CONFLICT DO NOTHING
	`,
		c.ID, c.EmployeeID, c.FieldPath, c.ConflictType, c.LocalData,
		c.RemoteData, ledger.FormatTime(c.CreatedAt), c.ChangeRecordID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert conflict: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("insert conflict: rows affected: %w", err)
	}
	if affected > 0 {
		return &c, true, nil
	}

	existing, err := s.OpenConflictForField(ctx, c.EmployeeID, c.FieldPath)
	if err != nil {
		return nil, false, fmt.Errorf("insert conflict: read existing: %w", err)
	}
	if existing == nil {
		return nil, false, fmt.Errorf("insert conflict: suppressed but no open conflict for %s/%s",
			c.EmployeeID, c.FieldPath)
	}
	return existing, false, nil
}

// ResolveConflict applies a human decision to an open conflict. keep_local
// and keep_remote both mark it resolved; ignore marks it ignored. The value
// mechanics of the decision (overwriting the local record) belong to the
// conflict service, not the store.
func (s *Store) ResolveConflict(ctx context.Context, conflictID string, decision ledger.ConflictDecision, resolvedBy string) (*ledger.SyncConflict, error) {
	status := ledger.ConflictResolved
	switch decision {
	case ledger.DecisionKeepLocal, ledger.DecisionKeepRemote:
	case ledger.DecisionIgnore:
		status = ledger.ConflictIgnored
	default:
		return nil, fmt.Errorf("resolve conflict: unknown decision %q", decision)
	}

	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolution_status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ? AND resolution_status = 'unresolved'
	`, string(status), resolvedBy, ledger.FormatTime(now), conflictID)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("resolve conflict: rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("resolve conflict: %s is not open", conflictID)
	}
	return s.Conflict(ctx, conflictID)
}

// Conflict retrieves a conflict by ID. Returns sql.ErrNoRows if not found.
func (s *Store) Conflict(ctx context.Context, id string) (*ledger.SyncConflict, error) {
	return scanConflictRow(s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id))
}

// OpenConflicts lists unresolved conflicts, oldest first, optionally
// filtered to one employee.
func (s *Store) OpenConflicts(ctx context.Context, employeeID string) ([]ledger.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts
		WHERE resolution_status = 'unresolved'`
	args := []any{}
	if employeeID != "" {
		query += ` AND employee_id = ?`
		args = append(args, employeeID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.queryConflicts(ctx, query, args...)
}

// EscalatedConflicts lists unresolved conflicts open longer than age.
func (s *Store) EscalatedConflicts(ctx context.Context, age time.Duration) ([]ledger.SyncConflict, error) {
	cutoff := s.clock.Now().Add(-age)
	return s.queryConflicts(ctx, `
		SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE resolution_status = 'unresolved' AND created_at <= ?
		ORDER BY created_at ASC, id ASC
	`, ledger.FormatTime(cutoff))
}

// OpenConflictForField returns the open conflict for (employee, field), or
// nil when the pair has none.
func (s *Store) OpenConflictForField(ctx context.Context, employeeID, fieldPath string) (*ledger.SyncConflict, error) {
	conflict, err := scanConflictRow(s.db.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE employee_id = ? AND field_path = ? AND resolution_status = 'unresolved'
	`, employeeID, fieldPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open conflict for field: %w", err)
	}
	return conflict, nil
}

// UpsertLocalRecord stores the application's view of a field, replacing any
// previous value for the pair.
func (s *Store) UpsertLocalRecord(ctx context.Context, rec ledger.LocalRecord) error {
	if rec.EmployeeID == "" || rec.FieldPath == "" {
		return fmt.Errorf("upsert local record: employee and field path are required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_records (employee_id, field_path, value, manually_set, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(employee_id, field_path) DO UPDATE SET
			value = excluded.value,
			manually_set = excluded.manually_set,
			updated_at = excluded.updated_at
	`, rec.EmployeeID, rec.FieldPath, rec.Value, boolToInt(rec.ManuallySet),
		ledger.FormatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert local record: %w", err)
	}
	return nil
}

// LocalRecord returns the local record for (employee, field), or nil when
// the application has not recorded one.
func (s *Store) LocalRecord(ctx context.Context, employeeID, fieldPath string) (*ledger.LocalRecord, error) {
	var (
		rec       ledger.LocalRecord
		manual    int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT employee_id, field_path, value, manually_set, updated_at
		FROM local_records WHERE employee_id = ? AND field_path = ?
	`, employeeID, fieldPath).Scan(&rec.EmployeeID, &rec.FieldPath, &rec.Value, &manual, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("local record: %w", err)
	}
	rec.ManuallySet = manual != 0
	if rec.UpdatedAt, err = ledger.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("local record: updated_at: %w", err)
	}
	return &rec, nil
}

// LocalRecordsForEmployee lists the application's view of an employee's
// fields, sorted by field path.
func (s *Store) LocalRecordsForEmployee(ctx context.Context, employeeID string) ([]ledger.LocalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT employee_id, field_path, value, manually_set, updated_at
		FROM local_records WHERE employee_id = ?
		ORDER BY field_path ASC
	`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("local records: %w", err)
	}
	defer rows.Close()

	var recs []ledger.LocalRecord
	for rows.Next() {
		var (
			rec       ledger.LocalRecord
			manual    int
			updatedAt string
		)
		if err := rows.Scan(&rec.EmployeeID, &rec.FieldPath, &rec.Value, &manual, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan local record: %w", err)
		}
		rec.ManuallySet = manual != 0
		if rec.UpdatedAt, err = ledger.ParseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("scan local record: updated_at: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate local records: %w", err)
	}
	if recs == nil {
		recs = []ledger.LocalRecord{}
	}
	return recs, nil
}

func (s *Store) queryConflicts(ctx context.Context, query string, args ...any) ([]ledger.SyncConflict, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []ledger.SyncConflict
	for rows.Next() {
		conflict, err := scanConflictRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, *conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	if conflicts == nil {
		conflicts = []ledger.SyncConflict{}
	}
	return conflicts, nil
}

const conflictColumns = `id, employee_id, field_path, conflict_type,
	local_data, remote_data, resolution_status, resolved_by, resolved_at,
	created_at, change_record_id`

func scanConflictRow(row rowScanner) (*ledger.SyncConflict, error) {
	var (
		c          ledger.SyncConflict
		status     string
		resolvedAt sql.NullString
		createdAt  string
	)

	if err := row.Scan(
		&c.ID, &c.EmployeeID, &c.FieldPath, &c.ConflictType, &c.LocalData,
		&c.RemoteData, &status, &c.ResolvedBy, &resolvedAt, &createdAt,
		&c.ChangeRecordID,
	); err != nil {
		return nil, err
	}

	c.ResolutionStatus = ledger.ResolutionStatus(status)

	var err error
	if c.CreatedAt, err = ledger.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("scan conflict %s: created_at: %w", c.ID, err)
	}
	if resolvedAt.Valid {
		t, err := ledger.ParseTime(resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("scan conflict %s: resolved_at: %w", c.ID, err)
		}
		c.ResolvedAt = &t
	}
	return &c, nil
}
