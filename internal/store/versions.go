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

// IngestInput carries one fetched payload plus its fetch metadata into the
// versioner.
type IngestInput struct {
	EmployeeID    string
	Endpoint      string
	Payload       ledger.Document
	CollectedAt   time.Time
	SyncSessionID string
	HTTPStatus    int
	ErrorMessage  string
	IsPartial     bool
	RetryCount    int
	Confidence    float64
}

// Ingest applies the versioner algorithm for one (employee, endpoint) pair:
//
//   - compute the payload's content hash;
//   - if it equals the current latest version's hash, discard as a
//     duplicate and return the existing version (idempotent re-ingestion);
//   - otherwise close the current latest version's effective window with a
//     compare-and-set on (id, is_latest) and insert the new version as the
//     chain head.
//
// The returned bool reports whether a new version was inserted.
//
// A stale latest pointer (another worker advanced the chain between read
// and update) surfaces as a ChainIntegrityError; callers resolve it by
// retrying the whole ingestion against the now-current latest. Two
// different payloads hashing identically surface as a HashCollisionError
// and must never be silently resolved.
func (s *Store) Ingest(ctx context.Context, in IngestInput) (*ledger.RawVersion, bool, error) {
	payloadJSON, err := ledger.MarshalCanonical(in.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("ingest: marshal payload: %w", err)
	}
	hash := ledger.MustContentHash(in.Payload)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("ingest: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	latest, err := latestVersionTx(ctx, tx, in.EmployeeID, in.Endpoint)
	if err != nil {
		return nil, false, fmt.Errorf("ingest: read latest: %w", err)
	}

	if latest != nil && latest.ContentHash == hash {
		stored, err := ledger.MarshalCanonical(latest.Payload)
		if err != nil {
			return nil, false, fmt.Errorf("ingest: re-marshal stored payload: %w", err)
		}
		if string(stored) != string(payloadJSON) {
			return nil, false, ledger.NewHashCollisionError(in.EmployeeID, in.Endpoint, hash)
		}
		// Identical payload: retried fetches must not create phantom versions.
		return latest, false, nil
	}

	now := s.clock.Now()
	newID := uuid.New().String()

	if latest != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE raw_versions
			SET is_latest = 0, effective_to = ?, superseded_by = ?
			WHERE id = ? AND is_latest = 1
		`, ledger.FormatTime(now), newID, latest.ID)
		if err != nil {
			return nil, false, fmt.Errorf("ingest: close window: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("ingest: rows affected: %w", err)
		}
		if affected == 0 {
			return nil, false, ledger.NewChainIntegrityError(in.EmployeeID, in.Endpoint, latest.ID)
		}
	}

	supersedes := ""
	if latest != nil {
		supersedes = latest.ID
	}

	ver := &ledger.RawVersion{
		ID:            newID,
		EmployeeID:    in.EmployeeID,
		Endpoint:      in.Endpoint,
		Payload:       in.Payload,
		ContentHash:   hash,
		CollectedAt:   in.CollectedAt.UTC(),
		EffectiveFrom: now,
		IsLatest:      true,
		IsPartial:     in.IsPartial,
		Confidence:    in.Confidence,
		HTTPStatus:    in.HTTPStatus,
		ErrorMessage:  in.ErrorMessage,
		RetryCount:    in.RetryCount,
		Supersedes:    supersedes,
		SyncSessionID: in.SyncSessionID,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO raw_versions
		(id, employee_id, endpoint, payload, content_hash, collected_at,
		 effective_from, effective_to, is_latest, is_partial, confidence_score,
		 http_status, error_message, retry_count, supersedes, superseded_by,
		 sync_session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 1, ?, ?, ?, ?, ?, NULLIF(?, ''), NULL, ?)
	`,
		ver.ID, ver.EmployeeID, ver.Endpoint, string(payloadJSON), ver.ContentHash,
		ledger.FormatTime(ver.CollectedAt), ledger.FormatTime(ver.EffectiveFrom),
		boolToInt(ver.IsPartial), ver.Confidence, ver.HTTPStatus, ver.ErrorMessage,
		ver.RetryCount, ver.Supersedes, ver.SyncSessionID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("ingest: insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("ingest: commit: %w", err)
	}

	return ver, true, nil
}

// LatestVersion returns the current latest version of a chain, or nil when
// the chain does not exist yet.
func (s *Store) LatestVersion(ctx context.Context, employeeID, endpoint string) (*ledger.RawVersion, error) {
	row := s.db.QueryRowContext(ctx, versionSelect+`
		WHERE employee_id = ? AND endpoint = ? AND is_latest = 1
	`, employeeID, endpoint)

	ver, err := scanVersionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return ver, nil
}

// Chain returns every version of a (employee, endpoint) chain ordered from
// oldest to newest.
func (s *Store) Chain(ctx context.Context, employeeID, endpoint string) ([]ledger.RawVersion, error) {
	rows, err := s.db.QueryContext(ctx, versionSelect+`
		WHERE employee_id = ? AND endpoint = ?
		ORDER BY effective_from ASC, id ASC
	`, employeeID, endpoint)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	return collectVersions(rows)
}

// VersionsForEmployee returns every version across all of the employee's
// endpoint chains, ordered for deterministic iteration.
func (s *Store) VersionsForEmployee(ctx context.Context, employeeID string) ([]ledger.RawVersion, error) {
	rows, err := s.db.QueryContext(ctx, versionSelect+`
		WHERE employee_id = ?
		ORDER BY endpoint ASC, effective_from ASC, id ASC
	`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("query employee versions: %w", err)
	}
	defer rows.Close()

	return collectVersions(rows)
}

// Endpoints returns the distinct endpoint names observed for an employee.
func (s *Store) Endpoints(ctx context.Context, employeeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT endpoint FROM raw_versions
		WHERE employee_id = ?
		ORDER BY endpoint ASC
	`, employeeID)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate endpoints: %w", err)
	}
	if endpoints == nil {
		endpoints = []string{}
	}
	return endpoints, nil
}

// Version retrieves a single version by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) Version(ctx context.Context, id string) (*ledger.RawVersion, error) {
	row := s.db.QueryRowContext(ctx, versionSelect+` WHERE id = ?`, id)
	return scanVersionRow(row)
}

const versionSelect = `
	SELECT id, employee_id, endpoint, payload, content_hash, collected_at,
	       effective_from, effective_to, is_latest, is_partial,
	       confidence_score, http_status, error_message, retry_count,
	       COALESCE(supersedes, ''), COALESCE(superseded_by, ''), sync_session_id
	FROM raw_versions
`

func latestVersionTx(ctx context.Context, tx *sql.Tx, employeeID, endpoint string) (*ledger.RawVersion, error) {
	row := tx.QueryRowContext(ctx, versionSelect+`
		WHERE employee_id = ? AND endpoint = ? AND is_latest = 1
	`, employeeID, endpoint)

	ver, err := scanVersionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ver, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersionRow(row rowScanner) (*ledger.RawVersion, error) {
	var (
		ver                      ledger.RawVersion
		payloadJSON              string
		collectedAt, effFrom     string
		effTo                    sql.NullString
		isLatest, isPartial      int
	)

	if err := row.Scan(
		&ver.ID, &ver.EmployeeID, &ver.Endpoint, &payloadJSON, &ver.ContentHash,
		&collectedAt, &effFrom, &effTo, &isLatest, &isPartial,
		&ver.Confidence, &ver.HTTPStatus, &ver.ErrorMessage, &ver.RetryCount,
		&ver.Supersedes, &ver.SupersededBy, &ver.SyncSessionID,
	); err != nil {
		return nil, err
	}

	doc, err := ledger.DecodeDocument([]byte(payloadJSON))
	if err != nil {
		return nil, fmt.Errorf("scan version %s: %w", ver.ID, err)
	}
	ver.Payload = doc

	if ver.CollectedAt, err = ledger.ParseTime(collectedAt); err != nil {
		return nil, fmt.Errorf("scan version %s: collected_at: %w", ver.ID, err)
	}
	if ver.EffectiveFrom, err = ledger.ParseTime(effFrom); err != nil {
		return nil, fmt.Errorf("scan version %s: effective_from: %w", ver.ID, err)
	}
	if effTo.Valid {
		t, err := ledger.ParseTime(effTo.String)
		if err != nil {
			return nil, fmt.Errorf("scan version %s: effective_to: %w", ver.ID, err)
		}
		ver.EffectiveTo = &t
	}
	ver.IsLatest = isLatest == 1
	ver.IsPartial = isPartial == 1

	return &ver, nil
}

func collectVersions(rows *sql.Rows) ([]ledger.RawVersion, error) {
	var versions []ledger.RawVersion
	for rows.Next() {
		ver, err := scanVersionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, *ver)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	if versions == nil {
		versions = []ledger.RawVersion{}
	}
	return versions, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
