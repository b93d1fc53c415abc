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

// EnqueueInput describes a job to enqueue.
type EnqueueInput struct {
	JobType      string
	Payload      string
	Priority     int
	MaxAttempts  int
	ScheduledFor *time.Time // nil = runnable immediately
	SessionID    string
}

// BackoffFunc computes the retry delay for a job that has failed the given
// number of times. The syncer passes policy.Backoff here so retry timing
// stays configuration, not code.
type BackoffFunc func(attempts int) time.Duration

// Enqueue inserts a pending job.
func (s *Store) Enqueue(ctx context.Context, in EnqueueInput) (*ledger.Job, error) {
	if in.JobType == "" {
		return nil, fmt.Errorf("enqueue: job type is required")
	}
	if in.MaxAttempts <= 0 {
		return nil, fmt.Errorf("enqueue: max attempts must be positive")
	}

	now := s.clock.Now()
	scheduled := now
	if in.ScheduledFor != nil {
		scheduled = in.ScheduledFor.UTC()
	}
	payload := in.Payload
	if payload == "" {
		payload = "{}"
	}

	job := &ledger.Job{
		ID:           uuid.New().String(),
		JobType:      in.JobType,
		Payload:      payload,
		Priority:     in.Priority,
		Status:       ledger.JobPending,
		MaxAttempts:  in.MaxAttempts,
		ScheduledFor: scheduled,
		CreatedAt:    now,
		SessionID:    in.SessionID,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
		(id, job_type, payload, priority, status, attempts, max_attempts,
		 scheduled_for, created_at, session_id)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)
	`,
		job.ID, job.JobType, job.Payload, job.Priority, job.MaxAttempts,
		ledger.FormatTime(job.ScheduledFor), ledger.FormatTime(job.CreatedAt),
		job.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return job, nil
}

// ClaimNext leases the best runnable job: highest priority first, then
// earliest scheduled, among pending jobs whose scheduled_for has passed and
// whose session (if any) has not been marked failed.
//
// The claim is a single conditional UPDATE, not a read-then-write, so two
// workers can never lease the same job. Returns (nil, nil) when no job is
// runnable. An empty jobType claims any type.
func (s *Store) ClaimNext(ctx context.Context, jobType, workerID string) (*ledger.Job, error) {
	now := s.clock.Now()

	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing', started_at = ?, claimed_by = ?
		WHERE id = (
			SELECT j.id FROM jobs j
			WHERE j.status = 'pending'
			  AND j.scheduled_for <= ?
			  AND (? = '' OR j.job_type = ?)
			  AND NOT EXISTS (
				SELECT 1 FROM sync_sessions ss
				WHERE ss.id = j.session_id AND ss.status = 'failed'
			  )
			ORDER BY j.priority DESC, j.scheduled_for ASC, j.created_at ASC, j.id ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+jobColumns,
		ledger.FormatTime(now), workerID,
		ledger.FormatTime(now), jobType, jobType,
	)

	job, err := scanJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: %w", err)
	}
	return job, nil
}

// Complete marks a processing job as completed with its result.
func (s *Store) Complete(ctx context.Context, jobID, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = ?, result = ?
		WHERE id = ? AND status = 'processing'
	`, ledger.FormatTime(s.clock.Now()), result, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete job: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("complete job: %s is not processing", jobID)
	}
	return nil
}

// Fail records a failed attempt. While attempts remain the job returns to
// pending with an exponential-backoff schedule; otherwise it becomes
// terminally failed. Returns true when the failure was terminal.
//
// Representing retries as job state rather than in-process loops means a
// worker crash mid-retry loses nothing: the reschedule is already durable.
func (s *Store) Fail(ctx context.Context, jobID, errDetails string, backoff BackoffFunc) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fail job: begin tx: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT attempts, max_attempts, status FROM jobs WHERE id = ?
	`, jobID).Scan(&attempts, &maxAttempts, &status)
	if err != nil {
		return false, fmt.Errorf("fail job: read: %w", err)
	}
	if status != string(ledger.JobProcessing) {
		return false, fmt.Errorf("fail job: %s is not processing", jobID)
	}

	attempts++
	now := s.clock.Now()

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed', attempts = ?, completed_at = ?, error_details = ?
			WHERE id = ? AND status = 'processing'
		`, attempts, ledger.FormatTime(now), errDetails, jobID)
		if err != nil {
			return false, fmt.Errorf("fail job: terminal update: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("fail job: commit: %w", err)
		}
		return true, nil
	}

	delay := backoff(attempts)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', attempts = ?, scheduled_for = ?,
		    started_at = NULL, claimed_by = '', error_details = ?
		WHERE id = ? AND status = 'processing'
	`, attempts, ledger.FormatTime(now.Add(delay)), errDetails, jobID)
	if err != nil {
		return false, fmt.Errorf("fail job: reschedule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("fail job: commit: %w", err)
	}
	return false, nil
}

// FailPermanently marks a processing job terminally failed regardless of
// remaining attempts, used when the error class makes retrying pointless.
func (s *Store) FailPermanently(ctx context.Context, jobID, errDetails string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', attempts = attempts + 1, completed_at = ?, error_details = ?
		WHERE id = ? AND status = 'processing'
	`, ledger.FormatTime(s.clock.Now()), errDetails, jobID)
	if err != nil {
		return fmt.Errorf("fail permanently: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail permanently: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("fail permanently: %s is not processing", jobID)
	}
	return nil
}

// PromoteStarved raises the priority of pending jobs that have waited
// longer than age, so low-priority work cannot starve forever behind a
// steady stream of high-priority jobs. Returns the number promoted.
func (s *Store) PromoteStarved(ctx context.Context, age time.Duration, boost int) (int, error) {
	cutoff := s.clock.Now().Add(-age)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET priority = priority + ?
		WHERE status = 'pending' AND created_at <= ? AND scheduled_for <= ?
	`, boost, ledger.FormatTime(cutoff), ledger.FormatTime(s.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("promote starved: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("promote starved: rows affected: %w", err)
	}
	return int(affected), nil
}

// Job retrieves a single job by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) Job(ctx context.Context, id string) (*ledger.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJobRow(row)
}

// Jobs lists jobs, optionally filtered by status, newest first.
func (s *Store) Jobs(ctx context.Context, status ledger.JobStatus, limit int) ([]ledger.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []ledger.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	if jobs == nil {
		jobs = []ledger.Job{}
	}
	return jobs, nil
}

// CountJobs returns the number of jobs in the given status.
func (s *Store) CountJobs(ctx context.Context, status ledger.JobStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = ?
	`, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count, nil
}

const jobColumns = `id, job_type, payload, priority, status, attempts,
	max_attempts, scheduled_for, created_at, started_at, completed_at,
	result, error_details, session_id, claimed_by`

func scanJobRow(row rowScanner) (*ledger.Job, error) {
	var (
		job                    ledger.Job
		status                 string
		scheduledFor, created  string
		startedAt, completedAt sql.NullString
	)

	if err := row.Scan(
		&job.ID, &job.JobType, &job.Payload, &job.Priority, &status,
		&job.Attempts, &job.MaxAttempts, &scheduledFor, &created,
		&startedAt, &completedAt, &job.Result, &job.ErrorDetails,
		&job.SessionID, &job.ClaimedBy,
	); err != nil {
		return nil, err
	}

	job.Status = ledger.JobStatus(status)

	var err error
	if job.ScheduledFor, err = ledger.ParseTime(scheduledFor); err != nil {
		return nil, fmt.Errorf("scan job %s: scheduled_for: %w", job.ID, err)
	}
	if job.CreatedAt, err = ledger.ParseTime(created); err != nil {
		return nil, fmt.Errorf("scan job %s: created_at: %w", job.ID, err)
	}
	if startedAt.Valid {
		t, err := ledger.ParseTime(startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("scan job %s: started_at: %w", job.ID, err)
		}
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := ledger.ParseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("scan job %s: completed_at: %w", job.ID, err)
		}
		job.CompletedAt = &t
	}
	return &job, nil
}
