// Package syncer orchestrates ingestion runs: it opens sessions, fans out
// fetch jobs over the durable queue, and drives leased workers through the
// fetch, version, detect and conflict pipeline.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadans/hrledger/internal/conflict"
	"github.com/cadans/hrledger/internal/detect"
	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/policy"
	"github.com/cadans/hrledger/internal/provider"
	"github.com/cadans/hrledger/internal/store"
)

// JobTypeFetch is the queue type for per-(employee, endpoint) fetch jobs.
const JobTypeFetch = "fetch"

// Fetcher is the provider boundary. Implemented by provider.Client in
// production and by fakes in tests.
type Fetcher interface {
	Fetch(ctx context.Context, employeeID, endpoint string) (*provider.Result, error)
}

// EventType distinguishes outbound notification events.
type EventType string

const (
	EventSessionCompleted EventType = "session-completed"
	EventSessionFailed    EventType = "session-failed"
	EventConflictRaised   EventType = "conflict-raised"
)

// Event is an outbound notification for an external collaborator. Delivery
// is best effort; a full channel drops rather than stalls a worker.
type Event struct {
	Type       EventType
	SessionID  string
	Status     ledger.SessionStatus
	EmployeeID string
	FieldPath  string
}

// Syncer wires the pipeline together.
type Syncer struct {
	store     *store.Store
	fetcher   Fetcher
	detector  *detect.Detector
	conflicts *conflict.Resolver
	policy    *policy.Policy
	clock     ledger.Clock

	pollInterval time.Duration
	events       chan Event
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithClock replaces the clock, used by tests.
func WithClock(c ledger.Clock) Option {
	return func(s *Syncer) { s.clock = c }
}

// WithPollInterval sets how long an idle worker waits before re-polling
// the queue.
func WithPollInterval(d time.Duration) Option {
	return func(s *Syncer) { s.pollInterval = d }
}

// New creates a syncer over an opened store.
func New(st *store.Store, fetcher Fetcher, p *policy.Policy, opts ...Option) *Syncer {
	s := &Syncer{
		store:        st,
		fetcher:      fetcher,
		policy:       p,
		clock:        ledger.SystemClock{},
		pollInterval: time.Second,
		events:       make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.detector = detect.New(st, p, s.clock)
	s.conflicts = conflict.New(st, p)
	return s
}

// Events exposes the outbound notification stream.
func (s *Syncer) Events() <-chan Event { return s.events }

// fetchPayload is the queue payload of a fetch job.
type fetchPayload struct {
	EmployeeID string `json:"employee_id"`
	Endpoint   string `json:"endpoint"`
}

// StartSession opens a session and enqueues one fetch job per
// (employee, endpoint) pair in the scope.
func (s *Syncer) StartSession(ctx context.Context, sessionType, source string, employees, endpoints []string) (*ledger.SyncSession, error) {
	if len(employees) == 0 || len(endpoints) == 0 {
		return nil, fmt.Errorf("start session: empty scope")
	}

	session, err := s.store.StartSession(ctx, sessionType, source)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, employee := range employees {
		for _, endpoint := range endpoints {
			payload, err := json.Marshal(fetchPayload{EmployeeID: employee, Endpoint: endpoint})
			if err != nil {
				return nil, fmt.Errorf("start session: encode job payload: %w", err)
			}
			_, err = s.store.Enqueue(ctx, store.EnqueueInput{
				JobType:     JobTypeFetch,
				Payload:     string(payload),
				MaxAttempts: s.policy.MaxAttempts,
				SessionID:   session.ID,
			})
			if err != nil {
				return nil, fmt.Errorf("start session: enqueue %s/%s: %w", employee, endpoint, err)
			}
			total++
		}
	}

	if err := s.store.SetSessionTotal(ctx, session.ID, total); err != nil {
		return nil, err
	}
	session.TotalRecords = total

	slog.Info("sync session started",
		"session", session.ID,
		"type", sessionType,
		"jobs", total)
	return session, nil
}

// ProcessOne claims and fully processes a single fetch job. Returns false
// when no job was runnable.
func (s *Syncer) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	job, err := s.store.ClaimNext(ctx, JobTypeFetch, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if err := s.processJob(ctx, job); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Syncer) processJob(ctx context.Context, job *ledger.Job) error {
	var payload fetchPayload
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		// A job that cannot be decoded can never succeed.
		if ferr := s.store.FailPermanently(ctx, job.ID, "malformed job payload"); ferr != nil {
			return ferr
		}
		return s.recordFailure(ctx, job, payload, "malformed job payload")
	}

	result, err := s.fetcher.Fetch(ctx, payload.EmployeeID, payload.Endpoint)
	if err != nil {
		return s.handleFetchError(ctx, job, payload, err)
	}

	summary, err := s.ingestResult(ctx, job, payload, result)
	if err != nil {
		return s.handleFetchError(ctx, job, payload, err)
	}

	encoded, _ := json.Marshal(summary)
	if err := s.store.Complete(ctx, job.ID, string(encoded)); err != nil {
		return err
	}
	if err := s.store.RecordResult(ctx, job.SessionID, ledger.ResultDetail{
		EmployeeID: payload.EmployeeID,
		Endpoint:   payload.Endpoint,
		Outcome:    "success",
	}); err != nil {
		return err
	}
	return s.maybeFinishSession(ctx, job.SessionID)
}

// jobSummary is stored as the completed job's result.
type jobSummary struct {
	VersionID string `json:"version_id"`
	Inserted  bool   `json:"inserted"`
	Partial   bool   `json:"partial,omitempty"`
	Changes   int    `json:"changes"`
	Conflicts int    `json:"conflicts"`
}

// ingestResult pushes a fetched payload through the versioner, the change
// detector and the conflict check.
//
// Detection diffs against the most recent trusted predecessor, not the
// immediate one: a truncated partial between two full observations would
// otherwise read as mass field removal followed by mass re-addition.
// Partial versions are chained but produce no change records until a
// trusted fetch supersedes them.
func (s *Syncer) ingestResult(ctx context.Context, job *ledger.Job, payload fetchPayload, result *provider.Result) (*jobSummary, error) {
	prevTrusted, err := s.latestTrusted(ctx, payload.EmployeeID, payload.Endpoint)
	if err != nil {
		return nil, err
	}

	confidence := 1.0
	if result.Partial {
		confidence = s.policy.Confidence(job.Attempts + 1)
	} else if job.Attempts > 0 {
		confidence = s.policy.Confidence(job.Attempts)
	}

	version, inserted, err := s.store.Ingest(ctx, store.IngestInput{
		EmployeeID:    payload.EmployeeID,
		Endpoint:      payload.Endpoint,
		Payload:       result.Document,
		CollectedAt:   s.clock.Now(),
		SyncSessionID: job.SessionID,
		HTTPStatus:    result.Status,
		IsPartial:     result.Partial,
		RetryCount:    job.Attempts,
		Confidence:    confidence,
	})
	if ledger.IsChainIntegrity(err) {
		// Another worker advanced the chain; re-read and try once more.
		prevTrusted, err = s.latestTrusted(ctx, payload.EmployeeID, payload.Endpoint)
		if err != nil {
			return nil, err
		}
		version, inserted, err = s.store.Ingest(ctx, store.IngestInput{
			EmployeeID:    payload.EmployeeID,
			Endpoint:      payload.Endpoint,
			Payload:       result.Document,
			CollectedAt:   s.clock.Now(),
			SyncSessionID: job.SessionID,
			HTTPStatus:    result.Status,
			IsPartial:     result.Partial,
			RetryCount:    job.Attempts,
			Confidence:    confidence,
		})
	}
	if err != nil {
		return nil, err
	}

	summary := &jobSummary{VersionID: version.ID, Inserted: inserted, Partial: result.Partial}
	if !inserted || result.Partial {
		return summary, nil
	}

	records, err := s.detector.Record(ctx, prevTrusted, version)
	if err != nil {
		return nil, err
	}
	summary.Changes = len(records)

	for _, rec := range records {
		if rec.IsDuplicate {
			continue
		}
		raised, err := s.conflicts.Check(ctx, rec)
		if err != nil {
			return nil, err
		}
		if raised != nil {
			summary.Conflicts++
			s.emit(Event{
				Type:       EventConflictRaised,
				SessionID:  job.SessionID,
				EmployeeID: rec.EmployeeID,
				FieldPath:  rec.FieldPath,
			})
		}
	}
	return summary, nil
}

// latestTrusted walks the chain head backwards to the most recent
// non-partial version.
func (s *Syncer) latestTrusted(ctx context.Context, employeeID, endpoint string) (*ledger.RawVersion, error) {
	chain, err := s.store.Chain(ctx, employeeID, endpoint)
	if err != nil {
		return nil, err
	}
	for i := len(chain) - 1; i >= 0; i-- {
		if !chain[i].IsPartial {
			return &chain[i], nil
		}
	}
	return nil, nil
}

func (s *Syncer) handleFetchError(ctx context.Context, job *ledger.Job, payload fetchPayload, fetchErr error) error {
	terminal := false
	if ledger.IsPermanentFetch(fetchErr) {
		if err := s.store.FailPermanently(ctx, job.ID, fetchErr.Error()); err != nil {
			return err
		}
		terminal = true
	} else {
		var err error
		terminal, err = s.store.Fail(ctx, job.ID, fetchErr.Error(), s.policy.Backoff)
		if err != nil {
			return err
		}
	}

	slog.Warn("fetch failed",
		"employee", payload.EmployeeID,
		"endpoint", payload.Endpoint,
		"attempt", job.Attempts+1,
		"terminal", terminal,
		"error", fetchErr)

	if !terminal {
		return nil
	}
	return s.recordFailure(ctx, job, payload, fetchErr.Error())
}

// recordFailure surfaces a terminally failed job to its session.
func (s *Syncer) recordFailure(ctx context.Context, job *ledger.Job, payload fetchPayload, message string) error {
	if err := s.store.RecordResult(ctx, job.SessionID, ledger.ResultDetail{
		EmployeeID: payload.EmployeeID,
		Endpoint:   payload.Endpoint,
		Outcome:    "failed",
		Message:    message,
	}); err != nil {
		return err
	}
	return s.maybeFinishSession(ctx, job.SessionID)
}

// maybeFinishSession closes the session once its last job reached a
// terminal state. Two workers racing here is harmless: the loser's
// FinishSession fails the running-status guard and is ignored.
func (s *Syncer) maybeFinishSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	remaining, err := s.store.SessionJobsRemaining(ctx, sessionID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	session, err := s.store.FinishSession(ctx, sessionID)
	if err != nil {
		return nil
	}

	eventType := EventSessionCompleted
	if session.Status == ledger.SessionFailed {
		eventType = EventSessionFailed
	}
	s.emit(Event{Type: eventType, SessionID: session.ID, Status: session.Status})

	slog.Info("sync session finished",
		"session", session.ID,
		"status", string(session.Status),
		"ok", session.SuccessfulRecords,
		"failed", session.FailedRecords)
	return nil
}

func (s *Syncer) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}
