package ledger

import "time"

// Document is an opaque provider payload: a nested JSON object decoded with
// json.Number preserved so that numeric values round-trip byte-identically
// through canonical serialization.
type Document map[string]any

// RawVersion is one observed payload for one (employee, endpoint) pair.
//
// Versions form a singly linked, time-ordered chain via Supersedes and
// SupersededBy. Exactly one version per chain has IsLatest set; the
// effective windows of adjacent versions are contiguous and non-overlapping,
// and the active version has a nil EffectiveTo.
//
// A version is created once by ingestion and never mutated afterwards,
// except to flip IsLatest and set EffectiveTo/SupersededBy when its
// successor arrives. Versions are never deleted.
type RawVersion struct {
	ID            string
	EmployeeID    string
	Endpoint      string
	Payload       Document
	ContentHash   string
	CollectedAt   time.Time
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	IsLatest      bool
	IsPartial     bool
	Confidence    float64
	HTTPStatus    int
	ErrorMessage  string
	RetryCount    int
	Supersedes    string // empty for the first version of a chain
	SupersededBy  string // empty until superseded
	SyncSessionID string
}

// ChangeType classifies a detected delta between two adjacent versions.
type ChangeType string

const (
	ChangeValueChanged ChangeType = "value-changed"
	ChangeFieldAdded   ChangeType = "field-added"
	ChangeFieldRemoved ChangeType = "field-removed"
)

// ChangeRecord is a detected delta between two adjacent RawVersions for one
// flattened field path. Records are immutable once written; the sole
// exception is the IsDuplicate flag, which may be set after the fact when a
// later-collected fetch in the same session proves authoritative for the
// same field (cross-endpoint tie-break).
//
// Old and new values are canonical JSON text. An empty OldValue with
// ChangeFieldAdded means the field did not exist before; an empty NewValue
// with ChangeFieldRemoved means it no longer exists.
type ChangeRecord struct {
	ID            string
	EmployeeID    string
	Endpoint      string
	FieldPath     string
	OldValue      string
	NewValue      string
	ChangeType    ChangeType
	IsSignificant bool
	IsDuplicate   bool
	DetectedAt    time.Time
	CollectedAt   time.Time // collected_at of the version that produced the new value
	SyncSessionID string
}

// SessionStatus is the lifecycle state of a sync session.
// Transitions are forward-only: running -> completed | failed | partial.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionPartial   SessionStatus = "partial"
)

// SyncSession groups one ingestion run over all in-scope employees and
// endpoints, with aggregate counters updated as worker results stream in.
type SyncSession struct {
	ID                string
	SessionType       string
	Source            string
	Status            SessionStatus
	StartedAt         time.Time
	CompletedAt       *time.Time
	TotalRecords      int
	SuccessfulRecords int
	FailedRecords     int
	Details           []ResultDetail
}

// ResultDetail is one entry in a session's structured log trail.
type ResultDetail struct {
	EmployeeID string    `json:"employee_id"`
	Endpoint   string    `json:"endpoint"`
	Outcome    string    `json:"outcome"` // "success" | "failed"
	Message    string    `json:"message,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is a generic queue entry, used both for scheduled fetches and for
// their retries. At most one worker holds a job in processing state at a
// time; Attempts increments monotonically and the job becomes terminally
// failed once Attempts reaches MaxAttempts.
type Job struct {
	ID           string
	JobType      string
	Payload      string // opaque JSON payload
	Priority     int
	Status       JobStatus
	Attempts     int
	MaxAttempts  int
	ScheduledFor time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       string
	ErrorDetails string
	SessionID    string // empty for jobs not tied to a session
	ClaimedBy    string // worker identity, diagnostic only
}

// ResolutionStatus is the lifecycle state of a sync conflict.
type ResolutionStatus string

const (
	ConflictUnresolved ResolutionStatus = "unresolved"
	ConflictResolved   ResolutionStatus = "resolved"
	ConflictIgnored    ResolutionStatus = "ignored"
)

// ConflictDecision is a human resolution choice.
type ConflictDecision string

const (
	DecisionKeepLocal  ConflictDecision = "keep_local"
	DecisionKeepRemote ConflictDecision = "keep_remote"
	DecisionIgnore     ConflictDecision = "ignore"
)

// SyncConflict records a disagreement between a locally authoritative fact
// and an externally synced fact. Conflicts never block ingestion; they gate
// which value derived read-models prefer until a human resolves them.
type SyncConflict struct {
	ID               string
	EmployeeID       string
	FieldPath        string
	ConflictType     string
	LocalData        string // canonical JSON
	RemoteData       string // canonical JSON
	ResolutionStatus ResolutionStatus
	ResolvedBy       string
	ResolvedAt       *time.Time
	CreatedAt        time.Time
	ChangeRecordID   string
}

// LocalRecord is the boundary representation of a manually edited fact in
// the surrounding application. Only records with ManuallySet are candidates
// for conflict detection.
type LocalRecord struct {
	EmployeeID  string
	FieldPath   string
	Value       string // canonical JSON
	ManuallySet bool
	UpdatedAt   time.Time
}

// SyncStatus is the coarse state surfaced to UI collaborators.
type SyncStatus string

const (
	StatusUpToDate        SyncStatus = "up-to-date"
	StatusSyncing         SyncStatus = "syncing"
	StatusDegraded        SyncStatus = "degraded"
	StatusConflictPending SyncStatus = "conflict pending"
)
