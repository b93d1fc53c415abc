package cli

import (
	"time"

	"github.com/cadans/hrledger/internal/ledger"
)

// JSON views for CLI output. The ledger types carry no JSON tags on
// purpose; the CLI and the HTTP API each own their serialized shape.

type sessionView struct {
	ID                string                `json:"id"`
	SessionType       string                `json:"session_type"`
	Source            string                `json:"source"`
	Status            ledger.SessionStatus  `json:"status"`
	StartedAt         time.Time             `json:"started_at"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	TotalRecords      int                   `json:"total_records"`
	SuccessfulRecords int                   `json:"successful_records"`
	FailedRecords     int                   `json:"failed_records"`
	Details           []ledger.ResultDetail `json:"details,omitempty"`
}

func newSessionView(s *ledger.SyncSession) sessionView {
	return sessionView{
		ID:                s.ID,
		SessionType:       s.SessionType,
		Source:            s.Source,
		Status:            s.Status,
		StartedAt:         s.StartedAt,
		CompletedAt:       s.CompletedAt,
		TotalRecords:      s.TotalRecords,
		SuccessfulRecords: s.SuccessfulRecords,
		FailedRecords:     s.FailedRecords,
		Details:           s.Details,
	}
}

type conflictView struct {
	ID               string                  `json:"id"`
	EmployeeID       string                  `json:"employee_id"`
	FieldPath        string                  `json:"field_path"`
	LocalData        string                  `json:"local_data"`
	RemoteData       string                  `json:"remote_data"`
	ResolutionStatus ledger.ResolutionStatus `json:"resolution_status"`
	ResolvedBy       string                  `json:"resolved_by,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

func newConflictView(c *ledger.SyncConflict) conflictView {
	return conflictView{
		ID:               c.ID,
		EmployeeID:       c.EmployeeID,
		FieldPath:        c.FieldPath,
		LocalData:        c.LocalData,
		RemoteData:       c.RemoteData,
		ResolutionStatus: c.ResolutionStatus,
		ResolvedBy:       c.ResolvedBy,
		CreatedAt:        c.CreatedAt,
	}
}

type jobView struct {
	ID           string           `json:"id"`
	JobType      string           `json:"job_type"`
	Status       ledger.JobStatus `json:"status"`
	Priority     int              `json:"priority"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"max_attempts"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	ErrorDetails string           `json:"error_details,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
}

func newJobView(j *ledger.Job) jobView {
	return jobView{
		ID:           j.ID,
		JobType:      j.JobType,
		Status:       j.Status,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		ScheduledFor: j.ScheduledFor,
		ErrorDetails: j.ErrorDetails,
		SessionID:    j.SessionID,
	}
}
