package httpapi

import (
	"database/sql"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/temporal"
)

type sessionDTO struct {
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

func newSessionDTO(s *ledger.SyncSession) *sessionDTO {
	return &sessionDTO{
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

type jobDTO struct {
	ID           string           `json:"id"`
	JobType      string           `json:"job_type"`
	Status       ledger.JobStatus `json:"status"`
	Priority     int              `json:"priority"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"max_attempts"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	ErrorDetails string           `json:"error_details,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
}

func newJobDTO(j *ledger.Job) jobDTO {
	return jobDTO{
		ID:           j.ID,
		JobType:      j.JobType,
		Status:       j.Status,
		Priority:     j.Priority,
		Attempts:     j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		ScheduledFor: j.ScheduledFor,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		ErrorDetails: j.ErrorDetails,
		SessionID:    j.SessionID,
	}
}

type conflictDTO struct {
	ID               string                  `json:"id"`
	EmployeeID       string                  `json:"employee_id"`
	FieldPath        string                  `json:"field_path"`
	ConflictType     string                  `json:"conflict_type"`
	LocalData        string                  `json:"local_data"`
	RemoteData       string                  `json:"remote_data"`
	ResolutionStatus ledger.ResolutionStatus `json:"resolution_status"`
	ResolvedBy       string                  `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time              `json:"resolved_at,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

func newConflictDTO(c *ledger.SyncConflict) conflictDTO {
	return conflictDTO{
		ID:               c.ID,
		EmployeeID:       c.EmployeeID,
		FieldPath:        c.FieldPath,
		ConflictType:     c.ConflictType,
		LocalData:        c.LocalData,
		RemoteData:       c.RemoteData,
		ResolutionStatus: c.ResolutionStatus,
		ResolvedBy:       c.ResolvedBy,
		ResolvedAt:       c.ResolvedAt,
		CreatedAt:        c.CreatedAt,
	}
}

type versionDTO struct {
	ID            string          `json:"id"`
	Endpoint      string          `json:"endpoint"`
	ContentHash   string          `json:"content_hash"`
	CollectedAt   time.Time       `json:"collected_at"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
	IsLatest      bool            `json:"is_latest"`
	IsPartial     bool            `json:"is_partial"`
	Confidence    float64         `json:"confidence"`
	Payload       ledger.Document `json:"payload"`
}

// handleValue resolves one field for one employee. With ?at= it answers a
// point-in-time question; without it, the current value with the conflict
// overlay applied.
func (s *Server) handleValue(c *fiber.Ctx) error {
	ctx := c.Context()
	employeeID := c.Params("id")
	fieldPath := c.Query("field")
	if fieldPath == "" {
		return badRequest(c, "field query parameter is required")
	}

	if raw := c.Query("at"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "at must be RFC 3339")
		}
		lookup, err := s.temporal.ValueAt(ctx, employeeID, fieldPath, at)
		if err != nil {
			return internalError(c, err)
		}
		if lookup == nil {
			return notFound(c, "field has no value at that date")
		}
		return c.JSON(fiber.Map{
			"employee_id": employeeID,
			"field":       fieldPath,
			"at":          at,
			"value":       lookup.Value,
			"source":      lookup.Source,
		})
	}

	cur, err := s.temporal.CurrentValue(ctx, employeeID, fieldPath, s.clock.Now())
	if err != nil {
		return internalError(c, err)
	}
	if cur == nil {
		return notFound(c, "field has no current value")
	}
	return c.JSON(fiber.Map{
		"employee_id": employeeID,
		"field":       fieldPath,
		"value":       cur.Value,
		"source":      cur.Source,
		"conflicted":  cur.Conflicted,
	})
}

func (s *Server) handleTimeline(c *fiber.Ctx) error {
	ctx := c.Context()
	employeeID := c.Params("id")

	from := time.Time{}
	to := s.clock.Now()
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "from must be RFC 3339")
		}
		from = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return badRequest(c, "to must be RFC 3339")
		}
		to = t
	}

	events, err := s.temporal.Timeline(ctx, employeeID, from, to)
	if err != nil {
		return internalError(c, err)
	}
	if events == nil {
		events = []temporal.Event{}
	}
	return c.JSON(fiber.Map{
		"employee_id": employeeID,
		"events":      events,
	})
}

func (s *Server) handleVersions(c *fiber.Ctx) error {
	ctx := c.Context()
	employeeID := c.Params("id")

	versions, err := s.store.VersionsForEmployee(ctx, employeeID)
	if err != nil {
		return internalError(c, err)
	}
	out := make([]versionDTO, 0, len(versions))
	for i := range versions {
		v := &versions[i]
		out = append(out, versionDTO{
			ID:            v.ID,
			Endpoint:      v.Endpoint,
			ContentHash:   v.ContentHash,
			CollectedAt:   v.CollectedAt,
			EffectiveFrom: v.EffectiveFrom,
			EffectiveTo:   v.EffectiveTo,
			IsLatest:      v.IsLatest,
			IsPartial:     v.IsPartial,
			Confidence:    v.Confidence,
			Payload:       v.Payload,
		})
	}
	return c.JSON(fiber.Map{
		"employee_id": employeeID,
		"versions":    out,
	})
}

type startSyncRequest struct {
	SessionType string   `json:"session_type"`
	Employees   []string `json:"employees"`
	Endpoints   []string `json:"endpoints"`
}

func (s *Server) handleStartSync(c *fiber.Ctx) error {
	if s.syncer == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "sync is not configured on this instance",
		})
	}

	var req startSyncRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.SessionType == "" {
		req.SessionType = "manual"
	}

	session, err := s.syncer.StartSession(c.Context(), req.SessionType, "api", req.Employees, req.Endpoints)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return c.Status(fiber.StatusAccepted).JSON(newSessionDTO(session))
}

func (s *Server) handleSessions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	sessions, err := s.store.Sessions(c.Context(), limit)
	if err != nil {
		return internalError(c, err)
	}
	out := make([]*sessionDTO, 0, len(sessions))
	for i := range sessions {
		out = append(out, newSessionDTO(&sessions[i]))
	}
	return c.JSON(fiber.Map{"sessions": out})
}

func (s *Server) handleSession(c *fiber.Ctx) error {
	session, err := s.store.Session(c.Context(), c.Params("id"))
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(c, "no such session")
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(newSessionDTO(session))
}

func (s *Server) handleJobs(c *fiber.Ctx) error {
	status := ledger.JobStatus(c.Query("status"))
	limit := c.QueryInt("limit", 50)

	jobs, err := s.store.Jobs(c.Context(), status, limit)
	if err != nil {
		return internalError(c, err)
	}
	out := make([]jobDTO, 0, len(jobs))
	for i := range jobs {
		out = append(out, newJobDTO(&jobs[i]))
	}
	return c.JSON(fiber.Map{"jobs": out})
}

func (s *Server) handleConflicts(c *fiber.Ctx) error {
	ctx := c.Context()

	var (
		conflicts []ledger.SyncConflict
		err       error
	)
	if c.QueryBool("escalated") {
		conflicts, err = s.conflicts.Escalated(ctx)
	} else {
		conflicts, err = s.conflicts.Open(ctx, c.Query("employee"))
	}
	if err != nil {
		return internalError(c, err)
	}
	out := make([]conflictDTO, 0, len(conflicts))
	for i := range conflicts {
		out = append(out, newConflictDTO(&conflicts[i]))
	}
	return c.JSON(fiber.Map{"conflicts": out})
}

type resolveRequest struct {
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) handleResolveConflict(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.ResolvedBy == "" {
		return badRequest(c, "resolved_by is required")
	}

	resolved, err := s.conflicts.Resolve(c.Context(), c.Params("id"),
		ledger.ConflictDecision(req.Decision), req.ResolvedBy)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(newConflictDTO(resolved))
}
