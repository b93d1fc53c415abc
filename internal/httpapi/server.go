// Package httpapi exposes the ledger's read models and resolution
// operations over HTTP. The API is JSON-only; all mutation of employment
// data itself happens through the sync pipeline, never through this
// surface.
package httpapi

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"github.com/cadans/hrledger/internal/conflict"
	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/policy"
	"github.com/cadans/hrledger/internal/store"
	"github.com/cadans/hrledger/internal/syncer"
	"github.com/cadans/hrledger/internal/temporal"
)

// Server wires the HTTP surface to the store and the derived engines.
type Server struct {
	app       *fiber.App
	store     *store.Store
	temporal  *temporal.Engine
	conflicts *conflict.Resolver
	syncer    *syncer.Syncer
	clock     ledger.Clock
}

// Option configures a Server.
type Option func(*Server)

// WithClock injects a deterministic clock for tests.
func WithClock(c ledger.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// New builds the API server. The syncer may be nil, in which case the
// sync-trigger endpoint responds 503.
func New(st *store.Store, p *policy.Policy, sy *syncer.Syncer, opts ...Option) *Server {
	s := &Server{
		store:     st,
		temporal:  temporal.New(st, p),
		conflicts: conflict.New(st, p),
		syncer:    sy,
		clock:     ledger.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}

	app := fiber.New(fiber.Config{
		AppName:               "hrledger",
		DisableStartupMessage: true,
	})
	app.Use(logger.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)

	api.Get("/employees/:id/value", s.handleValue)
	api.Get("/employees/:id/timeline", s.handleTimeline)
	api.Get("/employees/:id/versions", s.handleVersions)

	api.Post("/sync", s.handleStartSync)
	api.Get("/sessions", s.handleSessions)
	api.Get("/sessions/:id", s.handleSession)
	api.Get("/jobs", s.handleJobs)

	api.Get("/conflicts", s.handleConflicts)
	api.Post("/conflicts/:id/resolve", s.handleResolveConflict)

	s.app = app
	return s
}

// App exposes the underlying fiber app, used by tests to drive requests
// without a listener.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves the API until Shutdown or a listener error.
func (s *Server) Listen(addr string) error {
	slog.Info("http api listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error { return s.app.Shutdown() }

// statusResponse summarizes the whole engine for UI collaborators.
type statusResponse struct {
	Status        ledger.SyncStatus `json:"status"`
	PendingJobs   int               `json:"pending_jobs"`
	OpenConflicts int               `json:"open_conflicts"`
	LastSession   *sessionDTO       `json:"last_session,omitempty"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	ctx := c.Context()

	pending, err := s.store.CountJobs(ctx, ledger.JobPending)
	if err != nil {
		return internalError(c, err)
	}
	processing, err := s.store.CountJobs(ctx, ledger.JobProcessing)
	if err != nil {
		return internalError(c, err)
	}
	open, err := s.store.OpenConflicts(ctx, "")
	if err != nil {
		return internalError(c, err)
	}
	sessions, err := s.store.Sessions(ctx, 1)
	if err != nil {
		return internalError(c, err)
	}

	resp := statusResponse{
		Status:        ledger.StatusUpToDate,
		PendingJobs:   pending + processing,
		OpenConflicts: len(open),
	}
	var last *ledger.SyncSession
	if len(sessions) > 0 {
		last = &sessions[0]
		resp.LastSession = newSessionDTO(last)
	}

	switch {
	case processing > 0 || (last != nil && last.Status == ledger.SessionRunning):
		resp.Status = ledger.StatusSyncing
	case len(open) > 0:
		resp.Status = ledger.StatusConflictPending
	case last != nil && (last.Status == ledger.SessionFailed || last.Status == ledger.SessionPartial):
		resp.Status = ledger.StatusDegraded
	}

	return c.JSON(resp)
}

func internalError(c *fiber.Ctx, err error) error {
	slog.Error("request failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal error",
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func notFound(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": msg})
}
