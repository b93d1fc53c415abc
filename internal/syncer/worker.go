package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// starvationBoost is added to a promoted job's priority per sweep.
const starvationBoost = 10

// Run starts a worker pool plus a maintenance sweep and blocks until the
// context is cancelled. Idle workers wait pollInterval between queue polls
// instead of spinning.
func (s *Syncer) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		return fmt.Errorf("run: need at least one worker")
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func() {
			defer wg.Done()
			s.workLoop(ctx, workerID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(ctx)
	}()

	slog.Info("syncer running", "workers", workers)
	wg.Wait()
	return ctx.Err()
}

func (s *Syncer) workLoop(ctx context.Context, workerID string) {
	for {
		processed, err := s.ProcessOne(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("job processing error", "worker", workerID, "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval):
		}
	}
}

// maintenanceLoop periodically reaps sessions past the wall-clock ceiling
// and promotes starved pending jobs.
func (s *Syncer) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.policy.StarvationAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Maintain(ctx)
		}
	}
}

// Maintain runs one maintenance sweep. Exposed so the CLI and tests can
// trigger it deterministically.
func (s *Syncer) Maintain(ctx context.Context) {
	expired, err := s.store.FailExpiredSessions(ctx, s.policy.SessionCeiling)
	if err != nil {
		slog.Error("session reaping failed", "error", err)
	}
	for _, id := range expired {
		slog.Warn("session exceeded ceiling, marked failed", "session", id)
		s.emit(Event{Type: EventSessionFailed, SessionID: id})
	}

	promoted, err := s.store.PromoteStarved(ctx, s.policy.StarvationAge, starvationBoost)
	if err != nil {
		slog.Error("starvation sweep failed", "error", err)
	}
	if promoted > 0 {
		slog.Info("starved jobs promoted", "count", promoted)
	}
}

// Drain processes fetch jobs until none is runnable right now, then
// returns. Jobs backed off into the future stay pending; one-shot callers
// poll SessionJobsRemaining and call Drain again when they want to wait
// retries out.
func (s *Syncer) Drain(ctx context.Context, workerID string) error {
	for {
		processed, err := s.ProcessOne(ctx, workerID)
		if err != nil {
			return err
		}
		if processed {
			continue
		}
		return nil
	}
}
