package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cadans/hrledger/internal/conflict"
	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/policy"
	"github.com/cadans/hrledger/internal/provider"
	"github.com/cadans/hrledger/internal/store"
	"github.com/cadans/hrledger/internal/syncer"
	"github.com/cadans/hrledger/internal/temporal"
	"github.com/cadans/hrledger/internal/testutil"
)

// defaultStart seeds the clock when the scenario does not name an instant.
const defaultStart = "2025-01-01T00:00:00Z"

// drainRounds bounds how many backoff windows a session may consume before
// the run is declared stuck.
const drainRounds = 50

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause matched.
	Pass bool `json:"pass"`

	// Errors lists expectation mismatches. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Sessions holds the terminal status of each sync step in order.
	Sessions []ledger.SessionStatus `json:"sessions"`

	// OpenConflicts is the number of conflicts still open at the end.
	OpenConflicts int `json:"open_conflicts"`

	// Timelines maps each employee seen during the run to their final
	// timeline, used for golden snapshots.
	Timelines map[string][]temporal.Event `json:"timelines"`
}

// AddError records an expectation mismatch and fails the result.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// scriptFetcher serves the responses of the current sync step. Each
// (employee, endpoint) pair holds a queue; the final outcome repeats once
// the queue runs dry, matching how retries re-fetch the same pair.
type scriptFetcher struct {
	mu     sync.Mutex
	queues map[string][]Response
}

func newScriptFetcher() *scriptFetcher {
	return &scriptFetcher{queues: map[string][]Response{}}
}

func (f *scriptFetcher) load(responses []Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = map[string][]Response{}
	for _, r := range responses {
		key := r.Employee + "/" + r.Endpoint
		f.queues[key] = append(f.queues[key], r)
	}
}

func (f *scriptFetcher) Fetch(ctx context.Context, employeeID, endpoint string) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := employeeID + "/" + endpoint
	queue := f.queues[key]
	if len(queue) == 0 {
		return nil, ledger.NewPermanentFetchError(employeeID, endpoint, 0,
			fmt.Errorf("no scripted response for %s", key))
	}
	r := queue[0]
	if len(queue) > 1 {
		f.queues[key] = queue[1:]
	}

	switch r.Error {
	case "transient":
		return nil, ledger.NewTransientFetchError(employeeID, endpoint, 503,
			fmt.Errorf("scripted transient failure"))
	case "permanent":
		return nil, ledger.NewPermanentFetchError(employeeID, endpoint, 404,
			fmt.Errorf("scripted permanent failure"))
	}

	status := r.Status
	if status == 0 {
		status = 200
	}
	return &provider.Result{
		Document: ledger.Document(r.Payload),
		Status:   status,
		Partial:  status == 206,
	}, nil
}

// Run executes a scenario against a fresh ledger and evaluates its expect
// clauses. The returned error covers infrastructure failures only;
// expectation mismatches land in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	start := scenario.Start
	if start == "" {
		start = defaultStart
	}
	clock := testutil.NewWallClockAt(start)

	dir, err := os.MkdirTemp("", "hrledger-harness-*")
	if err != nil {
		return nil, fmt.Errorf("harness temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"), store.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("harness store: %w", err)
	}
	defer st.Close()

	p := policy.Default()
	fetcher := newScriptFetcher()
	sy := syncer.New(st, fetcher, p, syncer.WithClock(clock))
	engine := temporal.New(st, p)
	resolver := conflict.New(st, p)

	ctx := context.Background()
	result := &Result{Pass: true, Timelines: map[string][]temporal.Event{}}
	seenEmployees := map[string]bool{}

	for i, step := range scenario.Steps {
		switch {
		case step.Advance != "":
			d, _ := time.ParseDuration(step.Advance)
			clock.Advance(d)

		case step.LocalEdit != nil:
			edit := step.LocalEdit
			manual := true
			if edit.ManuallySet != nil {
				manual = *edit.ManuallySet
			}
			err := st.UpsertLocalRecord(ctx, ledger.LocalRecord{
				EmployeeID:  edit.Employee,
				FieldPath:   edit.Field,
				Value:       edit.Value,
				ManuallySet: manual,
			})
			if err != nil {
				return nil, fmt.Errorf("steps[%d] local_edit: %w", i, err)
			}

		case step.Resolve != nil:
			r := step.Resolve
			open, err := st.OpenConflictForField(ctx, r.Employee, r.Field)
			if err != nil {
				return nil, fmt.Errorf("steps[%d] resolve: %w", i, err)
			}
			if open == nil {
				return nil, fmt.Errorf("steps[%d] resolve: no open conflict on %s %s", i, r.Employee, r.Field)
			}
			if _, err := resolver.Resolve(ctx, open.ID, ledger.ConflictDecision(r.Decision), r.By); err != nil {
				return nil, fmt.Errorf("steps[%d] resolve: %w", i, err)
			}

		case step.Sync != nil:
			fetcher.load(step.Sync.Responses)
			employees, endpoints := stepScope(step.Sync)
			for _, e := range employees {
				seenEmployees[e] = true
			}

			session, err := sy.StartSession(ctx, "scenario", "harness", employees, endpoints)
			if err != nil {
				return nil, fmt.Errorf("steps[%d] sync: %w", i, err)
			}
			final, err := drainSession(ctx, sy, st, clock, p, session.ID)
			if err != nil {
				return nil, fmt.Errorf("steps[%d] sync: %w", i, err)
			}
			result.Sessions = append(result.Sessions, final.Status)
		}
	}

	if err := evaluate(ctx, scenario, result, st, engine, clock, seenEmployees); err != nil {
		return nil, err
	}
	return result, nil
}

// drainSession runs an in-process worker until the session leaves the
// running state, jumping the clock past retry backoffs as needed.
func drainSession(ctx context.Context, sy *syncer.Syncer, st *store.Store, clock *testutil.WallClock, p *policy.Policy, sessionID string) (*ledger.SyncSession, error) {
	for round := 0; round < drainRounds; round++ {
		if err := sy.Drain(ctx, "harness"); err != nil {
			return nil, err
		}
		session, err := st.Session(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Status != ledger.SessionRunning {
			return session, nil
		}
		clock.Advance(p.BackoffCap)
	}
	return nil, fmt.Errorf("session %s never reached a terminal state", sessionID)
}

func stepScope(step *SyncStep) (employees, endpoints []string) {
	emp := map[string]bool{}
	end := map[string]bool{}
	for _, r := range step.Responses {
		emp[r.Employee] = true
		end[r.Endpoint] = true
	}
	for e := range emp {
		employees = append(employees, e)
	}
	for e := range end {
		endpoints = append(endpoints, e)
	}
	sort.Strings(employees)
	sort.Strings(endpoints)
	return employees, endpoints
}

func evaluate(ctx context.Context, scenario *Scenario, result *Result, st *store.Store, engine *temporal.Engine, clock *testutil.WallClock, seen map[string]bool) error {
	open, err := st.OpenConflicts(ctx, "")
	if err != nil {
		return fmt.Errorf("evaluate conflicts: %w", err)
	}
	result.OpenConflicts = len(open)

	for employee := range seen {
		events, err := engine.Timeline(ctx, employee, time.Time{}, clock.Now())
		if err != nil {
			return fmt.Errorf("evaluate timeline for %s: %w", employee, err)
		}
		result.Timelines[employee] = events
	}

	expect := scenario.Expect
	if expect.LastSession != "" {
		if len(result.Sessions) == 0 {
			result.AddError("expected last session %s but no session ran", expect.LastSession)
		} else if last := result.Sessions[len(result.Sessions)-1]; string(last) != expect.LastSession {
			result.AddError("last session ended %s, expected %s", last, expect.LastSession)
		}
	}
	if result.OpenConflicts != expect.OpenConflicts {
		result.AddError("%d open conflicts, expected %d", result.OpenConflicts, expect.OpenConflicts)
	}

	for _, v := range expect.Values {
		cur, err := engine.CurrentValue(ctx, v.Employee, v.Field, clock.Now())
		if err != nil {
			return fmt.Errorf("evaluate value %s %s: %w", v.Employee, v.Field, err)
		}
		switch {
		case cur == nil && v.Value != "":
			result.AddError("%s %s has no value, expected %s", v.Employee, v.Field, v.Value)
		case cur != nil && cur.Value != v.Value:
			result.AddError("%s %s is %s, expected %s", v.Employee, v.Field, cur.Value, v.Value)
		}
	}

	for employee, want := range expect.TimelineEvents {
		got := len(result.Timelines[employee])
		if got != want {
			result.AddError("%s has %d timeline events, expected %d", employee, got, want)
		}
	}
	return nil
}
