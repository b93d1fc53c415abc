package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/testutil"
)

// newTestStore creates a store on a temp file with a frozen clock.
func newTestStore(t *testing.T) (*Store, *testutil.WallClock) {
	t.Helper()
	clock := testutil.NewWallClockAt("2025-03-01T09:00:00Z")
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clock))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// testPayload builds a small employment document with an adjustable salary.
func testPayload(salary float64) ledger.Document {
	return ledger.Document{
		"employee": map[string]any{
			"id":   "emp-1",
			"name": "Ada Vries",
		},
		"salary": map[string]any{
			"amount":   salary,
			"currency": "EUR",
		},
	}
}

// mustIngest ingests a payload and fails the test on any error.
func mustIngest(t *testing.T, s *Store, in IngestInput) *ledger.RawVersion {
	t.Helper()
	if in.Confidence == 0 {
		in.Confidence = 1.0
	}
	if in.HTTPStatus == 0 {
		in.HTTPStatus = 200
	}
	if in.CollectedAt.IsZero() {
		in.CollectedAt = s.clock.Now()
	}
	ver, _, err := s.Ingest(context.Background(), in)
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	return ver
}

// mustEnqueue enqueues a job and fails the test on any error.
func mustEnqueue(t *testing.T, s *Store, in EnqueueInput) *ledger.Job {
	t.Helper()
	if in.JobType == "" {
		in.JobType = "fetch_employee"
	}
	if in.MaxAttempts == 0 {
		in.MaxAttempts = 3
	}
	if in.Payload == "" {
		in.Payload = `{"employee_id":"emp-1"}`
	}
	job, err := s.Enqueue(context.Background(), in)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return job
}

// testChange builds a change record with sensible defaults.
func testChange(id, employeeID, fieldPath, oldVal, newVal string, at time.Time) ledger.ChangeRecord {
	return ledger.ChangeRecord{
		ID:            id,
		EmployeeID:    employeeID,
		Endpoint:      "employment",
		FieldPath:     fieldPath,
		OldValue:      oldVal,
		NewValue:      newVal,
		ChangeType:    ledger.ChangeValueChanged,
		IsSignificant: true,
		DetectedAt:    at,
		CollectedAt:   at,
		SyncSessionID: "session-1",
	}
}
