package store

import (
	"context"
	"testing"
	"time"

	"github.com/cadans/hrledger/internal/ledger"
)

func TestIngest_FirstVersion(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	ver, inserted, err := s.Ingest(ctx, IngestInput{
		EmployeeID:  "emp-1",
		Endpoint:    "employment",
		Payload:     testPayload(52000),
		CollectedAt: clock.Now(),
		HTTPStatus:  200,
		Confidence:  1.0,
	})
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if !inserted {
		t.Fatal("first ingestion must insert")
	}
	if !ver.IsLatest {
		t.Error("first version must be latest")
	}
	if ver.Supersedes != "" {
		t.Errorf("first version supersedes = %q, want empty", ver.Supersedes)
	}
	if ver.EffectiveTo != nil {
		t.Error("latest version must have an open effective window")
	}
	if ver.ContentHash == "" {
		t.Error("content hash must be set")
	}
}

func TestIngest_DuplicateHashIsIdempotent(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	first := mustIngest(t, s, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload:    testPayload(52000),
	})

	clock.Advance(time.Hour)
	again, inserted, err := s.Ingest(ctx, IngestInput{
		EmployeeID:  "emp-1",
		Endpoint:    "employment",
		Payload:     testPayload(52000),
		CollectedAt: clock.Now(),
		HTTPStatus:  200,
		Confidence:  1.0,
	})
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if inserted {
		t.Fatal("identical payload must not create a new version")
	}
	if again.ID != first.ID {
		t.Errorf("returned version = %s, want existing %s", again.ID, first.ID)
	}

	chain, err := s.Chain(ctx, "emp-1", "employment")
	if err != nil {
		t.Fatalf("Chain() failed: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("chain length = %d, want 1", len(chain))
	}
}

func TestIngest_KeyOrderDoesNotCreateVersions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustIngest(t, s, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload: ledger.Document{
			"alpha": "a",
			"omega": "z",
		},
	})

	// Same content, different construction order. Canonical hashing must
	// treat these as the same payload.
	_, inserted, err := s.Ingest(ctx, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload: ledger.Document{
			"omega": "z",
			"alpha": "a",
		},
		CollectedAt: s.clock.Now(),
		HTTPStatus:  200,
		Confidence:  1.0,
	})
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if inserted {
		t.Error("reordered keys must hash identically and dedupe")
	}
}

func TestIngest_SupersessionClosesWindow(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	old := mustIngest(t, s, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload:    testPayload(52000),
	})

	clock.Advance(24 * time.Hour)
	raise := mustIngest(t, s, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload:    testPayload(56000),
	})

	if raise.Supersedes != old.ID {
		t.Errorf("new head supersedes = %q, want %q", raise.Supersedes, old.ID)
	}

	stored, err := s.Version(ctx, old.ID)
	if err != nil {
		t.Fatalf("Version() failed: %v", err)
	}
	if stored.IsLatest {
		t.Error("superseded version must not stay latest")
	}
	if stored.SupersededBy != raise.ID {
		t.Errorf("superseded_by = %q, want %q", stored.SupersededBy, raise.ID)
	}
	if stored.EffectiveTo == nil {
		t.Fatal("superseded version must have a closed effective window")
	}
	if !stored.EffectiveTo.Equal(raise.EffectiveFrom) {
		t.Errorf("windows must abut: old closes at %v, new opens at %v",
			stored.EffectiveTo, raise.EffectiveFrom)
	}
}

func TestIngest_ThreeVersionChainOrder(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	salaries := []float64{52000, 56000, 60000}
	var ids []string
	for _, amount := range salaries {
		ver := mustIngest(t, s, IngestInput{
			EmployeeID: "emp-1",
			Endpoint:   "employment",
			Payload:    testPayload(amount),
		})
		ids = append(ids, ver.ID)
		clock.Advance(time.Hour)
	}

	chain, err := s.Chain(ctx, "emp-1", "employment")
	if err != nil {
		t.Fatalf("Chain() failed: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	for i, ver := range chain {
		if ver.ID != ids[i] {
			t.Errorf("chain[%d].ID = %s, want %s", i, ver.ID, ids[i])
		}
	}

	latestCount := 0
	for _, ver := range chain {
		if ver.IsLatest {
			latestCount++
			if ver.ID != ids[2] {
				t.Errorf("latest = %s, want %s", ver.ID, ids[2])
			}
		}
	}
	if latestCount != 1 {
		t.Errorf("latest count = %d, want exactly 1", latestCount)
	}
}

func TestIngest_ChainsAreIndependent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	mustIngest(t, s, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload:    testPayload(52000),
	})
	mustIngest(t, s, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "absences",
		Payload:    ledger.Document{"days": []any{"2025-02-10"}},
	})
	mustIngest(t, s, IngestInput{
		EmployeeID: "emp-2",
		Endpoint:   "employment",
		Payload:    testPayload(48000),
	})

	endpoints, err := s.Endpoints(ctx, "emp-1")
	if err != nil {
		t.Fatalf("Endpoints() failed: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("endpoints = %v, want 2 entries", endpoints)
	}

	chain, err := s.Chain(ctx, "emp-2", "employment")
	if err != nil {
		t.Fatalf("Chain() failed: %v", err)
	}
	if len(chain) != 1 {
		t.Errorf("emp-2 chain length = %d, want 1", len(chain))
	}
}

func TestIngest_FailedFetchVersioned(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ver, inserted, err := s.Ingest(ctx, IngestInput{
		EmployeeID:   "emp-1",
		Endpoint:     "employment",
		Payload:      ledger.Document{"error": "upstream timeout"},
		CollectedAt:  s.clock.Now(),
		HTTPStatus:   504,
		ErrorMessage: "upstream timeout",
		RetryCount:   2,
		Confidence:   0.4,
	})
	if err != nil {
		t.Fatalf("Ingest() failed: %v", err)
	}
	if !inserted {
		t.Fatal("failed fetches are versioned too")
	}
	if ver.HTTPStatus != 504 || ver.ErrorMessage != "upstream timeout" {
		t.Errorf("fetch metadata not preserved: status=%d msg=%q",
			ver.HTTPStatus, ver.ErrorMessage)
	}
	if ver.Confidence != 0.4 {
		t.Errorf("confidence = %v, want 0.4", ver.Confidence)
	}
}

func TestLatestVersion_MissingChain(t *testing.T) {
	s, _ := newTestStore(t)

	ver, err := s.LatestVersion(context.Background(), "nobody", "employment")
	if err != nil {
		t.Fatalf("LatestVersion() failed: %v", err)
	}
	if ver != nil {
		t.Errorf("latest of missing chain = %+v, want nil", ver)
	}
}

func TestIngest_HashCollisionDetected(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ver := mustIngest(t, s, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload:    testPayload(52000),
	})

	// Tamper with the stored payload while keeping the stored hash, the
	// only way to provoke a collision without breaking SHA-256.
	_, err := s.db.Exec(`UPDATE raw_versions SET payload = ? WHERE id = ?`,
		`{"salary":{"amount":99999,"currency":"EUR"}}`, ver.ID)
	if err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	_, _, err = s.Ingest(ctx, IngestInput{
		EmployeeID:  "emp-1",
		Endpoint:    "employment",
		Payload:     testPayload(52000),
		CollectedAt: s.clock.Now(),
		HTTPStatus:  200,
		Confidence:  1.0,
	})
	if !ledger.IsHashCollision(err) {
		t.Fatalf("err = %v, want hash collision", err)
	}
}

func TestVersionsForEmployee_CoversAllEndpoints(t *testing.T) {
	s, clock := newTestStore(t)

	mustIngest(t, s, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload:    testPayload(52000),
	})
	clock.Advance(time.Minute)
	mustIngest(t, s, IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "contracts",
		Payload:    ledger.Document{"contract": map[string]any{"type": "permanent"}},
	})

	versions, err := s.VersionsForEmployee(context.Background(), "emp-1")
	if err != nil {
		t.Fatalf("VersionsForEmployee() failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}
}
