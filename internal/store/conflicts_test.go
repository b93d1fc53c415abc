package store

import (
	"context"
	"testing"
	"time"

	"github.com/cadans/hrledger/internal/ledger"
)

func testConflict(employeeID, fieldPath string) ledger.SyncConflict {
	return ledger.SyncConflict{
		EmployeeID:   employeeID,
		FieldPath:    fieldPath,
		ConflictType: "local-edit-vs-remote",
		LocalData:    `"56000"`,
		RemoteData:   `"58000"`,
	}
}

func TestInsertConflict_OnePerField(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.InsertConflict(ctx, testConflict("emp-1", "salary.amount"))
	if err != nil {
		t.Fatalf("InsertConflict() failed: %v", err)
	}
	if !created {
		t.Fatal("first conflict must be created")
	}

	// Another sync seeing the same disagreement must not pile up.
	again, created, err := s.InsertConflict(ctx, testConflict("emp-1", "salary.amount"))
	if err != nil {
		t.Fatalf("repeat InsertConflict() failed: %v", err)
	}
	if created {
		t.Fatal("second open conflict for the pair must be suppressed")
	}
	if again.ID != first.ID {
		t.Errorf("suppressed insert returned %s, want existing %s", again.ID, first.ID)
	}

	open, err := s.OpenConflicts(ctx, "emp-1")
	if err != nil {
		t.Fatalf("OpenConflicts() failed: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open conflicts = %d, want 1", len(open))
	}
}

func TestInsertConflict_NewAfterResolution(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, _, err := s.InsertConflict(ctx, testConflict("emp-1", "salary.amount"))
	if err != nil {
		t.Fatalf("InsertConflict() failed: %v", err)
	}
	if _, err := s.ResolveConflict(ctx, first.ID, ledger.DecisionKeepRemote, "hr-admin"); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	second, created, err := s.InsertConflict(ctx, testConflict("emp-1", "salary.amount"))
	if err != nil {
		t.Fatalf("InsertConflict() after resolution failed: %v", err)
	}
	if !created {
		t.Fatal("a resolved pair may conflict again")
	}
	if second.ID == first.ID {
		t.Error("new conflict must get a fresh identity")
	}
}

func TestResolveConflict_Decisions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		decision ledger.ConflictDecision
		want     ledger.ResolutionStatus
	}{
		{ledger.DecisionKeepLocal, ledger.ConflictResolved},
		{ledger.DecisionKeepRemote, ledger.ConflictResolved},
		{ledger.DecisionIgnore, ledger.ConflictIgnored},
	}

	for i, tc := range cases {
		field := "field." + string(rune('a'+i))
		conflict, _, err := s.InsertConflict(ctx, testConflict("emp-1", field))
		if err != nil {
			t.Fatalf("InsertConflict() failed: %v", err)
		}
		resolved, err := s.ResolveConflict(ctx, conflict.ID, tc.decision, "hr-admin")
		if err != nil {
			t.Fatalf("ResolveConflict(%s) failed: %v", tc.decision, err)
		}
		if resolved.ResolutionStatus != tc.want {
			t.Errorf("decision %s: status = %s, want %s",
				tc.decision, resolved.ResolutionStatus, tc.want)
		}
		if resolved.ResolvedBy != "hr-admin" {
			t.Errorf("resolved_by = %q", resolved.ResolvedBy)
		}
		if resolved.ResolvedAt == nil {
			t.Error("resolved_at must be stamped")
		}
	}
}

func TestResolveConflict_Rejections(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	conflict, _, err := s.InsertConflict(ctx, testConflict("emp-1", "salary.amount"))
	if err != nil {
		t.Fatalf("InsertConflict() failed: %v", err)
	}

	if _, err := s.ResolveConflict(ctx, conflict.ID, "split-difference", "hr-admin"); err == nil {
		t.Fatal("unknown decision must be rejected")
	}
	if _, err := s.ResolveConflict(ctx, conflict.ID, ledger.DecisionKeepLocal, "hr-admin"); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}
	if _, err := s.ResolveConflict(ctx, conflict.ID, ledger.DecisionKeepLocal, "hr-admin"); err == nil {
		t.Fatal("resolving a closed conflict must fail")
	}
}

func TestEscalatedConflicts(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	stale, _, err := s.InsertConflict(ctx, testConflict("emp-1", "salary.amount"))
	if err != nil {
		t.Fatalf("InsertConflict() failed: %v", err)
	}
	clock.Advance(8 * 24 * time.Hour)
	if _, _, err := s.InsertConflict(ctx, testConflict("emp-2", "salary.amount")); err != nil {
		t.Fatalf("InsertConflict() failed: %v", err)
	}

	escalated, err := s.EscalatedConflicts(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("EscalatedConflicts() failed: %v", err)
	}
	if len(escalated) != 1 || escalated[0].ID != stale.ID {
		t.Fatalf("escalated = %+v, want only %s", escalated, stale.ID)
	}
}

func TestLocalRecord_Upsert(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	rec := ledger.LocalRecord{
		EmployeeID:  "emp-1",
		FieldPath:   "salary.amount",
		Value:       `56000`,
		ManuallySet: true,
	}
	if err := s.UpsertLocalRecord(ctx, rec); err != nil {
		t.Fatalf("UpsertLocalRecord() failed: %v", err)
	}

	stored, err := s.LocalRecord(ctx, "emp-1", "salary.amount")
	if err != nil {
		t.Fatalf("LocalRecord() failed: %v", err)
	}
	if stored == nil || stored.Value != `56000` || !stored.ManuallySet {
		t.Fatalf("stored = %+v", stored)
	}

	clock.Advance(time.Hour)
	rec.Value = `58000`
	rec.ManuallySet = false
	rec.UpdatedAt = time.Time{}
	if err := s.UpsertLocalRecord(ctx, rec); err != nil {
		t.Fatalf("second UpsertLocalRecord() failed: %v", err)
	}

	stored, err = s.LocalRecord(ctx, "emp-1", "salary.amount")
	if err != nil {
		t.Fatalf("LocalRecord() failed: %v", err)
	}
	if stored.Value != `58000` || stored.ManuallySet {
		t.Errorf("after upsert = %+v", stored)
	}

	missing, err := s.LocalRecord(ctx, "emp-1", "absent.field")
	if err != nil {
		t.Fatalf("LocalRecord() failed: %v", err)
	}
	if missing != nil {
		t.Errorf("missing record = %+v, want nil", missing)
	}
}

func TestLocalRecordsForEmployee_Sorted(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, field := range []string{"salary.amount", "contract.type", "hours.per_week"} {
		err := s.UpsertLocalRecord(ctx, ledger.LocalRecord{
			EmployeeID: "emp-1", FieldPath: field, Value: `"x"`,
		})
		if err != nil {
			t.Fatalf("UpsertLocalRecord(%s) failed: %v", field, err)
		}
	}

	recs, err := s.LocalRecordsForEmployee(ctx, "emp-1")
	if err != nil {
		t.Fatalf("LocalRecordsForEmployee() failed: %v", err)
	}
	want := []string{"contract.type", "hours.per_week", "salary.amount"}
	if len(recs) != len(want) {
		t.Fatalf("records = %d, want %d", len(recs), len(want))
	}
	for i := range want {
		if recs[i].FieldPath != want[i] {
			t.Errorf("records[%d] = %s, want %s", i, recs[i].FieldPath, want[i])
		}
	}
}
