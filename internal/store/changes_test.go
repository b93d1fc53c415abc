package store

import (
	"context"
	"testing"
	"time"

	"github.com/cadans/hrledger/internal/ledger"
)

func TestWriteChangeRecord_RoundTrip(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	rec := testChange("chg-1", "emp-1", "salary.amount", "52000", "56000", clock.Now())
	if err := s.WriteChangeRecord(ctx, rec); err != nil {
		t.Fatalf("WriteChangeRecord() failed: %v", err)
	}

	stored, err := s.ChangesForField(ctx, "emp-1", "salary.amount")
	if err != nil {
		t.Fatalf("ChangesForField() failed: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("changes = %d, want 1", len(stored))
	}
	got := stored[0]
	if got.OldValue != "52000" || got.NewValue != "56000" {
		t.Errorf("values = %q -> %q", got.OldValue, got.NewValue)
	}
	if got.ChangeType != ledger.ChangeValueChanged {
		t.Errorf("change type = %s", got.ChangeType)
	}
	if !got.IsSignificant {
		t.Error("significance flag lost")
	}
}

func TestWriteChangeRecord_RedeliveryIgnored(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	rec := testChange("chg-1", "emp-1", "salary.amount", "52000", "56000", clock.Now())
	if err := s.WriteChangeRecord(ctx, rec); err != nil {
		t.Fatalf("WriteChangeRecord() failed: %v", err)
	}
	// Same ID again, e.g. a crashed worker re-running detection.
	if err := s.WriteChangeRecord(ctx, rec); err != nil {
		t.Fatalf("redelivered WriteChangeRecord() failed: %v", err)
	}

	stored, err := s.ChangesForField(ctx, "emp-1", "salary.amount")
	if err != nil {
		t.Fatalf("ChangesForField() failed: %v", err)
	}
	if len(stored) != 1 {
		t.Errorf("changes = %d, want 1 after redelivery", len(stored))
	}
}

func TestEquivalentChangeExists_WindowAndSession(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	rec := testChange("chg-1", "emp-1", "salary.amount", "52000", "56000", clock.Now())
	if err := s.WriteChangeRecord(ctx, rec); err != nil {
		t.Fatalf("WriteChangeRecord() failed: %v", err)
	}
	identity := ledger.ChangeIdentity("salary.amount", "52000", "56000")

	// Inside the window.
	clock.Advance(12 * time.Hour)
	exists, err := s.EquivalentChangeExists(ctx, "emp-1", identity, "session-2",
		clock.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("EquivalentChangeExists() failed: %v", err)
	}
	if !exists {
		t.Error("equivalent change inside the window must be found")
	}

	// Window elapsed, different session.
	clock.Advance(48 * time.Hour)
	exists, err = s.EquivalentChangeExists(ctx, "emp-1", identity, "session-3",
		clock.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("EquivalentChangeExists() failed: %v", err)
	}
	if exists {
		t.Error("change outside the window in another session must not suppress")
	}

	// Same session never matches, regardless of the window; the tie-break
	// owns in-session duplicates.
	exists, err = s.EquivalentChangeExists(ctx, "emp-1", identity, "session-1",
		clock.Now().Add(-200*time.Hour))
	if err != nil {
		t.Fatalf("EquivalentChangeExists() failed: %v", err)
	}
	if exists {
		t.Error("same-session change must be left to the tie-break")
	}

	// Different identity never matches.
	other := ledger.ChangeIdentity("salary.amount", "56000", "60000")
	exists, err = s.EquivalentChangeExists(ctx, "emp-1", other, "session-1",
		clock.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("EquivalentChangeExists() failed: %v", err)
	}
	if exists {
		t.Error("different transition must not be treated as equivalent")
	}
}

func TestMarkChangeDuplicate_TieBreak(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	early := clock.Now()
	late := clock.Advance(time.Minute)

	// Two endpoints reported the same field in one session.
	first := testChange("chg-early", "emp-1", "contract.type", "temporary", "permanent", early)
	first.Endpoint = "employment"
	second := testChange("chg-late", "emp-1", "contract.type", "temporary", "permanent", late)
	second.Endpoint = "contracts"

	for _, rec := range []ledger.ChangeRecord{first, second} {
		if err := s.WriteChangeRecord(ctx, rec); err != nil {
			t.Fatalf("WriteChangeRecord() failed: %v", err)
		}
	}

	session, err := s.SessionFieldChanges(ctx, "emp-1", "contract.type", "session-1")
	if err != nil {
		t.Fatalf("SessionFieldChanges() failed: %v", err)
	}
	if len(session) != 2 {
		t.Fatalf("session changes = %d, want 2", len(session))
	}
	if session[0].ID != "chg-early" {
		t.Fatalf("collected_at order broken: first = %s", session[0].ID)
	}

	// Later collection wins; the earlier record is demoted.
	if err := s.MarkChangeDuplicate(ctx, "chg-early"); err != nil {
		t.Fatalf("MarkChangeDuplicate() failed: %v", err)
	}

	last, err := s.LastChangeBefore(ctx, "emp-1", "contract.type", clock.Now())
	if err != nil {
		t.Fatalf("LastChangeBefore() failed: %v", err)
	}
	if last == nil || last.ID != "chg-late" {
		t.Fatalf("authoritative change = %+v, want chg-late", last)
	}
}

func TestLastChangeBefore_RespectsCutoff(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	t1 := clock.Now()
	if err := s.WriteChangeRecord(ctx,
		testChange("chg-1", "emp-1", "salary.amount", "52000", "56000", t1)); err != nil {
		t.Fatalf("WriteChangeRecord() failed: %v", err)
	}
	t2 := clock.Advance(24 * time.Hour)
	if err := s.WriteChangeRecord(ctx,
		testChange("chg-2", "emp-1", "salary.amount", "56000", "60000", t2)); err != nil {
		t.Fatalf("WriteChangeRecord() failed: %v", err)
	}

	between := t1.Add(time.Hour)
	last, err := s.LastChangeBefore(ctx, "emp-1", "salary.amount", between)
	if err != nil {
		t.Fatalf("LastChangeBefore() failed: %v", err)
	}
	if last == nil || last.ID != "chg-1" {
		t.Fatalf("change at cutoff = %+v, want chg-1", last)
	}

	before := t1.Add(-time.Hour)
	last, err = s.LastChangeBefore(ctx, "emp-1", "salary.amount", before)
	if err != nil {
		t.Fatalf("LastChangeBefore() failed: %v", err)
	}
	if last != nil {
		t.Errorf("change before first record = %+v, want nil", last)
	}
}

func TestChangesForEmployee_Filters(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	significant := testChange("chg-1", "emp-1", "salary.amount", "52000", "56000", clock.Now())
	cosmetic := testChange("chg-2", "emp-1", "office.floor", "2", "3", clock.Now())
	cosmetic.IsSignificant = false

	for _, rec := range []ledger.ChangeRecord{significant, cosmetic} {
		if err := s.WriteChangeRecord(ctx, rec); err != nil {
			t.Fatalf("WriteChangeRecord() failed: %v", err)
		}
	}

	all, err := s.ChangesForEmployee(ctx, "emp-1", time.Time{}, time.Time{}, false)
	if err != nil {
		t.Fatalf("ChangesForEmployee() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all changes = %d, want 2", len(all))
	}

	sig, err := s.ChangesForEmployee(ctx, "emp-1", time.Time{}, time.Time{}, true)
	if err != nil {
		t.Fatalf("ChangesForEmployee() failed: %v", err)
	}
	if len(sig) != 1 || sig[0].ID != "chg-1" {
		t.Errorf("significant changes = %+v, want only chg-1", sig)
	}

	none, err := s.ChangesForEmployee(ctx, "emp-1",
		clock.Now().Add(time.Hour), clock.Now().Add(2*time.Hour), false)
	if err != nil {
		t.Fatalf("ChangesForEmployee() failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("out-of-range changes = %d, want 0", len(none))
	}
}
