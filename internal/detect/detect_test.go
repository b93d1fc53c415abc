package detect

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/policy"
	"github.com/cadans/hrledger/internal/store"
	"github.com/cadans/hrledger/internal/testutil"
)

func TestDiff_Classification(t *testing.T) {
	oldDoc := ledger.Document{
		"salary": map[string]any{"amount": 52000.0, "currency": "EUR"},
		"office": "Amsterdam",
	}
	newDoc := ledger.Document{
		"salary": map[string]any{"amount": 56000.0, "currency": "EUR"},
		"team":   "Platform",
	}

	deltas, err := Diff(oldDoc, newDoc)
	require.NoError(t, err)

	// Lexicographic path order: office, salary.amount, team.
	require.Len(t, deltas, 3)

	assert.Equal(t, "office", deltas[0].FieldPath)
	assert.Equal(t, ledger.ChangeFieldRemoved, deltas[0].Type)
	assert.Equal(t, `"Amsterdam"`, deltas[0].OldValue)
	assert.Empty(t, deltas[0].NewValue)

	assert.Equal(t, "salary.amount", deltas[1].FieldPath)
	assert.Equal(t, ledger.ChangeValueChanged, deltas[1].Type)
	assert.Equal(t, "52000", deltas[1].OldValue)
	assert.Equal(t, "56000", deltas[1].NewValue)

	assert.Equal(t, "team", deltas[2].FieldPath)
	assert.Equal(t, ledger.ChangeFieldAdded, deltas[2].Type)
	assert.Equal(t, `"Platform"`, deltas[2].NewValue)
}

func TestDiff_IdenticalPayloads(t *testing.T) {
	doc := ledger.Document{
		"salary": map[string]any{"amount": 52000.0},
	}
	deltas, err := Diff(doc, doc)
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestDiff_ArrayIsOneLeaf(t *testing.T) {
	oldDoc := ledger.Document{"absences": []any{"2025-02-10"}}
	newDoc := ledger.Document{"absences": []any{"2025-02-10", "2025-02-11"}}

	deltas, err := Diff(oldDoc, newDoc)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "absences", deltas[0].FieldPath)
	assert.Equal(t, ledger.ChangeValueChanged, deltas[0].Type)
}

func newDetectorFixture(t *testing.T) (*Detector, *store.Store, *testutil.WallClock) {
	t.Helper()
	clock := testutil.NewWallClockAt("2025-03-01T09:00:00Z")
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, policy.Default(), clock), s, clock
}

func ingestVersion(t *testing.T, s *store.Store, clock *testutil.WallClock, endpoint, sessionID string, doc ledger.Document) *ledger.RawVersion {
	t.Helper()
	ver, _, err := s.Ingest(context.Background(), store.IngestInput{
		EmployeeID:    "emp-1",
		Endpoint:      endpoint,
		Payload:       doc,
		CollectedAt:   clock.Now(),
		SyncSessionID: sessionID,
		HTTPStatus:    200,
		Confidence:    1.0,
	})
	require.NoError(t, err)
	return ver
}

func TestRecord_FirstVersionIsBaseline(t *testing.T) {
	d, s, clock := newDetectorFixture(t)
	ctx := context.Background()

	next := ingestVersion(t, s, clock, "employment", "session-1",
		ledger.Document{"salary": map[string]any{"amount": 52000.0}})

	records, err := d.Record(ctx, nil, next)
	require.NoError(t, err)
	assert.Empty(t, records, "baseline version must not produce change records")
}

func TestRecord_Supersession(t *testing.T) {
	d, s, clock := newDetectorFixture(t)
	ctx := context.Background()

	prev := ingestVersion(t, s, clock, "employment", "session-1",
		ledger.Document{"salary": map[string]any{"amount": 52000.0}, "office": map[string]any{"floor": 2.0}})
	clock.Advance(24 * time.Hour)
	next := ingestVersion(t, s, clock, "employment", "session-2",
		ledger.Document{"salary": map[string]any{"amount": 56000.0}, "office": map[string]any{"floor": 3.0}})

	records, err := d.Record(ctx, prev, next)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byPath := map[string]ledger.ChangeRecord{}
	for _, rec := range records {
		byPath[rec.FieldPath] = rec
	}

	salary := byPath["salary.amount"]
	assert.True(t, salary.IsSignificant, "salary changes are significant")
	assert.False(t, salary.IsDuplicate)
	assert.Equal(t, "52000", salary.OldValue)
	assert.Equal(t, "56000", salary.NewValue)

	floor := byPath["office.floor"]
	assert.False(t, floor.IsSignificant, "cosmetic fields are not significant")

	stored, err := s.ChangesForEmployee(ctx, "emp-1", time.Time{}, time.Time{}, false)
	require.NoError(t, err)
	assert.Len(t, stored, 2, "records must be persisted")
}

func TestRecord_DedupWindowFlagsDuplicate(t *testing.T) {
	d, s, clock := newDetectorFixture(t)
	ctx := context.Background()

	prev := ingestVersion(t, s, clock, "employment", "session-1",
		ledger.Document{"salary": map[string]any{"amount": 52000.0}})
	clock.Advance(time.Hour)
	next := ingestVersion(t, s, clock, "employment", "session-1",
		ledger.Document{"salary": map[string]any{"amount": 56000.0}})

	first, err := d.Record(ctx, prev, next)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.False(t, first[0].IsDuplicate)

	// A second endpoint reporting the same transition in a later session,
	// inside the dedup window.
	clock.Advance(12 * time.Hour)
	prevContract := ingestVersion(t, s, clock, "contracts", "session-2",
		ledger.Document{"salary": map[string]any{"amount": 52000.0}})
	clock.Advance(time.Minute)
	nextContract := ingestVersion(t, s, clock, "contracts", "session-2",
		ledger.Document{"salary": map[string]any{"amount": 56000.0}})

	second, err := d.Record(ctx, prevContract, nextContract)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].IsDuplicate, "equivalent change within the window must be flagged")
}

func TestRecord_TieBreakLaterCollectionWins(t *testing.T) {
	d, s, clock := newDetectorFixture(t)
	ctx := context.Background()

	// Endpoint A fetched first within the session.
	prevA := ingestVersion(t, s, clock, "employment", "session-0",
		ledger.Document{"contract": map[string]any{"type": "temporary"}})
	clock.Advance(time.Hour)
	nextA := ingestVersion(t, s, clock, "employment", "session-1",
		ledger.Document{"contract": map[string]any{"type": "permanent"}})

	recsA, err := d.Record(ctx, prevA, nextA)
	require.NoError(t, err)
	require.Len(t, recsA, 1)
	require.False(t, recsA[0].IsDuplicate)

	// Endpoint B fetched later in the same session and reports a different
	// transition for the same field. Later collected_at wins.
	prevB := ingestVersion(t, s, clock, "contracts", "session-0",
		ledger.Document{"contract": map[string]any{"type": "temporary"}})
	clock.Advance(time.Minute)
	nextB := ingestVersion(t, s, clock, "contracts", "session-1",
		ledger.Document{"contract": map[string]any{"type": "fixed-term"}})

	recsB, err := d.Record(ctx, prevB, nextB)
	require.NoError(t, err)
	require.Len(t, recsB, 1)
	assert.False(t, recsB[0].IsDuplicate, "later collection is authoritative")

	// The earlier record must now be demoted.
	demoted, err := s.ChangesForField(ctx, "emp-1", "contract.type")
	require.NoError(t, err)

	duplicates := 0
	for _, rec := range demoted {
		if rec.ID == recsA[0].ID {
			assert.True(t, rec.IsDuplicate, "earlier same-session change must be demoted")
		}
		if rec.IsDuplicate {
			duplicates++
		}
	}
	assert.Equal(t, 1, duplicates)

	// The authoritative last change is the later one.
	last, err := s.LastChangeBefore(ctx, "emp-1", "contract.type", clock.Now())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, recsB[0].ID, last.ID)
}

func TestRecord_SameTransitionTwoEndpoints(t *testing.T) {
	d, s, clock := newDetectorFixture(t)
	ctx := context.Background()

	// Both endpoints carry the salary and report the identical raise in
	// one session. The earlier fetch must end up as the only duplicate.
	prevA := ingestVersion(t, s, clock, "employment", "session-0",
		ledger.Document{"salary": map[string]any{"amount": 52000.0}})
	prevB := ingestVersion(t, s, clock, "contracts", "session-0",
		ledger.Document{"salary": map[string]any{"amount": 52000.0}})

	clock.Advance(time.Hour)
	nextA := ingestVersion(t, s, clock, "employment", "session-1",
		ledger.Document{"salary": map[string]any{"amount": 56000.0}})
	recsA, err := d.Record(ctx, prevA, nextA)
	require.NoError(t, err)
	require.Len(t, recsA, 1)
	require.False(t, recsA[0].IsDuplicate)

	clock.Advance(time.Minute)
	nextB := ingestVersion(t, s, clock, "contracts", "session-1",
		ledger.Document{"salary": map[string]any{"amount": 56000.0}})
	recsB, err := d.Record(ctx, prevB, nextB)
	require.NoError(t, err)
	require.Len(t, recsB, 1)
	assert.False(t, recsB[0].IsDuplicate, "later collection is authoritative")

	all, err := s.ChangesForField(ctx, "emp-1", "salary.amount")
	require.NoError(t, err)
	require.Len(t, all, 2)

	authoritative := 0
	for _, rec := range all {
		if rec.ID == recsA[0].ID {
			assert.True(t, rec.IsDuplicate, "earlier same-session record must be demoted")
		}
		if !rec.IsDuplicate {
			authoritative++
		}
	}
	assert.Equal(t, 1, authoritative, "exactly one record stays authoritative")

	last, err := s.LastChangeBefore(ctx, "emp-1", "salary.amount", clock.Now())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, recsB[0].ID, last.ID)
}

func TestRecord_Idempotence(t *testing.T) {
	d, s, clock := newDetectorFixture(t)
	ctx := context.Background()

	prev := ingestVersion(t, s, clock, "employment", "session-1",
		ledger.Document{"salary": map[string]any{"amount": 52000.0}})
	clock.Advance(time.Hour)
	next := ingestVersion(t, s, clock, "employment", "session-1",
		ledger.Document{"salary": map[string]any{"amount": 56000.0}})

	first, err := d.Record(ctx, prev, next)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A crashed worker re-running detection for the same supersession must
	// not produce a second authoritative change.
	second, err := d.Record(ctx, prev, next)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].IsDuplicate)

	all, err := s.ChangesForField(ctx, "emp-1", "salary.amount")
	require.NoError(t, err)

	authoritative := 0
	for _, rec := range all {
		if !rec.IsDuplicate {
			authoritative++
		}
	}
	assert.Equal(t, 1, authoritative)
}
