package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadans/hrledger/internal/detect"
	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/policy"
	"github.com/cadans/hrledger/internal/provider"
	"github.com/cadans/hrledger/internal/store"
	"github.com/cadans/hrledger/internal/syncer"
	"github.com/cadans/hrledger/internal/testutil"
)

type apiFixture struct {
	server *Server
	store  *store.Store
	clock  *testutil.WallClock
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	clock := testutil.NewWallClockAt("2025-03-01T09:00:00Z")
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &apiFixture{
		server: New(s, policy.Default(), nil, WithClock(clock)),
		store:  s,
		clock:  clock,
	}
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *apiFixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body), "body: %s", raw)
	return body
}

// seedVersions ingests two successive employment payloads and runs the
// detector so change records exist.
func (f *apiFixture) seedVersions(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	det := detect.New(f.store, policy.Default(), f.clock)

	first, _, err := f.store.Ingest(ctx, store.IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload: ledger.Document{
			"salary": map[string]any{"gross_monthly": json.Number("4200")},
		},
		CollectedAt: f.clock.Now(),
		HTTPStatus:  200,
		Confidence:  1.0,
	})
	require.NoError(t, err)

	f.clock.Advance(24 * time.Hour)
	second, _, err := f.store.Ingest(ctx, store.IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload: ledger.Document{
			"salary": map[string]any{"gross_monthly": json.Number("4600")},
		},
		CollectedAt: f.clock.Now(),
		HTTPStatus:  200,
		Confidence:  1.0,
	})
	require.NoError(t, err)

	_, err = det.Record(ctx, first, second)
	require.NoError(t, err)
}

func TestStatus_EmptyStore(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.get(t, "/api/status")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "up-to-date", body["status"])
	assert.EqualValues(t, 0, body["pending_jobs"])
	assert.EqualValues(t, 0, body["open_conflicts"])
}

func TestStatus_OpenConflictSurfaces(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, _, err := f.store.InsertConflict(ctx, ledger.SyncConflict{
		EmployeeID:   "emp-1",
		FieldPath:    "hours.per_week",
		ConflictType: "local-edit-vs-remote",
		LocalData:    "32",
		RemoteData:   "36",
	})
	require.NoError(t, err)

	_, body := f.get(t, "/api/status")
	assert.Equal(t, "conflict pending", body["status"])
	assert.EqualValues(t, 1, body["open_conflicts"])
}

func TestValue_PointInTimeAndCurrent(t *testing.T) {
	f := newAPIFixture(t)
	f.seedVersions(t)

	// Before the raise took effect.
	at := "2025-03-01T12:00:00Z"
	resp, body := f.get(t, "/api/employees/emp-1/value?field=salary.gross_monthly&at="+at)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "4200", body["value"])

	// Now.
	resp, body = f.get(t, "/api/employees/emp-1/value?field=salary.gross_monthly")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "4600", body["value"])
	assert.Equal(t, false, body["conflicted"])
}

func TestValue_RequiresField(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.get(t, "/api/employees/emp-1/value")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValue_UnknownFieldIs404(t *testing.T) {
	f := newAPIFixture(t)
	f.seedVersions(t)
	resp, _ := f.get(t, "/api/employees/emp-1/value?field=no.such.field")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTimeline_ReturnsEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.seedVersions(t)

	resp, body := f.get(t, "/api/employees/emp-1/timeline")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	events, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 1)
}

func TestVersions_ListsChain(t *testing.T) {
	f := newAPIFixture(t)
	f.seedVersions(t)

	resp, body := f.get(t, "/api/employees/emp-1/versions")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	versions, ok := body["versions"].([]any)
	require.True(t, ok)
	assert.Len(t, versions, 2)
}

func TestSessions_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.get(t, "/api/sessions/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConflicts_ResolveRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	inserted, _, err := f.store.InsertConflict(ctx, ledger.SyncConflict{
		EmployeeID:   "emp-1",
		FieldPath:    "hours.per_week",
		ConflictType: "local-edit-vs-remote",
		LocalData:    "32",
		RemoteData:   "36",
	})
	require.NoError(t, err)

	_, body := f.get(t, "/api/conflicts")
	conflicts := body["conflicts"].([]any)
	require.Len(t, conflicts, 1)

	resp, resolved := f.post(t, "/api/conflicts/"+inserted.ID+"/resolve", map[string]any{
		"decision":    "keep_remote",
		"resolved_by": "hr-admin",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "resolved", resolved["resolution_status"])
	assert.Equal(t, "hr-admin", resolved["resolved_by"])

	_, body = f.get(t, "/api/conflicts")
	assert.Empty(t, body["conflicts"])
}

func TestConflicts_ResolveRejectsBadDecision(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	inserted, _, err := f.store.InsertConflict(ctx, ledger.SyncConflict{
		EmployeeID:   "emp-1",
		FieldPath:    "hours.per_week",
		ConflictType: "local-edit-vs-remote",
		LocalData:    "32",
		RemoteData:   "36",
	})
	require.NoError(t, err)

	resp, _ := f.post(t, "/api/conflicts/"+inserted.ID+"/resolve", map[string]any{
		"decision":    "split-the-difference",
		"resolved_by": "hr-admin",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartSync_WithoutSyncerIs503(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.post(t, "/api/sync", map[string]any{
		"employees": []string{"emp-1"},
		"endpoints": []string{"employment"},
	})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type staticFetcher struct{}

func (staticFetcher) Fetch(ctx context.Context, employeeID, endpoint string) (*provider.Result, error) {
	return nil, fmt.Errorf("unreachable in this test")
}

func TestStartSync_EnqueuesJobs(t *testing.T) {
	clock := testutil.NewWallClockAt("2025-03-01T09:00:00Z")
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sy := syncer.New(s, staticFetcher{}, policy.Default(), syncer.WithClock(clock))
	f := &apiFixture{server: New(s, policy.Default(), sy, WithClock(clock)), store: s, clock: clock}

	resp, body := f.post(t, "/api/sync", map[string]any{
		"employees": []string{"emp-1", "emp-2"},
		"endpoints": []string{"employment"},
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "running", body["status"])
	assert.EqualValues(t, 2, body["total_records"])

	pending, err := s.CountJobs(context.Background(), ledger.JobPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}
