package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/store"
	"github.com/cadans/hrledger/internal/testutil"
)

// execute runs the CLI with the given args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seedDatabase creates a ledger with one two-version chain and returns its
// path.
func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	clock := testutil.NewWallClockAt("2025-03-01T09:00:00Z")
	s, err := store.Open(path, store.WithClock(clock))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, _, err = s.Ingest(ctx, store.IngestInput{
		EmployeeID: "emp-1",
		Endpoint:   "employment",
		Payload: ledger.Document{
			"salary": map[string]any{"gross_monthly": json.Number("4200")},
		},
		CollectedAt: clock.Now(),
		HTTPStatus:  200,
		Confidence:  1.0,
	})
	require.NoError(t, err)
	return path
}

func TestRoot_RejectsInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "yaml", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestStatus_EmptyLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	out, err := execute(t, "status", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "status: up-to-date")
}

func TestStatus_JSONEnvelope(t *testing.T) {
	path := seedDatabase(t)
	out, err := execute(t, "status", "--db", path, "--format", "json")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestValue_CurrentFromBaseline(t *testing.T) {
	path := seedDatabase(t)
	out, err := execute(t, "value", "emp-1", "salary.gross_monthly", "--db", path, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Value  string `json:"value"`
			Source string `json:"source"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "4200", resp.Data.Value)
	assert.Equal(t, "baseline", resp.Data.Source)
}

func TestValue_UnknownFieldFails(t *testing.T) {
	path := seedDatabase(t)
	_, err := execute(t, "value", "emp-1", "no.such.field", "--db", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestVerify_CleanLedger(t *testing.T) {
	path := seedDatabase(t)
	out, err := execute(t, "verify", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ledger is consistent")
}

func TestTimeline_EmptyEmployee(t *testing.T) {
	path := seedDatabase(t)
	out, err := execute(t, "timeline", "emp-1", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "0 events")
}

func TestConflicts_EmptyList(t *testing.T) {
	path := seedDatabase(t)
	out, err := execute(t, "conflicts", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no open conflicts")
}

func TestJobs_EmptyQueue(t *testing.T) {
	path := seedDatabase(t)
	out, err := execute(t, "jobs", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no jobs")
}
