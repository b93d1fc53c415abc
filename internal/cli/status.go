package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cadans/hrledger/internal/ledger"
)

// StatusResult is the aggregate engine state.
type StatusResult struct {
	Status        ledger.SyncStatus `json:"status"`
	PendingJobs   int               `json:"pending_jobs"`
	OpenConflicts int               `json:"open_conflicts"`
	LastSession   *sessionView      `json:"last_session,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show overall sync state",
		Long: `Report the coarse engine state: up-to-date, syncing, degraded, or
conflict pending, plus queue depth and the most recent session.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, _, _, err := openEnvironment(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := computeStatus(ctx, st)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read status", err)
	}

	return formatter.SuccessText(formatStatus(result), result)
}

// statusStore is the slice of the store the status computation reads.
type statusStore interface {
	CountJobs(ctx context.Context, status ledger.JobStatus) (int, error)
	OpenConflicts(ctx context.Context, employeeID string) ([]ledger.SyncConflict, error)
	Sessions(ctx context.Context, limit int) ([]ledger.SyncSession, error)
}

func computeStatus(ctx context.Context, st statusStore) (*StatusResult, error) {
	pending, err := st.CountJobs(ctx, ledger.JobPending)
	if err != nil {
		return nil, err
	}
	processing, err := st.CountJobs(ctx, ledger.JobProcessing)
	if err != nil {
		return nil, err
	}
	open, err := st.OpenConflicts(ctx, "")
	if err != nil {
		return nil, err
	}
	sessions, err := st.Sessions(ctx, 1)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{
		Status:        ledger.StatusUpToDate,
		PendingJobs:   pending + processing,
		OpenConflicts: len(open),
	}
	var last *ledger.SyncSession
	if len(sessions) > 0 {
		last = &sessions[0]
		view := newSessionView(last)
		result.LastSession = &view
	}

	switch {
	case processing > 0 || (last != nil && last.Status == ledger.SessionRunning):
		result.Status = ledger.StatusSyncing
	case len(open) > 0:
		result.Status = ledger.StatusConflictPending
	case last != nil && (last.Status == ledger.SessionFailed || last.Status == ledger.SessionPartial):
		result.Status = ledger.StatusDegraded
	}
	return result, nil
}

func formatStatus(r *StatusResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s\n", r.Status)
	fmt.Fprintf(&b, "jobs in flight: %d\n", r.PendingJobs)
	fmt.Fprintf(&b, "open conflicts: %d\n", r.OpenConflicts)
	if r.LastSession != nil {
		fmt.Fprintf(&b, "last session: %s (%s, %d/%d ok)\n",
			r.LastSession.ID, r.LastSession.Status,
			r.LastSession.SuccessfulRecords, r.LastSession.TotalRecords)
	}
	return b.String()
}
