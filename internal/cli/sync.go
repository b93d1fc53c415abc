package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadans/hrledger/internal/ledger"
	"github.com/cadans/hrledger/internal/provider"
	"github.com/cadans/hrledger/internal/syncer"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Employees   []string
	Endpoints   []string
	SessionType string
	Timeout     time.Duration
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync session and wait for it to finish",
		Long: `Start a sync session for the given employees and endpoints, drain it
with an in-process worker, and report the outcome.

Exits 0 when the session completes, 1 when it ends failed or partial.

Example:
  hrledger sync --db ./hrledger.db --employees emp-1,emp-2 --endpoints employment,contracts`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Employees, "employees", nil, "employee IDs to sync (required)")
	cmd.Flags().StringSliceVar(&opts.Endpoints, "endpoints", nil, "provider endpoints to sync (required)")
	cmd.Flags().StringVar(&opts.SessionType, "type", "manual", "session type label")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Minute, "abort if the session is not done in time")
	_ = cmd.MarkFlagRequired("employees")
	_ = cmd.MarkFlagRequired("endpoints")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, p, cfg, err := openEnvironment(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	setupLogging(cfg.Verbose)
	if cfg.ProviderBaseURL == "" {
		return NewExitError(ExitCommandError, "HRLEDGER_PROVIDER_URL is not set")
	}

	client := provider.New(cfg.ProviderBaseURL, provider.WithAPIKey(cfg.ProviderAPIKey))
	sy := syncer.New(st, client, p, syncer.WithPollInterval(cfg.PollInterval))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(parentCtx, opts.Timeout)
	defer cancel()

	session, err := sy.StartSession(ctx, opts.SessionType, "cli", opts.Employees, opts.Endpoints)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start session", err)
	}
	formatter.VerboseLog("session %s started: %d records", session.ID, session.TotalRecords)

	final, err := waitForSession(ctx, sy, st.Session, session.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "session did not finish", err)
	}

	summary := sessionSummary(final)
	if opts.Format == "json" {
		if err := formatter.Success(newSessionView(final)); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), summary)
	}

	if final.Status != ledger.SessionCompleted {
		return NewExitError(ExitFailure, fmt.Sprintf("session ended %s", final.Status))
	}
	return nil
}

type sessionFetch func(ctx context.Context, id string) (*ledger.SyncSession, error)

// waitForSession drains the queue with one in-process worker until the
// session leaves the running state. Backed-off retries keep the queue
// non-empty but unclaimable, so the loop sleeps between drains.
func waitForSession(ctx context.Context, sy *syncer.Syncer, fetch sessionFetch, sessionID string) (*ledger.SyncSession, error) {
	for {
		if err := sy.Drain(ctx, "cli"); err != nil {
			return nil, err
		}
		session, err := fetch(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if session.Status != ledger.SessionRunning {
			return session, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func sessionSummary(s *ledger.SyncSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "session %s: %s\n", s.ID, s.Status)
	fmt.Fprintf(&b, "  records: %d total, %d ok, %d failed", s.TotalRecords, s.SuccessfulRecords, s.FailedRecords)
	for _, d := range s.Details {
		if d.Outcome != "success" {
			fmt.Fprintf(&b, "\n  failed: %s/%s: %s", d.EmployeeID, d.Endpoint, d.Message)
		}
	}
	return b.String()
}
