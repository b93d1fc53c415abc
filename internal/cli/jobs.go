package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cadans/hrledger/internal/ledger"
)

// NewJobsCommand creates the jobs command.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the job queue",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(rootOpts, status, limit, cmd)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|processing|completed|failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func runJobs(opts *RootOptions, status string, limit int, cmd *cobra.Command) error {
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

	jobs, err := st.Jobs(ctx, ledger.JobStatus(status), limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list jobs", err)
	}

	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, newJobView(&jobs[i]))
	}
	return formatter.SuccessText(formatJobs(views), map[string]any{"jobs": views})
}

func formatJobs(views []jobView) string {
	if len(views) == 0 {
		return "no jobs\n"
	}
	var b strings.Builder
	for _, v := range views {
		fmt.Fprintf(&b, "%s  %-10s %-10s attempts %d/%d",
			v.ID, v.JobType, v.Status, v.Attempts, v.MaxAttempts)
		if v.ErrorDetails != "" {
			fmt.Fprintf(&b, "  (%s)", v.ErrorDetails)
		}
		b.WriteString("\n")
	}
	return b.String()
}
