package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cadans/hrledger/internal/conflict"
	"github.com/cadans/hrledger/internal/ledger"
)

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		employee  string
		escalated bool
	)

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve sync conflicts",
		Long: `List open conflicts between locally edited facts and synced data.
Resolution is explicit: a human picks keep_local, keep_remote, or ignore.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsList(rootOpts, employee, escalated, cmd)
		},
	}

	cmd.Flags().StringVar(&employee, "employee", "", "filter by employee ID")
	cmd.Flags().BoolVar(&escalated, "escalated", false, "only conflicts open past the escalation age")

	cmd.AddCommand(newConflictsResolveCommand(rootOpts))
	return cmd
}

func runConflictsList(opts *RootOptions, employee string, escalated bool, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, p, _, err := openEnvironment(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	resolver := conflict.New(st, p)

	var conflicts []ledger.SyncConflict
	if escalated {
		conflicts, err = resolver.Escalated(ctx)
	} else {
		conflicts, err = resolver.Open(ctx, employee)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list conflicts", err)
	}

	views := make([]conflictView, 0, len(conflicts))
	for i := range conflicts {
		views = append(views, newConflictView(&conflicts[i]))
	}
	return formatter.SuccessText(formatConflicts(views), map[string]any{"conflicts": views})
}

func formatConflicts(views []conflictView) string {
	if len(views) == 0 {
		return "no open conflicts\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d open conflicts\n", len(views))
	for _, v := range views {
		fmt.Fprintf(&b, "%s  %s %s\n    local %s vs remote %s (since %s)\n",
			v.ID, v.EmployeeID, v.FieldPath, v.LocalData, v.RemoteData,
			v.CreatedAt.Format("2006-01-02"))
	}
	return b.String()
}

func newConflictsResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		decision   string
		resolvedBy string
	)

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve one conflict",
		Long: `Apply a human decision to an open conflict. keep_remote adopts the
synced value into the local record and clears its manual flag; keep_local
and ignore leave the local record untouched.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsResolve(rootOpts, args[0], decision, resolvedBy, cmd)
		},
	}

	cmd.Flags().StringVar(&decision, "decision", "", "keep_local | keep_remote | ignore (required)")
	cmd.Flags().StringVar(&resolvedBy, "by", "", "who is resolving (required)")
	_ = cmd.MarkFlagRequired("decision")
	_ = cmd.MarkFlagRequired("by")

	return cmd
}

func runConflictsResolve(opts *RootOptions, conflictID, decision, resolvedBy string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, p, _, err := openEnvironment(opts)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resolved, err := conflict.New(st, p).Resolve(ctx, conflictID,
		ledger.ConflictDecision(decision), resolvedBy)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to resolve conflict", err)
	}

	view := newConflictView(resolved)
	return formatter.SuccessText(
		fmt.Sprintf("conflict %s on %s %s: %s by %s\n",
			view.ID, view.EmployeeID, view.FieldPath, view.ResolutionStatus, view.ResolvedBy),
		view)
}
