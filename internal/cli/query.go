package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cadans/hrledger/internal/temporal"
)

// NewValueCommand creates the value command.
func NewValueCommand(rootOpts *RootOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:     "value <employee-id> <field-path>",
		Aliases: []string{"value-at"},
		Short:   "Resolve a field value, now or at a past date",
		Long: `Resolve one field for one employee. Without --at this is the current
value with the conflict overlay applied; with --at it answers what the
ledger knew as of that instant.

Example:
  hrledger value emp-1 salary.gross_monthly
  hrledger value emp-1 salary.gross_monthly --at 2024-06-01T00:00:00Z`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValue(rootOpts, args[0], args[1], at, cmd)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "RFC 3339 instant for a point-in-time lookup")
	return cmd
}

func runValue(opts *RootOptions, employeeID, fieldPath, at string, cmd *cobra.Command) error {
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
	engine := temporal.New(st, p)

	if at != "" {
		date, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return WrapExitError(ExitCommandError, "--at must be RFC 3339", err)
		}
		lookup, err := engine.ValueAt(ctx, employeeID, fieldPath, date)
		if err != nil {
			return WrapExitError(ExitCommandError, "lookup failed", err)
		}
		if lookup == nil {
			if outErr := formatter.Error(ErrCodeNotFound,
				fmt.Sprintf("%s had no value for %s at %s", employeeID, fieldPath, at), nil); outErr != nil {
				return outErr
			}
			return NewExitError(ExitFailure, "no value")
		}
		return formatter.Success(map[string]any{
			"employee_id": employeeID,
			"field":       fieldPath,
			"at":          date,
			"value":       lookup.Value,
			"source":      lookup.Source,
		})
	}

	cur, err := engine.CurrentValue(ctx, employeeID, fieldPath, time.Now().UTC())
	if err != nil {
		return WrapExitError(ExitCommandError, "lookup failed", err)
	}
	if cur == nil {
		if outErr := formatter.Error(ErrCodeNotFound,
			fmt.Sprintf("%s has no value for %s", employeeID, fieldPath), nil); outErr != nil {
			return outErr
		}
		return NewExitError(ExitFailure, "no value")
	}
	return formatter.Success(map[string]any{
		"employee_id": employeeID,
		"field":       fieldPath,
		"value":       cur.Value,
		"source":      cur.Source,
		"conflicted":  cur.Conflicted,
	})
}

// NewTimelineCommand creates the timeline command.
func NewTimelineCommand(rootOpts *RootOptions) *cobra.Command {
	var fromFlag, toFlag string

	cmd := &cobra.Command{
		Use:   "timeline <employee-id>",
		Short: "Show an employee's event timeline",
		Long: `List the significant employment events of one employee, with near
simultaneous changes across endpoints collapsed into composite events and
career milestones attached.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTimeline(rootOpts, args[0], fromFlag, toFlag, cmd)
		},
	}

	cmd.Flags().StringVar(&fromFlag, "from", "", "start of the window (RFC 3339)")
	cmd.Flags().StringVar(&toFlag, "to", "", "end of the window (RFC 3339, default now)")
	return cmd
}

func runTimeline(opts *RootOptions, employeeID, fromFlag, toFlag string, cmd *cobra.Command) error {
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

	from := time.Time{}
	to := time.Now().UTC()
	if fromFlag != "" {
		if from, err = time.Parse(time.RFC3339, fromFlag); err != nil {
			return WrapExitError(ExitCommandError, "--from must be RFC 3339", err)
		}
	}
	if toFlag != "" {
		if to, err = time.Parse(time.RFC3339, toFlag); err != nil {
			return WrapExitError(ExitCommandError, "--to must be RFC 3339", err)
		}
	}

	events, err := temporal.New(st, p).Timeline(ctx, employeeID, from, to)
	if err != nil {
		return WrapExitError(ExitCommandError, "timeline failed", err)
	}

	return formatter.SuccessText(formatTimeline(employeeID, events), map[string]any{
		"employee_id": employeeID,
		"events":      events,
	})
}

func formatTimeline(employeeID string, events []temporal.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "timeline for %s: %d events\n", employeeID, len(events))
	for _, ev := range events {
		fmt.Fprintf(&b, "%s  [%s]\n", ev.OccurredAt.Format(time.RFC3339), strings.Join(ev.Endpoints, ", "))
		for _, f := range ev.Fields {
			switch f.Type {
			case "field-added":
				fmt.Fprintf(&b, "    + %s = %s\n", f.FieldPath, f.NewValue)
			case "field-removed":
				fmt.Fprintf(&b, "    - %s (was %s)\n", f.FieldPath, f.OldValue)
			default:
				fmt.Fprintf(&b, "    ~ %s: %s -> %s\n", f.FieldPath, f.OldValue, f.NewValue)
			}
		}
		for _, m := range ev.Milestones {
			fmt.Fprintf(&b, "    * milestone: %s\n", m)
		}
	}
	return b.String()
}
