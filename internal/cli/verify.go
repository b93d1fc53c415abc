package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Audit all version chains",
		Long: `Walk every (employee, endpoint) chain and check its invariants:
stored content hashes match payloads, effective windows abut, supersession
links pair up, and each chain has exactly one latest version.

Exits 0 on a clean ledger, 1 when any problem is found.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, cmd)
		},
	}
	return cmd
}

func runVerify(opts *RootOptions, cmd *cobra.Command) error {
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

	report, err := st.Verify(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "verification aborted", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "checked %d chains, %d versions\n", report.ChainsChecked, report.VersionsChecked)
	if report.OK() {
		b.WriteString("ledger is consistent\n")
	} else {
		for _, p := range report.Problems {
			fmt.Fprintf(&b, "problem: %s\n", p)
		}
	}
	if err := formatter.SuccessText(b.String(), report); err != nil {
		return err
	}
	if !report.OK() {
		return NewExitError(ExitFailure, fmt.Sprintf("%d problems found", len(report.Problems)))
	}
	return nil
}
