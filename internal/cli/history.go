package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "List recorded runs, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			ledger, err := ledgerFor(rootOpts)
			if err != nil {
				return err
			}
			defer ledger.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			runs, err := ledger.ListRuns(ctx, limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read ledger", err)
			}
			if rootOpts.Format == "json" {
				return f.Success(runs)
			}
			writeHistoryText(f.Writer, runs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")

	return cmd
}
