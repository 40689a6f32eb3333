package cli

import (
	"github.com/spf13/cobra"

	"github.com/contriboss/bindpack"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Offline bool
	Tags    []string
	Skip    []string
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Build and assemble, then run every bundle's test suite",
		Long: `Run the pipeline up to and including the test stage. Each bundle is
exercised by the suite of its language; cases can be selected by tag.

Example:
  bindpack test --offline
  bindpack test --tag smoke --skip-tag slow`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts.RootOptions, cmd, bindpack.RunOptions{
				Test:   true,
				Filter: tagFilter(opts.Offline, opts.Tags, opts.Skip),
			})
		},
	}

	addFilterFlags(cmd, &opts.Offline, &opts.Tags, &opts.Skip)

	return cmd
}
