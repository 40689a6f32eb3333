package cli

import (
	"github.com/spf13/cobra"

	"github.com/contriboss/bindpack"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	*RootOptions
	VerifyBindings bool
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build every target, generate bindings and assemble bundles",
		Long: `Build the core library for every target of the matrix, generate the
bindings of every language and assemble one bundle per bundle group.
Nothing is tested or published.

Example:
  bindpack build
  bindpack build --verify-bindings --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts.RootOptions, cmd, bindpack.RunOptions{Verify: opts.VerifyBindings})
		},
	}

	cmd.Flags().BoolVar(&opts.VerifyBindings, "verify-bindings", false, "regenerate bindings without the cache and fail on any difference")

	return cmd
}
