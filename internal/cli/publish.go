package cli

import (
	"github.com/spf13/cobra"

	"github.com/contriboss/bindpack"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	Offline        bool
	Tags           []string
	Skip           []string
	VerifyBindings bool
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Run the whole pipeline and publish when every stage is green",
		Long: `Run every stage and publish each bundle to the registry of its
language. Nothing is published unless every target built, every bundle
assembled and every test report passed, and no registry already holds
the version.

Example:
  bindpack publish
  bindpack publish --offline --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(opts.RootOptions, cmd, bindpack.RunOptions{
				Publish: true,
				Filter:  tagFilter(opts.Offline, opts.Tags, opts.Skip),
				Verify:  opts.VerifyBindings,
			})
		},
	}

	addFilterFlags(cmd, &opts.Offline, &opts.Tags, &opts.Skip)
	cmd.Flags().BoolVar(&opts.VerifyBindings, "verify-bindings", false, "regenerate bindings without the cache and fail on any difference")

	return cmd
}
