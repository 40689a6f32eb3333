package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/contriboss/bindpack"
)

// CleanOptions holds flags for the clean command.
type CleanOptions struct {
	*RootOptions
	Cache bool
	Out   bool
	All   bool
}

// NewCleanCommand creates the clean command.
func NewCleanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove build arenas and, optionally, caches and outputs",
		Long: `Remove the per-target build arenas and the work directory. The
binding cache and the installed artifacts and bundles are kept unless
requested. The ledger and registries are never touched.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Cache, "cache", false, "also remove the binding cache")
	cmd.Flags().BoolVar(&opts.Out, "out", false, "also remove installed artifacts and assembled bundles")
	cmd.Flags().BoolVarP(&opts.All, "all", "a", false, "same as --cache --out")

	return cmd
}

func runClean(opts *CleanOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd)
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	pipelineOpts := append([]bindpack.PipelineOption{
		bindpack.WithLogger(newLogger(opts.RootOptions, cmd.ErrOrStderr())),
	}, opts.pipelineOptions...)
	p, err := bindpack.NewPipeline(cfg, pipelineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up pipeline", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	clean := bindpack.CleanOptions{Cache: opts.Cache || opts.All, Out: opts.Out || opts.All}
	if err := p.Clean(ctx, clean); err != nil {
		return WrapExitError(ExitFailure, "clean failed", err)
	}

	if opts.Format == "json" {
		return f.Success(map[string]bool{"cache": clean.Cache, "out": clean.Out})
	}
	return f.Success("cleaned " + cfg.Name)
}
