package cli

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/contriboss/bindpack"
	"github.com/contriboss/bindpack/internal/store"
)

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// newLogger logs warnings and errors, or everything down to debug with
// --verbose.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(opts *RootOptions) (*bindpack.Config, error) {
	cfg, err := bindpack.LoadConfig(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

func ledgerPath(opts *RootOptions, cfg *bindpack.Config) string {
	if opts.Ledger != "" {
		return opts.Ledger
	}
	return filepath.Join(cfg.OutDir, "ledger.db")
}

func openLedger(opts *RootOptions, cfg *bindpack.Config) (*store.Store, error) {
	ledger, err := store.Open(ledgerPath(opts, cfg))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	return ledger, nil
}

// runPipeline loads the configuration, runs the pipeline with the run
// recorded in the ledger and prints the result.
func runPipeline(opts *RootOptions, cmd *cobra.Command, run bindpack.RunOptions) error {
	f := newFormatter(opts, cmd)
	logger := newLogger(opts, cmd.ErrOrStderr())

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ledger, err := openLedger(opts, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := ledger.Close(); closeErr != nil {
			logger.Error("error closing ledger", "error", closeErr)
		}
	}()

	pipelineOpts := append([]bindpack.PipelineOption{
		bindpack.WithLogger(logger),
		bindpack.WithRecorder(ledger),
	}, opts.pipelineOptions...)
	p, err := bindpack.NewPipeline(cfg, pipelineOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up pipeline", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f.VerboseLog("running %s %s over %d target(s), ledger %s",
		cfg.Name, cfg.Version, len(cfg.Targets), ledgerPath(opts, cfg))

	result, runErr := p.Run(ctx, run)
	if result == nil {
		return WrapExitError(ExitCommandError, "pipeline did not start", runErr)
	}
	if err := f.Run(result); err != nil {
		return err
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "pipeline failed", runErr)
	}
	return nil
}

// addFilterFlags registers the test selection flags.
func addFilterFlags(cmd *cobra.Command, offline *bool, include, exclude *[]string) {
	cmd.Flags().BoolVar(offline, "offline", false, "skip cases tagged "+bindpack.NetworkTag)
	cmd.Flags().StringSliceVar(include, "tag", nil, "run only cases carrying one of these tags")
	cmd.Flags().StringSliceVar(exclude, "skip-tag", nil, "skip cases carrying any of these tags")
}

func tagFilter(offline bool, include, exclude []string) bindpack.TagFilter {
	filter := bindpack.TagFilter{Include: include, Exclude: exclude}
	if offline && !slices.Contains(filter.Exclude, bindpack.NetworkTag) {
		filter.Exclude = append(filter.Exclude, bindpack.NetworkTag)
	}
	return filter
}
