package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/contriboss/bindpack"
	"github.com/contriboss/bindpack/internal/store"
)

// StatusOutput is the JSON payload of the status command.
type StatusOutput struct {
	Run      *store.RunSummary        `json:"run"`
	Result   *bindpack.PipelineResult `json:"result"`
	Releases []store.Release          `json:"releases"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a recorded run and the releases of its version",
		Long: `Show the per-target and per-bundle outcome of a recorded run, the
latest one when no id is given, together with every release recorded
for the run's version.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runStatus(rootOpts, id, cmd)
		},
	}
	return cmd
}

// ledgerFor opens the ledger named by --ledger, or the one under the
// configured output directory.
func ledgerFor(opts *RootOptions) (*store.Store, error) {
	if opts.Ledger != "" {
		ledger, err := store.Open(opts.Ledger)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open ledger", err)
		}
		return ledger, nil
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	return openLedger(opts, cfg)
}

func runStatus(opts *RootOptions, id string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd)
	ledger, err := ledgerFor(opts)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if id == "" {
		latest, err := ledger.LatestRun(ctx)
		if errors.Is(err, store.ErrNotFound) {
			_ = f.Error("not_found", "no runs recorded", nil)
			return NewExitError(ExitCommandError, "no runs recorded")
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read ledger", err)
		}
		id = latest.ID
	}

	summary, result, err := ledger.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		_ = f.Error("not_found", "run "+id+" not found", nil)
		return WrapExitError(ExitCommandError, "run not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read ledger", err)
	}
	if summary.Status == string(bindpack.JobFailed) && result.Err == nil {
		result.Err = errors.New(summary.Error)
	}

	releases, err := ledger.Releases(ctx, summary.Name, summary.Version)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read releases", err)
	}

	if opts.Format == "json" {
		return f.Success(StatusOutput{Run: summary, Result: result, Releases: releases})
	}
	writeRunText(f.Writer, result, opts.Verbose)
	writeReleasesText(f.Writer, releases)
	return nil
}
