// Package cli implements the bindpack command-line interface.
package cli

import (
	"fmt"
	"slices"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/contriboss/bindpack"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string
	Config  string
	Ledger  string
	NoColor bool

	// pipelineOptions are appended to every pipeline (for testing).
	pipelineOptions []bindpack.PipelineOption
}

// ValidFormats lists the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root bindpack command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindpack",
		Short: "Build, bind, package and publish a native core library",
		Long: `bindpack compiles one native core library for every target of its
matrix, generates language bindings from it, assembles a bundle per
language, runs each bundle's test suite and publishes the version once
every stage is green.

Everything is driven by bindpack.yaml. Every run is recorded in a local
ledger that "bindpack status" and "bindpack history" read back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.NoColor || opts.Format == "json" {
				color.Enable = false
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", bindpack.DefaultConfigFile, "path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.Ledger, "ledger", "", "path to the run ledger (default <out_dir>/ledger.db)")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable colored output")

	cmd.AddCommand(NewBuildCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewCleanCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewRegistryCommand(opts))

	return cmd
}
