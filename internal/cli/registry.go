package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/contriboss/bindpack/internal/registry"
)

// RegistryServeOptions holds flags for registry serve.
type RegistryServeOptions struct {
	*RootOptions
	Addr      string
	Root      string
	TokenEnv  string
	MaxUpload int64
}

// NewRegistryCommand creates the registry command group.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Run a bindpack package registry",
	}
	cmd.AddCommand(NewRegistryServeCommand(rootOpts))
	return cmd
}

// NewRegistryServeCommand creates the registry serve command.
func NewRegistryServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegistryServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the registry HTTP API",
		Long: `Serve the registry API that "kind: http" registries publish to.
Archives are stored under --root next to a SQLite catalogue. Uploads,
releases and discards require the bearer token read from --token-env;
downloads and lookups are anonymous.

Example:
  BINDPACK_REGISTRY_TOKEN=secret bindpack registry serve --addr :8080 --root ./registry`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegistryServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.Root, "root", "registry", "directory holding archives and the catalogue")
	cmd.Flags().StringVar(&opts.TokenEnv, "token-env", "BINDPACK_REGISTRY_TOKEN", "environment variable holding the upload token")
	cmd.Flags().Int64Var(&opts.MaxUpload, "max-upload", registry.DefaultMaxUpload, "largest accepted archive in bytes")

	return cmd
}

func runRegistryServe(opts *RegistryServeOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	token := os.Getenv(opts.TokenEnv)
	if token == "" {
		return NewExitError(ExitCommandError, "refusing to serve without an upload token: "+opts.TokenEnv+" is empty")
	}

	srv, err := registry.New(opts.Root, token, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open registry", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			logger.Error("error closing registry", "error", closeErr)
		}
	}()
	srv.MaxUpload = opts.MaxUpload

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	newFormatter(opts.RootOptions, cmd).VerboseLog("serving %s on %s", opts.Root, opts.Addr)
	if err := srv.ListenAndServe(ctx, opts.Addr); err != nil {
		return WrapExitError(ExitFailure, "registry stopped", err)
	}
	return nil
}
