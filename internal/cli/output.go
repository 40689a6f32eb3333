package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/contriboss/bindpack"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // A pipeline stage failed
	ExitCommandError = 2 // Bad flags, unreadable configuration, ledger errors
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // diagnostics, keeps JSON on Writer clean
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload, or the partial result of a failed run
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Run outputs a pipeline result. A failed run is reported with its error
// code next to the partial result.
func (f *OutputFormatter) Run(result *bindpack.PipelineResult) error {
	if f.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if result.Err != nil {
			resp.Status = "error"
			resp.Error = &CLIError{Code: ErrorCode(result.Err), Message: result.Err.Error()}
		}
		return json.NewEncoder(f.Writer).Encode(resp)
	}
	writeRunText(f.Writer, result, f.Verbose)
	return nil
}

// ErrorCode maps a pipeline error onto a stable machine-readable code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case bindpack.IsCancelled(err):
		return "cancelled"
	case errors.Is(err, bindpack.ErrToolchainUnavailable):
		return "toolchain_unavailable"
	case errors.Is(err, bindpack.ErrCompileFailure):
		return "compile_failure"
	case errors.Is(err, bindpack.ErrBindingGenerationMismatch):
		return "binding_abi_mismatch"
	case errors.Is(err, bindpack.ErrBindingGeneration):
		return "binding_generation"
	case errors.Is(err, bindpack.ErrMissingArchitecture):
		return "missing_architecture"
	case errors.Is(err, bindpack.ErrAssemblyFailure):
		return "assembly_failure"
	case errors.Is(err, bindpack.ErrTestFailure):
		return "test_failure"
	case errors.Is(err, bindpack.ErrPublishConflict):
		return "publish_conflict"
	case errors.Is(err, bindpack.ErrRegistryRejected):
		return "registry_rejected"
	case errors.Is(err, bindpack.ErrTransientNetwork):
		return "transient_network"
	default:
		return "failure"
	}
}
