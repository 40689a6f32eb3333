package bindpack

import (
	"context"
	"errors"
	"fmt"
)

// Stage names a pipeline stage in errors, logs and results.
type Stage string

const (
	StageToolchain Stage = "toolchain"
	StageBuild     Stage = "build"
	StageBindgen   Stage = "bindgen"
	StageAssemble  Stage = "assemble"
	StageTest      Stage = "test"
	StagePublish   Stage = "publish"
)

// Failure kinds. A StageError carries one of these as its Kind, or the
// context error when the stage was cancelled, so callers can test with
// errors.Is.
var (
	ErrToolchainUnavailable      = errors.New("toolchain unavailable")
	ErrCompileFailure            = errors.New("compile failure")
	ErrBindingGenerationMismatch = errors.New("binding generation ABI mismatch")
	ErrBindingGeneration         = errors.New("binding generation failed")
	ErrMissingArchitecture       = errors.New("missing architecture")
	ErrAssemblyFailure           = errors.New("bundle assembly failed")
	ErrTestFailure               = errors.New("test failure")
	ErrPublishConflict           = errors.New("publish conflict")
	ErrRegistryRejected          = errors.New("registry rejected request")
	ErrTransientNetwork          = errors.New("transient network error")
)

// StageError is the structured failure every stage surfaces. It names the
// stage, the target or language it concerns and the cause.
type StageError struct {
	Stage    Stage
	Kind     error
	Target   string
	Language string
	Err      error
}

func (e *StageError) Error() string {
	scope := ""
	switch {
	case e.Target != "" && e.Language != "":
		scope = fmt.Sprintf(" [%s %s]", e.Language, e.Target)
	case e.Target != "":
		scope = fmt.Sprintf(" [%s]", e.Target)
	case e.Language != "":
		scope = fmt.Sprintf(" [%s]", e.Language)
	}

	msg := fmt.Sprintf("%s%s: %v", e.Stage, scope, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *StageError) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newStageError(stage Stage, kind error, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

func (e *StageError) forTarget(key string) *StageError {
	e.Target = key
	return e
}

func (e *StageError) forLanguage(language string) *StageError {
	e.Language = language
	return e
}

// IsRetryable reports whether err is transient and may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

// IsCancelled reports whether err was caused by pipeline cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns the failure kind of err, or nil when err is not a StageError.
func KindOf(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return nil
}
