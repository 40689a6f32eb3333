package bindpack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// OrchestratorConfig carries the static inputs of every build job.
type OrchestratorConfig struct {
	SourceDir    string
	ManifestFile string
	WorkDir      string // parent of the per-target arenas
	OutDir       string // artifacts land in <OutDir>/artifacts/<platform>-<arch>/
	LibName      string
	ABIVersion   string
	BuildArgs    []string
	Env          map[string]string
	Concurrency  int // maximum concurrent jobs, values < 1 mean 1
	Verbose      bool
}

// BuildOrchestrator runs one isolated compilation job per TargetSpec.
//
// Jobs run on a worker pool bounded by Concurrency. A failing job never
// aborts its siblings; every failure is reported in the joined error.
// Each job builds in <WorkDir>/<platform>-<arch>, an arena no other job
// touches.
type BuildOrchestrator struct {
	cfg        OrchestratorConfig
	compiler   Compiler
	toolchains *ToolchainManager
	logger     *slog.Logger
}

// NewBuildOrchestrator creates an orchestrator building with compiler.
// toolchains may be nil when the compiler uses whatever is on PATH.
func NewBuildOrchestrator(cfg OrchestratorConfig, compiler Compiler, toolchains *ToolchainManager, logger *slog.Logger) *BuildOrchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &BuildOrchestrator{cfg: cfg, compiler: compiler, toolchains: toolchains, logger: logger}
}

// Run expands the matrix into jobs and drives each to a terminal status.
//
// The returned jobs are in matrix order. Toolchain problems abort the run
// before any compilation starts, leaving every job skipped. On cancellation
// jobs that never started are skipped and in-flight jobs fail with the
// context error.
func (o *BuildOrchestrator) Run(ctx context.Context, matrix []TargetSpec) ([]*BuildJob, error) {
	if err := checkMatrix(matrix); err != nil {
		return nil, err
	}

	jobs := make([]*BuildJob, len(matrix))
	for i, target := range matrix {
		jobs[i] = NewBuildJob(target)
	}

	handles, err := o.prepare(ctx, matrix)
	if err != nil {
		for _, job := range jobs {
			_ = job.transition(JobSkipped)
		}
		return jobs, err
	}

	sem := semaphore.NewWeighted(int64(o.cfg.Concurrency))
	var wg sync.WaitGroup

	for _, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(job *BuildJob) {
			defer wg.Done()
			defer sem.Release(1)
			o.runJob(ctx, job, handles[job.Target.Key()])
		}(job)
	}
	wg.Wait()

	var errs []error
	for _, job := range jobs {
		if job.Status == JobPending {
			_ = job.transition(JobSkipped)
			o.logger.Info("build skipped", "stage", StageBuild, "target", job.Target.Key())
		}
		if job.Err != nil {
			errs = append(errs, job.Err)
		}
	}
	if len(errs) == 0 && ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return jobs, errors.Join(errs...)
}

// prepare resolves every toolchain and checks auxiliary tools before any job
// starts.
func (o *BuildOrchestrator) prepare(ctx context.Context, matrix []TargetSpec) (map[string]*ToolchainHandle, error) {
	if checker, ok := o.compiler.(ToolChecker); ok {
		if err := checker.CheckTools(); err != nil {
			return nil, newStageError(StageToolchain, ErrToolchainUnavailable, err)
		}
	}
	if o.toolchains == nil {
		return map[string]*ToolchainHandle{}, nil
	}
	return o.toolchains.ResolveAll(ctx, matrix)
}

func (o *BuildOrchestrator) runJob(ctx context.Context, job *BuildJob, handle *ToolchainHandle) {
	key := job.Target.Key()
	logger := o.logger.With("stage", StageBuild, "target", key)

	if ctx.Err() != nil {
		_ = job.transition(JobSkipped)
		logger.Info("build skipped")
		return
	}
	_ = job.transition(JobRunning)
	logger.Info("build started", "compiler", o.compiler.Name())

	fail := func(kind, err error) {
		job.Err = newStageError(StageBuild, kind, err).forTarget(key)
		_ = job.transition(JobFailed)
		logger.Error("build failed", "error", err)
	}

	req := &CompileRequest{
		SourceDir:    o.cfg.SourceDir,
		ManifestFile: o.cfg.ManifestFile,
		WorkDir:      filepath.Join(o.cfg.WorkDir, key),
		Target:       job.Target,
		Toolchain:    handle,
		LibName:      o.cfg.LibName,
		BuildArgs:    o.cfg.BuildArgs,
		Env:          o.cfg.Env,
		Verbose:      o.cfg.Verbose,
	}

	result, err := o.compiler.Build(ctx, req)
	if result != nil {
		job.Log = result.Output
	}
	if err != nil {
		if ctx.Err() != nil {
			fail(ctx.Err(), err)
			return
		}
		fail(ErrCompileFailure, err)
		return
	}

	path, err := installArtifact(o.cfg.OutDir, job.Target, result.Libraries)
	if err != nil {
		fail(ErrCompileFailure, err)
		return
	}
	artifact, err := NewArtifact(key, job.Target, path, o.cfg.ABIVersion)
	if err != nil {
		fail(ErrCompileFailure, err)
		return
	}

	job.ArtifactPath = path
	job.Artifact = artifact
	_ = job.transition(JobSucceeded)
	logger.Info("build succeeded", "artifact", path, "sha256", artifact.Checksum)
}

// Clean runs the compiler's clean step for every target arena and removes
// the arenas.
func (o *BuildOrchestrator) Clean(ctx context.Context, matrix []TargetSpec) error {
	var errs []error
	for _, target := range matrix {
		req := &CompileRequest{
			SourceDir:    o.cfg.SourceDir,
			ManifestFile: o.cfg.ManifestFile,
			WorkDir:      filepath.Join(o.cfg.WorkDir, target.Key()),
			Target:       target,
			LibName:      o.cfg.LibName,
			Env:          o.cfg.Env,
		}
		if _, err := os.Stat(req.WorkDir); os.IsNotExist(err) {
			continue
		}
		if err := o.compiler.Clean(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("clean %s: %w", target.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// checkMatrix rejects empty matrices and duplicate platform-arch keys.
func checkMatrix(matrix []TargetSpec) error {
	if len(matrix) == 0 {
		return errors.New("target matrix is empty")
	}
	seen := make(map[string]struct{}, len(matrix))
	for _, target := range matrix {
		if target.Platform == "" || target.Arch == "" {
			return fmt.Errorf("target %q needs both platform and arch", target.Key())
		}
		if _, ok := seen[target.Key()]; ok {
			return fmt.Errorf("duplicate target %s", target.Key())
		}
		seen[target.Key()] = struct{}{}
	}
	return nil
}
