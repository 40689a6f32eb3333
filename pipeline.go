package bindpack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// RunOptions selects how far a pipeline run goes.
type RunOptions struct {
	Test    bool      // run the test suites of the assembled bundles
	Publish bool      // publish when every stage is green; implies Test
	Filter  TagFilter // test case selection
	Verify  bool      // regenerate bindings uncached and fail on any drift
}

// TargetResult is the build outcome of one target.
type TargetResult struct {
	Target   string    `json:"target"`
	Status   JobStatus `json:"status"`
	Artifact string    `json:"artifact,omitempty"`
	Checksum string    `json:"sha256,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// GroupResult is the outcome of one bundle group across the stages after
// the build. A stage that was not requested stays pending.
type GroupResult struct {
	ID        string         `json:"id"`
	Language  string         `json:"language"`
	Name      string         `json:"name"`
	Kind      BundleKind     `json:"kind"`
	Targets   []string       `json:"targets"`
	Bindgen   JobStatus      `json:"bindgen"`
	Assemble  JobStatus      `json:"assemble"`
	Test      JobStatus      `json:"test"`
	Publish   JobStatus      `json:"publish"`
	Bundle    *Bundle        `json:"-"`
	Root      string         `json:"root,omitempty"`
	Report    *TestReport    `json:"report,omitempty"`
	Published *PublishResult `json:"published,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// PipelineResult reports every target and bundle group of one run.
type PipelineResult struct {
	RunID    string         `json:"run_id"`
	Name     string         `json:"name"`
	Version  string         `json:"version"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Targets  []TargetResult `json:"targets"`
	Groups   []*GroupResult `json:"groups"`
	Err      error          `json:"-"`
}

// Succeeded reports whether the run finished without any error.
func (r *PipelineResult) Succeeded() bool {
	return r.Err == nil
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, result *PipelineResult) error
}

// Pipeline drives one version of the core library through every stage:
// toolchain, build, bindgen, assemble, test and publish.
//
// Publishing follows an all-green policy: a version is published only when
// every target built, every bundle assembled and every test report passed,
// and no registry already holds any of the bundles.
type Pipeline struct {
	cfg    *Config
	logger *slog.Logger

	orchestrator *BuildOrchestrator
	generator    *BindingGenerator
	assembler    *ArtifactAssembler
	tests        *TestRunner
	publisher    *Publisher
	registries   map[string]Registry
	recorder     RunRecorder
}

type pipelineOptions struct {
	logger     *slog.Logger
	runner     CommandRunner
	compiler   Compiler
	tool       BindingTool
	registries map[string]Registry
	recorder   RunRecorder
	getenv     func(string) string
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*pipelineOptions)

// WithLogger sets the logger shared by every stage.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(o *pipelineOptions) { o.logger = logger }
}

// WithRunner sets the process runner used by compilers, the toolchain
// manager, the binding tool and the test suites.
func WithRunner(runner CommandRunner) PipelineOption {
	return func(o *pipelineOptions) { o.runner = runner }
}

// WithCompiler overrides the compiler the factory would select.
func WithCompiler(compiler Compiler) PipelineOption {
	return func(o *pipelineOptions) { o.compiler = compiler }
}

// WithBindingTool overrides the configured binding generator tool.
func WithBindingTool(tool BindingTool) PipelineOption {
	return func(o *pipelineOptions) { o.tool = tool }
}

// WithRegistry overrides the registry of one language.
func WithRegistry(language string, registry Registry) PipelineOption {
	return func(o *pipelineOptions) {
		if o.registries == nil {
			o.registries = make(map[string]Registry)
		}
		o.registries[language] = registry
	}
}

// WithRecorder records every finished run.
func WithRecorder(recorder RunRecorder) PipelineOption {
	return func(o *pipelineOptions) { o.recorder = recorder }
}

// WithGetenv sets the lookup for registry credential variables.
func WithGetenv(getenv func(string) string) PipelineOption {
	return func(o *pipelineOptions) { o.getenv = getenv }
}

// NewPipeline constructs every stage from cfg.
func NewPipeline(cfg *Config, opts ...PipelineOption) (*Pipeline, error) {
	o := pipelineOptions{
		logger: slog.New(slog.DiscardHandler),
		runner: ExecRunner{},
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(&o)
	}

	compiler := o.compiler
	if compiler == nil {
		var err error
		if compiler, err = cfg.NewCompiler(o.runner); err != nil {
			return nil, err
		}
	}

	var toolchains *ToolchainManager
	if cfg.Toolchain.Tool != "" {
		toolchains = NewToolchainManager(cfg.Toolchain, o.runner, cfg.Retry, o.logger)
	}

	tool := o.tool
	if tool == nil {
		tool = &ExecBindingTool{Path: cfg.Generator.Tool, Runner: o.runner}
	}

	registries := cfg.OpenRegistries(o.getenv)
	for language, registry := range o.registries {
		registries[language] = registry
	}

	return &Pipeline{
		cfg:    cfg,
		logger: o.logger.With("version", cfg.Version),
		orchestrator: NewBuildOrchestrator(OrchestratorConfig{
			SourceDir:    cfg.Source,
			ManifestFile: cfg.Manifest,
			WorkDir:      cfg.WorkDir,
			OutDir:       cfg.OutDir,
			LibName:      cfg.LibName,
			ABIVersion:   cfg.ABIVersion,
			BuildArgs:    cfg.BuildArgs,
			Env:          cfg.Env,
			Concurrency:  cfg.Concurrency,
		}, compiler, toolchains, o.logger),
		generator: NewBindingGenerator(tool, filepath.Join(cfg.WorkDir, "bindgen"),
			WithBindingCache(NewBindingCache(filepath.Join(cfg.CacheDir, "bindings"))),
			WithGeneratorLogger(o.logger)),
		assembler: NewArtifactAssembler(AssemblerConfig{
			OutDir:     cfg.OutDir,
			Version:    cfg.Version,
			ABIVersion: cfg.ABIVersion,
		}, o.logger),
		tests:      NewTestRunner(cfg.Suites, o.runner, o.logger),
		publisher:  NewPublisher(cfg.Retry, o.logger),
		registries: registries,
		recorder:   o.recorder,
	}, nil
}

// Run executes the pipeline. The result is always returned; its Err (also
// the returned error) joins every stage failure.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*PipelineResult, error) {
	if opts.Publish {
		opts.Test = true
	}
	if p.cfg.Offline && !slices.Contains(opts.Filter.Exclude, NetworkTag) {
		opts.Filter.Exclude = append(slices.Clone(opts.Filter.Exclude), NetworkTag)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	result := &PipelineResult{
		RunID:   id.String(),
		Name:    p.cfg.Name,
		Version: p.cfg.Version,
		Started: time.Now().UTC(),
	}
	logger := p.logger.With("run", result.RunID)
	logger.Info("pipeline started", "targets", len(p.cfg.Targets), "test", opts.Test, "publish", opts.Publish)

	var errs []error
	defer func() {
		result.Finished = time.Now().UTC()
		result.Err = errors.Join(errs...)
		p.record(ctx, result)
	}()

	groups := p.cfg.BundleGroups()
	for _, group := range groups {
		result.Groups = append(result.Groups, &GroupResult{
			ID:       group.ID,
			Language: group.Language,
			Name:     group.Name,
			Kind:     group.Kind,
			Targets:  group.Targets,
			Bindgen:  JobPending,
			Assemble: JobPending,
			Test:     JobPending,
			Publish:  JobPending,
		})
	}

	if opts.Publish {
		if err := p.checkRegistries(); err != nil {
			errs = append(errs, err)
			p.skipAll(result)
			return result, errors.Join(errs...)
		}
	}

	jobs, err := p.orchestrator.Run(ctx, p.cfg.Targets)
	if err != nil {
		errs = append(errs, err)
	}
	for _, job := range jobs {
		result.Targets = append(result.Targets, targetResult(job))
	}
	if jobs == nil {
		p.skipAll(result)
		return result, errors.Join(errs...)
	}

	bindings, err := p.generateBindings(ctx, jobs, opts.Verify, result)
	if err != nil {
		errs = append(errs, err)
	}

	bundles, err := p.assemble(ctx, groups, jobs, bindings, result)
	if err != nil {
		errs = append(errs, err)
	}

	if !opts.Test {
		return result, errors.Join(errs...)
	}
	if err := p.test(ctx, bundles, opts.Filter, result); err != nil {
		errs = append(errs, err)
	}

	if !opts.Publish {
		return result, errors.Join(errs...)
	}
	if len(errs) > 0 || ctx.Err() != nil {
		for _, g := range result.Groups {
			g.Publish = JobSkipped
		}
		logger.Warn("publish withheld, run is not green")
		if len(errs) == 0 {
			errs = append(errs, ctx.Err())
		}
		return result, errors.Join(errs...)
	}
	if err := p.publish(ctx, result); err != nil {
		errs = append(errs, err)
	}
	return result, errors.Join(errs...)
}

// generateBindings runs the generator once per language against the first
// successful target of the language's bindings. With verify, a language
// whose fresh output differs from the cached one is dropped.
func (p *Pipeline) generateBindings(ctx context.Context, jobs []*BuildJob, verify bool, result *PipelineResult) (map[string][]SourceFile, error) {
	succeeded := make(map[string]*Artifact, len(jobs))
	for _, job := range jobs {
		if job.Status == JobSucceeded {
			succeeded[job.Target.Key()] = job.Artifact
		}
	}

	artifacts := make(map[string]*Artifact, len(p.cfg.Bindings))
	for _, b := range p.cfg.Bindings {
		keys := append([]string(nil), b.Targets...)
		sort.Strings(keys)
		for _, key := range keys {
			if artifact := succeeded[key]; artifact != nil {
				artifacts[b.Language] = artifact
				break
			}
		}
	}

	if ctx.Err() != nil {
		for _, g := range result.Groups {
			g.Bindgen = JobSkipped
		}
		return nil, nil
	}

	bindings, err := p.generator.GenerateAll(ctx, artifacts, p.cfg.BindingSpecs())
	if verify {
		var errs []error
		for _, spec := range p.cfg.BindingSpecs() {
			if _, ok := bindings[spec.Language]; !ok {
				continue
			}
			verr := p.generator.Verify(ctx, artifacts[spec.Language], spec)
			if verr == nil {
				continue
			}
			delete(bindings, spec.Language)
			var se *StageError
			if !errors.As(verr, &se) {
				verr = newStageError(StageBindgen, ErrBindingGeneration, verr).forLanguage(spec.Language)
			}
			errs = append(errs, verr)
		}
		err = errors.Join(append([]error{err}, errs...)...)
	}
	for _, g := range result.Groups {
		if _, ok := bindings[g.Language]; ok {
			g.Bindgen = JobSucceeded
			continue
		}
		g.Bindgen = JobFailed
		if IsCancelled(err) {
			g.Bindgen = JobSkipped
		}
		g.Error = languageError(err, g.Language)
	}
	return bindings, err
}

// assemble builds a bundle for every group whose bindings were generated.
func (p *Pipeline) assemble(ctx context.Context, groups []BundleGroup, jobs []*BuildJob, bindings map[string][]SourceFile, result *PipelineResult) ([]*Bundle, error) {
	var (
		bundles []*Bundle
		errs    []error
	)
	for i, group := range groups {
		g := result.Groups[i]
		files, ok := bindings[group.Language]
		if !ok || ctx.Err() != nil {
			g.Assemble = JobSkipped
			continue
		}

		bundle, err := p.assembler.Assemble(ctx, group, jobs, files)
		if err != nil {
			g.Assemble = JobFailed
			if IsCancelled(err) {
				g.Assemble = JobSkipped
			}
			g.Error = err.Error()
			errs = append(errs, err)
			continue
		}
		g.Assemble = JobSucceeded
		g.Bundle = bundle
		g.Root = bundle.Root
		bundles = append(bundles, bundle)
	}
	return bundles, errors.Join(errs...)
}

func (p *Pipeline) test(ctx context.Context, bundles []*Bundle, filter TagFilter, result *PipelineResult) error {
	for _, g := range result.Groups {
		if g.Bundle == nil {
			g.Test = JobSkipped
		}
	}
	if len(bundles) == 0 {
		return nil
	}

	reports, err := p.tests.RunAll(ctx, bundles, filter)
	byGroup := make(map[string]*TestReport, len(reports))
	for i, report := range reports {
		byGroup[bundles[i].Group.ID] = report
	}
	for _, g := range result.Groups {
		report, ok := byGroup[g.ID]
		if !ok {
			continue
		}
		g.Report = report
		switch {
		case report == nil || report.Status == CaseFailed:
			g.Test = JobFailed
		case report.Status == CasePassed:
			g.Test = JobSucceeded
		default:
			g.Test = JobSkipped
		}
	}
	return err
}

// publish uploads every bundle once no registry holds any of them.
// Registries are contacted in parallel; the Publisher serializes uploads
// to the same endpoint.
func (p *Pipeline) publish(ctx context.Context, result *PipelineResult) error {
	for _, g := range result.Groups {
		if !g.Report.Passed() {
			g.Publish = JobSkipped
			err := newStageError(StagePublish, ErrTestFailure,
				fmt.Errorf("%s: no passing test report", g.ID)).forLanguage(g.Language)
			g.Error = err.Error()
			p.skipPublish(result)
			return err
		}
	}

	if err := p.preflight(ctx, result); err != nil {
		p.skipPublish(result)
		return err
	}

	var (
		mu    sync.Mutex
		errs  []error
		group errgroup.Group
	)
	for _, g := range result.Groups {
		group.Go(func() error {
			published, err := p.publisher.Publish(ctx, g.Bundle, g.Report, p.registries[g.Language])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				g.Publish = JobFailed
				g.Error = err.Error()
				errs = append(errs, err)
				return nil
			}
			g.Publish = JobSucceeded
			g.Published = published
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

// preflight checks that no bundle of the version is already released, so
// a conflict on one language does not leave the others half published.
func (p *Pipeline) preflight(ctx context.Context, result *PipelineResult) error {
	var errs []error
	for _, g := range result.Groups {
		registry := p.registries[g.Language]
		var exists bool
		err := p.cfg.Retry.Do(ctx, IsRetryable, func() error {
			var err error
			exists, err = registry.Exists(ctx, g.Bundle.Key())
			return err
		})
		switch {
		case err != nil:
			errs = append(errs, newStageError(StagePublish, publishKind(err), err).forLanguage(g.Language))
		case exists:
			errs = append(errs, newStageError(StagePublish, ErrPublishConflict,
				fmt.Errorf("%s already exists in %s", g.Bundle.Key(), registry.Endpoint())).forLanguage(g.Language))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) checkRegistries() error {
	var errs []error
	for _, language := range p.cfg.Languages() {
		if p.registries[language] == nil {
			errs = append(errs, fmt.Errorf("no registry configured for %s", language))
		}
	}
	if len(errs) > 0 {
		return newStageError(StagePublish, ErrRegistryRejected, errors.Join(errs...))
	}
	return nil
}

func (p *Pipeline) skipAll(result *PipelineResult) {
	for _, g := range result.Groups {
		g.Bindgen = JobSkipped
		g.Assemble = JobSkipped
		g.Test = JobSkipped
		g.Publish = JobSkipped
	}
}

func (p *Pipeline) skipPublish(result *PipelineResult) {
	for _, g := range result.Groups {
		g.Publish = JobSkipped
	}
}

func (p *Pipeline) record(ctx context.Context, result *PipelineResult) {
	if p.recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.recorder.RecordRun(recordCtx, result); err != nil {
		p.logger.Warn("run not recorded", "run", result.RunID, "error", err)
	}
}

func targetResult(job *BuildJob) TargetResult {
	tr := TargetResult{Target: job.Target.Key(), Status: job.Status, Artifact: job.ArtifactPath}
	if job.Artifact != nil {
		tr.Checksum = job.Artifact.Checksum
	}
	if job.Err != nil {
		tr.Error = job.Err.Error()
	}
	return tr
}

// languageError returns the message of the first stage error in err that
// concerns language.
func languageError(err error, language string) string {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) && se.Language == language {
		return se.Error()
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			if msg := languageError(e, language); msg != "" {
				return msg
			}
		}
	}
	return ""
}
