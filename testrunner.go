package bindpack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CaseStatus is the state of one test case.
type CaseStatus string

const (
	CaseQueued  CaseStatus = "queued"
	CaseRunning CaseStatus = "running"
	CasePassed  CaseStatus = "passed"
	CaseFailed  CaseStatus = "failed"
	CaseSkipped CaseStatus = "skipped"
)

// NetworkTag marks cases that need live network collaborators.
const NetworkTag = "network"

// reasonCancelled is the Reason of a case cut short by cancellation.
const reasonCancelled = "cancelled"

// TestCase is one command of a language's binding test suite.
type TestCase struct {
	Name    string        `yaml:"name" json:"name"`
	Command []string      `yaml:"command" json:"command"`
	Tags    []string      `yaml:"tags,omitempty" json:"tags,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// TestSuite is the test suite of one language. Cases run in the bundle
// root (or Dir below it), one after another unless Parallel is set.
type TestSuite struct {
	Language string            `yaml:"language" json:"language"`
	Dir      string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Parallel bool              `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cases    []TestCase        `yaml:"cases" json:"cases"`
}

// TagFilter selects cases by tag. Exclude wins over Include; an empty
// Include admits every case not excluded.
type TagFilter struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// OfflineFilter excludes every case tagged network.
func OfflineFilter() TagFilter {
	return TagFilter{Exclude: []string{NetworkTag}}
}

// Allows reports whether a case with tags passes the filter.
func (f TagFilter) Allows(tags []string) bool {
	for _, tag := range tags {
		if slices.Contains(f.Exclude, tag) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, tag := range tags {
		if slices.Contains(f.Include, tag) {
			return true
		}
	}
	return false
}

// String renders the filter for logs and reports.
func (f TagFilter) String() string {
	var parts []string
	for _, tag := range f.Include {
		parts = append(parts, "+"+tag)
	}
	for _, tag := range f.Exclude {
		parts = append(parts, "-"+tag)
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, ",")
}

// TestCaseResult records the outcome of one case.
type TestCaseResult struct {
	Name     string        `json:"name"`
	Tags     []string      `json:"tags,omitempty"`
	Status   CaseStatus    `json:"status"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
	Reason   string        `json:"reason,omitempty"`
}

// TestReport is the result of one suite run against one bundle.
//
// Status is failed when any case failed, skipped when the run was
// cancelled, passed when at least one case passed and none failed, and
// skipped otherwise. Only a passed report lets a bundle be published, so
// the only skipped cases a passed report carries are the filtered ones.
type TestReport struct {
	Bundle    PackageKey       `json:"bundle"`
	Language  string           `json:"language"`
	Filter    string           `json:"filter"`
	Cases     []TestCaseResult `json:"cases"`
	Status    CaseStatus       `json:"status"`
	Cancelled bool             `json:"cancelled,omitempty"`
}

// Passed reports whether the report allows publishing.
func (r *TestReport) Passed() bool {
	return r != nil && r.Status == CasePassed && !r.Cancelled
}

// Count returns the number of cases with status.
func (r *TestReport) Count(status CaseStatus) int {
	n := 0
	for _, c := range r.Cases {
		if c.Status == status {
			n++
		}
	}
	return n
}

func (r *TestReport) settle() {
	for _, c := range r.Cases {
		if c.Status == CaseSkipped && c.Reason == reasonCancelled {
			r.Cancelled = true
		}
	}
	switch {
	case r.Count(CaseFailed) > 0:
		r.Status = CaseFailed
	case r.Cancelled:
		r.Status = CaseSkipped
	case r.Count(CasePassed) > 0:
		r.Status = CasePassed
	default:
		r.Status = CaseSkipped
	}
}

// TestRunner executes each language's suite against its bundle.
type TestRunner struct {
	suites map[string]TestSuite
	runner CommandRunner
	logger *slog.Logger
}

// NewTestRunner creates a runner for the suites, keyed by language.
func NewTestRunner(suites []TestSuite, runner CommandRunner, logger *slog.Logger) *TestRunner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	bySuite := make(map[string]TestSuite, len(suites))
	for _, suite := range suites {
		bySuite[suite.Language] = suite
	}
	return &TestRunner{suites: bySuite, runner: runnerOrDefault(runner), logger: logger}
}

// Run executes the suite of bundle's language. Cases the filter rejects are
// skipped without being executed. The error is a TestFailure stage error
// when any case failed, or the context error on cancellation.
func (r *TestRunner) Run(ctx context.Context, bundle *Bundle, filter TagFilter) (*TestReport, error) {
	logger := r.logger.With("stage", StageTest, "language", bundle.Language, "version", bundle.Version)
	report := &TestReport{
		Bundle:   bundle.Key(),
		Language: bundle.Language,
		Filter:   filter.String(),
	}

	suite, ok := r.suites[bundle.Language]
	if !ok || len(suite.Cases) == 0 {
		report.settle()
		logger.Warn("no test suite configured")
		return report, nil
	}

	report.Cases = make([]TestCaseResult, len(suite.Cases))
	for i, tc := range suite.Cases {
		report.Cases[i] = TestCaseResult{Name: tc.Name, Tags: tc.Tags, Status: CaseQueued}
		if !filter.Allows(tc.Tags) {
			report.Cases[i].Status = CaseSkipped
			report.Cases[i].Reason = "excluded by filter " + filter.String()
		}
	}

	dir := filepath.Join(bundle.Root, safeRelativePath(suite.Dir))
	env := append(envList(suite.Env),
		"BINDPACK_BUNDLE_ROOT="+bundle.Root,
		"BINDPACK_LANGUAGE="+bundle.Language,
		"BINDPACK_VERSION="+bundle.Version,
	)

	run := func(i int) {
		result := &report.Cases[i]
		if result.Status != CaseQueued {
			return
		}
		if ctx.Err() != nil {
			result.Status = CaseSkipped
			result.Reason = reasonCancelled
			return
		}
		r.runCase(ctx, suite.Cases[i], result, dir, env)
		logger.Info("test case finished", "case", result.Name, "status", result.Status, "duration", result.Duration)
	}

	if suite.Parallel {
		var group errgroup.Group
		for i := range report.Cases {
			group.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = group.Wait()
	} else {
		for i := range report.Cases {
			run(i)
		}
	}

	if ctx.Err() != nil {
		report.Cancelled = true
	}
	report.settle()
	if err := ctx.Err(); err != nil {
		return report, newStageError(StageTest, err, errors.New("test run cancelled")).forLanguage(bundle.Language)
	}
	if report.Status == CaseFailed {
		var failed []string
		for _, c := range report.Cases {
			if c.Status == CaseFailed {
				failed = append(failed, c.Name)
			}
		}
		return report, newStageError(StageTest, ErrTestFailure,
			fmt.Errorf("%s: %s failed", bundle.Key(), strings.Join(failed, ", "))).forLanguage(bundle.Language)
	}
	return report, nil
}

func (r *TestRunner) runCase(ctx context.Context, tc TestCase, result *TestCaseResult, dir string, env []string) {
	result.Status = CaseRunning
	if len(tc.Command) == 0 {
		result.Status = CaseFailed
		result.Reason = "no command"
		return
	}

	caseCtx := ctx
	if tc.Timeout > 0 {
		var cancel context.CancelFunc
		caseCtx, cancel = context.WithTimeout(ctx, tc.Timeout)
		defer cancel()
	}

	start := time.Now()
	output, err := r.runner.Run(caseCtx, Command{Name: tc.Command[0], Args: tc.Command[1:], Dir: dir, Env: env})
	result.Duration = time.Since(start)
	result.Output = string(output)

	switch {
	case err == nil:
		result.Status = CasePassed
	case ctx.Err() != nil:
		result.Status = CaseSkipped
		result.Reason = reasonCancelled
	default:
		result.Status = CaseFailed
		result.Reason = err.Error()
	}
}

// RunAll runs the suites of all bundles in parallel. Reports are returned
// in bundle order; one language failing does not stop the others.
func (r *TestRunner) RunAll(ctx context.Context, bundles []*Bundle, filter TagFilter) ([]*TestReport, error) {
	reports := make([]*TestReport, len(bundles))
	errs := make([]error, len(bundles))

	var wg sync.WaitGroup
	for i, bundle := range bundles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = r.Run(ctx, bundle, filter)
		}()
	}
	wg.Wait()

	return reports, errors.Join(errs...)
}
