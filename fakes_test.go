package bindpack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRunner records commands and answers them with fn.
type fakeRunner struct {
	mu    sync.Mutex
	calls []Command
	fn    func(ctx context.Context, cmd Command) ([]byte, error)
}

func (r *fakeRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if r.fn == nil {
		return nil, nil
	}
	return r.fn(ctx, cmd)
}

func (r *fakeRunner) Calls() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.calls...)
}

// fakeCompiler writes "native:<target>" as the library of every target not
// listed in fail or block. Targets in block wait for cancellation.
type fakeCompiler struct {
	fail    map[string]bool
	block   map[string]bool
	started chan string

	mu      sync.Mutex
	cleaned []string
	builds  atomic.Int32
}

func (c *fakeCompiler) Name() string { return "Fake" }
func (c *fakeCompiler) CanBuild(manifest string) bool { return true }

func (c *fakeCompiler) Build(ctx context.Context, req *CompileRequest) (*BuildResult, error) {
	c.builds.Add(1)
	key := req.Target.Key()
	if c.started != nil {
		c.started <- key
	}
	if c.block[key] {
		<-ctx.Done()
		err := fmt.Errorf("Fake: %w", ctx.Err())
		return &BuildResult{Output: []string{"killed"}, Error: err}, err
	}
	if c.fail[key] {
		err := BuildError("Fake", []string{"error: linker failed"}, errors.New("exit status 101"))
		return &BuildResult{Output: []string{"error: linker failed"}, Error: err}, err
	}

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, err
	}
	lib := filepath.Join(req.WorkDir, sharedLibraryName(req.Target.Platform, req.LibName))
	if err := os.WriteFile(lib, []byte("native:"+key), 0o644); err != nil {
		return nil, err
	}
	return &BuildResult{Success: true, Output: []string{"Finished release"}, Libraries: []string{lib}}, nil
}

func (c *fakeCompiler) Clean(ctx context.Context, req *CompileRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleaned = append(c.cleaned, req.Target.Key())
	return nil
}

// fakeBindingTool writes one source file per language that embeds the ABI
// version, the library checksum and the flags, so output is a pure
// function of its inputs.
type fakeBindingTool struct {
	version  string
	abi      string
	embedABI string // written into outputs, defaults to abi
	fail     map[string]bool

	generations atomic.Int32
}

func (t *fakeBindingTool) Version(context.Context) (string, error) { return t.version, nil }
func (t *fakeBindingTool) ABIVersion(context.Context) (string, error) { return t.abi, nil }

func (t *fakeBindingTool) Generate(ctx context.Context, library, language, outDir string, flags []string) error {
	t.generations.Add(1)
	if t.fail[language] {
		return fmt.Errorf("%s generator crashed", language)
	}
	content, err := os.ReadFile(library)
	if err != nil {
		return err
	}
	embed := t.embedABI
	if embed == "" {
		embed = t.abi
	}
	source := fmt.Sprintf("// abi-version: %s\n// library: %s\n// flags: %s\n", embed, sha256Hex(content), strings.Join(flags, " "))
	if err := writeFile(filepath.Join(outDir, language, "bindings.src"), []byte(source)); err != nil {
		return err
	}
	return writeFile(filepath.Join(outDir, "README"), []byte("generated for "+language+"\n"))
}

// memRegistry is an in-memory Registry.
type memRegistry struct {
	endpoint string

	mu          sync.Mutex
	released    map[PackageKey]string
	staged      map[string]PackageKey
	discarded   []string
	existsFails int   // transient Exists failures before succeeding
	releaseErr  error // returned by every Release
	stages      int

	delay       time.Duration // how long Stage and Release take
	inFlight    int
	maxInFlight int
}

func newMemRegistry(endpoint string) *memRegistry {
	return &memRegistry{
		endpoint: endpoint,
		released: make(map[PackageKey]string),
		staged:   make(map[string]PackageKey),
	}
}

func (r *memRegistry) Endpoint() string { return r.endpoint }

func (r *memRegistry) Exists(_ context.Context, key PackageKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.existsFails > 0 {
		r.existsFails--
		return false, fmt.Errorf("HEAD: %w", ErrTransientNetwork)
	}
	_, ok := r.released[key]
	return ok, nil
}

// track counts a Stage or Release call in flight for its whole duration.
func (r *memRegistry) track() func() {
	r.mu.Lock()
	r.inFlight++
	r.maxInFlight = max(r.maxInFlight, r.inFlight)
	delay := r.delay
	r.mu.Unlock()

	time.Sleep(delay)
	return func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}
}

func (r *memRegistry) Stage(_ context.Context, key PackageKey, archivePath, checksum string) (string, error) {
	defer r.track()()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages++
	id := fmt.Sprintf("stage-%d", r.stages)
	r.staged[id] = key
	return id, nil
}

func (r *memRegistry) Release(_ context.Context, stagingID string) error {
	defer r.track()()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.releaseErr != nil {
		return r.releaseErr
	}
	key, ok := r.staged[stagingID]
	if !ok {
		return fmt.Errorf("unknown staging id %s: %w", stagingID, ErrRegistryRejected)
	}
	if _, exists := r.released[key]; exists {
		return fmt.Errorf("%s: %w", key, ErrPublishConflict)
	}
	delete(r.staged, stagingID)
	r.released[key] = stagingID
	return nil
}

func (r *memRegistry) Discard(_ context.Context, stagingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.staged, stagingID)
	r.discarded = append(r.discarded, stagingID)
	return nil
}

func (r *memRegistry) Released() []PackageKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []PackageKey
	for key := range r.released {
		keys = append(keys, key)
	}
	return keys
}

// testArtifact writes content as a library below t.TempDir and loads it.
func testArtifact(t *testing.T, target TargetSpec, content, abi string) *Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), target.Key(), sharedLibraryName(target.Platform, "core"))
	require.NoError(t, writeFile(path, []byte(content)))
	artifact, err := NewArtifact(target.Key(), target, path, abi)
	require.NoError(t, err)
	return artifact
}

// succeededJob returns a terminal, successful job for target.
func succeededJob(t *testing.T, target TargetSpec, content, abi string) *BuildJob {
	t.Helper()
	job := NewBuildJob(target)
	require.NoError(t, job.transition(JobRunning))
	job.Artifact = testArtifact(t, target, content, abi)
	job.ArtifactPath = job.Artifact.Path
	require.NoError(t, job.transition(JobSucceeded))
	return job
}

// failedJob returns a terminal, failed job for target.
func failedJob(t *testing.T, target TargetSpec) *BuildJob {
	t.Helper()
	job := NewBuildJob(target)
	require.NoError(t, job.transition(JobRunning))
	job.Err = newStageError(StageBuild, ErrCompileFailure, errors.New("exit status 101")).forTarget(target.Key())
	require.NoError(t, job.transition(JobFailed))
	return job
}
