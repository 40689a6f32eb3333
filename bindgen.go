package bindpack

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// abiMarker matches the ABI reference a binding tool embeds in its output.
var abiMarker = regexp.MustCompile(`abi-version:\s*([A-Za-z0-9._+-]+)`)

// BindingTool is the external binding-generation tool.
//
// The contract mirrors uniffi-bindgen style tools: the tool reports its own
// version and the ABI contract version it implements, and generates sources
// for one language from a compiled library.
type BindingTool interface {
	Version(ctx context.Context) (string, error)
	ABIVersion(ctx context.Context) (string, error)
	Generate(ctx context.Context, library, language, outDir string, flags []string) error
}

// ExecBindingTool runs the binding tool as a subprocess:
//
//	<tool> --version
//	<tool> --abi-version
//	<tool> generate --library <lib> --language <lang> --out-dir <dir> [flags...]
type ExecBindingTool struct {
	Path   string
	Runner CommandRunner
}

// Version returns the last field of `<tool> --version`.
func (t *ExecBindingTool) Version(ctx context.Context) (string, error) {
	out, err := runnerOrDefault(t.Runner).Run(ctx, Command{Name: t.Path, Args: []string{"--version"}})
	if err != nil {
		return "", fmt.Errorf("%s --version: %w", t.Path, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", fmt.Errorf("%s --version printed nothing", t.Path)
	}
	return fields[len(fields)-1], nil
}

// ABIVersion returns the trimmed output of `<tool> --abi-version`.
func (t *ExecBindingTool) ABIVersion(ctx context.Context) (string, error) {
	out, err := runnerOrDefault(t.Runner).Run(ctx, Command{Name: t.Path, Args: []string{"--abi-version"}})
	if err != nil {
		return "", fmt.Errorf("%s --abi-version: %w", t.Path, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Generate runs the generate subcommand.
func (t *ExecBindingTool) Generate(ctx context.Context, library, language, outDir string, flags []string) error {
	args := []string{"generate", "--library", library, "--language", language, "--out-dir", outDir}
	args = append(args, flags...)
	out, err := runnerOrDefault(t.Runner).Run(ctx, Command{Name: t.Path, Args: args})
	if err != nil {
		return fmt.Errorf("%s generate: %w: %s", t.Path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BindingGenerator produces language sources from a compiled library.
//
// Output is deterministic in (library bytes, tool version, language, flags);
// that tuple keys the cache. The generator checks the ABI contract twice:
// the tool's reported ABI version against the artifact's ABI tag before
// generating, and the ABI reference embedded in every generated output after.
type BindingGenerator struct {
	tool    BindingTool
	cache   *BindingCache
	scratch string
	logger  *slog.Logger

	versionMu sync.Mutex
	version   string
}

// GeneratorOption configures a BindingGenerator.
type GeneratorOption func(*BindingGenerator)

// WithBindingCache enables the content-addressed output cache.
func WithBindingCache(cache *BindingCache) GeneratorOption {
	return func(g *BindingGenerator) { g.cache = cache }
}

// WithGeneratorLogger sets the logger.
func WithGeneratorLogger(logger *slog.Logger) GeneratorOption {
	return func(g *BindingGenerator) { g.logger = logger }
}

// NewBindingGenerator creates a generator using scratch for fresh output
// directories.
func NewBindingGenerator(tool BindingTool, scratch string, opts ...GeneratorOption) *BindingGenerator {
	g := &BindingGenerator{
		tool:    tool,
		scratch: scratch,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the binding sources for spec, sorted by path. When
// spec.OutputDir is set the files are also written there.
func (g *BindingGenerator) Generate(ctx context.Context, artifact *Artifact, spec BindingSpec) ([]SourceFile, error) {
	files, err := g.generate(ctx, artifact, spec, true)
	if err != nil {
		return nil, err
	}
	if spec.OutputDir != "" {
		if err := WriteSourceFiles(spec.OutputDir, files); err != nil {
			return nil, newStageError(StageBindgen, ErrBindingGeneration, err).forLanguage(spec.Language)
		}
	}
	return files, nil
}

// Verify regenerates the bindings without the cache and compares them with
// the cached output. It returns a *BindingDiffError listing every path whose
// bytes differ.
func (g *BindingGenerator) Verify(ctx context.Context, artifact *Artifact, spec BindingSpec) error {
	reference, err := g.generate(ctx, artifact, spec, true)
	if err != nil {
		return err
	}
	fresh, err := g.generate(ctx, artifact, spec, false)
	if err != nil {
		return err
	}
	if diff := DiffSourceFiles(reference, fresh); len(diff) > 0 {
		return &BindingDiffError{Language: spec.Language, Paths: diff}
	}
	return nil
}

// GenerateAll generates every spec in parallel. artifacts maps a language to
// its representative artifact. A failing language does not stop the others;
// all failures are joined.
func (g *BindingGenerator) GenerateAll(ctx context.Context, artifacts map[string]*Artifact, specs []BindingSpec) (map[string][]SourceFile, error) {
	var (
		mu      sync.Mutex
		results = make(map[string][]SourceFile, len(specs))
		errs    = make([]error, len(specs))
		group   errgroup.Group
	)

	for i, spec := range specs {
		artifact := artifacts[spec.Language]
		if artifact == nil {
			errs[i] = newStageError(StageBindgen, ErrMissingArchitecture,
				errors.New("no successful build to generate from")).forLanguage(spec.Language)
			continue
		}
		group.Go(func() error {
			files, err := g.Generate(ctx, artifact, spec)
			if err != nil {
				errs[i] = err
				return nil
			}
			mu.Lock()
			results[spec.Language] = files
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return results, errors.Join(errs...)
}

func (g *BindingGenerator) generate(ctx context.Context, artifact *Artifact, spec BindingSpec, useCache bool) ([]SourceFile, error) {
	logger := g.logger.With("stage", StageBindgen, "language", spec.Language, "target", artifact.Target.Key())
	fail := func(kind, err error) ([]SourceFile, error) {
		return nil, newStageError(StageBindgen, kind, err).forLanguage(spec.Language).forTarget(artifact.Target.Key())
	}

	toolABI, err := g.tool.ABIVersion(ctx)
	if err != nil {
		return fail(ErrBindingGenerationMismatch, fmt.Errorf("cannot determine generator ABI version: %w", err))
	}
	if toolABI != artifact.ABIVersion() {
		return fail(ErrBindingGenerationMismatch,
			fmt.Errorf("generator implements ABI %q, artifact %s is tagged %q", toolABI, artifact.Owner, artifact.ABIVersion()))
	}

	version, err := g.toolVersion(ctx)
	if err != nil {
		return fail(ErrBindingGeneration, err)
	}
	key := GenerationKey(artifact.Content, version, spec.Language, spec.Flags)

	if useCache && g.cache != nil {
		files, ok, err := g.cache.Get(key)
		if err != nil {
			logger.Warn("binding cache unreadable", "error", err)
		} else if ok {
			logger.Debug("bindings served from cache", "key", key)
			return files, nil
		}
	}

	if err := os.MkdirAll(g.scratch, 0o755); err != nil {
		return fail(ErrBindingGeneration, err)
	}
	outDir, err := os.MkdirTemp(g.scratch, "bindgen-"+spec.Language+"-")
	if err != nil {
		return fail(ErrBindingGeneration, err)
	}
	defer os.RemoveAll(outDir)

	// The library is handed to the tool by path; keep the bytes the key was
	// computed from.
	libPath := filepath.Join(outDir, ".lib", filepath.Base(artifact.Path))
	if err := writeFile(libPath, artifact.Content); err != nil {
		return fail(ErrBindingGeneration, err)
	}
	srcDir := filepath.Join(outDir, "src")

	if err := g.tool.Generate(ctx, libPath, spec.Language, srcDir, spec.Flags); err != nil {
		return fail(ErrBindingGeneration, err)
	}

	files, err := ReadSourceFiles(srcDir)
	if err != nil {
		return fail(ErrBindingGeneration, err)
	}
	if len(files) == 0 {
		return fail(ErrBindingGeneration, errors.New("generator produced no files"))
	}
	if err := checkEmbeddedABI(files, artifact.ABIVersion()); err != nil {
		return fail(ErrBindingGenerationMismatch, err)
	}

	if useCache && g.cache != nil {
		if err := g.cache.Put(key, files); err != nil {
			logger.Warn("binding cache write failed", "error", err)
		}
	}
	logger.Info("bindings generated", "files", len(files), "generator", version)
	return files, nil
}

func (g *BindingGenerator) toolVersion(ctx context.Context) (string, error) {
	g.versionMu.Lock()
	defer g.versionMu.Unlock()
	if g.version != "" {
		return g.version, nil
	}
	version, err := g.tool.Version(ctx)
	if err != nil {
		return "", err
	}
	g.version = version
	return version, nil
}

// checkEmbeddedABI verifies the ABI references the tool embedded. At least
// one file must carry a reference and every reference must match.
func checkEmbeddedABI(files []SourceFile, want string) error {
	found := false
	for _, file := range files {
		for _, match := range abiMarker.FindAllSubmatch(file.Content, -1) {
			found = true
			if got := string(match[1]); got != want {
				return fmt.Errorf("%s was generated against ABI %q, want %q", file.Path, got, want)
			}
		}
	}
	if !found {
		return errors.New("generated sources carry no abi-version reference")
	}
	return nil
}

// GenerationKey is the cache key of one generation: sha256 over the
// library bytes, generator version, language and flags. Flags keep their
// declared order since tools may read them positionally.
func GenerationKey(library []byte, generatorVersion, language string, flags []string) string {
	h := sha256.New()
	h.Write(library)
	for _, part := range append([]string{generatorVersion, language}, flags...) {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReadSourceFiles loads every regular file below dir, sorted by slash path.
func ReadSourceFiles(dir string) ([]SourceFile, error) {
	var files []SourceFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files = append(files, SourceFile{Path: filepath.ToSlash(rel), Content: content})
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// WriteSourceFiles writes files below dir.
func WriteSourceFiles(dir string, files []SourceFile) error {
	for _, file := range files {
		if err := writeFile(filepath.Join(dir, safeRelativePath(filepath.FromSlash(file.Path))), file.Content); err != nil {
			return err
		}
	}
	return nil
}

// DiffSourceFiles returns the sorted paths present in only one set or with
// different content.
func DiffSourceFiles(a, b []SourceFile) []string {
	index := make(map[string][]byte, len(a))
	for _, file := range a {
		index[file.Path] = file.Content
	}

	var diff []string
	for _, file := range b {
		content, ok := index[file.Path]
		if !ok || !bytes.Equal(content, file.Content) {
			diff = append(diff, file.Path)
		}
		delete(index, file.Path)
	}
	for path := range index {
		diff = append(diff, path)
	}
	sort.Strings(diff)
	return diff
}

// BindingDiffError reports non-deterministic binding output.
type BindingDiffError struct {
	Language string
	Paths    []string
}

func (e *BindingDiffError) Error() string {
	return fmt.Sprintf("bindings for %s are not reproducible: %s differ", e.Language, strings.Join(e.Paths, ", "))
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, 0o644)
}
