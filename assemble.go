package bindpack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// AssemblerConfig carries the run-wide values stamped on every bundle.
type AssemblerConfig struct {
	OutDir     string // bundles land in <OutDir>/bundles/<language>/
	Version    string // the single version of the run
	ABIVersion string
}

// ArtifactAssembler merges per-target artifacts into version-stamped bundles.
//
// Assembly is a barrier: it waits until every job of the group is terminal
// and refuses to emit a bundle unless all of them succeeded. Bundles are
// composed in a staging directory and renamed into place, so no partial
// bundle is ever visible under <OutDir>/bundles.
type ArtifactAssembler struct {
	cfg     AssemblerConfig
	logger  *slog.Logger
	archive func(srcDir, dest, prefix string) error
}

// NewArtifactAssembler creates an assembler.
func NewArtifactAssembler(cfg AssemblerConfig, logger *slog.Logger) *ArtifactAssembler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ArtifactAssembler{cfg: cfg, logger: logger, archive: WriteArchive}
}

// Assemble builds the bundle for group from jobs and the group language's
// generated bindings.
func (a *ArtifactAssembler) Assemble(ctx context.Context, group BundleGroup, jobs []*BuildJob, bindings []SourceFile) (*Bundle, error) {
	logger := a.logger.With("stage", StageAssemble, "language", group.Language, "group", group.ID)
	fail := func(kind, err error) (*Bundle, error) {
		return nil, newStageError(StageAssemble, kind, err).forLanguage(group.Language)
	}

	if !group.Kind.Valid() {
		return fail(ErrAssemblyFailure, fmt.Errorf("unknown bundle kind %q", group.Kind))
	}

	artifacts, err := a.await(ctx, group, jobs)
	if err != nil {
		if IsCancelled(err) {
			return fail(err, errors.New("assembly cancelled"))
		}
		return fail(ErrMissingArchitecture, err)
	}

	bundlesDir := filepath.Join(a.cfg.OutDir, "bundles")
	if err := os.MkdirAll(bundlesDir, 0o755); err != nil {
		return fail(ErrAssemblyFailure, err)
	}
	staging, err := os.MkdirTemp(bundlesDir, ".staging-")
	if err != nil {
		return fail(ErrAssemblyFailure, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	manifest := &Manifest{
		Name:       group.Name,
		Language:   group.Language,
		Version:    a.cfg.Version,
		Kind:       group.Kind,
		ABIVersion: a.cfg.ABIVersion,
		Platform:   group.Platform,
	}
	for _, artifact := range artifacts {
		manifest.Targets = append(manifest.Targets, artifact.Target.Key())
	}
	sort.Strings(manifest.Targets)

	if err := WriteSourceFiles(filepath.Join(staging, "bindings"), bindings); err != nil {
		return fail(ErrAssemblyFailure, fmt.Errorf("write bindings: %w", err))
	}

	switch group.Kind {
	case KindSingle:
		err = a.layoutSingle(staging, artifacts)
	case KindResourceTree:
		err = a.layoutResourceTree(staging, artifacts)
	case KindSlice:
		manifest.Slices, err = a.layoutSlice(staging, group, artifacts)
	}
	if err != nil {
		return fail(ErrAssemblyFailure, err)
	}

	if manifest.Files, err = checksumTree(staging); err != nil {
		return fail(ErrAssemblyFailure, err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fail(ErrAssemblyFailure, err)
	}
	if err := os.WriteFile(filepath.Join(staging, "manifest.json"), append(data, '\n'), 0o644); err != nil {
		return fail(ErrAssemblyFailure, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(err, errors.New("assembly cancelled"))
	}

	// The archive is built from the staging directory, so a failure leaves
	// the previous bundle and its archive untouched.
	dirName := group.Name + "-" + a.cfg.Version
	stagedArchive := staging + ".tar.xz"
	if err := a.archive(staging, stagedArchive, dirName); err != nil {
		_ = os.Remove(stagedArchive)
		return fail(ErrAssemblyFailure, fmt.Errorf("archive %s: %w", dirName, err))
	}
	defer os.Remove(stagedArchive)

	root := filepath.Join(bundlesDir, group.Language, dirName)
	archive := root + ".tar.xz"
	if err := replaceDir(staging, root); err != nil {
		return fail(ErrAssemblyFailure, err)
	}
	committed = true
	if err := os.Rename(stagedArchive, archive); err != nil {
		_ = os.Remove(archive)
		return fail(ErrAssemblyFailure, fmt.Errorf("archive %s: %w", dirName, err))
	}

	logger.Info("bundle assembled", "kind", group.Kind, "version", a.cfg.Version, "root", root)
	return &Bundle{
		Group:     group,
		Language:  group.Language,
		Name:      group.Name,
		Version:   a.cfg.Version,
		Kind:      group.Kind,
		Root:      root,
		Archive:   archive,
		Artifacts: artifacts,
		Manifest:  manifest,
	}, nil
}

// await blocks until every required job is terminal and returns their
// artifacts in group order. Any required target without a successful job is
// reported.
func (a *ArtifactAssembler) await(ctx context.Context, group BundleGroup, jobs []*BuildJob) ([]*Artifact, error) {
	if len(group.Targets) == 0 {
		return nil, errors.New("bundle group declares no targets")
	}

	byKey := make(map[string]*BuildJob, len(jobs))
	for _, job := range jobs {
		byKey[job.Target.Key()] = job
	}

	var missing []string
	artifacts := make([]*Artifact, 0, len(group.Targets))
	for _, key := range group.Targets {
		job, ok := byKey[key]
		if !ok {
			missing = append(missing, key+" (not built)")
			continue
		}
		select {
		case <-job.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if job.Status != JobSucceeded || job.Artifact == nil {
			missing = append(missing, fmt.Sprintf("%s (%s)", key, job.Status))
			continue
		}
		artifacts = append(artifacts, job.Artifact)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required targets did not succeed: %s", strings.Join(missing, ", "))
	}

	switch group.Kind {
	case KindSingle:
		if len(artifacts) != 1 {
			return nil, fmt.Errorf("single bundle needs exactly one target, group has %d", len(artifacts))
		}
	case KindSlice:
		for _, artifact := range artifacts {
			if normalizePlatform(artifact.Target.Platform) != normalizePlatform(artifacts[0].Target.Platform) {
				return nil, fmt.Errorf("slice bundle mixes platforms %s and %s", artifacts[0].Target.Platform, artifact.Target.Platform)
			}
		}
	}
	return artifacts, nil
}

func (a *ArtifactAssembler) layoutSingle(root string, artifacts []*Artifact) error {
	artifact := artifacts[0]
	return writeFile(filepath.Join(root, "native", filepath.Base(artifact.Path)), artifact.Content)
}

func (a *ArtifactAssembler) layoutResourceTree(root string, artifacts []*Artifact) error {
	for _, artifact := range artifacts {
		dest := filepath.Join(root, "native", artifact.Target.Key(), filepath.Base(artifact.Path))
		if err := writeFile(dest, artifact.Content); err != nil {
			return err
		}
	}
	return nil
}

func (a *ArtifactAssembler) layoutSlice(root string, group BundleGroup, artifacts []*Artifact) ([]Slice, error) {
	framework := filepath.Join(root, group.Name+".framework")
	if err := os.MkdirAll(framework, 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(framework, group.Name))
	if err != nil {
		return nil, err
	}
	slices, err := WriteSliceContainer(f, artifacts)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return slices, err
}

// checksumTree lists every regular file below root with its sha256, sorted
// by slash path.
func checksumTree(root string) ([]FileChecksum, error) {
	var sums []FileChecksum
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sums = append(sums, FileChecksum{Path: filepath.ToSlash(rel), Size: int64(len(content)), SHA256: sha256Hex(content)})
		return nil
	})
	sort.Slice(sums, func(i, j int) bool { return sums[i].Path < sums[j].Path })
	return sums, err
}

// replaceDir moves src to dest, replacing an existing dest. The previous
// dest is moved aside first so dest is never observed half-written.
func replaceDir(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(dest); err == nil {
		old := dest + ".old"
		_ = os.RemoveAll(old)
		if err := os.Rename(dest, old); err != nil {
			return err
		}
		defer os.RemoveAll(old)
	}
	return os.Rename(src, dest)
}
