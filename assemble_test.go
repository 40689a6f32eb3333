package bindpack

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	linuxX86 = TargetSpec{Platform: "linux", Arch: "x86_64"}
	macARM   = TargetSpec{Platform: "macos", Arch: "arm64"}
	iosARM   = TargetSpec{Platform: "ios", Arch: "arm64"}
	iosSim   = TargetSpec{Platform: "ios", Arch: "x86_64"}
)

func testAssembler(t *testing.T) (*ArtifactAssembler, string) {
	t.Helper()
	out := t.TempDir()
	return NewArtifactAssembler(AssemblerConfig{OutDir: out, Version: "1.2.0", ABIVersion: "29"}, nil), out
}

func jobsFor(t *testing.T, targets ...TargetSpec) []*BuildJob {
	t.Helper()
	jobs := make([]*BuildJob, len(targets))
	for i, target := range targets {
		jobs[i] = succeededJob(t, target, "native:"+target.Key(), "29")
	}
	return jobs
}

func TestAssembleResourceTree(t *testing.T) {
	assembler, out := testAssembler(t)
	group := BundleGroup{
		ID:       "kotlin",
		Language: "kotlin",
		Name:     "core",
		Kind:     KindResourceTree,
		Targets:  []string{"linux-x86_64", "macos-arm64"},
	}
	bindings := []SourceFile{{Path: "kotlin/Core.kt", Content: []byte("package core\n")}}

	bundle, err := assembler.Assemble(context.Background(), group, jobsFor(t, macARM, linuxX86), bindings)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "bundles", "kotlin", "core-1.2.0"), bundle.Root)
	assert.Equal(t, bundle.Root+".tar.xz", bundle.Archive)
	assert.Equal(t, PackageKey{Language: "kotlin", Name: "core", Version: "1.2.0"}, bundle.Key())
	assert.FileExists(t, filepath.Join(bundle.Root, "native", "linux-x86_64", "libcore.so"))
	assert.FileExists(t, filepath.Join(bundle.Root, "native", "macos-arm64", "libcore.dylib"))
	assert.FileExists(t, filepath.Join(bundle.Root, "bindings", "kotlin", "Core.kt"))
	assert.FileExists(t, bundle.Archive)

	manifest, err := os.ReadFile(filepath.Join(bundle.Root, "manifest.json"))
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "resource_tree_manifest", manifest)

	staging, err := filepath.Glob(filepath.Join(out, "bundles", ".staging-*"))
	require.NoError(t, err)
	assert.Empty(t, staging)
}

func TestAssembleSingle(t *testing.T) {
	assembler, _ := testAssembler(t)
	group := BundleGroup{
		ID:       "python/linux-x86_64",
		Language: "python",
		Name:     "core-linux-x86_64",
		Kind:     KindSingle,
		Platform: "linux",
		Targets:  []string{"linux-x86_64"},
	}

	bundle, err := assembler.Assemble(context.Background(), group, jobsFor(t, linuxX86, macARM), nil)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(bundle.Root, "native", "libcore.so"))
	assert.Equal(t, "linux", bundle.Manifest.Platform)
	assert.Equal(t, []string{"linux-x86_64"}, bundle.Manifest.Targets, "only the group's target is bundled")
	require.Len(t, bundle.Manifest.Files, 1)
	assert.Equal(t, "native/libcore.so", bundle.Manifest.Files[0].Path)
	assert.Equal(t, sha256Hex([]byte("native:linux-x86_64")), bundle.Manifest.Files[0].SHA256)
}

func TestAssembleSlice(t *testing.T) {
	assembler, _ := testAssembler(t)
	group := BundleGroup{
		ID:       "swift",
		Language: "swift",
		Name:     "Core",
		Kind:     KindSlice,
		Platform: "ios",
		Targets:  []string{"ios-arm64", "ios-x86_64"},
	}

	bundle, err := assembler.Assemble(context.Background(), group, jobsFor(t, iosARM, iosSim), nil)
	require.NoError(t, err)

	container, err := os.ReadFile(filepath.Join(bundle.Root, "Core.framework", "Core"))
	require.NoError(t, err)
	slices, err := ReadSliceTable(container)
	require.NoError(t, err)
	assert.Equal(t, bundle.Manifest.Slices, slices)

	for _, job := range jobsFor(t, iosARM, iosSim) {
		got, err := ExtractSlice(container, job.Target.Arch)
		require.NoError(t, err)
		assert.Equal(t, job.Artifact.Content, got)
	}
}

func TestAssembleRefusesMissingArchitecture(t *testing.T) {
	assembler, out := testAssembler(t)
	group := BundleGroup{
		ID:       "swift",
		Language: "swift",
		Name:     "Core",
		Kind:     KindSlice,
		Platform: "ios",
		Targets:  []string{"ios-arm64", "ios-x86_64"},
	}
	jobs := []*BuildJob{succeededJob(t, iosARM, "arm", "29"), failedJob(t, iosSim)}

	bundle, err := assembler.Assemble(context.Background(), group, jobs, nil)
	require.Error(t, err)
	assert.Nil(t, bundle)
	assert.ErrorIs(t, err, ErrMissingArchitecture)
	assert.Contains(t, err.Error(), "ios-x86_64 (failed)")

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StageAssemble, se.Stage)
	assert.Equal(t, "swift", se.Language)

	entries, err := os.ReadDir(filepath.Join(out, "bundles"))
	if err == nil {
		assert.Empty(t, entries, "no partial bundle is left behind")
	}
}

func TestAssembleRejects(t *testing.T) {
	testCases := []struct {
		name  string
		group BundleGroup
		jobs  func(t *testing.T) []*BuildJob
		kind  error
	}{
		{
			name:  "target never built",
			group: BundleGroup{Language: "kotlin", Name: "core", Kind: KindResourceTree, Targets: []string{"linux-x86_64", "linux-arm64"}},
			jobs:  func(t *testing.T) []*BuildJob { return jobsFor(t, linuxX86) },
			kind:  ErrMissingArchitecture,
		},
		{
			name:  "slice mixes platforms",
			group: BundleGroup{Language: "swift", Name: "Core", Kind: KindSlice, Targets: []string{"ios-arm64", "macos-arm64"}},
			jobs:  func(t *testing.T) []*BuildJob { return jobsFor(t, iosARM, macARM) },
			kind:  ErrMissingArchitecture,
		},
		{
			name:  "unknown kind",
			group: BundleGroup{Language: "lua", Name: "core", Kind: "rock", Targets: []string{"linux-x86_64"}},
			jobs:  func(t *testing.T) []*BuildJob { return jobsFor(t, linuxX86) },
			kind:  ErrAssemblyFailure,
		},
		{
			name:  "no targets",
			group: BundleGroup{Language: "kotlin", Name: "core", Kind: KindResourceTree},
			jobs:  func(t *testing.T) []*BuildJob { return nil },
			kind:  ErrMissingArchitecture,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assembler, _ := testAssembler(t)
			_, err := assembler.Assemble(context.Background(), tc.group, tc.jobs(t), nil)
			assert.ErrorIs(t, err, tc.kind)
		})
	}
}

func TestAssembleWaitsForJobs(t *testing.T) {
	assembler, _ := testAssembler(t)
	group := BundleGroup{Language: "kotlin", Name: "core", Kind: KindResourceTree, Targets: []string{"linux-x86_64"}}

	job := NewBuildJob(linuxX86)
	require.NoError(t, job.transition(JobRunning))

	done := make(chan error, 1)
	go func() {
		_, err := assembler.Assemble(context.Background(), group, []*BuildJob{job}, nil)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("assembled before the job finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	job.Artifact = testArtifact(t, linuxX86, "late", "29")
	require.NoError(t, job.transition(JobSucceeded))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("assembly did not resume after the job finished")
	}
}

func TestAssembleCancelledWhileWaiting(t *testing.T) {
	assembler, _ := testAssembler(t)
	group := BundleGroup{Language: "kotlin", Name: "core", Kind: KindResourceTree, Targets: []string{"linux-x86_64"}}

	job := NewBuildJob(linuxX86)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := assembler.Assemble(ctx, group, []*BuildJob{job}, nil)
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
	assert.NotErrorIs(t, err, ErrMissingArchitecture)
}

func TestAssembleReplacesPreviousBundle(t *testing.T) {
	assembler, _ := testAssembler(t)
	group := BundleGroup{Language: "kotlin", Name: "core", Kind: KindResourceTree, Targets: []string{"linux-x86_64"}}

	first, err := assembler.Assemble(context.Background(), group, jobsFor(t, linuxX86),
		[]SourceFile{{Path: "old.kt", Content: []byte("old")}})
	require.NoError(t, err)
	second, err := assembler.Assemble(context.Background(), group, jobsFor(t, linuxX86),
		[]SourceFile{{Path: "new.kt", Content: []byte("new")}})
	require.NoError(t, err)

	assert.Equal(t, first.Root, second.Root)
	assert.NoFileExists(t, filepath.Join(second.Root, "bindings", "old.kt"))
	assert.FileExists(t, filepath.Join(second.Root, "bindings", "new.kt"))
	assert.NoDirExists(t, second.Root+".old")
}

func TestAssembleArchiveFailureKeepsPreviousBundle(t *testing.T) {
	assembler, out := testAssembler(t)
	group := BundleGroup{Language: "kotlin", Name: "core", Kind: KindResourceTree, Targets: []string{"linux-x86_64"}}

	first, err := assembler.Assemble(context.Background(), group, jobsFor(t, linuxX86),
		[]SourceFile{{Path: "old.kt", Content: []byte("old")}})
	require.NoError(t, err)
	before, err := os.ReadFile(first.Archive)
	require.NoError(t, err)

	assembler.archive = func(string, string, string) error { return errors.New("disk full") }
	_, err = assembler.Assemble(context.Background(), group, jobsFor(t, linuxX86),
		[]SourceFile{{Path: "new.kt", Content: []byte("new")}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssemblyFailure)

	assert.FileExists(t, filepath.Join(first.Root, "bindings", "old.kt"), "previous bundle is untouched")
	assert.NoFileExists(t, filepath.Join(first.Root, "bindings", "new.kt"))
	after, err := os.ReadFile(first.Archive)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	leftovers, err := filepath.Glob(filepath.Join(out, "bundles", ".staging-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
