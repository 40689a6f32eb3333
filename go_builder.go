package bindpack

import (
	"context"
	"path/filepath"
	"strings"
)

// GoCompiler builds Go packages into C shared libraries with cgo.
//
// GOOS and GOARCH come from the target, and GOCACHE points into the job's
// work directory.
//
// Build command:
//
//	go build -buildmode=c-shared -o <work>/lib<name>.so .
//
// iOS targets use -buildmode=c-archive since the platform does not load
// third-party shared libraries.
type GoCompiler struct {
	Runner CommandRunner
}

// Name returns the compiler name
func (c *GoCompiler) Name() string {
	return "Go"
}

// RequiredTools returns the tools needed for Go builds
func (c *GoCompiler) RequiredTools() []ToolRequirement {
	return []ToolRequirement{
		{
			Name:    "go",
			Purpose: "Go compiler and toolchain",
		},
		{
			Name:         "gcc",
			Alternatives: []string{"clang", "cc"},
			Purpose:      "C compiler (required for CGO)",
		},
	}
}

// CheckTools verifies that Go toolchain is available
func (c *GoCompiler) CheckTools() error {
	return CheckRequiredTools(c.RequiredTools())
}

// CanBuild checks if this compiler can handle the manifest file
func (c *GoCompiler) CanBuild(manifestFile string) bool {
	return strings.ToLower(filepath.Base(manifestFile)) == "go.mod"
}

// Build compiles the package for the request's target
func (c *GoCompiler) Build(ctx context.Context, req *CompileRequest) (*BuildResult, error) {
	return runCommonBuild(ctx, req, runnerOrDefault(c.Runner), c.Name(), CommonBuildSteps{
		BuildFunc: c.runGoBuild,
		FindFunc:  c.findOutputs,
	})
}

// Clean removes the job's build cache
func (c *GoCompiler) Clean(ctx context.Context, req *CompileRequest) error {
	// Ignore errors - the cache may not exist yet
	_, _ = runnerOrDefault(c.Runner).Run(ctx, Command{
		Name: toolPath(req, "go"),
		Args: []string{"clean", "-cache"},
		Dir:  req.ManifestDir(),
		Env:  append(compileEnv(req), "GOCACHE="+filepath.Join(req.WorkDir, "gocache")),
	})
	return nil
}

func (c *GoCompiler) runGoBuild(ctx context.Context, req *CompileRequest, run CommandRunner, result *BuildResult) error {
	mode := "c-shared"
	if normalizePlatform(req.Target.Platform) == "ios" {
		mode = "c-archive"
	}

	args := []string{"build", "-buildmode=" + mode, "-trimpath", "-o", c.outputPath(req)}
	args = append(args, req.BuildArgs...)
	args = append(args, ".")

	return runStep(ctx, run, c.Name(), req, Command{
		Name: toolPath(req, "go"),
		Args: args,
		Dir:  req.ManifestDir(),
		Env: []string{
			"CGO_ENABLED=1",
			"GOOS=" + goOS(req.Target.Platform),
			"GOARCH=" + goArch(req.Target.Arch),
			"GOCACHE=" + filepath.Join(req.WorkDir, "gocache"),
		},
	}, result)
}

func (c *GoCompiler) findOutputs(req *CompileRequest) ([]string, error) {
	found, err := findLibraries(req.WorkDir, req.Target.Platform)
	if err != nil {
		return nil, err
	}
	return orderLibraries(found, req.Target.Platform, c.libName(req)), nil
}

func (c *GoCompiler) outputPath(req *CompileRequest) string {
	return filepath.Join(req.WorkDir, sharedLibraryName(req.Target.Platform, c.libName(req)))
}

func (c *GoCompiler) libName(req *CompileRequest) string {
	if req.LibName != "" {
		return req.LibName
	}
	return "core"
}
