package bindpack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// CMakeCompiler handles CMake-based C/C++ core libraries.
//
// Sources are configured out of tree into <work>/build so each target has
// its own cache:
//
//	cmake -S <src> -B <work>/build -DCMAKE_BUILD_TYPE=Release ...
//	cmake --build <work>/build --config Release [--parallel N]
type CMakeCompiler struct {
	Runner CommandRunner
}

// Name returns the compiler name
func (c *CMakeCompiler) Name() string {
	return "CMake"
}

// RequiredTools returns the tools needed for CMake builds
func (c *CMakeCompiler) RequiredTools() []ToolRequirement {
	return []ToolRequirement{
		{Name: "cmake", Purpose: "CMake build system"},
		{Name: "cc", Alternatives: []string{"clang", "gcc"}, Purpose: "C compiler"},
	}
}

// CheckTools verifies that cmake and a C compiler are available
func (c *CMakeCompiler) CheckTools() error {
	return CheckRequiredTools(c.RequiredTools())
}

// CanBuild checks if this compiler can handle the manifest file
func (c *CMakeCompiler) CanBuild(manifestFile string) bool {
	return MatchesPattern(manifestFile, `CMakeLists\.txt$`)
}

// Build configures and compiles the library using the cmake workflow
func (c *CMakeCompiler) Build(ctx context.Context, req *CompileRequest) (*BuildResult, error) {
	return runCommonBuild(ctx, req, runnerOrDefault(c.Runner), c.Name(), CommonBuildSteps{
		ConfigureFunc: c.runConfigure,
		BuildFunc:     c.runBuild,
		FindFunc:      c.findOutputs,
	})
}

// Clean runs the clean target of the job's build tree
func (c *CMakeCompiler) Clean(ctx context.Context, req *CompileRequest) error {
	if _, err := os.Stat(c.buildDir(req)); os.IsNotExist(err) {
		return nil
	}
	_, err := runnerOrDefault(c.Runner).Run(ctx, Command{
		Name: toolPath(req, "cmake"),
		Args: []string{"--build", c.buildDir(req), "--target", "clean"},
		Env:  compileEnv(req),
	})
	return err
}

func (c *CMakeCompiler) runConfigure(ctx context.Context, req *CompileRequest, run CommandRunner, result *BuildResult) error {
	libDir := filepath.Join(c.buildDir(req), "lib")
	args := []string{
		"-S", req.ManifestDir(),
		"-B", c.buildDir(req),
		"-DCMAKE_BUILD_TYPE=Release",
		"-DCMAKE_LIBRARY_OUTPUT_DIRECTORY=" + libDir,
		"-DCMAKE_ARCHIVE_OUTPUT_DIRECTORY=" + libDir,
		"-DCMAKE_RUNTIME_OUTPUT_DIRECTORY=" + libDir,
	}

	if generator := req.Env["CMAKE_GENERATOR"]; generator != "" {
		args = append(args, "-G", generator)
	}

	args = append(args, c.platformArgs(req.Target)...)
	args = append(args, req.BuildArgs...)

	return runStep(ctx, run, c.Name(), req, Command{
		Name: toolPath(req, "cmake"),
		Args: args,
		Dir:  req.WorkDir,
	}, result)
}

func (c *CMakeCompiler) runBuild(ctx context.Context, req *CompileRequest, run CommandRunner, result *BuildResult) error {
	args := []string{"--build", c.buildDir(req), "--config", "Release"}

	if req.Parallel > 0 {
		args = append(args, "--parallel", fmt.Sprintf("%d", req.Parallel))
	}

	return runStep(ctx, run, "CMake Build", req, Command{
		Name: toolPath(req, "cmake"),
		Args: args,
		Dir:  req.WorkDir,
	}, result)
}

// findOutputs searches the output directories multi-config generators use.
func (c *CMakeCompiler) findOutputs(req *CompileRequest) ([]string, error) {
	searchDirs := []string{
		"lib",
		filepath.Join("lib", "Release"),
		"Release",
		".",
	}

	var found []string
	for _, dir := range searchDirs {
		full := filepath.Join(c.buildDir(req), dir)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			continue
		}
		matches, err := findLibraries(full, req.Target.Platform)
		if err != nil {
			return nil, err
		}
		found = append(found, matches...)
	}
	return orderLibraries(found, req.Target.Platform, req.LibName), nil
}

// platformArgs cross-compiles Apple targets through CMake's own variables.
func (c *CMakeCompiler) platformArgs(target TargetSpec) []string {
	var args []string
	switch normalizePlatform(target.Platform) {
	case "ios":
		args = append(args, "-DCMAKE_SYSTEM_NAME=iOS")
		fallthrough
	case "macos":
		arch := target.Arch
		if goArch(arch) == "amd64" {
			arch = "x86_64"
		}
		args = append(args, "-DCMAKE_OSX_ARCHITECTURES="+arch)
	}
	return args
}

func (c *CMakeCompiler) buildDir(req *CompileRequest) string {
	return filepath.Join(req.WorkDir, "build")
}
