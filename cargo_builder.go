package bindpack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// CargoCompiler builds Rust crates with Cargo.
//
// The crate is expected to declare a cdylib (and optionally staticlib)
// crate-type. Each target gets its own --target-dir below the job's work
// directory so concurrent jobs never share incremental state.
//
// Build command:
//
//	cargo build --release --lib --manifest-path <crate>/Cargo.toml \
//	    --target-dir <work>/target [--target <triple>] [--locked] [--jobs N]
type CargoCompiler struct {
	// Runner executes cargo. Defaults to ExecRunner.
	Runner CommandRunner
}

// Name returns the compiler name
func (c *CargoCompiler) Name() string {
	return "Cargo"
}

// RequiredTools returns the tools needed for Cargo builds
func (c *CargoCompiler) RequiredTools() []ToolRequirement {
	return []ToolRequirement{
		{Name: "cargo", Purpose: "Rust package manager"},
		{Name: "rustup", Optional: true, Purpose: "Rust toolchain installer"},
	}
}

// CheckTools verifies that the Rust toolchain is available
func (c *CargoCompiler) CheckTools() error {
	return CheckRequiredTools(c.RequiredTools())
}

// CanBuild checks if this compiler can handle the manifest file
func (c *CargoCompiler) CanBuild(manifestFile string) bool {
	return MatchesPattern(manifestFile, `Cargo\.toml$`)
}

// Build compiles the crate for the request's target
func (c *CargoCompiler) Build(ctx context.Context, req *CompileRequest) (*BuildResult, error) {
	return runCommonBuild(ctx, req, runnerOrDefault(c.Runner), c.Name(), CommonBuildSteps{
		BuildFunc: c.runCargo,
		FindFunc:  c.findOutputs,
	})
}

// Clean removes the target directory of the request
func (c *CargoCompiler) Clean(ctx context.Context, req *CompileRequest) error {
	_, err := runnerOrDefault(c.Runner).Run(ctx, Command{
		Name: toolPath(req, "cargo"),
		Args: []string{"clean", "--manifest-path", filepath.Join(req.SourceDir, req.ManifestFile), "--target-dir", c.targetDir(req)},
		Dir:  req.ManifestDir(),
		Env:  compileEnv(req),
	})
	return err
}

func (c *CargoCompiler) runCargo(ctx context.Context, req *CompileRequest, run CommandRunner, result *BuildResult) error {
	args := []string{
		"build", "--release", "--lib",
		"--manifest-path", filepath.Join(req.SourceDir, req.ManifestFile),
		"--target-dir", c.targetDir(req),
	}

	if req.Target.Triple != "" {
		args = append(args, "--target", req.Target.Triple)
	}

	// Use locked dependencies if Cargo.lock exists
	if _, err := os.Stat(filepath.Join(req.ManifestDir(), "Cargo.lock")); err == nil {
		args = append(args, "--locked")
	}

	if req.Parallel > 0 {
		args = append(args, "--jobs", fmt.Sprintf("%d", req.Parallel))
	}

	args = append(args, req.BuildArgs...)

	return runStep(ctx, run, c.Name(), req, Command{
		Name: toolPath(req, "cargo"),
		Args: args,
		Dir:  req.ManifestDir(),
		Env:  []string{"CARGO_TARGET_DIR=" + c.targetDir(req)},
	}, result)
}

// findOutputs locates built libraries in <target-dir>/[<triple>/]release.
func (c *CargoCompiler) findOutputs(req *CompileRequest) ([]string, error) {
	releaseDir := c.targetDir(req)
	if req.Target.Triple != "" {
		releaseDir = filepath.Join(releaseDir, req.Target.Triple)
	}
	releaseDir = filepath.Join(releaseDir, "release")

	found, err := findLibraries(releaseDir, req.Target.Platform)
	if err != nil {
		return nil, fmt.Errorf("failed to find cargo outputs: %w", err)
	}
	return orderLibraries(found, req.Target.Platform, req.LibName), nil
}

func (c *CargoCompiler) targetDir(req *CompileRequest) string {
	return filepath.Join(req.WorkDir, "target")
}

func runnerOrDefault(r CommandRunner) CommandRunner {
	if r == nil {
		return ExecRunner{}
	}
	return r
}
