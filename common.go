package bindpack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// runCommonBuild executes the standard 3-step build process.
//
// Every compiler follows the same pattern:
//  1. Configure: prepare the per-target build directory (cmake -S/-B, nothing for cargo)
//  2. Build: compile the library for the request's target
//  3. Find: locate the produced libraries inside the work directory
//
// # Process Flow
//
//  1. Create the request's WorkDir
//  2. Call ConfigureFunc (skipped when nil)
//  3. Call BuildFunc
//  4. Call FindFunc; an empty result is a failure
//  5. Return BuildResult with Success=true
//
// If any step fails, processing stops and the error is returned
// with Success=false. Failures caused by cancellation keep the context
// error in their chain so callers can tell them apart from compile errors.
func runCommonBuild(ctx context.Context, req *CompileRequest, run CommandRunner, name string, steps CommonBuildSteps) (*BuildResult, error) {
	result := &BuildResult{
		Success: false,
		Output:  []string{},
	}

	fail := func(err error) (*BuildResult, error) {
		result.Error = err
		return result, err
	}

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return fail(fmt.Errorf("create work dir %s: %w", req.WorkDir, err))
	}

	// Step 1: Configure
	if steps.ConfigureFunc != nil {
		if err := steps.ConfigureFunc(ctx, req, run, result); err != nil {
			return fail(err)
		}
	}

	// Step 2: Compile
	if err := steps.BuildFunc(ctx, req, run, result); err != nil {
		return fail(err)
	}

	// Step 3: Find the produced libraries
	libraries, err := steps.FindFunc(req)
	if err != nil {
		return fail(BuildError(name, result.Output, err))
	}
	if len(libraries) == 0 {
		return fail(BuildError(name, result.Output, errors.New("no library produced for "+req.Target.Key())))
	}

	result.Libraries = libraries
	result.Success = true
	return result, nil
}

// runStep runs one command of a build step, collects its output and wraps
// failures with BuildError.
func runStep(ctx context.Context, run CommandRunner, name string, req *CompileRequest, cmd Command, result *BuildResult) error {
	cmd.Env = append(compileEnv(req), cmd.Env...)

	output, err := run.Run(ctx, cmd)
	result.Output = append(result.Output, splitLines(output)...)

	if req.Verbose {
		result.Output = append(result.Output,
			fmt.Sprintf("Running: %s", cmd),
			fmt.Sprintf("Working directory: %s", cmd.Dir))
	}

	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", name, ctx.Err())
		}
		return BuildError(name, result.Output, err)
	}
	return nil
}

// compileEnv returns the environment shared by every command of a request:
// the pinned toolchain selectors followed by the configured variables.
func compileEnv(req *CompileRequest) []string {
	var env []string
	if req.Toolchain != nil {
		env = append(env, req.Toolchain.Env...)
	}
	extra := envList(req.Env)
	sort.Strings(extra)
	return append(env, extra...)
}

// toolPath returns the resolved toolchain binary when it matches tool,
// otherwise tool itself.
func toolPath(req *CompileRequest, tool string) string {
	if req.Toolchain != nil && req.Toolchain.Tool == tool && req.Toolchain.Path != "" {
		return req.Toolchain.Path
	}
	return tool
}

// orderLibraries puts the library named after libName first, keeping the
// platform preference order for the rest.
func orderLibraries(found []string, platform, libName string) []string {
	found = uniqueStrings(found)
	if libName == "" {
		return found
	}
	want := sharedLibraryName(platform, libName)
	for i, path := range found {
		if filepath.Base(path) == want {
			ordered := append([]string{path}, found[:i]...)
			return append(ordered, found[i+1:]...)
		}
	}
	return found
}

func dirOf(root, file string) string {
	return filepath.Dir(filepath.Join(root, file))
}
