package bindpack

import "context"

// Compiler defines the interface that every native build system adapter implements.
//
// Each compiler drives one build system (Cargo, CMake, the go command, or a
// configured command template) to produce the core library for a single
// TargetSpec.
//
// # Compiler Lifecycle
//
//  1. CanBuild() - the factory calls this to pick a compiler for the source manifest
//  2. Build() - the orchestrator calls this once per BuildJob
//  3. Clean() - `bindpack clean` removes what Build left behind
//
// # Example Implementation
//
//	type ZigCompiler struct{}
//
//	func (c *ZigCompiler) Name() string {
//	    return "Zig"
//	}
//
//	func (c *ZigCompiler) CanBuild(manifestFile string) bool {
//	    return MatchesPattern(manifestFile, `build\.zig$`)
//	}
//
//	func (c *ZigCompiler) Build(ctx context.Context, req *CompileRequest) (*BuildResult, error) {
//	    // zig build -Dtarget=<triple> --prefix <req.WorkDir>
//	    return &BuildResult{Success: true}, nil
//	}
//
//	func (c *ZigCompiler) Clean(ctx context.Context, req *CompileRequest) error {
//	    return nil
//	}
//
// # Isolation
//
// Build must write only below req.WorkDir. Two requests for different targets
// never share a WorkDir, so one compiler value serves concurrent jobs.
type Compiler interface {
	// Name returns the human-readable name used in errors and logs.
	// Examples: "Cargo", "CMake", "Go"
	Name() string

	// CanBuild reports whether this compiler handles the given source
	// manifest (e.g. "Cargo.toml", "core/CMakeLists.txt").
	CanBuild(manifestFile string) bool

	// Build compiles the library for req.Target.
	//
	// Returns:
	//   - BuildResult with Success=true and Libraries (absolute paths) on success
	//   - BuildResult with Success=false and Error on failure
	Build(ctx context.Context, req *CompileRequest) (*BuildResult, error)

	// Clean removes build artifacts for the request.
	// Returns nil if cleaning is not supported or completes successfully.
	Clean(ctx context.Context, req *CompileRequest) error
}

// CompileRequest is everything a compiler needs for one target.
//
// Source paths:
//   - SourceDir: root of the core library sources
//   - ManifestFile: build manifest relative to SourceDir (Cargo.toml, CMakeLists.txt, go.mod)
//   - WorkDir: per-target arena, owned by exactly one BuildJob
//
// Target:
//   - Target: the platform/arch being built
//   - Toolchain: the resolved toolchain, nil when the compiler uses PATH
//   - LibName: base library name without prefix or suffix ("bdkffi")
type CompileRequest struct {
	SourceDir    string
	ManifestFile string
	WorkDir      string

	Target    TargetSpec
	Toolchain *ToolchainHandle
	LibName   string

	BuildArgs []string          // extra arguments for the build tool
	Env       map[string]string // extra environment for every command
	Parallel  int               // tool-level jobs, 0 = tool default
	Verbose   bool
}

// ManifestDir returns the directory holding the build manifest.
func (r *CompileRequest) ManifestDir() string {
	return dirOf(r.SourceDir, r.ManifestFile)
}

// BuildResult contains the output and status of one compilation.
type BuildResult struct {
	Success   bool     // True if the library was produced
	Output    []string // Lines of output from the build process
	Libraries []string // Absolute paths of produced libraries, preferred first
	Error     error    // Error if build failed, nil otherwise
}

// CommonBuildSteps defines the configure/build/find pattern most compilers follow.
//
//	return runCommonBuild(ctx, req, c.runner(), CommonBuildSteps{
//	    ConfigureFunc: c.configure,
//	    BuildFunc:     c.compile,
//	    FindFunc:      c.findOutputs,
//	})
type CommonBuildSteps struct {
	// ConfigureFunc prepares the build directory (e.g. cmake -S -B). May be nil.
	ConfigureFunc func(ctx context.Context, req *CompileRequest, run CommandRunner, result *BuildResult) error

	// BuildFunc compiles the library.
	BuildFunc func(ctx context.Context, req *CompileRequest, run CommandRunner, result *BuildResult) error

	// FindFunc locates the produced libraries after the build completes.
	FindFunc func(req *CompileRequest) ([]string, error)
}
