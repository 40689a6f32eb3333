package bindpack

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// GenericCompiler provides a configurable compiler for any build system
// that can produce a native library from a command line.
//
// It backs the `compiler:` section of bindpack.yaml as well as the
// predefined Make and Zig compilers, so new build systems do not need a
// new Go file.
//
// # Placeholders
//
// BuildCommand and CleanCommand support:
//
//	{{source}}   - directory holding the manifest file
//	{{work}}     - the job's work directory
//	{{output}}   - <work>/<platform library file name>
//	{{triple}}   - the target triple (may be empty)
//	{{platform}} - the target platform
//	{{arch}}     - the target architecture
//
// # Example: Zig
//
//	zig := NewGenericCompiler(&GenericCompilerConfig{
//	    Name:     "Zig",
//	    Patterns: []string{"build.zig"},
//	    BuildCommand: []string{
//	        "zig", "build", "-Doptimize=ReleaseFast",
//	        "-Dtarget={{triple}}", "--prefix", "{{work}}",
//	    },
//	    OutputPatterns: []string{"lib/*"},
//	})
type GenericCompiler struct {
	name           string
	patterns       []string
	tools          []ToolRequirement
	buildCommand   []string
	cleanCommand   []string
	outputPatterns []string

	// Runner executes the commands. Defaults to ExecRunner.
	Runner CommandRunner
}

// GenericCompilerConfig defines configuration for a GenericCompiler.
type GenericCompilerConfig struct {
	// Name is the human-readable compiler name (e.g., "Zig", "Make")
	Name string `yaml:"name" json:"name"`

	// Patterns are manifest file patterns to match (e.g., "build.zig", "Makefile")
	Patterns []string `yaml:"patterns" json:"patterns"`

	// Tools are the required build tools
	Tools []ToolRequirement `yaml:"-" json:"-"`

	// BuildCommand is the command template that compiles the library.
	BuildCommand []string `yaml:"build" json:"build"`

	// CleanCommand is an optional command to clean build artifacts
	CleanCommand []string `yaml:"clean,omitempty" json:"clean,omitempty"`

	// OutputPatterns are globs relative to the work directory.
	// Empty means the platform's library patterns in the work directory.
	OutputPatterns []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// NewGenericCompiler creates a new GenericCompiler from configuration.
func NewGenericCompiler(config *GenericCompilerConfig) *GenericCompiler {
	tools := config.Tools
	if len(tools) == 0 && len(config.BuildCommand) > 0 {
		tools = []ToolRequirement{{Name: config.BuildCommand[0], Purpose: config.Name + " build"}}
	}
	return &GenericCompiler{
		name:           config.Name,
		patterns:       config.Patterns,
		tools:          tools,
		buildCommand:   config.BuildCommand,
		cleanCommand:   config.CleanCommand,
		outputPatterns: config.OutputPatterns,
	}
}

// Name returns the compiler name
func (c *GenericCompiler) Name() string {
	return c.name
}

// RequiredTools returns the tools needed for this compiler
func (c *GenericCompiler) RequiredTools() []ToolRequirement {
	return c.tools
}

// CheckTools verifies that all required tools are available
func (c *GenericCompiler) CheckTools() error {
	return CheckRequiredTools(c.RequiredTools())
}

// CanBuild checks if this compiler can handle the manifest file
func (c *GenericCompiler) CanBuild(manifestFile string) bool {
	filename := strings.ToLower(filepath.Base(manifestFile))

	for _, pattern := range c.patterns {
		// Support both exact matches and glob patterns
		if matched, _ := filepath.Match(strings.ToLower(pattern), filename); matched {
			return true
		}
	}

	return false
}

// Build compiles the library using the configured build command
func (c *GenericCompiler) Build(ctx context.Context, req *CompileRequest) (*BuildResult, error) {
	return runCommonBuild(ctx, req, runnerOrDefault(c.Runner), c.name, CommonBuildSteps{
		BuildFunc: c.runBuild,
		FindFunc:  c.findOutputs,
	})
}

// Clean removes build artifacts using the configured clean command
func (c *GenericCompiler) Clean(ctx context.Context, req *CompileRequest) error {
	if len(c.cleanCommand) == 0 {
		return nil // No clean command configured
	}

	args := c.expand(c.cleanCommand, req)
	// Ignore errors - clean may not be necessary
	_, _ = runnerOrDefault(c.Runner).Run(ctx, Command{
		Name: args[0],
		Args: args[1:],
		Dir:  req.ManifestDir(),
		Env:  compileEnv(req),
	})
	return nil
}

func (c *GenericCompiler) runBuild(ctx context.Context, req *CompileRequest, run CommandRunner, result *BuildResult) error {
	if len(c.buildCommand) == 0 {
		return fmt.Errorf("no build command configured for %s compiler", c.name)
	}

	args := c.expand(c.buildCommand, req)
	args = append(args, req.BuildArgs...)

	return runStep(ctx, run, c.name, req, Command{
		Name: args[0],
		Args: args[1:],
		Dir:  req.ManifestDir(),
	}, result)
}

func (c *GenericCompiler) findOutputs(req *CompileRequest) ([]string, error) {
	if len(c.outputPatterns) == 0 {
		found, err := findLibraries(req.WorkDir, req.Target.Platform)
		if err != nil {
			return nil, err
		}
		return orderLibraries(found, req.Target.Platform, req.LibName), nil
	}

	var found []string
	for _, pattern := range c.outputPatterns {
		matches, err := filepath.Glob(filepath.Join(req.WorkDir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to glob pattern %s in %s: %v", pattern, req.WorkDir, err)
		}
		for _, match := range matches {
			if isNativeLibrary(match) {
				found = append(found, match)
			}
		}
	}
	if len(found) == 0 {
		return nil, errors.New("no output matched " + strings.Join(c.outputPatterns, ", "))
	}
	return orderLibraries(found, req.Target.Platform, req.LibName), nil
}

// expand substitutes the request's placeholders in a command template.
func (c *GenericCompiler) expand(template []string, req *CompileRequest) []string {
	replacer := strings.NewReplacer(
		"{{source}}", req.ManifestDir(),
		"{{work}}", req.WorkDir,
		"{{output}}", filepath.Join(req.WorkDir, sharedLibraryName(req.Target.Platform, req.LibName)),
		"{{triple}}", req.Target.Triple,
		"{{platform}}", req.Target.Platform,
		"{{arch}}", req.Target.Arch,
	)
	args := make([]string, len(template))
	for i, arg := range template {
		args[i] = replacer.Replace(arg)
	}
	return args
}

// Predefined compilers for build systems without a dedicated type

// NewMakeCompiler creates a compiler for Makefile-driven core libraries.
// The Makefile receives the target through TARGET, PLATFORM and ARCH and
// must write the library to OUT_DIR.
func NewMakeCompiler() *GenericCompiler {
	return NewGenericCompiler(&GenericCompilerConfig{
		Name:     "Make",
		Patterns: []string{"Makefile", "GNUmakefile"},
		Tools: []ToolRequirement{
			{Name: "make", Alternatives: []string{"gmake"}, Purpose: "Make build tool"},
		},
		BuildCommand: []string{
			"make", "-C", "{{source}}",
			"OUT_DIR={{work}}", "TARGET={{triple}}", "PLATFORM={{platform}}", "ARCH={{arch}}",
		},
		CleanCommand: []string{"make", "-C", "{{source}}", "OUT_DIR={{work}}", "clean"},
	})
}

// NewZigCompiler creates a compiler for Zig core libraries.
func NewZigCompiler() *GenericCompiler {
	return NewGenericCompiler(&GenericCompilerConfig{
		Name:     "Zig",
		Patterns: []string{"build.zig"},
		Tools: []ToolRequirement{
			{Name: "zig", Purpose: "Zig compiler and build system"},
		},
		BuildCommand: []string{
			"zig", "build", "-Doptimize=ReleaseFast",
			"-Dtarget={{triple}}", "--prefix", "{{work}}",
		},
		OutputPatterns: []string{"lib/*"},
	})
}
