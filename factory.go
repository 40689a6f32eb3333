package bindpack

import (
	"fmt"
	"path/filepath"
)

// CompilerFactory manages the registration and selection of compilers.
//
// # Usage
//
// Create a factory with all standard compilers:
//
//	factory := bindpack.NewCompilerFactory()
//
// Or create an empty factory and register custom compilers:
//
//	factory := &bindpack.CompilerFactory{}
//	factory.Register(bindpack.NewZigCompiler())
//
// # Compiler Selection
//
// When picking a compiler, the factory:
//  1. Extracts the filename from the manifest path
//  2. Calls CanBuild() on each registered compiler in order
//  3. Uses the first compiler that returns true
//  4. Returns an error if no compiler can handle the file
//
// # Thread Safety
//
// CompilerFactory is NOT thread-safe for registration.
// Register all compilers before the orchestrator starts.
type CompilerFactory struct {
	compilers []Compiler
}

// NewCompilerFactory creates a factory with all standard compilers registered.
//
// The standard compilers are registered in this order:
//  1. CargoCompiler - Cargo.toml
//  2. CMakeCompiler - CMakeLists.txt
//  3. GoCompiler - go.mod
//  4. Make (GenericCompiler) - Makefile, GNUmakefile
//  5. Zig (GenericCompiler) - build.zig
//
// runner is shared by every compiler; nil selects ExecRunner.
func NewCompilerFactory(runner CommandRunner) *CompilerFactory {
	factory := &CompilerFactory{}

	factory.Register(&CargoCompiler{Runner: runner})
	factory.Register(&CMakeCompiler{Runner: runner})
	factory.Register(&GoCompiler{Runner: runner})

	makeCompiler := NewMakeCompiler()
	makeCompiler.Runner = runner
	factory.Register(makeCompiler)

	zig := NewZigCompiler()
	zig.Runner = runner
	factory.Register(zig)

	return factory
}

// Register adds a new compiler to the factory.
//
// Compilers are checked in the order they are registered.
// Not thread-safe. Register all compilers before concurrent use.
func (f *CompilerFactory) Register(compiler Compiler) {
	f.compilers = append(f.compilers, compiler)
}

// RegisterFirst adds a compiler ahead of the already registered ones so it
// wins for manifests several compilers accept. Configured compilers use it.
func (f *CompilerFactory) RegisterFirst(compiler Compiler) {
	f.compilers = append([]Compiler{compiler}, f.compilers...)
}

// CompilerFor returns the appropriate compiler for the given manifest file.
//
// The manifestFile can be a path (e.g., "core/Cargo.toml") or a filename.
// Only the base filename is used for matching.
func (f *CompilerFactory) CompilerFor(manifestFile string) (Compiler, error) {
	filename := filepath.Base(manifestFile)

	for _, compiler := range f.compilers {
		if compiler.CanBuild(filename) {
			return compiler, nil
		}
	}

	return nil, fmt.Errorf("no compiler found for manifest file: %s", filename)
}

// ListCompilers returns a copy of all registered compilers.
func (f *CompilerFactory) ListCompilers() []Compiler {
	return append([]Compiler{}, f.compilers...)
}
