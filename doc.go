// Package bindpack packages a native core library for several language
// ecosystems.
//
// A run compiles the library for a (platform, architecture) matrix,
// generates language bindings from the compiled library, merges the
// per-architecture artifacts into one bundle per language, runs each
// language's test suite against its bundle and publishes the bundles to
// their registries under a single version.
//
// # Stages
//
//	ToolchainManager   pins and resolves the compiler toolchain per target
//	BuildOrchestrator  one isolated BuildJob per TargetSpec on a bounded pool
//	BindingGenerator   deterministic, ABI-checked binding sources per language
//	ArtifactAssembler  single / resource-tree / slice bundles, atomically placed
//	TestRunner         tag-filtered suites, parallel across languages
//	Publisher          staged, idempotent uploads gated on passed reports
//
// Pipeline wires the stages together from a Config:
//
//	cfg, err := bindpack.LoadConfig("bindpack.yaml")
//	if err != nil {
//	    return err
//	}
//	pipeline, err := bindpack.NewPipeline(cfg, bindpack.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	result, err := pipeline.Run(ctx, bindpack.RunOptions{Publish: true})
//
// # Compilers
//
// The build system of the core library is detected from its manifest:
//
//	CompilerFactory
//	├── CargoCompiler (Cargo.toml)
//	├── CMakeCompiler (CMakeLists.txt)
//	├── GoCompiler (go.mod)
//	├── Make (Makefile, GNUmakefile)
//	└── Zig (build.zig)
//
// A `compiler:` section in the configuration registers a GenericCompiler
// ahead of these.
//
// # Errors
//
// Every stage fails with a *StageError whose Kind is one of the Err*
// sentinels (or the context error on cancellation). Failures of parallel
// work are joined, so errors.Is finds every kind that occurred.
//
// # Requirements
//
// Requires Go 1.25 or later. The compilers, the binding tool and the test
// commands are external programs and must be on PATH.
package bindpack
