package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contriboss/bindpack"
)

const testConfig = `
name: core
version: 1.0.0
abi_version: "29"
source: src
concurrency: 2
targets:
  - {platform: linux, arch: x86_64}
  - {platform: linux, arch: arm64}
generator: {tool: uniffi-bindgen}
bindings:
  - {language: python, kind: single}
  - {language: kotlin, kind: resource-tree}
suites:
  - language: python
    cases:
      - {name: import, command: [python3, -c, import core]}
      - {name: live, command: [pytest, live], tags: [network]}
  - language: kotlin
    cases:
      - {name: load, command: [gradle, test]}
registries:
  - {language: python, kind: local, endpoint: registry}
  - {language: kotlin, kind: local, endpoint: registry}
`

// fakeCompiler writes "native:<target>" as the library of every target.
type fakeCompiler struct{}

func (fakeCompiler) Name() string        { return "Fake" }
func (fakeCompiler) CanBuild(string) bool { return true }

func (fakeCompiler) Build(_ context.Context, req *bindpack.CompileRequest) (*bindpack.BuildResult, error) {
	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, err
	}
	lib := filepath.Join(req.WorkDir, "lib"+req.LibName+".so")
	if err := os.WriteFile(lib, []byte("native:"+req.Target.Key()), 0o644); err != nil {
		return nil, err
	}
	return &bindpack.BuildResult{Success: true, Libraries: []string{lib}}, nil
}

func (fakeCompiler) Clean(context.Context, *bindpack.CompileRequest) error { return nil }

// fakeTool emits one source file per language carrying the ABI reference.
type fakeTool struct{}

func (fakeTool) Version(context.Context) (string, error)    { return "0.29.4", nil }
func (fakeTool) ABIVersion(context.Context) (string, error) { return "29", nil }

func (fakeTool) Generate(_ context.Context, _, language, outDir string, _ []string) error {
	path := filepath.Join(outDir, language, "bindings.src")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("// abi-version: 29\n"), 0o644)
}

// passingRunner succeeds every command.
type passingRunner struct{}

func (passingRunner) Run(context.Context, bindpack.Command) ([]byte, error) {
	return []byte("ok\n"), nil
}

// writeTestConfig writes testConfig to a fresh project directory.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, bindpack.DefaultConfigFile), []byte(testConfig), 0o644))
	return dir
}

// execute runs bindpack with the fakes against the project in dir.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	opts := &RootOptions{pipelineOptions: []bindpack.PipelineOption{
		bindpack.WithCompiler(fakeCompiler{}),
		bindpack.WithBindingTool(fakeTool{}),
		bindpack.WithRunner(passingRunner{}),
	}}
	cmd := newRootCommand(opts)

	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", filepath.Join(dir, bindpack.DefaultConfigFile), "--no-color"}, args...))

	err := cmd.Execute()
	if err != nil {
		t.Logf("stderr: %s", errOut.String())
	}
	return out.String(), err
}
