package bindpack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "bindpack.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "core", cfg.Name)
	assert.Equal(t, "1.2.0", cfg.Version)
	assert.Equal(t, "29", cfg.ABIVersion)
	assert.Equal(t, "core", cfg.LibName)
	assert.Equal(t, 4, cfg.Concurrency)

	assert.Equal(t, filepath.Join("testdata", "..", "core"), cfg.Source)
	assert.Equal(t, filepath.Join("testdata", ".bindpack", "work"), cfg.WorkDir)
	assert.Equal(t, filepath.Join("testdata", "dist"), cfg.OutDir)
	assert.Equal(t, filepath.Join("testdata", ".bindpack", "cache"), cfg.CacheDir)
	assert.Equal(t, filepath.Join("testdata", "tools", "uniffi-bindgen"), cfg.Generator.Tool)

	assert.Equal(t, ToolchainPin{
		Tool:    "cargo",
		Version: "1.84.0",
		Install: []string{"rustup", "toolchain", "install", "{{version}}"},
	}, cfg.Toolchain)
	assert.Equal(t, "1.85.0", cfg.Targets[3].Toolchain)
	assert.Equal(t, []string{"linux-x86_64", "linux-arm64", "ios-arm64", "ios-x86_64"}, cfg.TargetKeys())

	assert.Equal(t, RetryPolicy{MaxAttempts: 4, InitialInterval: 250 * time.Millisecond, MaxInterval: DefaultRetryPolicy.MaxInterval}, cfg.Retry)
	assert.Equal(t, 2*time.Minute, cfg.Suites[0].Cases[1].Timeout)
	assert.Equal(t, []string{NetworkTag}, cfg.Suites[0].Cases[1].Tags)

	assert.Equal(t, "core", cfg.Bindings[0].Name, "binding name defaults to the project name")
	assert.Equal(t, []string{"kotlin", "python", "swift"}, cfg.Languages())
	assert.Equal(t, []BindingSpec{
		{Language: "python"},
		{Language: "kotlin", Flags: []string{"--no-format"}},
		{Language: "swift"},
	}, cfg.BindingSpecs())
}

func TestConfigBundleGroups(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "bindpack.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []BundleGroup{
		{ID: "python/linux-x86_64", Language: "python", Name: "core-linux-x86_64", Kind: KindSingle, Platform: "linux", Targets: []string{"linux-x86_64"}},
		{ID: "python/linux-arm64", Language: "python", Name: "core-linux-arm64", Kind: KindSingle, Platform: "linux", Targets: []string{"linux-arm64"}},
		{ID: "kotlin", Language: "kotlin", Name: "core-jvm", Kind: KindResourceTree, Targets: []string{"linux-x86_64", "linux-arm64"}},
		{ID: "swift", Language: "swift", Name: "Core", Kind: KindSlice, Platform: "ios", Targets: []string{"ios-arm64", "ios-x86_64"}},
	}, cfg.BundleGroups())
}

func TestConfigOpenRegistries(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata", "bindpack.yaml"))
	require.NoError(t, err)

	var looked []string
	registries := cfg.OpenRegistries(func(name string) string {
		looked = append(looked, name)
		return "token"
	})
	require.Len(t, registries, 3)
	assert.Equal(t, []string{"PYPI_TOKEN"}, looked)

	require.IsType(t, &HTTPRegistry{}, registries["python"])
	assert.Equal(t, "https://registry.example.com", registries["python"].Endpoint())
	assert.Equal(t, "token", registries["python"].(*HTTPRegistry).token)

	require.IsType(t, &LocalRegistry{}, registries["kotlin"])
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join("testdata", "registry")), registries["kotlin"].Endpoint())
	assert.Equal(t, "file:///srv/registry", registries["swift"].Endpoint())
}

func TestConfigNewCompiler(t *testing.T) {
	cfg := &Config{Manifest: "Cargo.toml"}
	compiler, err := cfg.NewCompiler(nil)
	require.NoError(t, err)
	assert.Equal(t, "Cargo", compiler.Name())

	cfg = &Config{
		Manifest: "build.zig",
		Compiler: &GenericCompilerConfig{
			Name:         "Zig",
			Patterns:     []string{"build.zig"},
			BuildCommand: []string{"zig", "build", "-Doptimize=ReleaseFast"},
		},
	}
	compiler, err = cfg.NewCompiler(nil)
	require.NoError(t, err)
	assert.Equal(t, "Zig", compiler.Name())
}

const minimalConfig = `
name: core
version: 1.2.0
abi_version: "29"
source: .
targets:
  - {platform: linux, arch: x86_64}
generator: {tool: uniffi-bindgen}
bindings:
  - {language: python, kind: single}
`

func TestParseConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := ParseConfig([]byte(minimalConfig), filepath.Join(dir, DefaultConfigFile))
	require.NoError(t, err)

	assert.Equal(t, "Cargo.toml", cfg.Manifest)
	assert.Equal(t, dir, cfg.Source)
	assert.Equal(t, filepath.Join(dir, "dist"), cfg.OutDir)
	assert.Equal(t, "uniffi-bindgen", cfg.Generator.Tool, "bare tool names are looked up in PATH")
	assert.Positive(t, cfg.Concurrency)
	assert.Equal(t, DefaultRetryPolicy, cfg.Retry)
	assert.Equal(t, []string{"linux-x86_64"}, cfg.Bindings[0].Targets)
	assert.False(t, cfg.Offline)
}

func TestParseConfigSchemaErrors(t *testing.T) {
	testCases := map[string]string{
		"missing targets": strings.Replace(minimalConfig, "targets:\n  - {platform: linux, arch: x86_64}\n", "", 1),
		"unknown kind":    strings.Replace(minimalConfig, "kind: single", "kind: wheel", 1),
		"unknown field":   minimalConfig + "colour: blue\n",
		"empty arch":      strings.Replace(minimalConfig, "arch: x86_64", `arch: ""`, 1),
		"bad concurrency": minimalConfig + "concurrency: 0\n",
		"empty command":   minimalConfig + "suites:\n  - {language: python, cases: [{name: x, command: []}]}\n",
	}
	for name, doc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc), "bindpack.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "bindpack.yaml: invalid configuration")
		})
	}
}

func TestParseConfigValidationErrors(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "version",
			doc:  strings.Replace(minimalConfig, "version: 1.2.0", "version: latest", 1),
			want: `version "latest" is not a semantic version`,
		},
		{
			name: "duplicate target",
			doc:  strings.Replace(minimalConfig, "  - {platform: linux, arch: x86_64}\n", "  - {platform: linux, arch: x86_64}\n  - {platform: linux, arch: x86_64, triple: x86_64-unknown-linux-musl}\n", 1),
			want: "duplicate target linux-x86_64",
		},
		{
			name: "duplicate binding",
			doc:  minimalConfig + "  - {language: python, kind: resource-tree}\n",
			want: "language python has more than one binding",
		},
		{
			name: "unknown binding target",
			doc:  strings.Replace(minimalConfig, "kind: single}", "kind: single, targets: [macos-arm64]}", 1),
			want: "binding python: unknown target macos-arm64",
		},
		{
			name: "slice across platforms",
			doc: strings.Replace(minimalConfig, "  - {platform: linux, arch: x86_64}\n", "  - {platform: linux, arch: x86_64}\n  - {platform: ios, arch: arm64}\n", 1) +
				"  - {language: swift, kind: slice}\n",
			want: "binding swift: slice bundle mixes platforms linux and ios",
		},
		{
			name: "registry without binding",
			doc:  minimalConfig + "registries:\n  - {language: ruby, kind: local, endpoint: gems}\n",
			want: "registry for ruby has no binding",
		},
		{
			name: "registry without suite",
			doc:  minimalConfig + "registries:\n  - {language: python, kind: local, endpoint: wheels}\n",
			want: "registry for python has no test suite",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.doc), "bindpack.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), DefaultConfigFile))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
