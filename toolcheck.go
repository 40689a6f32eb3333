package bindpack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ToolChecker is an optional interface for compilers that require external tools.
//
// The orchestrator calls CheckTools before any job starts so a missing tool
// fails the run before anything is compiled.
type ToolChecker interface {
	// RequiredTools returns the list of tools this compiler needs.
	RequiredTools() []ToolRequirement

	// CheckTools verifies that all required tools are available.
	// Optional tools don't cause errors if missing.
	CheckTools() error
}

// ToolRequirement describes a build tool dependency.
//
// Tool with alternatives:
//
//	ToolRequirement{
//	    Name: "gcc",
//	    Alternatives: []string{"clang", "cc"},
//	    Purpose: "C compiler",
//	}
type ToolRequirement struct {
	// Name is the primary tool binary name (e.g., "cmake", "cargo").
	Name string

	// Alternatives are alternative tool names that can satisfy this requirement.
	Alternatives []string

	// Optional indicates this tool is optional and won't cause an error if missing.
	Optional bool

	// Purpose is a human-readable description of why this tool is needed.
	Purpose string
}

// CheckToolAvailable checks if a tool is available in the system PATH.
func CheckToolAvailable(tool string) error {
	_, err := execLookPath(tool)
	if err != nil {
		return fmt.Errorf("%s not found in PATH", tool)
	}
	return nil
}

// CheckRequiredTools verifies all required tools are available.
//
// # Error Format
//
// Single missing tool:
//
//	cmake (CMake build system) not found in PATH
//
// Multiple missing tools:
//
//	missing required tools: cmake (CMake build system), cargo (Rust compiler)
func CheckRequiredTools(requirements []ToolRequirement) error {
	var missingTools []string

	for _, req := range requirements {
		found := CheckToolAvailable(req.Name) == nil

		if !found && len(req.Alternatives) > 0 {
			for _, alt := range req.Alternatives {
				if CheckToolAvailable(alt) == nil {
					found = true
					break
				}
			}
		}

		if !found && !req.Optional {
			if req.Purpose != "" {
				missingTools = append(missingTools, fmt.Sprintf("%s (%s)", req.Name, req.Purpose))
			} else {
				missingTools = append(missingTools, req.Name)
			}
		}
	}

	if len(missingTools) == 0 {
		return nil
	}

	if len(missingTools) == 1 {
		return fmt.Errorf("%s not found in PATH", missingTools[0])
	}

	return fmt.Errorf("missing required tools: %s", strings.Join(missingTools, ", "))
}

// ToolchainPin declares the compiler toolchain a target must be built with.
type ToolchainPin struct {
	// Tool is the toolchain driver binary (cargo, go, cmake).
	Tool string `yaml:"tool" json:"tool"`

	// Version is the default pinned version; TargetSpec.Toolchain overrides it.
	Version string `yaml:"version" json:"version"`

	// VersionArgs are passed to Tool to report its version. Defaults to --version.
	VersionArgs []string `yaml:"version_args,omitempty" json:"version_args,omitempty"`

	// Install obtains a missing version. "{{version}}" is substituted,
	// e.g. [rustup, toolchain, install, "{{version}}"].
	Install []string `yaml:"install,omitempty" json:"install,omitempty"`
}

// ToolchainHandle is a resolved, version-checked toolchain.
type ToolchainHandle struct {
	Tool    string
	Version string
	Path    string
	Env     []string // selects the pinned version for the tool's proxies
}

// ToolchainManager resolves and pins the exact toolchain per target.
//
// Resolved handles are cached by version. Concurrent resolutions of the same
// version share one probe/install, so a cache key has a single writer.
type ToolchainManager struct {
	pin    ToolchainPin
	runner CommandRunner
	retry  RetryPolicy
	logger *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]*ToolchainHandle
}

// NewToolchainManager creates a manager for the pin.
func NewToolchainManager(pin ToolchainPin, runner CommandRunner, retry RetryPolicy, logger *slog.Logger) *ToolchainManager {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ToolchainManager{
		pin:    pin,
		runner: runner,
		retry:  retry,
		logger: logger,
		cache:  make(map[string]*ToolchainHandle),
	}
}

// Resolve returns the toolchain for target, failing with ErrToolchainUnavailable
// when the pinned version cannot be obtained.
func (m *ToolchainManager) Resolve(ctx context.Context, target TargetSpec) (*ToolchainHandle, error) {
	version := target.Toolchain
	if version == "" {
		version = m.pin.Version
	}
	key := m.pin.Tool + "@" + version

	m.mu.RLock()
	handle, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return handle, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		m.mu.RLock()
		cached, ok := m.cache[key]
		m.mu.RUnlock()
		if ok {
			return cached, nil
		}

		handle, err := m.resolve(ctx, version)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.cache[key] = handle
		m.mu.Unlock()
		return handle, nil
	})
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			// The shared error may be returned to several targets.
			copied := *se
			return nil, copied.forTarget(target.Key())
		}
		return nil, err
	}
	return v.(*ToolchainHandle), nil
}

// ResolveAll resolves every target of the matrix. Any failure is fatal and
// all failures are reported together.
func (m *ToolchainManager) ResolveAll(ctx context.Context, matrix []TargetSpec) (map[string]*ToolchainHandle, error) {
	handles := make(map[string]*ToolchainHandle, len(matrix))
	var errs []error
	for _, target := range matrix {
		handle, err := m.Resolve(ctx, target)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		handles[target.Key()] = handle
	}
	return handles, errors.Join(errs...)
}

func (m *ToolchainManager) resolve(ctx context.Context, version string) (*ToolchainHandle, error) {
	if m.pin.Tool == "" {
		return nil, newStageError(StageToolchain, ErrToolchainUnavailable, errors.New("no toolchain tool configured"))
	}

	handle := &ToolchainHandle{
		Tool:    m.pin.Tool,
		Version: version,
		Env:     toolchainEnv(m.pin.Tool, version),
	}

	path, err := execLookPath(m.pin.Tool)
	if err != nil {
		return nil, newStageError(StageToolchain, ErrToolchainUnavailable, fmt.Errorf("%s not found in PATH", m.pin.Tool))
	}
	handle.Path = path

	reported, probeErr := m.probe(ctx, handle)
	if probeErr == nil && versionMatches(reported, version) {
		m.logger.Debug("toolchain resolved", "stage", StageToolchain, "tool", handle.Tool, "version", version)
		return handle, nil
	}

	if len(m.pin.Install) == 0 {
		cause := probeErr
		if cause == nil {
			cause = fmt.Errorf("%s reports %q, pinned %q", m.pin.Tool, strings.TrimSpace(reported), version)
		}
		return nil, newStageError(StageToolchain, ErrToolchainUnavailable, cause)
	}

	m.logger.Info("installing pinned toolchain", "stage", StageToolchain, "tool", handle.Tool, "version", version)
	install := substituteVersion(m.pin.Install, version)
	attempt := 0
	installErr := m.retry.Do(ctx, func(error) bool { return true }, func() error {
		attempt++
		output, err := m.runner.Run(ctx, Command{Name: install[0], Args: install[1:], Env: handle.Env})
		if err != nil {
			m.logger.Warn("toolchain install failed", "stage", StageToolchain, "attempt", attempt, "error", err)
			return fmt.Errorf("%s: %w: %s", strings.Join(install, " "), err, strings.TrimSpace(string(output)))
		}
		return nil
	})
	if installErr != nil {
		return nil, newStageError(StageToolchain, ErrToolchainUnavailable, installErr)
	}

	reported, probeErr = m.probe(ctx, handle)
	if probeErr != nil {
		return nil, newStageError(StageToolchain, ErrToolchainUnavailable, probeErr)
	}
	if !versionMatches(reported, version) {
		return nil, newStageError(StageToolchain, ErrToolchainUnavailable,
			fmt.Errorf("%s reports %q after install, pinned %q", m.pin.Tool, strings.TrimSpace(reported), version))
	}
	return handle, nil
}

func (m *ToolchainManager) probe(ctx context.Context, handle *ToolchainHandle) (string, error) {
	args := m.pin.VersionArgs
	if len(args) == 0 {
		args = []string{"--version"}
	}
	output, err := m.runner.Run(ctx, Command{Name: handle.Path, Args: args, Env: handle.Env})
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", handle.Tool, strings.Join(args, " "), err)
	}
	return string(output), nil
}

// versionMatches reports whether the tool's version output mentions version
// as a whole token.
func versionMatches(reported, version string) bool {
	if version == "" {
		return true
	}
	for _, field := range strings.FieldsFunc(reported, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '(' || r == ')' || r == ','
	}) {
		if field == version || field == "v"+version || field == "go"+version {
			return true
		}
	}
	return false
}

// toolchainEnv selects the pinned version for tools that dispatch through
// version proxies (rustup, the go command).
func toolchainEnv(tool, version string) []string {
	if version == "" {
		return nil
	}
	switch tool {
	case "cargo", "rustc", "rustup":
		return []string{"RUSTUP_TOOLCHAIN=" + version}
	case "go":
		return []string{"GOTOOLCHAIN=go" + strings.TrimPrefix(version, "go")}
	default:
		return nil
	}
}

func substituteVersion(args []string, version string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = strings.ReplaceAll(arg, "{{version}}", version)
	}
	return out
}
