package bindpack

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MatchesPattern checks if a filename matches any of the given regex patterns.
//
// Compilers use it to decide whether they can handle a source manifest.
// Invalid patterns are skipped.
//
// # Example
//
//	if MatchesPattern(filename, `Cargo\.toml$`) {
//	    // Handle a Rust crate
//	}
func MatchesPattern(filename string, patterns ...string) bool {
	for _, pattern := range patterns {
		if matched, _ := regexp.MatchString(pattern, filename); matched {
			return true
		}
	}
	return false
}

// MatchesExtension checks if a filename has any of the given extensions.
//
// The check is case-insensitive and works with or without the leading dot.
func MatchesExtension(filename string, extensions ...string) bool {
	for _, ext := range extensions {
		if strings.HasSuffix(strings.ToLower(filename), strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// BuildError creates a standardized compiler error with output context.
//
// # Format
//
// With error and output:
//
//	Cargo build failed: exit status 101
//
//	Build output:
//	error[E0425]: cannot find value `x` in this scope
//
// With error but no output:
//
//	Cargo build failed: exit status 101
func BuildError(compiler string, output []string, err error) error {
	outputStr := strings.TrimRight(strings.Join(output, "\n"), "\n")

	var prefix string
	if err != nil {
		prefix = fmt.Sprintf("%s build failed: %v", compiler, err)
	} else {
		prefix = fmt.Sprintf("%s build failed", compiler)
	}

	if outputStr != "" {
		return fmt.Errorf("%s\n\nBuild output:\n%s", prefix, outputStr)
	}

	return fmt.Errorf("%s", prefix)
}

// libraryPatterns returns glob patterns for the native libraries a platform
// produces. Shared libraries come first so they are preferred over archives.
func libraryPatterns(platform string) []string {
	switch normalizePlatform(platform) {
	case "windows":
		return []string{"*.dll", "*.lib"}
	case "macos":
		return []string{"*.dylib", "*.a"}
	case "ios":
		return []string{"*.a", "*.dylib"}
	default:
		return []string{"*.so", "*.a"}
	}
}

// sharedLibraryName returns the file name the platform uses for a shared library.
func sharedLibraryName(platform, libName string) string {
	switch normalizePlatform(platform) {
	case "windows":
		return libName + ".dll"
	case "macos":
		return "lib" + libName + ".dylib"
	case "ios":
		return "lib" + libName + ".a"
	default:
		return "lib" + libName + ".so"
	}
}

func normalizePlatform(platform string) string {
	switch strings.ToLower(platform) {
	case "darwin", "macos", "osx":
		return "macos"
	case "ios", "ios-sim", "ios-simulator":
		return "ios"
	case "windows", "win", "win32":
		return "windows"
	default:
		return strings.ToLower(platform)
	}
}

// goOS maps a platform name to GOOS.
func goOS(platform string) string {
	switch normalizePlatform(platform) {
	case "macos":
		return "darwin"
	default:
		return normalizePlatform(platform)
	}
}

// goArch maps an architecture name to GOARCH.
func goArch(arch string) string {
	switch strings.ToLower(arch) {
	case "x86_64", "x64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "i686", "x86", "386":
		return "386"
	case "armv7", "arm":
		return "arm"
	default:
		return strings.ToLower(arch)
	}
}

// findLibraries globs dir for the platform's library patterns and returns
// absolute paths, shared libraries first.
func findLibraries(dir, platform string) ([]string, error) {
	var found []string
	for _, pattern := range libraryPatterns(platform) {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("failed to glob pattern %s in %s: %v", pattern, dir, err)
		}
		found = append(found, matches...)
	}
	return found, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	var result []string

	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}

	return result
}
