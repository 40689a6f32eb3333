package bindpack

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var nativeLibraryExtensions = map[string]struct{}{
	".so":    {},
	".dylib": {},
	".dll":   {},
	".a":     {},
	".lib":   {},
}

// installArtifact copies the preferred library of a finished build out of
// the job's work directory into the artifact tree and returns its path.
//
// The destination is target.OutputPath when set (relative paths are taken
// from outDir, a trailing separator names a directory), otherwise
// <outDir>/artifacts/<platform>-<arch>/<library>. The copy is written next
// to the destination and renamed, so a reader never sees a partial file.
func installArtifact(outDir string, target TargetSpec, libraries []string) (string, error) {
	var lib string
	for _, candidate := range libraries {
		if isNativeLibrary(candidate) {
			lib = candidate
			break
		}
	}
	if lib == "" {
		return "", errors.New("build produced no native library")
	}

	dest := artifactDestination(outDir, target, filepath.Base(lib))
	tmp := dest + ".partial"
	if err := copyFile(lib, tmp); err != nil {
		return "", fmt.Errorf("copy %s: %w", lib, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("install %s: %w", dest, err)
	}
	return dest, nil
}

func artifactDestination(outDir string, target TargetSpec, libFile string) string {
	if target.OutputPath == "" {
		return filepath.Join(outDir, "artifacts", target.Key(), libFile)
	}

	dest := target.OutputPath
	if !filepath.IsAbs(dest) {
		dest = filepath.Join(outDir, safeRelativePath(dest))
	}
	if strings.HasSuffix(target.OutputPath, "/") || strings.HasSuffix(target.OutputPath, string(filepath.Separator)) {
		return filepath.Join(dest, libFile)
	}
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return filepath.Join(dest, libFile)
	}
	return dest
}

func isNativeLibrary(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := nativeLibraryExtensions[ext]
	return ok
}

func copyFile(srcPath, destPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}

	dir := filepath.Dir(destPath)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return mkErr
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// safeRelativePath keeps a configured relative path inside its root.
func safeRelativePath(path string) string {
	clean := filepath.Clean(path)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return filepath.Base(path)
	}
	return clean
}
