package bindpack

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInstallArtifactCopiesToTargetDirectory(t *testing.T) {
	work := t.TempDir()
	out := t.TempDir()

	libPath := filepath.Join(work, "libcore.so")
	if err := os.WriteFile(libPath, []byte("binary"), 0o600); err != nil {
		t.Fatalf("failed to write library: %v", err)
	}
	archivePath := filepath.Join(work, "libcore.a")
	if err := os.WriteFile(archivePath, []byte("archive"), 0o600); err != nil {
		t.Fatalf("failed to write archive: %v", err)
	}

	target := TargetSpec{Platform: "linux", Arch: "x86_64"}
	installed, err := installArtifact(out, target, []string{libPath, archivePath})
	if err != nil {
		t.Fatalf("installArtifact returned error: %v", err)
	}

	expected := filepath.Join(out, "artifacts", "linux-x86_64", "libcore.so")
	if installed != expected {
		t.Fatalf("expected installed path %s, got %s", expected, installed)
	}

	content, err := os.ReadFile(expected)
	if err != nil {
		t.Fatalf("expected library copied to %s: %v", expected, err)
	}
	if string(content) != "binary" {
		t.Fatalf("unexpected content %q", content)
	}

	if _, err := os.Stat(expected + ".partial"); !os.IsNotExist(err) {
		t.Fatalf("expected no partial file to remain, got %v", err)
	}
}

func TestInstallArtifactHonorsOutputPath(t *testing.T) {
	work := t.TempDir()
	out := t.TempDir()

	libPath := filepath.Join(work, "core.dll")
	if err := os.WriteFile(libPath, []byte("pe"), 0o600); err != nil {
		t.Fatalf("failed to write library: %v", err)
	}

	testCases := []struct {
		name     string
		output   string
		expected string
	}{
		{"directory", "windows/x64/", filepath.Join(out, "windows", "x64", "core.dll")},
		{"file", "win64/bindings.dll", filepath.Join(out, "win64", "bindings.dll")},
		{"escaping", "../../elsewhere.dll", filepath.Join(out, "elsewhere.dll")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			target := TargetSpec{Platform: "windows", Arch: "x86_64", OutputPath: tc.output}
			installed, err := installArtifact(out, target, []string{libPath})
			if err != nil {
				t.Fatalf("installArtifact returned error: %v", err)
			}
			if installed != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, installed)
			}
		})
	}
}

func TestInstallArtifactRejectsNonNativeOutputs(t *testing.T) {
	work := t.TempDir()

	if err := os.WriteFile(filepath.Join(work, "artifact.txt"), []byte("data"), 0o600); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}

	_, err := installArtifact(t.TempDir(), TargetSpec{Platform: "linux", Arch: "arm64"}, []string{filepath.Join(work, "artifact.txt")})
	if err == nil {
		t.Fatal("expected an error for a build without a native library")
	}

	if _, err := os.Stat(filepath.Join(work, "artifact.txt")); err != nil {
		t.Fatalf("expected artifact to remain in place: %v", err)
	}
}
