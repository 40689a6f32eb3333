package bindpack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"
)

// LocalRegistry is a registry kept in a directory:
//
//	<root>/<language>/<name>/<version>/<archive>
//	<root>/<language>/<name>/<version>/release.json
//	<root>/.staging/<id>/...
//
// Release is a directory rename, so a version appears with all of its files
// at once.
type LocalRegistry struct {
	root string
	mu   sync.Mutex
}

type localStaging struct {
	Key      PackageKey `json:"key"`
	Archive  string     `json:"archive"`
	Checksum string     `json:"sha256"`
	StagedAt time.Time  `json:"staged_at"`
}

// NewLocalRegistry creates a registry rooted at root.
func NewLocalRegistry(root string) *LocalRegistry {
	return &LocalRegistry{root: root}
}

// Endpoint returns the file URL of the registry root.
func (r *LocalRegistry) Endpoint() string {
	return "file://" + filepath.ToSlash(r.root)
}

// Exists reports whether key has been released.
func (r *LocalRegistry) Exists(_ context.Context, key PackageKey) (bool, error) {
	_, err := os.Stat(r.versionDir(key))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// Stage copies the archive into a fresh staging directory and verifies its
// checksum.
func (r *LocalRegistry) Stage(ctx context.Context, key PackageKey, archivePath, checksum string) (string, error) {
	if exists, err := r.Exists(ctx, key); err != nil {
		return "", err
	} else if exists {
		return "", fmt.Errorf("%s: %w", key, ErrPublishConflict)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	dir := r.stagingDir(id.String())

	dest := filepath.Join(dir, filepath.Base(archivePath))
	if err := copyFile(archivePath, dest); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("stage %s: %w", key, err)
	}
	got, err := fileSHA256(dest)
	if err != nil || got != checksum {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("stage %s: checksum mismatch: %w", key, ErrRegistryRejected)
	}

	meta := localStaging{Key: key, Archive: filepath.Base(archivePath), Checksum: checksum, StagedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "release.json"), data, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return id.String(), nil
}

// Release renames the staging directory to its version directory.
func (r *LocalRegistry) Release(_ context.Context, stagingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := r.stagingDir(stagingID)
	data, err := os.ReadFile(filepath.Join(dir, "release.json"))
	if err != nil {
		return fmt.Errorf("staging %s: %w", stagingID, ErrRegistryRejected)
	}
	var meta localStaging
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("staging %s: %w", stagingID, err)
	}

	dest := r.versionDir(meta.Key)
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%s: %w", meta.Key, ErrPublishConflict)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if err := os.Rename(dir, dest); err != nil {
		if _, statErr := os.Stat(dest); statErr == nil {
			return fmt.Errorf("%s: %w", meta.Key, ErrPublishConflict)
		}
		return err
	}
	return nil
}

// Discard removes a staged upload. Unknown ids are ignored.
func (r *LocalRegistry) Discard(_ context.Context, stagingID string) error {
	if stagingID == "" {
		return errors.New("empty staging id")
	}
	return os.RemoveAll(r.stagingDir(stagingID))
}

// Versions lists the released versions of a package in semver order.
func (r *LocalRegistry) Versions(language, name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.root, language, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var versions []string
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return semver.Compare("v"+versions[i], "v"+versions[j]) < 0
	})
	return versions, nil
}

func (r *LocalRegistry) versionDir(key PackageKey) string {
	return filepath.Join(r.root, safeRelativePath(key.Language), safeRelativePath(key.Name), safeRelativePath(key.Version))
}

func (r *LocalRegistry) stagingDir(id string) string {
	return filepath.Join(r.root, ".staging", filepath.Base(id))
}
