package bindpack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// BindingCache stores generated binding sources content-addressed by their
// generation key.
//
// Structure:
//
//	{dir}/
//	  {key[0:2]}/
//	    {key}/
//	      metadata.json  (paths, in order)
//	      files/
//	        {index}.blob
//
// Entries are written into a temporary directory and renamed into place, so
// a reader sees a whole entry or none. An entry is never rewritten.
type BindingCache struct {
	dir string
}

type cacheMetadata struct {
	Key   string   `json:"key"`
	Paths []string `json:"paths"`
}

// NewBindingCache creates a cache rooted at dir.
func NewBindingCache(dir string) *BindingCache {
	return &BindingCache{dir: dir}
}

// Get returns the cached files for key, or nil and false on a miss.
func (c *BindingCache) Get(key string) ([]SourceFile, bool, error) {
	entryDir := c.entryPath(key)

	data, err := os.ReadFile(filepath.Join(entryDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading cache metadata: %w", err)
	}

	var meta cacheMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, false, fmt.Errorf("parsing cache metadata: %w", err)
	}

	files := make([]SourceFile, len(meta.Paths))
	for i, path := range meta.Paths {
		content, err := os.ReadFile(filepath.Join(entryDir, "files", fmt.Sprintf("%d.blob", i)))
		if err != nil {
			return nil, false, fmt.Errorf("reading cached file %s: %w", path, err)
		}
		files[i] = SourceFile{Path: path, Content: content}
	}
	return files, true, nil
}

// Put stores files under key. Storing an existing key is a no-op.
func (c *BindingCache) Put(key string, files []SourceFile) error {
	entryDir := c.entryPath(key)
	parentDir := filepath.Dir(entryDir)

	if _, err := os.Stat(entryDir); err == nil {
		return nil
	}
	if err := os.MkdirAll(parentDir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	tmpDir, err := os.MkdirTemp(parentDir, "tmp-"+key+"-")
	if err != nil {
		return fmt.Errorf("creating temp cache entry: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	if err := os.MkdirAll(filepath.Join(tmpDir, "files"), 0o755); err != nil {
		return fmt.Errorf("creating cache files dir: %w", err)
	}

	meta := cacheMetadata{Key: key, Paths: make([]string, len(files))}
	for i, file := range files {
		meta.Paths[i] = file.Path
		if err := os.WriteFile(filepath.Join(tmpDir, "files", fmt.Sprintf("%d.blob", i)), file.Content, 0o644); err != nil {
			return fmt.Errorf("writing cached file %s: %w", file.Path, err)
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "metadata.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing cache metadata: %w", err)
	}

	if err := os.Rename(tmpDir, entryDir); err != nil {
		// A concurrent writer for the same key got there first.
		if _, statErr := os.Stat(entryDir); statErr == nil {
			return nil
		}
		return fmt.Errorf("committing cache entry: %w", err)
	}
	committed = true
	return nil
}

func (c *BindingCache) entryPath(key string) string {
	if len(key) < 2 {
		return filepath.Join(c.dir, "_", key)
	}
	return filepath.Join(c.dir, key[:2], key)
}
