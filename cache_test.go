package bindpack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingCacheRoundTrip(t *testing.T) {
	cache := NewBindingCache(t.TempDir())
	key := GenerationKey([]byte("lib"), "0.29.4", "python", nil)
	files := []SourceFile{
		{Path: "core/__init__.py", Content: []byte("from ._core import *\n")},
		{Path: "core/_core.py", Content: []byte("import ctypes\n")},
	}

	_, ok, err := cache.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(key, files))
	got, ok, err := cache.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, files, got)
}

func TestBindingCacheEntriesAreImmutable(t *testing.T) {
	dir := t.TempDir()
	cache := NewBindingCache(dir)
	key := "ab" + "cdef"

	require.NoError(t, cache.Put(key, []SourceFile{{Path: "a.kt", Content: []byte("first")}}))
	require.NoError(t, cache.Put(key, []SourceFile{{Path: "a.kt", Content: []byte("second")}}))

	got, ok, err := cache.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(got[0].Content))

	entries, err := os.ReadDir(filepath.Join(dir, "ab"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary entries are left behind")
	assert.Equal(t, key, entries[0].Name())
}

func TestBindingCacheCorruptMetadata(t *testing.T) {
	dir := t.TempDir()
	cache := NewBindingCache(dir)
	require.NoError(t, writeFile(filepath.Join(dir, "zz", "zzzz", "metadata.json"), []byte("{")))

	_, _, err := cache.Get("zzzz")
	assert.ErrorContains(t, err, "parsing cache metadata")
}
