package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contriboss/bindpack"
)

func newTestServer(t *testing.T, token string) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(t.TempDir(), token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

// bundleArchive writes a small bundle archive and returns its path and
// checksum.
func bundleArchive(t *testing.T, version string) (string, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "core-"+version)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "manifest.json"), []byte(`{}`), 0o644))
	archive := root + ".tar.xz"
	require.NoError(t, bindpack.WriteArchive(root, archive, "core-"+version))

	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	return archive, sha256Hex(data)
}

func testBundle(t *testing.T, version string) (*bindpack.Bundle, *bindpack.TestReport) {
	t.Helper()
	archive, _ := bundleArchive(t, version)
	bundle := &bindpack.Bundle{Language: "python", Name: "core", Version: version, Archive: archive}
	return bundle, &bindpack.TestReport{Bundle: bundle.Key(), Status: bindpack.CasePassed}
}

var fastRetry = bindpack.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func TestPublishThroughHTTPRegistry(t *testing.T) {
	srv, ts := newTestServer(t, "s3cret")
	client := bindpack.NewHTTPRegistry(ts.URL, "s3cret", ts.Client())
	publisher := bindpack.NewPublisher(fastRetry, nil)
	ctx := context.Background()

	bundle, report := testBundle(t, "1.2.0")
	result, err := publisher.Publish(ctx, bundle, report, client)
	require.NoError(t, err)
	assert.Equal(t, ts.URL, result.Registry)

	exists, err := client.Exists(ctx, bundle.Key())
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = publisher.Publish(ctx, bundle, report, client)
	assert.ErrorIs(t, err, bindpack.ErrPublishConflict)

	resp, err := ts.Client().Get(ts.URL + "/v1/packages/python/core/1.2.0")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, result.Checksum, resp.Header.Get("X-Checksum-Sha256"))
	names, err := bindpack.ListArchive(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, []string{"core-1.2.0/manifest.json"}, names)

	staged, err := os.ReadDir(filepath.Join(srv.Root, "staging"))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestVersionsAreSemverSorted(t *testing.T) {
	_, ts := newTestServer(t, "")
	client := bindpack.NewHTTPRegistry(ts.URL, "", ts.Client())
	publisher := bindpack.NewPublisher(fastRetry, nil)

	for _, version := range []string{"1.10.0", "1.2.0", "1.9.0"} {
		bundle, report := testBundle(t, version)
		_, err := publisher.Publish(context.Background(), bundle, report, client)
		require.NoError(t, err)
	}

	resp, err := ts.Client().Get(ts.URL + "/v1/packages/python/core")
	require.NoError(t, err)
	defer resp.Body.Close()

	var uploads []Upload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploads))
	var versions []string
	for _, u := range uploads {
		versions = append(versions, u.Version)
	}
	assert.Equal(t, []string{"1.2.0", "1.9.0", "1.10.0"}, versions)
}

func TestUploadsRequireToken(t *testing.T) {
	_, ts := newTestServer(t, "s3cret")
	archive, sum := bundleArchive(t, "1.0.0")
	key := bindpack.PackageKey{Language: "python", Name: "core", Version: "1.0.0"}

	_, err := bindpack.NewHTTPRegistry(ts.URL, "wrong", ts.Client()).Stage(context.Background(), key, archive, sum)
	assert.ErrorIs(t, err, bindpack.ErrRegistryRejected)
	assert.Contains(t, err.Error(), "invalid or missing bearer token")

	exists, err := bindpack.NewHTTPRegistry(ts.URL, "", ts.Client()).Exists(context.Background(), key)
	require.NoError(t, err, "reads are anonymous")
	assert.False(t, exists)
}

func TestStageRejectsBadUploads(t *testing.T) {
	_, ts := newTestServer(t, "")
	client := bindpack.NewHTTPRegistry(ts.URL, "", ts.Client())
	ctx := context.Background()
	archive, sum := bundleArchive(t, "1.0.0")

	_, err := client.Stage(ctx, bindpack.PackageKey{Language: "python", Name: "core", Version: "1.0.0"}, archive, strings.Repeat("0", 64))
	assert.ErrorIs(t, err, bindpack.ErrRegistryRejected)
	assert.Contains(t, err.Error(), "checksum mismatch")

	junk := filepath.Join(t.TempDir(), "junk.tar.xz")
	require.NoError(t, os.WriteFile(junk, []byte("not xz"), 0o644))
	_, err = client.Stage(ctx, bindpack.PackageKey{Language: "python", Name: "core", Version: "1.0.0"}, junk, sha256Hex([]byte("not xz")))
	assert.ErrorIs(t, err, bindpack.ErrRegistryRejected)
	assert.Contains(t, err.Error(), "not a bundle archive")

	_, err = client.Stage(ctx, bindpack.PackageKey{Language: "python", Name: "core", Version: "nightly"}, archive, sum)
	assert.ErrorIs(t, err, bindpack.ErrRegistryRejected)
}

func TestReleaseRace(t *testing.T) {
	_, ts := newTestServer(t, "")
	client := bindpack.NewHTTPRegistry(ts.URL, "", ts.Client())
	ctx := context.Background()
	key := bindpack.PackageKey{Language: "python", Name: "core", Version: "2.0.0"}

	first, sum1 := bundleArchive(t, "2.0.0")
	second, sum2 := bundleArchive(t, "2.0.0")

	// Both uploads are staged before either is released.
	id1, err := client.Stage(ctx, key, first, sum1)
	require.NoError(t, err)
	id2, err := client.Stage(ctx, key, second, sum2)
	require.NoError(t, err)

	require.NoError(t, client.Release(ctx, id1))
	err = client.Release(ctx, id2)
	assert.ErrorIs(t, err, bindpack.ErrPublishConflict)

	require.NoError(t, client.Discard(ctx, id2))
	require.NoError(t, client.Discard(ctx, id2), "discarding twice is harmless")

	err = client.Release(ctx, "unknown")
	assert.ErrorIs(t, err, bindpack.ErrRegistryRejected)
}

func TestReleaseFailureKeepsUploadStaged(t *testing.T) {
	srv, ts := newTestServer(t, "")
	client := bindpack.NewHTTPRegistry(ts.URL, "", ts.Client())
	ctx := context.Background()
	key := bindpack.PackageKey{Language: "python", Name: "core", Version: "3.0.0"}

	archive, sum := bundleArchive(t, "3.0.0")
	id, err := client.Stage(ctx, key, archive, sum)
	require.NoError(t, err)

	_, err = srv.Index.db.Exec(`CREATE TRIGGER reject_release BEFORE INSERT ON releases
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)
	require.Error(t, client.Release(ctx, id))

	staged, err := srv.Index.Staged(ctx, id)
	require.NoError(t, err, "the upload is still staged")
	assert.FileExists(t, filepath.Join(srv.Root, staged.Blob), "the blob is back in place")
	assert.NoFileExists(t, filepath.Join(srv.Root, "python", "core", "3.0.0.tar.xz"))

	_, err = srv.Index.db.Exec(`DROP TRIGGER reject_release`)
	require.NoError(t, err)
	require.NoError(t, client.Release(ctx, id), "a retry succeeds")

	exists, err := client.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
