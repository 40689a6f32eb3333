package bindpack

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRegistryStatusClassification(t *testing.T) {
	var flaky atomic.Int32
	r := chi.NewRouter()
	r.Head("/v1/packages/{language}/{name}/{version}", func(w http.ResponseWriter, req *http.Request) {
		switch chi.URLParam(req, "version") {
		case "1.0.0":
			w.WriteHeader(http.StatusOK)
		case "2.0.0":
			w.WriteHeader(http.StatusNotFound)
		case "3.0.0":
			if flaky.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	registry := NewHTTPRegistry(server.URL+"/", "", server.Client())
	assert.Equal(t, server.URL, registry.Endpoint())
	ctx := context.Background()

	exists, err := registry.Exists(ctx, PackageKey{Language: "python", Name: "core", Version: "1.0.0"})
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = registry.Exists(ctx, PackageKey{Language: "python", Name: "core", Version: "2.0.0"})
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = registry.Exists(ctx, PackageKey{Language: "python", Name: "core", Version: "3.0.0"})
	assert.ErrorIs(t, err, ErrTransientNetwork)

	_, err = registry.Exists(ctx, PackageKey{Language: "python", Name: "core", Version: "4.0.0"})
	assert.ErrorIs(t, err, ErrRegistryRejected)
	assert.False(t, IsRetryable(err))
}

func TestHTTPRegistryStagesWithChecksumAndToken(t *testing.T) {
	var gotAuth, gotChecksum, gotBody string
	r := chi.NewRouter()
	r.Post("/v1/packages/{language}/{name}/{version}/staging", func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotChecksum = req.Header.Get("X-Checksum-Sha256")
		body, _ := io.ReadAll(req.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"staging_id":"abc"}`)
	})
	r.Post("/v1/staging/{id}/release", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, "version already released")
	})
	r.Delete("/v1/staging/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	bundle, _ := publishableBundle(t, "ruby", "1.2.0")
	archive, err := os.ReadFile(bundle.Archive)
	require.NoError(t, err)

	registry := NewHTTPRegistry(server.URL, "s3cret", nil)
	id, err := registry.Stage(context.Background(), bundle.Key(), bundle.Archive, "cafe")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "cafe", gotChecksum)
	assert.Equal(t, string(archive), gotBody)

	err = registry.Release(context.Background(), id)
	assert.ErrorIs(t, err, ErrPublishConflict)
	assert.Contains(t, err.Error(), "version already released")

	assert.NoError(t, registry.Discard(context.Background(), id))
}

func TestHTTPRegistryTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPRegistry(url, "", nil).Exists(context.Background(), PackageKey{Language: "go", Name: "core", Version: "1.0.0"})
	assert.ErrorIs(t, err, ErrTransientNetwork)
}
