package bindpack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// HTTPRegistry is a client of the bindpack registry HTTP API:
//
//	HEAD   /v1/packages/{language}/{name}/{version}          200 | 404
//	POST   /v1/packages/{language}/{name}/{version}/staging  201 {"staging_id"} | 409
//	POST   /v1/staging/{id}/release                          200 | 409
//	DELETE /v1/staging/{id}                                  204
//
// 5xx, 429 and transport errors are transient; 409 is a conflict.
type HTTPRegistry struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTPRegistry creates a client for endpoint. token is sent as a bearer
// credential when non-empty. A nil client selects one with a 5 minute
// timeout.
func NewHTTPRegistry(endpoint, token string, client *http.Client) *HTTPRegistry {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTPRegistry{endpoint: strings.TrimRight(endpoint, "/"), token: token, client: client}
}

// Endpoint returns the registry base URL.
func (r *HTTPRegistry) Endpoint() string {
	return r.endpoint
}

// Exists issues a HEAD for the version.
func (r *HTTPRegistry) Exists(ctx context.Context, key PackageKey) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, packagePath(key), nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp, "exists "+key.String())
	}
}

// Stage uploads the archive to the version's staging endpoint.
func (r *HTTPRegistry) Stage(ctx context.Context, key PackageKey, archivePath, checksum string) (string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/x-xz")
	header.Set("X-Checksum-Sha256", checksum)

	resp, err := r.do(ctx, http.MethodPost, packagePath(key)+"/staging", f, header, withContentLength(info.Size()))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", statusError(resp, "stage "+key.String())
	}
	var body struct {
		StagingID string `json:"staging_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("stage %s: decode response: %w", key, err)
	}
	if body.StagingID == "" {
		return "", fmt.Errorf("stage %s: empty staging id: %w", key, ErrRegistryRejected)
	}
	return body.StagingID, nil
}

// Release promotes a staged upload.
func (r *HTTPRegistry) Release(ctx context.Context, stagingID string) error {
	resp, err := r.do(ctx, http.MethodPost, "/v1/staging/"+url.PathEscape(stagingID)+"/release", nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp, "release "+stagingID)
	}
	return nil
}

// Discard deletes a staged upload. A missing upload is not an error.
func (r *HTTPRegistry) Discard(ctx context.Context, stagingID string) error {
	resp, err := r.do(ctx, http.MethodDelete, "/v1/staging/"+url.PathEscape(stagingID), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return statusError(resp, "discard "+stagingID)
	}
	return nil
}

type requestOption func(*http.Request)

func withContentLength(n int64) requestOption {
	return func(req *http.Request) { req.ContentLength = n }
}

func (r *HTTPRegistry) do(ctx context.Context, method, path string, body io.Reader, header http.Header, opts ...requestOption) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	for name, values := range header {
		req.Header[name] = values
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w: %w", method, path, ErrTransientNetwork, err)
	}
	return resp, nil
}

func packagePath(key PackageKey) string {
	return "/v1/packages/" + url.PathEscape(key.Language) + "/" + url.PathEscape(key.Name) + "/" + url.PathEscape(key.Version)
}

// statusError classifies an unexpected response.
func statusError(resp *http.Response, op string) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	detail := strings.TrimSpace(string(msg))
	if detail == "" {
		detail = resp.Status
	}

	var kind error
	switch {
	case resp.StatusCode == http.StatusConflict:
		kind = ErrPublishConflict
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		kind = ErrTransientNetwork
	default:
		kind = ErrRegistryRejected
	}
	return fmt.Errorf("%s: %w: %s", op, kind, detail)
}
