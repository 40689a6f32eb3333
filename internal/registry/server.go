// Package registry serves the bindpack registry HTTP API over a directory
// of archives and a SQLite catalogue. It is the server side of
// bindpack.HTTPRegistry.
package registry

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/contriboss/bindpack"
)

// DefaultMaxUpload bounds the size of one uploaded archive.
const DefaultMaxUpload = 1 << 30

// Server answers the registry API.
type Server struct {
	Index     *Index
	Root      string // archive directory
	Token     string // bearer token required for uploads; empty disables auth
	MaxUpload int64
	Logger    *slog.Logger

	now func() time.Time
}

// New opens (or creates) a registry rooted at root. The catalogue lives in
// root/index.db.
func New(root, token string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(filepath.Join(root, "staging"), 0o755); err != nil {
		return nil, err
	}
	index, err := OpenIndex(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}
	return &Server{
		Index:     index,
		Root:      root,
		Token:     token,
		MaxUpload: DefaultMaxUpload,
		Logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *Server) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}

// Close releases the catalogue.
func (s *Server) Close() error {
	return s.Index.Close()
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/packages/{language}/{name}", func(r chi.Router) {
			r.Get("/", s.handleVersions)
			r.Head("/{version}", s.handleExists)
			r.Get("/{version}", s.handleDownload)
			r.With(s.requireToken).Post("/{version}/staging", s.handleStage)
		})
		r.Route("/staging/{id}", func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/release", s.handleRelease)
			r.Delete("/", s.handleDiscard)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.Token)) != 1 {
				writeErr(w, http.StatusUnauthorized, errors.New("invalid or missing bearer token"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type packageParams struct {
	language, name, version string
}

func params(r *http.Request) (packageParams, error) {
	p := packageParams{
		language: chi.URLParam(r, "language"),
		name:     chi.URLParam(r, "name"),
		version:  chi.URLParam(r, "version"),
	}
	for _, part := range []string{p.language, p.name} {
		if !validSegment(part) {
			return p, fmt.Errorf("invalid path segment %q", part)
		}
	}
	if p.version != "" && !semver.IsValid("v"+p.version) {
		return p, fmt.Errorf("version %q is not a semantic version", p.version)
	}
	return p, nil
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := s.Index.Released(r.Context(), p.language, p.name, p.version); err != nil {
		if errors.Is(err, errNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	u, err := s.Index.Released(r.Context(), p.language, p.name, p.version)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errNotFound) {
			status = http.StatusNotFound
		}
		writeErr(w, status, err)
		return
	}
	f, err := os.Open(filepath.Join(s.Root, u.Blob))
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-xz")
	w.Header().Set("X-Checksum-Sha256", u.Checksum)
	http.ServeContent(w, r, filepath.Base(u.Blob), u.At, f)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	p, err := params(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	uploads, err := s.Index.Versions(r.Context(), p.language, p.name)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	sort.Slice(uploads, func(i, j int) bool {
		return semver.Compare("v"+uploads[i].Version, "v"+uploads[j].Version) < 0
	})
	if uploads == nil {
		uploads = []Upload{}
	}
	writeJSON(w, http.StatusOK, uploads)
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := params(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	want := strings.ToLower(r.Header.Get("X-Checksum-Sha256"))
	if want == "" {
		writeErr(w, http.StatusBadRequest, errors.New("missing X-Checksum-Sha256 header"))
		return
	}

	if _, err := s.Index.Released(ctx, p.language, p.name, p.version); err == nil {
		writeErr(w, http.StatusConflict, fmt.Errorf("%s/%s@%s: %w", p.language, p.name, p.version, errConflict))
		return
	} else if !errors.Is(err, errNotFound) {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	id := uuid.NewString()
	blob := filepath.Join("staging", id+".tar.xz")
	path := filepath.Join(s.Root, blob)

	size, sum, err := s.receive(path, http.MaxBytesReader(w, r.Body, s.MaxUpload))
	if err != nil {
		_ = os.Remove(path)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if sum != want {
		_ = os.Remove(path)
		writeErr(w, http.StatusBadRequest, fmt.Errorf("checksum mismatch: got %s, header says %s", sum, want))
		return
	}
	if err := checkArchive(path); err != nil {
		_ = os.Remove(path)
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	err = s.Index.Stage(ctx, Upload{
		ID:       id,
		Language: p.language,
		Name:     p.name,
		Version:  p.version,
		Checksum: sum,
		Size:     size,
		Blob:     blob,
		At:       s.clock().UTC(),
	})
	if err != nil {
		_ = os.Remove(path)
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	s.Logger.Info("upload staged", "staging_id", id, "language", p.language, "name", p.name, "version", p.version, "size", size)
	writeJSON(w, http.StatusCreated, map[string]string{"staging_id": id})
}

// receive writes body to path and returns its size and sha256.
func (s *Server) receive(path string, body io.Reader) (int64, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", err
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, hex.EncodeToString(h.Sum(nil)), err
}

// checkArchive rejects uploads that are not a non-empty xz-compressed tar.
func checkArchive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	names, err := bindpack.ListArchive(f)
	if err != nil {
		return fmt.Errorf("not a bundle archive: %w", err)
	}
	if len(names) == 0 {
		return errors.New("bundle archive is empty")
	}
	return nil
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := s.Index.Release(r.Context(), id, s.clock(), s.promote)
	switch {
	case errors.Is(err, errNotFound):
		writeErr(w, http.StatusNotFound, fmt.Errorf("staging %s: %w", id, err))
	case errors.Is(err, errConflict):
		writeErr(w, http.StatusConflict, err)
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err)
	default:
		s.Logger.Info("upload released", "staging_id", id, "language", u.Language, "name", u.Name, "version", u.Version)
		writeJSON(w, http.StatusOK, u)
	}
}

// promote moves a staged blob to <language>/<name>/<version>.tar.xz.
func (s *Server) promote(u *Upload) (string, func() error, error) {
	blob := filepath.Join(u.Language, u.Name, u.Version+".tar.xz")
	src := filepath.Join(s.Root, u.Blob)
	dest := filepath.Join(s.Root, blob)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", nil, err
	}
	if err := os.Rename(src, dest); err != nil {
		return "", nil, err
	}
	return blob, func() error { return os.Rename(dest, src) }, nil
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := s.Index.Discard(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errNotFound) {
			status = http.StatusNotFound
		}
		writeErr(w, status, err)
		return
	}
	_ = os.Remove(filepath.Join(s.Root, u.Blob))
	w.WriteHeader(http.StatusNoContent)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.Logger.Info("registry listening", "addr", addr, "root", s.Root)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
