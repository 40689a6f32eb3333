package bindpack

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

// Registry is a package registry with a staging-then-release upload flow.
//
// Implementations report a released (language, name, version) as
// ErrPublishConflict and retryable failures as ErrTransientNetwork.
type Registry interface {
	// Endpoint identifies the registry; publishes are serialized per endpoint.
	Endpoint() string

	// Exists reports whether key is already released.
	Exists(ctx context.Context, key PackageKey) (bool, error)

	// Stage uploads the archive without making it visible and returns the
	// staging id.
	Stage(ctx context.Context, key PackageKey, archivePath, checksum string) (string, error)

	// Release makes a staged upload visible.
	Release(ctx context.Context, stagingID string) error

	// Discard drops a staged upload.
	Discard(ctx context.Context, stagingID string) error
}

// Publisher uploads tested bundles.
//
// A bundle is published only with a passed TestReport, only once per
// (language, name, version), and only through the staging flow so the
// registry shows either the full bundle or nothing.
type Publisher struct {
	retry  RetryPolicy
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPublisher creates a publisher retrying transient failures with retry.
func NewPublisher(retry RetryPolicy, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{
		retry:  retry,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Publish uploads bundle to registry.
func (p *Publisher) Publish(ctx context.Context, bundle *Bundle, report *TestReport, registry Registry) (*PublishResult, error) {
	key := bundle.Key()
	logger := p.logger.With("stage", StagePublish, "language", key.Language, "version", key.Version, "registry", registry.Endpoint())
	fail := func(kind, err error) (*PublishResult, error) {
		logger.Error("publish failed", "error", err)
		return nil, newStageError(StagePublish, kind, err).forLanguage(key.Language)
	}

	if !report.Passed() {
		status := CaseStatus("missing")
		switch {
		case report != nil && report.Cancelled:
			status = "cancelled"
		case report != nil:
			status = report.Status
		}
		return fail(ErrTestFailure, fmt.Errorf("%s: test report is %s", key, status))
	}
	if report.Bundle != key {
		return fail(ErrTestFailure, fmt.Errorf("test report is for %s, not %s", report.Bundle, key))
	}
	if !semver.IsValid("v" + key.Version) {
		return fail(ErrRegistryRejected, fmt.Errorf("version %q is not a semantic version", key.Version))
	}

	checksum, err := fileSHA256(bundle.Archive)
	if err != nil {
		return fail(ErrRegistryRejected, fmt.Errorf("read archive: %w", err))
	}

	lock := p.endpointLock(registry.Endpoint())
	lock.Lock()
	defer lock.Unlock()

	var exists bool
	err = p.retry.Do(ctx, IsRetryable, func() error {
		var err error
		exists, err = registry.Exists(ctx, key)
		return err
	})
	if err != nil {
		return fail(publishKind(err), err)
	}
	if exists {
		return fail(ErrPublishConflict, fmt.Errorf("%s already exists in %s", key, registry.Endpoint()))
	}

	var stagingID string
	err = p.retry.Do(ctx, IsRetryable, func() error {
		var err error
		stagingID, err = registry.Stage(ctx, key, bundle.Archive, checksum)
		return err
	})
	if err != nil {
		return fail(publishKind(err), err)
	}
	logger.Debug("bundle staged", "staging_id", stagingID)

	err = p.retry.Do(ctx, IsRetryable, func() error {
		return registry.Release(ctx, stagingID)
	})
	if err != nil {
		discardCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if discardErr := registry.Discard(discardCtx, stagingID); discardErr != nil {
			logger.Warn("discard of staged upload failed", "staging_id", stagingID, "error", discardErr)
		}
		return fail(publishKind(err), err)
	}

	logger.Info("bundle published", "staging_id", stagingID, "sha256", checksum)
	return &PublishResult{
		Key:         key,
		Registry:    registry.Endpoint(),
		StagingID:   stagingID,
		Checksum:    checksum,
		PublishedAt: p.now().UTC(),
	}, nil
}

func (p *Publisher) endpointLock(endpoint string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[endpoint]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[endpoint] = lock
	}
	return lock
}

// publishKind maps a registry error onto a failure kind.
func publishKind(err error) error {
	switch {
	case errors.Is(err, ErrPublishConflict):
		return ErrPublishConflict
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	case IsRetryable(err):
		return ErrTransientNetwork
	default:
		return ErrRegistryRejected
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
