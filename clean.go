package bindpack

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/magefile/mage/sh"
)

// CleanOptions selects what Clean removes besides the build arenas.
type CleanOptions struct {
	Cache bool // the binding cache
	Out   bool // installed artifacts and assembled bundles
}

// Clean runs each compiler clean step over the target arenas, then removes
// the work directory and whatever opts selects. Registries are never
// touched.
func (p *Pipeline) Clean(ctx context.Context, opts CleanOptions) error {
	var errs []error
	if err := p.orchestrator.Clean(ctx, p.cfg.Targets); err != nil {
		errs = append(errs, err)
	}

	paths := []string{p.cfg.WorkDir}
	if opts.Cache {
		paths = append(paths, p.cfg.CacheDir)
	}
	if opts.Out {
		paths = append(paths,
			filepath.Join(p.cfg.OutDir, "artifacts"),
			filepath.Join(p.cfg.OutDir, "bundles"))
	}

	for _, path := range paths {
		if err := sh.Rm(path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
			continue
		}
		p.logger.Info("removed", "path", path)
	}
	return errors.Join(errs...)
}
