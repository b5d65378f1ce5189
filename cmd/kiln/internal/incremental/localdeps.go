package incremental

import (
	"context"
	"os"
	"slices"

	"github.com/albertocavalcante/kiln/internal/log"
)

// DepSignal reports module names that are stale because an upstream
// local dependency was rebuilt after manifest m was written.
type DepSignal interface {
	StaleModules(ctx context.Context, m *Manifest) ([]string, error)
}

// NoDeps is a DepSignal for projects without local dependencies.
type NoDeps struct{}

// StaleModules returns nothing.
func (NoDeps) StaleModules(context.Context, *Manifest) ([]string, error) {
	return nil, nil
}

// LocalDeps derives the signal from the manifests of local dependency
// projects built by kiln. Every module of a dependency whose manifest is
// newer than ours is stale.
type LocalDeps struct {
	// Manifests are the dependency manifest paths.
	Manifests []string
}

// StaleModules implements DepSignal.
func (d LocalDeps) StaleModules(ctx context.Context, m *Manifest) ([]string, error) {
	logger := log.FromContext(ctx)

	var stale []string
	for _, path := range d.Manifests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			// Not built yet, nothing of it can be newer than us.
			logger.Debug("dependency manifest unavailable", "path", path, "error", err)
			continue
		}
		if !m.ModTime.IsZero() && !info.ModTime().After(m.ModTime) {
			continue
		}

		dep := NewManifestStore(path, "").Load()
		logger.Debug("dependency rebuilt after manifest",
			"path", path, "modules", len(dep.Modules))
		stale = append(stale, dep.ModuleNames()...)
	}

	slices.Sort(stale)
	return slices.Compact(stale), nil
}
