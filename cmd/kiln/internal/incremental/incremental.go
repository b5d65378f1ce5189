// Package incremental decides which sources must be recompiled after a
// change, drives the compiler over them and records the resulting build
// state in a manifest.
package incremental

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/albertocavalcante/kiln/internal/log"
	"github.com/albertocavalcante/kiln/pkg/util"
)

// Discovery returns the current source snapshot, as slash paths relative
// to the project root. *Scanner implements it.
type Discovery interface {
	Scan(ctx context.Context) ([]string, error)
}

// TrackerConfig configures a Tracker. Relative paths are resolved
// against Root.
type TrackerConfig struct {
	Root string
	// ManifestPath defaults to <Root>/.kiln/manifest.
	ManifestPath string
	// DestDir defaults to <Root>/.kiln/artifacts.
	DestDir string

	HashThreshold            int64
	LongCompilationThreshold time.Duration
	Policy                   RuntimePolicy
}

// Tracker runs incremental build cycles for one project.
type Tracker struct {
	root          string
	store         *ManifestStore
	discovery     Discovery
	compiler      Compiler
	deps          DepSignal
	threshold     int64
	longThreshold time.Duration
	policy        RuntimePolicy
	concurrency   int
	now           func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithCompiler sets the compiler used by Build.
func WithCompiler(c Compiler) TrackerOption {
	return func(t *Tracker) { t.compiler = c }
}

// WithDiscovery sets the source discovery.
func WithDiscovery(d Discovery) TrackerOption {
	return func(t *Tracker) { t.discovery = d }
}

// WithDepSignal sets the stale-local-dependency signal.
func WithDepSignal(d DepSignal) TrackerOption {
	return func(t *Tracker) { t.deps = d }
}

// WithConcurrency bounds parallel fingerprinting.
func WithConcurrency(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// WithTrackerClock overrides the clock used for build timestamps and
// clock-skew detection.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker. Without WithDiscovery every file under
// Root is a candidate, which is rarely what a caller wants.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	manifestPath := resolve(cfg.Root, cfg.ManifestPath, filepath.Join(StateDir, ManifestFile))
	destDir := resolve(cfg.Root, cfg.DestDir, filepath.Join(StateDir, "artifacts"))

	t := &Tracker{
		root:          cfg.Root,
		store:         NewManifestStore(manifestPath, destDir),
		deps:          NoDeps{},
		threshold:     cfg.HashThreshold,
		longThreshold: cfg.LongCompilationThreshold,
		policy:        cfg.Policy,
		concurrency:   runtime.GOMAXPROCS(0),
		now:           time.Now,
	}
	if !t.policy.Valid() {
		log.Component("tracker").Warn("unknown runtime policy, using minimal", "policy", t.policy)
		t.policy = ""
	}
	if t.policy == "" {
		t.policy = RuntimeMinimal
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.discovery == nil {
		sc, _ := NewScanner(ScanConfig{Root: cfg.Root})
		t.discovery = sc
	}
	return t
}

func resolve(root, path, def string) string {
	if path == "" {
		path = def
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// BuildOptions tunes one build cycle.
type BuildOptions struct {
	// Force recompiles every source regardless of fingerprints.
	Force bool
}

// BuildResult reports one build cycle.
type BuildResult struct {
	BuildID string `json:"build_id"`
	// Recompiled lists the sources handed to the compiler.
	Recompiled []string `json:"recompiled"`
	// Removed lists sources recorded in the manifest that are gone.
	Removed []string `json:"removed"`

	StaleModules []string `json:"stale_modules"`
	RuntimeOnly  []string `json:"runtime_only"`

	// Protocols and Impls are the protocol definitions and
	// implementations compiled in this cycle.
	Protocols []string `json:"protocols,omitempty"`
	Impls     []string `json:"impls,omitempty"`

	Duration time.Duration `json:"duration"`
}

// NoOp reports whether the cycle changed nothing.
func (r *BuildResult) NoOp() bool {
	return r == nil || (len(r.Recompiled) == 0 && len(r.Removed) == 0)
}

// plan is the staleness analysis shared by Build and Status.
type plan struct {
	manifest *Manifest
	fps      *FingerprintStore
	added    []string
	modified []string
	removed  []string
	prop     *Propagation
}

// Build runs one incremental build cycle. If the compiler fails, the error
// is returned and the previous manifest is left in place.
func (t *Tracker) Build(ctx context.Context, opts BuildOptions) (*BuildResult, error) {
	start := t.now()
	id := uuid.NewString()
	logger := log.Component("tracker").With("build_id", id)
	ctx = log.WithContext(ctx, logger)

	p, err := t.plan(ctx, opts.Force, false, logger)
	if err != nil {
		return nil, err
	}

	res := &BuildResult{
		BuildID:      id,
		Removed:      p.removed,
		StaleModules: p.prop.Stale,
		RuntimeOnly:  p.prop.RuntimeOnly,
	}

	switch {
	case len(p.prop.Recompile) > 0:
		if t.compiler == nil {
			return nil, ErrNilCompiler
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := t.store.Purge(p.prop.Purged); err != nil {
			return nil, err
		}

		agg := NewAggregator(p.prop.KeptModules, p.prop.KeptSources, p.fps, logger)
		req := CompileRequest{
			Sources:                  p.prop.Recompile,
			DestDir:                  t.store.DestDir(),
			LongCompilationThreshold: t.longThreshold,
		}
		logger.Debug("compiling", "sources", len(req.Sources))
		if err := t.compiler.Compile(ctx, req, agg); err != nil {
			return nil, fmt.Errorf("compilation failed: %w", err)
		}
		for _, path := range p.prop.Recompile {
			agg.EnsureSource(path)
		}

		modules, sources := agg.Snapshot()
		if err := t.store.Save(modules, sources, start); err != nil {
			return nil, err
		}

		res.Recompiled = p.prop.Recompile
		stats := agg.Stats()
		logger.Debug("compiler finished",
			"modules", stats.Modules,
			"files", stats.Files,
			"long_compilations", stats.LongCompilations,
			"fingerprints", p.fps.Computed())
		for _, mod := range agg.Compiled() {
			switch mod.Kind.Tag {
			case KindProtocolDefinition:
				res.Protocols = append(res.Protocols, mod.Name)
			case KindProtocolImplementation:
				res.Impls = append(res.Impls, mod.Name)
			}
		}

	case len(p.removed) > 0:
		if err := t.store.Purge(p.prop.Purged); err != nil {
			return nil, err
		}
		if err := t.store.Save(p.prop.KeptModules, p.prop.KeptSources, start); err != nil {
			return nil, err
		}
	}

	res.Duration = t.now().Sub(start)
	if res.NoOp() {
		logger.Debug("nothing to compile")
	} else {
		logger.Info("build complete",
			"recompiled", len(res.Recompiled),
			"removed", len(res.Removed),
			"stale_modules", len(res.StaleModules),
			"duration", res.Duration)
	}
	return res, nil
}

// Status computes what Build would do without compiling, deleting or
// writing anything. Future modification times are reported, not reset.
func (t *Tracker) Status(ctx context.Context, force bool) (*ChangeSet, error) {
	logger := log.Component("tracker")
	ctx = log.WithContext(ctx, logger)

	p, err := t.plan(ctx, force, true, logger)
	if err != nil {
		return nil, err
	}

	cs := NewChangeSet()
	cs.Added = append(cs.Added, p.added...)
	cs.Modified = append(cs.Modified, p.modified...)
	cs.Removed = append(cs.Removed, p.removed...)
	cs.Recompile = append(cs.Recompile, p.prop.Recompile...)
	cs.StaleModules = append(cs.StaleModules, p.prop.Stale...)
	cs.RuntimeOnly = append(cs.RuntimeOnly, p.prop.RuntimeOnly...)
	cs.sort()
	return cs, nil
}

func (t *Tracker) plan(ctx context.Context, force, dryRun bool, logger *slog.Logger) (*plan, error) {
	m := t.store.Load()

	all, err := t.discovery.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover sources: %w", err)
	}

	fpOpts := []FingerprintOption{WithRoot(t.root), WithClock(t.now), WithFingerprintLogger(logger)}
	if dryRun {
		fpOpts = append(fpOpts, WithReadOnly())
	}
	fps := NewFingerprintStore(t.threshold, fpOpts...)

	p := &plan{manifest: m, fps: fps}

	p.removed = util.Subtract(m.Sources, util.Set(all))

	var known []string
	for _, path := range all {
		if _, ok := m.Sources[path]; ok {
			known = append(known, path)
		} else {
			p.added = append(p.added, path)
		}
	}

	if force {
		p.modified = known
	} else {
		p.modified, err = t.staleSources(ctx, m, known, fps)
		if err != nil {
			return nil, err
		}
	}

	// Sources not yet fingerprinted are fingerprinted now so that every
	// record written after compiling reflects this instant.
	unseen := p.added
	if force {
		unseen = all
	}
	if err := t.prefetch(ctx, unseen, fps); err != nil {
		return nil, err
	}

	seed, err := t.deps.StaleModules(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("failed to check local dependencies: %w", err)
	}

	changed := make([]string, 0, len(p.added)+len(p.modified)+len(p.removed))
	changed = append(changed, p.added...)
	changed = append(changed, p.modified...)
	changed = append(changed, p.removed...)

	p.prop = Propagate(PropagateInput{
		Modules:      m.Modules,
		Sources:      m.Sources,
		Changed:      changed,
		Removed:      p.removed,
		StaleModules: seed,
		Policy:       t.policy,
	})

	log.TraceTo(logger, "propagation settled",
		"rounds", p.prop.Rounds,
		"changed", len(changed),
		"recompile", len(p.prop.Recompile),
		"purged", len(p.prop.Purged))
	return p, nil
}

// staleSources fingerprints recorded sources in parallel and returns the
// ones whose content or declared resources changed, in input order.
func (t *Tracker) staleSources(ctx context.Context, m *Manifest, paths []string, fps *FingerprintStore) ([]string, error) {
	flags := make([]bool, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			flags[i] = SourceStale(m.Sources[path], fps)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var stale []string
	for i, path := range paths {
		if flags[i] {
			stale = append(stale, path)
		}
	}
	return stale, nil
}

// prefetch fingerprints paths in parallel, filling the memo in fps.
func (t *Tracker) prefetch(ctx context.Context, paths []string, fps *FingerprintStore) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fps.Get(path)
			return nil
		})
	}
	return g.Wait()
}

// Clean deletes every recorded artifact and the manifest.
func (t *Tracker) Clean() error {
	return t.store.Clean(t.store.Load())
}

// HasState returns true if a manifest exists.
func (t *Tracker) HasState() bool {
	return t.store.Exists()
}

// TrackedSourceCount returns the number of sources in the manifest.
func (t *Tracker) TrackedSourceCount() int {
	return len(t.store.Load().Sources)
}

// Store exposes the manifest store.
func (t *Tracker) Store() *ManifestStore {
	return t.store
}
