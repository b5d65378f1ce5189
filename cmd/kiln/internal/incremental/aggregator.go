package incremental

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/albertocavalcante/kiln/internal/log"
)

// AggregatorStats counts compiler reports seen by an Aggregator.
type AggregatorStats struct {
	Modules          int
	Files            int
	LongCompilations int
}

// Aggregator is the single mutation point for build state while the
// compiler runs. Every update goes through its mutex; the collections are
// never handed out, only copied by Snapshot once producers are done.
type Aggregator struct {
	fps    *FingerprintStore
	logger *slog.Logger

	mu      sync.Mutex
	modules map[string]Module
	sources map[string]Source
	// touched holds sources whose record was rewritten in this run.
	touched map[string]struct{}
	// compiled holds modules reported in this run.
	compiled map[string]struct{}
	stats    AggregatorStats
}

var _ Sink = (*Aggregator)(nil)

// NewAggregator starts from the records kept by propagation. The maps are
// copied; the caller's maps are not modified.
func NewAggregator(modules map[string]Module, sources map[string]Source, fps *FingerprintStore, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = log.Component("aggregator")
	}
	return &Aggregator{
		fps:      fps,
		logger:   logger,
		modules:  maps.Clone(nonNilModules(modules)),
		sources:  maps.Clone(nonNilSources(sources)),
		touched:  make(map[string]struct{}),
		compiled: make(map[string]struct{}),
	}
}

// ModuleCompiled records one completion. The first report for a source in
// this run replaces its record wholesale; later reports from the same
// source, for files defining several modules, are merged into it.
func (a *Aggregator) ModuleCompiled(c Completion) error {
	if c.Source == "" || c.Module == "" {
		return errors.New("completion requires a source path and a module name")
	}

	// Fingerprints come from the memoized store, so they match the values
	// observed when staleness was decided.
	src := Source{
		Path:              c.Source,
		Fingerprint:       a.fps.Get(c.Source),
		CompileRefs:       sortedSet(c.CompileRefs),
		RuntimeRefs:       sortedSet(c.RuntimeRefs),
		CompileDispatches: sortedDispatches(c.CompileDispatches),
		RuntimeDispatches: sortedDispatches(c.RuntimeDispatches),
	}
	for _, path := range sortedSet(c.External) {
		src.External = append(src.External, ExternalResource{Path: path, Fingerprint: a.fps.Get(path)})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	mod, ok := a.modules[c.Module]
	if ok {
		mod = cloneModule(mod)
	} else {
		mod = Module{Name: c.Module}
	}
	if !slices.Contains(mod.Sources, c.Source) {
		mod.Sources = append(mod.Sources, c.Source)
	}
	if mod.Artifact == "" {
		mod.Artifact = ArtifactName(c.Module)
	}
	mod.Kind = c.Kind
	mod.Binary = c.Binary
	a.modules[c.Module] = mod
	a.compiled[c.Module] = struct{}{}

	if _, seen := a.touched[c.Source]; seen {
		a.sources[c.Source] = mergeSource(a.sources[c.Source], src)
	} else {
		a.sources[c.Source] = src
		a.touched[c.Source] = struct{}{}
	}

	a.stats.Modules++
	return nil
}

// EnsureSource records an empty source for a compiled file that defined
// no module, so the next build does not see it as new again.
func (a *Aggregator) EnsureSource(path string) {
	fp := a.fps.Get(path)

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.touched[path]; seen {
		return
	}
	a.sources[path] = Source{Path: path, Fingerprint: fp}
	a.touched[path] = struct{}{}
}

// FileCompiled notes that the compiler finished a file.
func (a *Aggregator) FileCompiled(path string, elapsed time.Duration) {
	a.mu.Lock()
	a.stats.Files++
	a.mu.Unlock()
	log.TraceTo(a.logger, "compiled", "path", path, "elapsed", elapsed)
}

// LongCompilation reports a file compiling for longer than threshold.
func (a *Aggregator) LongCompilation(path string, threshold time.Duration) {
	a.mu.Lock()
	a.stats.LongCompilations++
	a.mu.Unlock()
	a.logger.Warn("file is taking a long time to compile", "path", path, "threshold", threshold)
}

// Snapshot copies the aggregated collections. Call it after the compiler
// has returned.
func (a *Aggregator) Snapshot() (map[string]Module, map[string]Source) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.modules), maps.Clone(a.sources)
}

// Compiled returns the modules reported in this run, sorted by name.
func (a *Aggregator) Compiled() []Module {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Module, 0, len(a.compiled))
	for name := range a.compiled {
		out = append(out, a.modules[name])
	}
	slices.SortFunc(out, func(x, y Module) int { return strings.Compare(x.Name, y.Name) })
	return out
}

// Stats returns a copy of the report counters.
func (a *Aggregator) Stats() AggregatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func nonNilModules(m map[string]Module) map[string]Module {
	if m == nil {
		return map[string]Module{}
	}
	return m
}

func nonNilSources(m map[string]Source) map[string]Source {
	if m == nil {
		return map[string]Source{}
	}
	return m
}
