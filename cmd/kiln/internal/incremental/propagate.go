package incremental

import (
	"slices"

	"github.com/albertocavalcante/kiln/pkg/util"
)

// RuntimePolicy decides what a stale runtime reference does to a module.
type RuntimePolicy string

const (
	// RuntimeMinimal marks runtime-coupled modules stale for reporting
	// only; their artifacts are kept and their sources not recompiled.
	RuntimeMinimal RuntimePolicy = "minimal"
	// RuntimeEager treats runtime references like compile references.
	RuntimeEager RuntimePolicy = "eager"
)

// Valid reports whether p is a known policy. The empty policy is
// RuntimeMinimal.
func (p RuntimePolicy) Valid() bool {
	return p == "" || p == RuntimeMinimal || p == RuntimeEager
}

// PropagateInput is the state a propagation starts from.
type PropagateInput struct {
	Modules map[string]Module
	Sources map[string]Source

	// Changed holds new, fingerprint-stale and removed source paths.
	Changed []string
	// Removed holds source paths that no longer exist.
	Removed []string
	// StaleModules seeds module names already known to be stale, such as
	// modules of local dependencies rebuilt after this manifest.
	StaleModules []string

	Policy RuntimePolicy
}

// Propagation is the outcome of Propagate.
type Propagation struct {
	// Recompile lists the sources to hand to the compiler, sorted.
	Recompile []string
	// Stale lists every stale module name, seeds included, sorted.
	Stale []string
	// Purged holds modules forced to recompile; their artifacts must go.
	Purged []Module
	// RuntimeOnly lists modules stale only through runtime references.
	// They keep their artifact and are not recompiled.
	RuntimeOnly []string

	// KeptModules and KeptSources are the records that survive into the
	// next manifest untouched.
	KeptModules map[string]Module
	KeptSources map[string]Source

	// Rounds is the number of passes until the fixed point.
	Rounds int
}

// Propagate computes the fixed point of stale modules and changed
// sources. Each round visits every module not yet purged:
//
//   - a module with a changed source, or with a compile reference to a
//     stale module, is purged and all of its sources become changed;
//   - otherwise a runtime reference to a stale module marks it stale
//     without recompiling it;
//
// Rounds repeat until neither the changed set nor the stale set grows.
// Both are bounded by the finite module and source universe, so the loop
// terminates.
func Propagate(in PropagateInput) *Propagation {
	changed := util.Set(in.Changed)
	stale := util.Set(in.StaleModules)
	purged := make(map[string]struct{})
	eager := in.Policy == RuntimeEager

	names := util.SortedKeys(in.Modules)
	rounds := 0
	for {
		rounds++
		before := len(changed) + len(stale)

		for _, name := range names {
			if _, ok := purged[name]; ok {
				continue
			}
			mod := in.Modules[name]
			compileRefs, runtimeRefs := moduleRefs(mod, in.Sources)

			switch {
			case util.ContainsAny(mod.Sources, changed) || util.ContainsAny(compileRefs, stale) ||
				(eager && util.ContainsAny(runtimeRefs, stale)):
				purged[name] = struct{}{}
				stale[name] = struct{}{}
				for _, src := range mod.Sources {
					changed[src] = struct{}{}
				}
			case util.ContainsAny(runtimeRefs, stale):
				stale[name] = struct{}{}
			}
		}

		if len(changed)+len(stale) == before {
			break
		}
	}

	removed := util.Set(in.Removed)
	p := &Propagation{
		KeptModules: make(map[string]Module, len(in.Modules)),
		KeptSources: make(map[string]Source, len(in.Sources)),
		Rounds:      rounds,
	}

	for path := range changed {
		if _, gone := removed[path]; !gone {
			p.Recompile = append(p.Recompile, path)
		}
	}
	slices.Sort(p.Recompile)

	p.Stale = util.SortedKeys(stale)

	for _, name := range names {
		mod := in.Modules[name]
		if _, ok := purged[name]; ok {
			p.Purged = append(p.Purged, mod)
			continue
		}
		if _, ok := stale[name]; ok {
			p.RuntimeOnly = append(p.RuntimeOnly, name)
		}
		p.KeptModules[name] = mod
	}

	for path, src := range in.Sources {
		if _, ok := changed[path]; ok {
			continue
		}
		if _, ok := removed[path]; ok {
			continue
		}
		p.KeptSources[path] = src
	}

	return p
}

// moduleRefs unions the compile and runtime references of every source
// contributing to mod. Sources without a record contribute nothing.
func moduleRefs(mod Module, sources map[string]Source) (compile, runtime []string) {
	for _, path := range mod.Sources {
		src, ok := sources[path]
		if !ok {
			continue
		}
		compile = append(compile, src.CompileRefs...)
		runtime = append(runtime, src.RuntimeRefs...)
	}
	return compile, runtime
}
