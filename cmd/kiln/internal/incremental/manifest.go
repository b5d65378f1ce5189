package incremental

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/albertocavalcante/kiln/pkg/util"
)

// ManifestVersion is the schema version of the manifest blob. Any other
// version on disk is treated as no manifest at all.
const ManifestVersion = 1

// KindTag identifies the variant held by a Kind.
type KindTag uint8

const (
	KindOrdinary KindTag = iota
	KindProtocolDefinition
	KindProtocolImplementation
)

// Kind classifies a compiled module. Protocol is set only for
// KindProtocolImplementation and names the implemented protocol.
type Kind struct {
	Tag      KindTag `msgpack:"tag" json:"tag"`
	Protocol string  `msgpack:"protocol,omitempty" json:"protocol,omitempty"`
}

// Ordinary is the kind of a plain module.
func Ordinary() Kind { return Kind{Tag: KindOrdinary} }

// ProtocolDefinition is the kind of a module that defines a protocol.
func ProtocolDefinition() Kind { return Kind{Tag: KindProtocolDefinition} }

// ProtocolImplementation is the kind of a module implementing protocol.
func ProtocolImplementation(protocol string) Kind {
	return Kind{Tag: KindProtocolImplementation, Protocol: protocol}
}

func (k Kind) String() string {
	switch k.Tag {
	case KindProtocolDefinition:
		return "protocol"
	case KindProtocolImplementation:
		return fmt.Sprintf("impl(%s)", k.Protocol)
	default:
		return "module"
	}
}

// Dispatch is a concrete call-target edge.
type Dispatch struct {
	Module string `msgpack:"module" json:"module"`
	Symbol string `msgpack:"symbol" json:"symbol"`
}

func (d Dispatch) String() string { return d.Module + "." + d.Symbol }

// ExternalResource is a non-source file a source declared as an input.
type ExternalResource struct {
	Path        string      `msgpack:"path"`
	Fingerprint Fingerprint `msgpack:"fingerprint"`
}

// Source is the compiled record of one source file. Treat as a value:
// updates build a new Source rather than mutating a shared one.
type Source struct {
	Path              string             `msgpack:"path"`
	Fingerprint       Fingerprint        `msgpack:"fingerprint"`
	CompileRefs       []string           `msgpack:"compile_refs,omitempty"`
	RuntimeRefs       []string           `msgpack:"runtime_refs,omitempty"`
	CompileDispatches []Dispatch         `msgpack:"compile_dispatches,omitempty"`
	RuntimeDispatches []Dispatch         `msgpack:"runtime_dispatches,omitempty"`
	External          []ExternalResource `msgpack:"external,omitempty"`
}

// Module is the record of one compiled module. Binary is only set for
// modules compiled in the current run and is never encoded.
type Module struct {
	Name     string   `msgpack:"name"`
	Kind     Kind     `msgpack:"kind"`
	Sources  []string `msgpack:"sources"`
	Artifact string   `msgpack:"artifact"`
	Binary   []byte   `msgpack:"-"`
}

// Manifest is the persisted module/source graph of the last build.
type Manifest struct {
	Version int
	Modules map[string]Module
	Sources map[string]Source
	// ModTime is the manifest file's mtime when loaded, zero if absent.
	ModTime time.Time
}

// NewManifest returns an empty manifest at the current version.
func NewManifest() *Manifest {
	return &Manifest{
		Version: ManifestVersion,
		Modules: make(map[string]Module),
		Sources: make(map[string]Source),
	}
}

// IsEmpty reports whether the manifest records nothing.
func (m *Manifest) IsEmpty() bool {
	return m == nil || (len(m.Modules) == 0 && len(m.Sources) == 0)
}

// ModuleNames returns the recorded module names, sorted.
func (m *Manifest) ModuleNames() []string {
	if m == nil {
		return nil
	}
	return util.SortedKeys(m.Modules)
}

// ArtifactExt is the file extension of module artifacts.
const ArtifactExt = ".kbc"

// ArtifactName derives the artifact file name of a module. The mapping is
// deterministic so a module always lands in the same file.
func ArtifactName(module string) string {
	r := strings.NewReplacer("/", ".", "\\", ".", ":", "_")
	return r.Replace(module) + ArtifactExt
}

// sortedSet returns a sorted, de-duplicated copy of items.
func sortedSet(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := slices.Clone(items)
	slices.Sort(out)
	return slices.Compact(out)
}

// sortedDispatches returns a sorted, de-duplicated copy of ds.
func sortedDispatches(ds []Dispatch) []Dispatch {
	if len(ds) == 0 {
		return nil
	}
	out := slices.Clone(ds)
	slices.SortFunc(out, func(a, b Dispatch) int {
		if c := strings.Compare(a.Module, b.Module); c != 0 {
			return c
		}
		return strings.Compare(a.Symbol, b.Symbol)
	})
	return slices.Compact(out)
}

// mergeSource unions the reference data of b into a. Fingerprint and
// path come from a.
func mergeSource(a, b Source) Source {
	external := slices.Clone(a.External)
	for _, res := range b.External {
		if !slices.ContainsFunc(external, func(e ExternalResource) bool { return e.Path == res.Path }) {
			external = append(external, res)
		}
	}
	return Source{
		Path:              a.Path,
		Fingerprint:       a.Fingerprint,
		CompileRefs:       sortedSet(append(slices.Clone(a.CompileRefs), b.CompileRefs...)),
		RuntimeRefs:       sortedSet(append(slices.Clone(a.RuntimeRefs), b.RuntimeRefs...)),
		CompileDispatches: sortedDispatches(append(slices.Clone(a.CompileDispatches), b.CompileDispatches...)),
		RuntimeDispatches: sortedDispatches(append(slices.Clone(a.RuntimeDispatches), b.RuntimeDispatches...)),
		External:          external,
	}
}

// cloneModule copies the slice fields of m so the copy can be changed
// without aliasing.
func cloneModule(m Module) Module {
	m.Sources = slices.Clone(m.Sources)
	return m
}
