package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/albertocavalcante/kiln/cmd/kiln/internal/incremental"
)

// Event types written by the compiler on stdout, one JSON object per line.
const (
	EventModule = "module"
	EventFile   = "file"
	EventLong   = "long"
)

// Kind names used in module events.
const (
	KindModule   = "module"
	KindProtocol = "protocol"
	KindImpl     = "impl"
)

// Event is one line of compiler output. Binary is base64 encoded.
type Event struct {
	Event string `json:"event"`

	// module events
	Source            string                 `json:"source,omitempty"`
	Module            string                 `json:"module,omitempty"`
	Kind              string                 `json:"kind,omitempty"`
	Protocol          string                 `json:"protocol,omitempty"`
	Binary            []byte                 `json:"binary,omitempty"`
	CompileRefs       []string               `json:"compile_refs,omitempty"`
	RuntimeRefs       []string               `json:"runtime_refs,omitempty"`
	CompileDispatches []incremental.Dispatch `json:"compile_dispatches,omitempty"`
	RuntimeDispatches []incremental.Dispatch `json:"runtime_dispatches,omitempty"`
	External          []string               `json:"external,omitempty"`

	// file and long events
	Path      string `json:"path,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

// Completion converts a module event.
func (e Event) Completion() (incremental.Completion, error) {
	kind, err := parseKind(e.Kind, e.Protocol)
	if err != nil {
		return incremental.Completion{}, err
	}
	return incremental.Completion{
		Source:            filepath.ToSlash(e.Source),
		Module:            e.Module,
		Kind:              kind,
		Binary:            e.Binary,
		CompileRefs:       e.CompileRefs,
		RuntimeRefs:       e.RuntimeRefs,
		CompileDispatches: e.CompileDispatches,
		RuntimeDispatches: e.RuntimeDispatches,
		External:          slashAll(e.External),
	}, nil
}

func parseKind(kind, protocol string) (incremental.Kind, error) {
	switch kind {
	case "", KindModule:
		return incremental.Ordinary(), nil
	case KindProtocol:
		return incremental.ProtocolDefinition(), nil
	case KindImpl:
		if protocol == "" {
			return incremental.Kind{}, errors.New("impl event without protocol")
		}
		return incremental.ProtocolImplementation(protocol), nil
	default:
		return incremental.Kind{}, fmt.Errorf("unknown module kind %q", kind)
	}
}

func slashAll(paths []string) []string {
	for i, p := range paths {
		paths[i] = filepath.ToSlash(p)
	}
	return paths
}

// Decode reads compiler events from r until EOF and reports them to sink.
// threshold is passed through on long-compilation events.
func Decode(r io.Reader, threshold time.Duration, sink incremental.Sink) error {
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("malformed compiler output at event %d: %w", line, err)
		}

		switch ev.Event {
		case EventModule:
			c, err := ev.Completion()
			if err != nil {
				return fmt.Errorf("invalid module event %d: %w", line, err)
			}
			if err := sink.ModuleCompiled(c); err != nil {
				return fmt.Errorf("invalid module event %d: %w", line, err)
			}
		case EventFile:
			sink.FileCompiled(filepath.ToSlash(ev.Path), time.Duration(ev.ElapsedMS)*time.Millisecond)
		case EventLong:
			sink.LongCompilation(filepath.ToSlash(ev.Path), threshold)
		default:
			return fmt.Errorf("unknown compiler event %q", ev.Event)
		}
	}
}
