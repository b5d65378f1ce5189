package incremental

import (
	"context"
	"errors"
	"time"
)

// ErrNilCompiler is returned when a build needs a compiler and none is set.
var ErrNilCompiler = errors.New("no compiler configured")

// Completion is what the compiler reports for every module it defines or
// updates.
type Completion struct {
	Source            string
	Module            string
	Kind              Kind
	Binary            []byte
	CompileRefs       []string
	RuntimeRefs       []string
	CompileDispatches []Dispatch
	RuntimeDispatches []Dispatch
	// External lists non-source files the source declared as inputs.
	External []string
}

// CompileRequest describes one compiler invocation.
type CompileRequest struct {
	Sources []string
	DestDir string
	// LongCompilationThreshold is advisory: compilers report files that
	// exceed it, nothing is cancelled.
	LongCompilationThreshold time.Duration
}

// Sink receives compiler reports. Implementations must accept calls from
// several goroutines at once.
type Sink interface {
	ModuleCompiled(c Completion) error
	FileCompiled(path string, elapsed time.Duration)
	LongCompilation(path string, threshold time.Duration)
}

// Compiler turns stale sources into modules, reporting into sink. It may
// run compilation units in parallel.
type Compiler interface {
	Compile(ctx context.Context, req CompileRequest, sink Sink) error
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, req CompileRequest, sink Sink) error

// Compile calls f.
func (f CompilerFunc) Compile(ctx context.Context, req CompileRequest, sink Sink) error {
	return f(ctx, req, sink)
}
