// Package runner locates the external compiler binary and drives it as an
// incremental.Compiler.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/albertocavalcante/kiln/cmd/kiln/internal/incremental"
	"github.com/albertocavalcante/kiln/internal/log"
)

// SiblingName is the compiler binary looked up next to the kiln executable
// and on PATH.
const SiblingName = "kiln-compiler"

var (
	// ErrCompilerNotFound is returned when the compiler binary cannot be located.
	ErrCompilerNotFound = errors.New("compiler binary not found")

	// ErrCompileFailed is returned when the compiler exits unsuccessfully.
	ErrCompileFailed = errors.New("compiler failed")
)

// Runner handles finding and executing the compiler binary.
type Runner struct {
	executablePath string // Path to kiln executable (for finding sibling)
	command        string
	args           []string
	dir            string
	stderr         io.Writer
	logger         *slog.Logger
}

var _ incremental.Compiler = (*Runner)(nil)

// Option configures a Runner.
type Option func(*Runner)

// WithExecutablePath sets the path to the kiln executable.
// Used primarily for testing.
func WithExecutablePath(path string) Option {
	return func(r *Runner) {
		r.executablePath = path
	}
}

// WithCommand sets the configured compiler command. A bare name is looked
// up on PATH; a name with a separator is a path relative to the working
// directory.
func WithCommand(command string, args ...string) Option {
	return func(r *Runner) {
		r.command = command
		r.args = args
	}
}

// WithDir sets the compiler's working directory, normally the project root.
func WithDir(dir string) Option {
	return func(r *Runner) {
		r.dir = dir
	}
}

// WithStderr sets where compiler diagnostics are forwarded.
func WithStderr(w io.Writer) Option {
	return func(r *Runner) {
		r.stderr = w
	}
}

// New creates a new Runner with the given options.
func New(opts ...Option) *Runner {
	r := &Runner{
		stderr: os.Stderr,
		logger: log.Component("runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindCompiler locates the compiler binary using the following search order:
// 1. Configured command
// 2. Sibling binary (kiln-compiler next to kiln)
// 3. PATH lookup
func (r *Runner) FindCompiler() (string, error) {
	if r.command != "" {
		return r.findConfigured()
	}

	exe := r.executablePath
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return "", fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	if path := r.findSibling(exe); path != "" {
		return path, nil
	}

	if path, err := exec.LookPath(SiblingName); err == nil {
		return path, nil
	}

	return "", ErrCompilerNotFound
}

func (r *Runner) findConfigured() (string, error) {
	if !strings.ContainsRune(r.command, '/') && !strings.ContainsRune(r.command, filepath.Separator) {
		path, err := exec.LookPath(r.command)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrCompilerNotFound, r.command)
		}
		return path, nil
	}

	path := r.command
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dir, path)
	}
	if !fileExists(path) {
		return "", fmt.Errorf("%w: %s", ErrCompilerNotFound, path)
	}
	return path, nil
}

// findSibling looks for kiln-compiler next to the kiln binary.
func (r *Runner) findSibling(exe string) string {
	dir := filepath.Dir(exe)
	sibling := filepath.Join(dir, SiblingName)
	if fileExists(sibling) {
		return sibling
	}
	return ""
}

// commandArgs builds the compiler argument list for req.
func (r *Runner) commandArgs(req incremental.CompileRequest) []string {
	args := make([]string, 0, len(r.args)+len(req.Sources)+5)
	args = append(args, r.args...)
	args = append(args, "--dest", req.DestDir)
	if req.LongCompilationThreshold > 0 {
		args = append(args, "--long-threshold", req.LongCompilationThreshold.String())
	}
	args = append(args, "--")
	args = append(args, req.Sources...)
	return args
}

// Compile runs the compiler over req.Sources and forwards its event stream
// to sink. Compiler diagnostics on stderr are copied to the configured
// writer.
func (r *Runner) Compile(ctx context.Context, req incremental.CompileRequest, sink incremental.Sink) error {
	bin, err := r.FindCompiler()
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, bin, r.commandArgs(req)...)
	cmd.Dir = r.dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open compiler stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open compiler stderr: %w", err)
	}

	r.logger.Debug("starting compiler", "bin", bin, "sources", len(req.Sources))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start compiler: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error {
		err := Decode(stdout, req.LongCompilationThreshold, sink)
		if err != nil {
			// Keep the pipe drained so the compiler can exit.
			_, _ = io.Copy(io.Discard, stdout)
		}
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(r.stderr, stderr)
		return err
	})

	pumpErr := g.Wait()
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrCompileFailed, err)
	}
	return pumpErr
}

// Version runs the compiler with --version and returns its trimmed output.
func (r *Runner) Version(ctx context.Context) (string, error) {
	bin, err := r.FindCompiler()
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, bin, "--version")
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompileFailed, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
