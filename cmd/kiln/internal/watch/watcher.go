package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/albertocavalcante/kiln/cmd/kiln/internal/incremental"
)

// DefaultDebounce is used when Config.Debounce is not positive.
const DefaultDebounce = 500 * time.Millisecond

// Config configures the watcher.
type Config struct {
	Root     string
	Scanner  *incremental.Scanner
	Tracker  *incremental.Tracker
	Debounce int // debounce window in milliseconds
	Verbose  bool
	NoColor  bool
	JSON     bool
	// Writer receives watch events. Defaults to stdout.
	Writer io.Writer
}

// Watcher watches source roots and rebuilds when sources change.
type Watcher struct {
	config    Config
	fsWatcher *fsnotify.Watcher
	scanner   *incremental.Scanner
	tracker   *incremental.Tracker
	debouncer *Debouncer
	logger    *Logger

	// ctx is the Run context, used by builds started from the debouncer.
	ctx context.Context

	// buildMu prevents concurrent builds
	buildMu sync.Mutex
}

// New creates a new watcher with the given configuration.
func New(cfg Config) (*Watcher, error) {
	if cfg.Scanner == nil {
		return nil, errors.New("watch: scanner is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("watch: tracker is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := NewLogger(LoggerConfig{
		Writer:  cfg.Writer,
		Verbose: cfg.Verbose,
		NoColor: cfg.NoColor,
		JSON:    cfg.JSON,
	})

	return &Watcher{
		config:    cfg,
		fsWatcher: fsWatcher,
		scanner:   cfg.Scanner,
		tracker:   cfg.Tracker,
		logger:    logger,
		ctx:       context.Background(),
	}, nil
}

// Run performs an initial build, then watches until the context is
// cancelled. Build failures are reported as events and do not stop the
// loop.
func (w *Watcher) Run(ctx context.Context) error {
	w.ctx = ctx

	debounceWindow := time.Duration(w.config.Debounce) * time.Millisecond
	if debounceWindow <= 0 {
		debounceWindow = DefaultDebounce
	}
	w.debouncer = NewDebouncer(debounceWindow, w.handleChanged)
	defer w.debouncer.Stop()

	var roots []string
	for _, dir := range w.scanner.SourceRoots() {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.addRecursive(dir); err != nil {
			return fmt.Errorf("failed to watch sources: %w", err)
		}
		roots = append(roots, w.relative(dir))
	}

	w.build(nil)

	w.logger.Ready(w.tracker.TrackedSourceCount(), roots, w.config.Root)

	for {
		select {
		case <-ctx.Done():
			w.logger.Shutdown()
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error(err)
		}
	}
}

// addRecursive adds a directory and all subdirectories to the watcher.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Log permission errors in verbose mode, skip silently otherwise
			if os.IsPermission(err) {
				if w.config.Verbose {
					w.logger.Error(fmt.Errorf("permission denied: %s", path))
				}
				return nil
			}
			w.logger.Error(fmt.Errorf("walk error at %s: %w", path, err))
			return nil
		}

		if !d.IsDir() {
			return nil
		}
		if path != root && w.scanner.IgnoresDir(d.Name()) {
			return filepath.SkipDir
		}

		if err := w.fsWatcher.Add(path); err != nil {
			if isWatchLimitError(err) {
				return fmt.Errorf("%w for %s: %v\n"+
					"Increase limit with: sudo sysctl fs.inotify.max_user_watches=524288",
					ErrWatchLimitReached, path, err)
			}
			if w.config.Verbose {
				w.logger.Error(fmt.Errorf("failed to watch %s: %w", path, err))
			}
		}
		return nil
	})
}

// isWatchLimitError checks if an error is due to inotify watch limits.
func isWatchLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "no space left on device") ||
		strings.Contains(errStr, "too many open files")
}

// handleEvent processes a single filesystem event.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if w.scanner.IgnoresDir(filepath.Base(path)) {
				return
			}
			if err := w.addRecursive(path); err != nil {
				w.logger.Error(fmt.Errorf("failed to watch new directory %s: %w", path, err))
			}
			// Files written before the watch was added produce no events.
			w.queueExisting(path)
			return
		}
	}

	rel := w.relative(path)
	if !w.scanner.Matches(rel) {
		return
	}

	changeType, ok := classify(event)
	if !ok {
		return
	}

	w.logger.FileChanged(rel, changeType)
	w.debouncer.Add(rel)
}

// classify maps an fsnotify event to a change type. Chmod-only events are
// ignored.
func classify(event fsnotify.Event) (ChangeType, bool) {
	switch {
	case event.Has(fsnotify.Create):
		return ChangeAdded, true
	case event.Has(fsnotify.Write):
		return ChangeModified, true
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		return ChangeDeleted, true
	default:
		return "", false
	}
}

// queueExisting debounces every matching file already present under dir.
func (w *Watcher) queueExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && w.scanner.IgnoresDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if rel := w.relative(path); w.scanner.Matches(rel) {
			w.logger.FileChanged(rel, ChangeAdded)
			w.debouncer.Add(rel)
		}
		return nil
	})
}

// handleChanged is called when the debouncer flushes.
func (w *Watcher) handleChanged(paths []string) {
	if len(paths) == 0 || w.ctx.Err() != nil {
		return
	}
	w.build(paths)
}

// build runs one build cycle. Paths are the changes that triggered it, nil
// for the initial build.
func (w *Watcher) build(paths []string) {
	w.buildMu.Lock()
	defer w.buildMu.Unlock()

	if paths != nil {
		w.logger.Building(paths)
	}

	res, err := w.tracker.Build(w.ctx, incremental.BuildOptions{})
	if err != nil {
		if w.ctx.Err() != nil {
			return
		}
		w.logger.Error(err)
		return
	}

	if paths != nil || !res.NoOp() {
		w.logger.Built(res)
	}
}

// relative returns path as a slash path relative to the project root.
func (w *Watcher) relative(path string) string {
	rel, err := filepath.Rel(w.scanner.Root(), path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// Logger returns the event logger.
func (w *Watcher) Logger() *Logger {
	return w.logger
}

// Close closes the watcher and releases resources.
func (w *Watcher) Close() error {
	if w.fsWatcher != nil {
		return w.fsWatcher.Close()
	}
	return nil
}

// ErrWatchLimitReached is returned when the OS watch limit is exceeded.
var ErrWatchLimitReached = errors.New("filesystem watch limit reached")
