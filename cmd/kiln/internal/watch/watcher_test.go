package watch

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/albertocavalcante/kiln/cmd/kiln/internal/incremental"
)

// syncBuffer is a bytes.Buffer safe for the watcher goroutine and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// moduleCompiler reports one module per source, named after the file.
type moduleCompiler struct {
	mu    sync.Mutex
	calls [][]string
}

func (c *moduleCompiler) Compile(_ context.Context, req incremental.CompileRequest, sink incremental.Sink) error {
	c.mu.Lock()
	c.calls = append(c.calls, req.Sources)
	c.mu.Unlock()

	for _, src := range req.Sources {
		name := strings.TrimSuffix(path.Base(src), path.Ext(src))
		if err := sink.ModuleCompiled(incremental.Completion{Source: src, Module: name}); err != nil {
			return err
		}
		sink.FileCompiled(src, time.Millisecond)
	}
	return nil
}

func (c *moduleCompiler) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type watchFixture struct {
	root     string
	scanner  *incremental.Scanner
	tracker  *incremental.Tracker
	compiler *moduleCompiler
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}

	sc, err := incremental.NewScanner(incremental.ScanConfig{
		Root:       root,
		Roots:      []string{"lib"},
		Extensions: []string{".kn"},
	})
	if err != nil {
		t.Fatal(err)
	}

	comp := &moduleCompiler{}
	tr := incremental.NewTracker(incremental.TrackerConfig{Root: root},
		incremental.WithDiscovery(sc),
		incremental.WithCompiler(comp),
	)
	return &watchFixture{root: root, scanner: sc, tracker: tr, compiler: comp}
}

func (f *watchFixture) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(f.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *watchFixture) newWatcher(t *testing.T, out *syncBuffer) *Watcher {
	t.Helper()
	w, err := New(Config{
		Root:     f.root,
		Scanner:  f.scanner,
		Tracker:  f.tracker,
		Debounce: 50,
		JSON:     true,
		Writer:   out,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func waitFor(t *testing.T, out *syncBuffer, substr string, count int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Count(out.String(), substr) >= count {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d x %q; output:\n%s", count, substr, out.String())
}

func TestIsWatchLimitError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "path error",
			err:      &os.PathError{Op: "watch", Path: "/foo", Err: os.ErrNotExist},
			expected: false,
		},
		{
			name:     "regular error",
			err:      os.ErrPermission,
			expected: false,
		},
		{
			name:     "no space left on device",
			err:      errors.New("inotify_add_watch /foo: no space left on device"),
			expected: true,
		},
		{
			name:     "too many open files",
			err:      errors.New("too many open files"),
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isWatchLimitError(tt.err)
			if result != tt.expected {
				t.Errorf("isWatchLimitError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestNewWatcher(t *testing.T) {
	f := newWatchFixture(t)
	w := f.newWatcher(t, &syncBuffer{})

	if w.fsWatcher == nil {
		t.Error("fsWatcher is nil")
	}
	if w.tracker == nil {
		t.Error("tracker is nil")
	}
	if w.logger == nil {
		t.Error("logger is nil")
	}
}

func TestNewWatcherRequiresScannerAndTracker(t *testing.T) {
	f := newWatchFixture(t)

	if _, err := New(Config{Root: f.root, Tracker: f.tracker}); err == nil {
		t.Error("expected error without scanner")
	}
	if _, err := New(Config{Root: f.root, Scanner: f.scanner}); err == nil {
		t.Error("expected error without tracker")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want ChangeType
		ok   bool
	}{
		{fsnotify.Create, ChangeAdded, true},
		{fsnotify.Write, ChangeModified, true},
		{fsnotify.Create | fsnotify.Write, ChangeAdded, true},
		{fsnotify.Remove, ChangeDeleted, true},
		{fsnotify.Rename, ChangeDeleted, true},
		{fsnotify.Chmod, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			got, ok := classify(fsnotify.Event{Name: "lib/a.kn", Op: tt.op})
			if got != tt.want || ok != tt.ok {
				t.Errorf("classify(%v) = %q, %v; want %q, %v", tt.op, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestHandleEventFiltering(t *testing.T) {
	f := newWatchFixture(t)
	w := f.newWatcher(t, &syncBuffer{})

	var flushed []string
	w.debouncer = NewDebouncer(time.Hour, func(paths []string) { flushed = paths })

	lib := filepath.Join(f.root, "lib")
	w.handleEvent(fsnotify.Event{Name: filepath.Join(lib, "a.kn"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(lib, "a.kn"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(lib, "b.kn"), Op: fsnotify.Remove})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(lib, "notes.txt"), Op: fsnotify.Write})
	w.handleEvent(fsnotify.Event{Name: filepath.Join(lib, "c.kn"), Op: fsnotify.Chmod})

	if got := w.debouncer.PendingCount(); got != 2 {
		t.Fatalf("PendingCount() = %d, want 2", got)
	}
	w.debouncer.Stop()
	if strings.Join(flushed, ",") != "lib/a.kn,lib/b.kn" {
		t.Errorf("flushed = %v", flushed)
	}
}

func TestHandleEventNewDirectory(t *testing.T) {
	f := newWatchFixture(t)
	w := f.newWatcher(t, &syncBuffer{})
	w.debouncer = NewDebouncer(time.Hour, nil)
	defer w.debouncer.Stop()

	f.write(t, "lib/nested/x.kn", "")
	f.write(t, "lib/nested/readme.md", "")
	f.write(t, "lib/.hidden/y.kn", "")

	w.handleEvent(fsnotify.Event{Name: filepath.Join(f.root, "lib", "nested"), Op: fsnotify.Create})
	if got := w.debouncer.PendingCount(); got != 1 {
		t.Errorf("PendingCount() after new dir = %d, want 1", got)
	}

	w.handleEvent(fsnotify.Event{Name: filepath.Join(f.root, "lib", ".hidden"), Op: fsnotify.Create})
	if got := w.debouncer.PendingCount(); got != 1 {
		t.Errorf("PendingCount() after ignored dir = %d, want 1", got)
	}
}

func TestRunBuildsOnChange(t *testing.T) {
	f := newWatchFixture(t)
	f.write(t, "lib/a.kn", "one")

	out := &syncBuffer{}
	w := f.newWatcher(t, out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, out, `"event":"ready"`, 1)
	if !strings.Contains(out.String(), `"event":"built"`) {
		t.Errorf("expected initial build event, got:\n%s", out.String())
	}
	if got := f.compiler.callCount(); got != 1 {
		t.Fatalf("initial compile calls = %d, want 1", got)
	}

	f.write(t, "lib/b.kn", "two")
	waitFor(t, out, `"event":"built"`, 2)

	f.compiler.mu.Lock()
	last := f.compiler.calls[len(f.compiler.calls)-1]
	f.compiler.mu.Unlock()
	if strings.Join(last, ",") != "lib/b.kn" {
		t.Errorf("second build compiled %v, want [lib/b.kn]", last)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	waitFor(t, out, `"event":"shutdown"`, 1)

	if stats := w.Logger().Stats(); stats.BuildCount < 2 {
		t.Errorf("BuildCount = %d, want >= 2", stats.BuildCount)
	}
}

func TestRunReportsBuildErrors(t *testing.T) {
	f := newWatchFixture(t)
	f.write(t, "lib/a.kn", "one")

	failing := incremental.CompilerFunc(func(context.Context, incremental.CompileRequest, incremental.Sink) error {
		return errors.New("lib/a.kn:1: syntax error")
	})
	f.tracker = incremental.NewTracker(incremental.TrackerConfig{Root: f.root},
		incremental.WithDiscovery(f.scanner),
		incremental.WithCompiler(failing),
	)

	out := &syncBuffer{}
	w := f.newWatcher(t, out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	waitFor(t, out, `"event":"ready"`, 1)
	if !strings.Contains(out.String(), "syntax error") {
		t.Errorf("expected build error event, got:\n%s", out.String())
	}
	if f.tracker.HasState() {
		t.Error("failed build must not write a manifest")
	}
}

func TestWatcherClose(t *testing.T) {
	f := newWatchFixture(t)
	w, err := New(Config{Root: f.root, Scanner: f.scanner, Tracker: f.tracker, Writer: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestWatcherCloseNilFsWatcher(t *testing.T) {
	w := &Watcher{fsWatcher: nil}
	if err := w.Close(); err != nil {
		t.Errorf("Close() on nil fsWatcher error = %v", err)
	}
}
