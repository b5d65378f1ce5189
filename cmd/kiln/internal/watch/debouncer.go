// Package watch rebuilds a project whenever its sources change.
package watch

import (
	"slices"
	"sync"
	"time"
)

// MaxPending is the maximum number of paths that can be pending.
// If this limit is reached, a flush is triggered immediately to prevent
// unbounded memory growth from rapid file creation.
const MaxPending = 1000

// Debouncer coalesces rapid file change events into batches.
// It groups events within a time window to avoid triggering multiple builds
// when files are saved rapidly (e.g., IDE autosave, formatter runs).
type Debouncer struct {
	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	window  time.Duration
	onFlush func(paths []string)
	stopped bool
}

// NewDebouncer creates a debouncer with the given window duration.
// The onFlush callback is called with the sorted changed paths after the
// window expires with no new events.
func NewDebouncer(window time.Duration, onFlush func(paths []string)) *Debouncer {
	return &Debouncer{
		pending: make(map[string]struct{}),
		window:  window,
		onFlush: onFlush,
	}
}

// Add records a changed path. Repeated paths within the window are
// coalesced.
func (d *Debouncer) Add(path string) {
	d.mu.Lock()

	if d.stopped {
		d.mu.Unlock()
		return
	}

	d.pending[path] = struct{}{}

	if len(d.pending) >= MaxPending {
		d.stopTimerLocked()
		paths := d.drainLocked()
		d.mu.Unlock()
		d.emit(paths)
		return
	}

	// timer.Stop() may return false if the timer has already fired; the
	// queued flush then finds nothing pending or flushes this path early.
	d.stopTimerLocked()
	d.timer = time.AfterFunc(d.window, d.FlushNow)
	d.mu.Unlock()
}

// FlushNow immediately flushes any pending paths without waiting for the
// timer. This is useful for graceful shutdown.
func (d *Debouncer) FlushNow() {
	d.mu.Lock()
	d.stopTimerLocked()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	paths := d.drainLocked()
	d.mu.Unlock()

	d.emit(paths)
}

// Stop stops the debouncer. Any pending paths are flushed.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.stopTimerLocked()
	paths := d.drainLocked()
	d.mu.Unlock()

	d.emit(paths)
}

// PendingCount returns the number of paths waiting to be flushed.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer) stopTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// drainLocked returns the sorted pending paths and clears them.
// Caller must hold d.mu.
func (d *Debouncer) drainLocked() []string {
	if len(d.pending) == 0 {
		return nil
	}
	paths := make([]string, 0, len(d.pending))
	for p := range d.pending {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	d.pending = make(map[string]struct{})
	return paths
}

// emit calls the handler outside the lock.
func (d *Debouncer) emit(paths []string) {
	if len(paths) > 0 && d.onFlush != nil {
		d.onFlush(paths)
	}
}
