package watch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/albertocavalcante/kiln/cmd/kiln/internal/incremental"
)

// ChangeType represents the type of file change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "+"
	ChangeModified ChangeType = "~"
	ChangeDeleted  ChangeType = "-"
)

// Logger handles watch mode output formatting.
type Logger struct {
	writer  io.Writer
	isTTY   bool
	verbose bool
	noColor bool
	jsonOut bool

	statsMu sync.Mutex
	stats   WatchStats
}

// WatchStats tracks statistics for the watch session.
type WatchStats struct {
	BuildCount int
	ErrorCount int
	StartTime  time.Time
}

// LoggerConfig configures the logger.
type LoggerConfig struct {
	Writer  io.Writer
	Verbose bool
	NoColor bool
	JSON    bool
}

// NewLogger creates a new logger with the given configuration.
func NewLogger(cfg LoggerConfig) *Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}

	isTTY := false
	if f, ok := writer.(*os.File); ok {
		isTTY = term.IsTerminal(int(f.Fd()))
	}

	return &Logger{
		writer:  writer,
		isTTY:   isTTY,
		verbose: cfg.Verbose,
		noColor: cfg.NoColor,
		jsonOut: cfg.JSON,
		stats: WatchStats{
			StartTime: time.Now(),
		},
	}
}

// Ready logs the initial ready message.
func (l *Logger) Ready(fileCount int, roots []string, path string) {
	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event": "ready",
			"files": fileCount,
			"roots": roots,
			"path":  path,
		})
		return
	}

	l.printf("kiln: watching %d files in %s\n", fileCount, path)
	if len(roots) > 0 {
		l.printf("kiln: source roots: %s\n", strings.Join(roots, ", "))
	}
	l.println("kiln: ready")
	l.println()
}

// FileChanged logs a file change event.
func (l *Logger) FileChanged(path string, change ChangeType) {
	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event":  "file_changed",
			"path":   path,
			"change": string(change),
			"time":   time.Now().Format(time.RFC3339),
		})
		return
	}

	if l.verbose {
		l.printf("[%s] %s %s\n", l.timestamp(), l.colorize(string(change), change), path)
	}
}

// Building logs that a build is starting for the given changed paths.
func (l *Logger) Building(paths []string) {
	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event": "building",
			"paths": paths,
			"time":  time.Now().Format(time.RFC3339),
		})
		return
	}

	if len(paths) == 1 {
		l.printf("[%s] %s changed, building...\n", l.timestamp(), paths[0])
	} else {
		l.printf("[%s] %d files changed, building...\n", l.timestamp(), len(paths))
	}
}

// Built logs a finished build.
func (l *Logger) Built(res *incremental.BuildResult) {
	l.statsMu.Lock()
	l.stats.BuildCount++
	l.statsMu.Unlock()

	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event":      "built",
			"build_id":   res.BuildID,
			"recompiled": len(res.Recompiled),
			"removed":    len(res.Removed),
			"stale":      len(res.StaleModules),
			"duration":   res.Duration.String(),
			"time":       time.Now().Format(time.RFC3339),
		})
		return
	}

	checkmark := l.colorize("\u2713", ChangeAdded) // checkmark
	if res.NoOp() {
		l.printf("[%s] %s up to date\n", l.timestamp(), checkmark)
		return
	}
	l.printf("[%s] %s compiled %d files", l.timestamp(), checkmark, len(res.Recompiled))
	if len(res.Removed) > 0 {
		l.printf(", removed %d", len(res.Removed))
	}
	l.printf(" in %s\n", res.Duration.Round(time.Millisecond))
	if l.verbose {
		for _, path := range res.Recompiled {
			l.printf("    %s\n", path)
		}
	}
}

// Error logs an error.
func (l *Logger) Error(err error) {
	l.statsMu.Lock()
	l.stats.ErrorCount++
	l.statsMu.Unlock()

	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event": "error",
			"error": err.Error(),
			"time":  time.Now().Format(time.RFC3339),
		})
		return
	}

	xmark := l.colorize("\u2717", ChangeDeleted) // xmark
	l.printf("[%s] %s error: %v\n", l.timestamp(), xmark, err)
}

// Shutdown logs the shutdown message with statistics.
func (l *Logger) Shutdown() {
	l.statsMu.Lock()
	stats := l.stats
	l.statsMu.Unlock()

	if l.jsonOut {
		l.writeJSON(map[string]any{
			"event":    "shutdown",
			"builds":   stats.BuildCount,
			"errors":   stats.ErrorCount,
			"duration": time.Since(stats.StartTime).String(),
		})
		return
	}

	l.println()
	l.printf("kiln: shutting down (%d builds, %d errors)\n",
		stats.BuildCount, stats.ErrorCount)
}

// Stats returns the current watch statistics.
func (l *Logger) Stats() WatchStats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// timestamp returns the current time formatted as HH:MM:SS.
func (l *Logger) timestamp() string {
	return time.Now().Format("15:04:05")
}

// colorize applies ANSI color codes based on change type.
func (l *Logger) colorize(s string, change ChangeType) string {
	if l.noColor || !l.isTTY {
		return s
	}

	var color string
	switch change {
	case ChangeAdded:
		color = "\033[32m" // green
	case ChangeModified:
		color = "\033[33m" // yellow
	case ChangeDeleted:
		color = "\033[31m" // red
	default:
		return s
	}
	return color + s + "\033[0m"
}

// writeJSON writes a JSON object to the output.
func (l *Logger) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		// Write a minimal error event so tooling knows something went wrong
		l.println(`{"event":"internal_error","error":"json marshal failed"}`)
		return
	}
	l.println(string(data))
}

// printf writes a formatted string to the writer, ignoring errors.
// Logging output errors are intentionally ignored as they are informational.
func (l *Logger) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(l.writer, format, args...)
}

// println writes a line to the writer, ignoring errors.
// Logging output errors are intentionally ignored as they are informational.
func (l *Logger) println(args ...any) {
	_, _ = fmt.Fprintln(l.writer, args...)
}
