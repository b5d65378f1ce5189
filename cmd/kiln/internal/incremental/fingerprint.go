package incremental

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertocavalcante/kiln/internal/log"
)

// DefaultHashThreshold is the largest file size, in bytes, that is
// content-hashed. Larger files are fingerprinted by size and mtime only.
const DefaultHashThreshold int64 = 256 * 1024

// FingerprintKind tags the variant held by a Fingerprint.
type FingerprintKind uint8

const (
	// FingerprintMissing is the zero value: no record exists.
	FingerprintMissing FingerprintKind = iota
	// FingerprintHashed carries a content digest plus size and mtime.
	FingerprintHashed
	// FingerprintUnhashed carries size and mtime only (large files).
	FingerprintUnhashed
	// FingerprintFailed records why the file could not be inspected.
	FingerprintFailed
)

func (k FingerprintKind) String() string {
	switch k {
	case FingerprintHashed:
		return "hashed"
	case FingerprintUnhashed:
		return "unhashed"
	case FingerprintFailed:
		return "failed"
	default:
		return "missing"
	}
}

// Fingerprint summarizes a file for change detection. Only the fields of
// the variant named by Kind are meaningful.
type Fingerprint struct {
	Kind    FingerprintKind `msgpack:"kind"`
	Digest  string          `msgpack:"digest,omitempty"`
	Size    int64           `msgpack:"size,omitempty"`
	ModTime int64           `msgpack:"mtime_ns,omitempty"` // UnixNano
	Reason  string          `msgpack:"reason,omitempty"`
}

// Hashed builds a content fingerprint.
func Hashed(digest string, size, modTime int64) Fingerprint {
	return Fingerprint{Kind: FingerprintHashed, Digest: digest, Size: size, ModTime: modTime}
}

// Unhashed builds a size+mtime fingerprint.
func Unhashed(size, modTime int64) Fingerprint {
	return Fingerprint{Kind: FingerprintUnhashed, Size: size, ModTime: modTime}
}

// Failed builds a failure fingerprint.
func Failed(reason string) Fingerprint {
	return Fingerprint{Kind: FingerprintFailed, Reason: reason}
}

func (f Fingerprint) String() string {
	switch f.Kind {
	case FingerprintHashed:
		return fmt.Sprintf("hashed(%s, %d bytes)", f.Digest, f.Size)
	case FingerprintUnhashed:
		return fmt.Sprintf("unhashed(%d bytes, mtime %d)", f.Size, f.ModTime)
	case FingerprintFailed:
		return fmt.Sprintf("failed(%s)", f.Reason)
	default:
		return "missing"
	}
}

// FingerprintStore computes and memoizes fingerprints for one build run.
// It is safe for concurrent use. Two goroutines asking for the same path
// for the first time may both compute it; the first stored value wins.
type FingerprintStore struct {
	threshold int64
	root      string
	now       func() time.Time
	logger    *slog.Logger
	readOnly  bool

	cache    sync.Map // path -> Fingerprint
	computed atomic.Int64
}

// FingerprintOption configures a FingerprintStore.
type FingerprintOption func(*FingerprintStore)

// WithClock overrides the wall clock used for skew detection.
func WithClock(now func() time.Time) FingerprintOption {
	return func(s *FingerprintStore) {
		s.now = now
	}
}

// WithRoot resolves relative paths against root. Cache keys stay as given.
func WithRoot(root string) FingerprintOption {
	return func(s *FingerprintStore) {
		s.root = root
	}
}

// WithFingerprintLogger sets the logger used for clock-skew warnings.
func WithFingerprintLogger(l *slog.Logger) FingerprintOption {
	return func(s *FingerprintStore) {
		s.logger = l
	}
}

// WithReadOnly keeps the store from touching files. Future modification
// times are still clamped in the fingerprint but left on disk.
func WithReadOnly() FingerprintOption {
	return func(s *FingerprintStore) {
		s.readOnly = true
	}
}

// NewFingerprintStore creates an empty store. A threshold of 0 disables
// content hashing entirely.
func NewFingerprintStore(threshold int64, opts ...FingerprintOption) *FingerprintStore {
	s := &FingerprintStore{
		threshold: threshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.Component("fingerprint")
	}
	return s
}

// Get returns the fingerprint of path, computing it on first use.
func (s *FingerprintStore) Get(path string) Fingerprint {
	if v, ok := s.cache.Load(path); ok {
		return v.(Fingerprint)
	}
	fp := s.compute(path)
	actual, _ := s.cache.LoadOrStore(path, fp)
	return actual.(Fingerprint)
}

// Computed reports how many fingerprints were computed, duplicates included.
func (s *FingerprintStore) Computed() int64 {
	return s.computed.Load()
}

func (s *FingerprintStore) compute(key string) Fingerprint {
	s.computed.Add(1)

	path := key
	if s.root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(s.root, filepath.FromSlash(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return Failed(failureReason(err))
	}

	mtime := info.ModTime()
	if now := s.now(); mtime.After(now) {
		if s.readOnly {
			s.logger.Warn("modification time is in the future",
				"path", path, "mtime", mtime, "now", now)
		} else {
			s.logger.Warn("modification time is in the future, resetting to now",
				"path", path, "mtime", mtime, "now", now)
			if err := os.Chtimes(path, now, now); err != nil {
				s.logger.Warn("failed to reset modification time", "path", path, "error", err)
			}
		}
		mtime = now
	}

	size := info.Size()
	if s.threshold > 0 && size <= s.threshold {
		digest, err := HashFile(path)
		if err != nil {
			return Failed(failureReason(err))
		}
		log.TraceTo(s.logger, "hashed", "path", path, "size", size)
		return Hashed(digest, size, mtime.UnixNano())
	}
	return Unhashed(size, mtime.UnixNano())
}

// failureReason strips the path from OS errors so that the same failure
// on the same file compares equal across runs.
func failureReason(err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Op + ": " + pe.Err.Error()
	}
	return err.Error()
}
