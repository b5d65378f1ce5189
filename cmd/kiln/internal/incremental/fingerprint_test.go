package incremental

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/albertocavalcante/kiln/internal/log"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func setMtime(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func newTestStore(threshold int64, opts ...FingerprintOption) *FingerprintStore {
	opts = append([]FingerprintOption{WithFingerprintLogger(log.Discard())}, opts...)
	return NewFingerprintStore(threshold, opts...)
}

func TestFingerprintThreshold(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name      string
		size      int
		threshold int64
		want      FingerprintKind
	}{
		{"below threshold", 10, 16, FingerprintHashed},
		{"at threshold", 16, 16, FingerprintHashed},
		{"above threshold", 17, 16, FingerprintUnhashed},
		{"hashing disabled", 1, 0, FingerprintUnhashed},
		{"empty file disabled", 0, 0, FingerprintUnhashed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			writeFile(t, path, strings.Repeat("x", tt.size))

			fp := newTestStore(tt.threshold).Get(path)
			if fp.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", fp.Kind, tt.want)
			}
			if fp.Size != int64(tt.size) {
				t.Errorf("Size = %d, want %d", fp.Size, tt.size)
			}
			if fp.Kind == FingerprintHashed && fp.Digest != HashBytes([]byte(strings.Repeat("x", tt.size))) {
				t.Errorf("Digest = %q does not match content", fp.Digest)
			}
		})
	}
}

func TestFingerprintMissingFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(DefaultHashThreshold)

	a := s.Get(filepath.Join(dir, "gone.kn"))
	if a.Kind != FingerprintFailed {
		t.Fatalf("Kind = %v, want failed", a.Kind)
	}
	if a.Reason == "" {
		t.Error("Reason should not be empty")
	}

	// The reason must not embed the path, so a different missing file in a
	// later run compares equal.
	b := newTestStore(DefaultHashThreshold).Get(filepath.Join(dir, "other.kn"))
	if a.Reason != b.Reason {
		t.Errorf("reasons differ: %q vs %q", a.Reason, b.Reason)
	}
}

func TestFingerprintRelativeToRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "lib", "a.kn"), "module A\n")

	fp := newTestStore(DefaultHashThreshold, WithRoot(dir)).Get("lib/a.kn")
	if fp.Kind != FingerprintHashed {
		t.Errorf("Kind = %v, want hashed", fp.Kind)
	}
}

func TestFingerprintClockSkew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "future.kn")
	writeFile(t, path, "module Future\n")

	now := time.Now().Truncate(time.Second)
	setMtime(t, path, now.Add(time.Hour))

	fp := newTestStore(DefaultHashThreshold, WithClock(func() time.Time { return now })).Get(path)
	if fp.ModTime != now.UnixNano() {
		t.Errorf("ModTime = %d, want %d", fp.ModTime, now.UnixNano())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(now) {
		t.Errorf("file mtime = %v, want reset to %v", info.ModTime(), now)
	}
}

func TestFingerprintClockSkewReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "future.kn")
	writeFile(t, path, "module Future\n")

	now := time.Now().Truncate(time.Second)
	future := now.Add(time.Hour)
	setMtime(t, path, future)

	fp := newTestStore(DefaultHashThreshold, WithClock(func() time.Time { return now }), WithReadOnly()).Get(path)
	if fp.ModTime != now.UnixNano() {
		t.Errorf("ModTime = %d, want clamped %d", fp.ModTime, now.UnixNano())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(future) {
		t.Errorf("file mtime = %v, want untouched %v", info.ModTime(), future)
	}
}

func TestFingerprintMemoized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.kn")
	writeFile(t, path, "module A\n")

	s := newTestStore(DefaultHashThreshold)
	first := s.Get(path)

	writeFile(t, path, "module A changed\n")
	if got := s.Get(path); got != first {
		t.Errorf("Get() after change = %v, want memoized %v", got, first)
	}
	if s.Computed() != 1 {
		t.Errorf("Computed() = %d, want 1", s.Computed())
	}
}

func TestFingerprintConcurrentGet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.kn")
	writeFile(t, path, "module A\n")

	s := newTestStore(DefaultHashThreshold)
	results := make([]Fingerprint, 32)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.Get(path)
		}()
	}
	wg.Wait()

	for i, fp := range results {
		if fp != results[0] {
			t.Errorf("results[%d] = %v, want %v", i, fp, results[0])
		}
	}
}

func TestFingerprintString(t *testing.T) {
	tests := []struct {
		fp   Fingerprint
		want string
	}{
		{Fingerprint{}, "missing"},
		{Hashed("abc", 3, 1), "hashed(abc, 3 bytes)"},
		{Unhashed(10, 5), "unhashed(10 bytes, mtime 5)"},
		{Failed("stat: denied"), "failed(stat: denied)"},
	}
	for _, tt := range tests {
		if got := tt.fp.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
