package incremental

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/albertocavalcante/kiln/internal/log"
	"github.com/albertocavalcante/kiln/pkg/util"
)

const (
	// StateDir is the default directory for kiln state files.
	StateDir = ".kiln"

	// ManifestFile is the name of the manifest inside the state directory.
	ManifestFile = "manifest"

	// manifestFields is the number of top-level entries in the blob:
	// version, modules, sources.
	manifestFields = 3
)

// errVersionMismatch marks a manifest written under another schema.
var errVersionMismatch = errors.New("manifest version mismatch")

// ManifestStore persists the manifest and module artifacts.
type ManifestStore struct {
	path    string
	destDir string
	logger  *slog.Logger
}

// NewManifestStore creates a store for the manifest at path, writing
// artifacts into destDir.
func NewManifestStore(path, destDir string) *ManifestStore {
	return &ManifestStore{
		path:    path,
		destDir: destDir,
		logger:  log.Component("manifest"),
	}
}

// Path returns the manifest file path.
func (s *ManifestStore) Path() string { return s.path }

// DestDir returns the artifact directory.
func (s *ManifestStore) DestDir() string { return s.destDir }

// Exists returns true if the manifest file exists.
func (s *ManifestStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads the manifest. A missing, unreadable, corrupt or
// version-mismatched manifest yields an empty manifest, which forces a
// full rebuild instead of failing the build.
func (s *ManifestStore) Load() *Manifest {
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Debug("manifest unreadable, starting empty", "path", s.path, "error", err)
		}
		return NewManifest()
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		s.logger.Debug("manifest stat failed, starting empty", "path", s.path, "error", err)
		return NewManifest()
	}

	m, err := decodeManifest(f)
	if err != nil {
		s.logger.Debug("manifest discarded, starting empty", "path", s.path, "error", err)
		return NewManifest()
	}
	m.ModTime = info.ModTime()
	return m
}

// Save persists modules and sources. Binaries produced this run are
// flushed to their artifact files first and stripped from the records.
// Artifact and manifest mtimes are pinned to buildTime so later
// comparisons are made against the instant the build started.
//
// When both collections are empty the manifest is deleted instead.
func (s *ManifestStore) Save(modules map[string]Module, sources map[string]Source, buildTime time.Time) error {
	if len(modules) == 0 && len(sources) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove manifest: %w", err)
		}
		s.logger.Debug("manifest removed, nothing recorded", "path", s.path)
		return nil
	}

	records := make([]Module, 0, len(modules))
	for _, name := range util.SortedKeys(modules) {
		m := modules[name]
		if m.Artifact == "" {
			m.Artifact = ArtifactName(name)
		}
		if m.Binary != nil {
			if err := s.writeArtifact(m, buildTime); err != nil {
				return err
			}
			m.Binary = nil
			modules[name] = m
		}
		records = append(records, m)
	}

	srcRecords := make([]Source, 0, len(sources))
	for _, p := range util.SortedKeys(sources) {
		srcRecords = append(srcRecords, sources[p])
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	err := writeFileAtomic(s.path, 0o644, func(w io.Writer) error {
		return encodeManifest(w, records, srcRecords)
	})
	if err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Chtimes(s.path, buildTime, buildTime); err != nil {
		return fmt.Errorf("failed to set manifest time: %w", err)
	}

	s.logger.Debug("manifest saved", "path", s.path,
		"modules", len(records), "sources", len(srcRecords))
	return nil
}

func (s *ManifestStore) writeArtifact(m Module, buildTime time.Time) error {
	if err := os.MkdirAll(s.destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	path := filepath.Join(s.destDir, m.Artifact)
	err := writeFileAtomic(path, 0o644, func(w io.Writer) error {
		_, err := w.Write(m.Binary)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write artifact for %s: %w", m.Name, err)
	}
	if err := os.Chtimes(path, buildTime, buildTime); err != nil {
		return fmt.Errorf("failed to set artifact time for %s: %w", m.Name, err)
	}
	return nil
}

// Purge deletes the artifacts of the named modules. Already-missing
// artifacts are ignored.
func (s *ManifestStore) Purge(modules []Module) error {
	for _, m := range modules {
		artifact := m.Artifact
		if artifact == "" {
			artifact = ArtifactName(m.Name)
		}
		path := filepath.Join(s.destDir, artifact)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove artifact for %s: %w", m.Name, err)
		}
		s.logger.Debug("artifact purged", "module", m.Name, "path", path)
	}
	return nil
}

// Clean removes every artifact recorded in m and the manifest itself.
func (s *ManifestStore) Clean(m *Manifest) error {
	if m != nil {
		modules := make([]Module, 0, len(m.Modules))
		for _, name := range m.ModuleNames() {
			modules = append(modules, m.Modules[name])
		}
		if err := s.Purge(modules); err != nil {
			return err
		}
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove manifest: %w", err)
	}
	return nil
}

// encodeManifest writes [version, modules, sources] as zstd-compressed
// msgpack.
func encodeManifest(w io.Writer, modules []Module, sources []Source) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}

	enc := msgpack.NewEncoder(zw)
	if err := enc.EncodeArrayLen(manifestFields); err != nil {
		_ = zw.Close()
		return err
	}
	if err := enc.EncodeInt(ManifestVersion); err != nil {
		_ = zw.Close()
		return err
	}
	if err := enc.Encode(modules); err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to encode modules: %w", err)
	}
	if err := enc.Encode(sources); err != nil {
		_ = zw.Close()
		return fmt.Errorf("failed to encode sources: %w", err)
	}
	return zw.Close()
}

// decodeManifest reads a blob written by encodeManifest. The version is
// checked before anything else is decoded; an incompatible schema is
// never partially read.
func decodeManifest(r io.Reader) (*Manifest, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed stream: %w", err)
	}
	defer zr.Close()

	dec := msgpack.NewDecoder(zr)
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if n != manifestFields {
		return nil, fmt.Errorf("unexpected manifest layout with %d fields", n)
	}
	version, err := dec.DecodeInt()
	if err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != ManifestVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", errVersionMismatch, version, ManifestVersion)
	}

	var modules []Module
	if err := dec.Decode(&modules); err != nil {
		return nil, fmt.Errorf("failed to decode modules: %w", err)
	}
	var sources []Source
	if err := dec.Decode(&sources); err != nil {
		return nil, fmt.Errorf("failed to decode sources: %w", err)
	}

	m := NewManifest()
	for _, mod := range modules {
		m.Modules[mod.Name] = mod
	}
	for _, src := range sources {
		m.Sources[src.Path] = src
	}
	return m, nil
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it into place, so readers see either the old file or the new
// one.
func writeFileAtomic(path string, perm os.FileMode, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err := write(tmp); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
