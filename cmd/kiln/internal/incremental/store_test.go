package incremental

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

func newStoreForTest(t *testing.T) (*ManifestStore, string) {
	t.Helper()
	dir := t.TempDir()
	store := NewManifestStore(
		filepath.Join(dir, StateDir, ManifestFile),
		filepath.Join(dir, StateDir, "artifacts"))
	return store, dir
}

func sampleRecords() (map[string]Module, map[string]Source) {
	modules := map[string]Module{
		"App": {
			Name:     "App",
			Kind:     Ordinary(),
			Sources:  []string{"lib/app.kn"},
			Artifact: ArtifactName("App"),
			Binary:   []byte("app-bytes"),
		},
		"Show": {
			Name:     "Show",
			Kind:     ProtocolDefinition(),
			Sources:  []string{"lib/show.kn"},
			Artifact: ArtifactName("Show"),
			Binary:   []byte("show-bytes"),
		},
		"Show.App": {
			Name:     "Show.App",
			Kind:     ProtocolImplementation("Show"),
			Sources:  []string{"lib/app.kn"},
			Artifact: ArtifactName("Show.App"),
			Binary:   []byte("impl-bytes"),
		},
	}
	sources := map[string]Source{
		"lib/app.kn": {
			Path:              "lib/app.kn",
			Fingerprint:       Hashed("0011", 12, 42),
			CompileRefs:       []string{"Show"},
			RuntimeRefs:       []string{"Logger"},
			CompileDispatches: []Dispatch{{Module: "Show", Symbol: "show"}},
			External:          []ExternalResource{{Path: "priv/app.txt", Fingerprint: Unhashed(300000, 7)}},
		},
		"lib/show.kn": {
			Path:        "lib/show.kn",
			Fingerprint: Failed("stat: permission denied"),
		},
	}
	return modules, sources
}

func TestManifestStoreRoundTrip(t *testing.T) {
	store, _ := newStoreForTest(t)
	modules, sources := sampleRecords()

	if store.Exists() {
		t.Fatal("store should not exist before first save")
	}
	if err := store.Save(modules, sources, time.Now()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !store.Exists() {
		t.Fatal("store should exist after save")
	}

	got := store.Load()
	if got.Version != ManifestVersion {
		t.Errorf("Version = %d, want %d", got.Version, ManifestVersion)
	}

	wantModules, wantSources := sampleRecords()
	for name, m := range wantModules {
		m.Binary = nil
		wantModules[name] = m
	}
	opts := []cmp.Option{cmpopts.EquateEmpty()}
	if diff := cmp.Diff(wantModules, got.Modules, opts...); diff != "" {
		t.Errorf("modules mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantSources, got.Sources, opts...); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
	if got.ModTime.IsZero() {
		t.Error("ModTime should be set after load")
	}
}

func TestManifestStoreWritesArtifacts(t *testing.T) {
	store, _ := newStoreForTest(t)
	modules, sources := sampleRecords()
	buildTime := time.Now().Add(-time.Hour).Truncate(time.Second)

	if err := store.Save(modules, sources, buildTime); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(store.DestDir(), ArtifactName("App")))
	if err != nil {
		t.Fatalf("artifact not written: %v", err)
	}
	if string(data) != "app-bytes" {
		t.Errorf("artifact = %q, want %q", data, "app-bytes")
	}

	for _, path := range []string{store.Path(), filepath.Join(store.DestDir(), ArtifactName("Show"))} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if !info.ModTime().Equal(buildTime) {
			t.Errorf("%s mtime = %v, want build time %v", filepath.Base(path), info.ModTime(), buildTime)
		}
	}

	if modules["App"].Binary != nil {
		t.Error("Save() should strip binaries after writing them")
	}
}

func TestManifestStoreSaveEmptyRemoves(t *testing.T) {
	store, _ := newStoreForTest(t)
	modules, sources := sampleRecords()

	if err := store.Save(modules, sources, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(nil, nil, time.Now()); err != nil {
		t.Fatalf("Save(empty) error = %v", err)
	}
	if store.Exists() {
		t.Error("manifest should be removed when nothing is recorded")
	}
	// Removing an absent manifest is fine.
	if err := store.Save(nil, nil, time.Now()); err != nil {
		t.Errorf("Save(empty) twice error = %v", err)
	}
}

func TestManifestStoreLoadMissing(t *testing.T) {
	store, _ := newStoreForTest(t)
	m := store.Load()
	if !m.IsEmpty() {
		t.Error("Load() of missing manifest should be empty")
	}
	if !m.ModTime.IsZero() {
		t.Error("ModTime of missing manifest should be zero")
	}
}

func TestManifestStoreLoadCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data func(t *testing.T) []byte
	}{
		{
			name: "garbage",
			data: func(*testing.T) []byte { return []byte("not a manifest") },
		},
		{
			name: "truncated",
			data: func(t *testing.T) []byte {
				var buf bytes.Buffer
				modules, sources := sampleRecords()
				mods := []Module{modules["App"]}
				srcs := []Source{sources["lib/app.kn"]}
				if err := encodeManifest(&buf, mods, srcs); err != nil {
					t.Fatal(err)
				}
				return buf.Bytes()[:buf.Len()/2]
			},
		},
		{
			name: "version mismatch",
			data: func(t *testing.T) []byte {
				return encodeRaw(t, []any{ManifestVersion + 1, []Module{}, []Source{}})
			},
		},
		{
			name: "wrong layout",
			data: func(t *testing.T) []byte {
				return encodeRaw(t, []any{ManifestVersion})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newStoreForTest(t)
			if err := os.MkdirAll(filepath.Dir(store.Path()), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(store.Path(), tt.data(t), 0o644); err != nil {
				t.Fatal(err)
			}
			if m := store.Load(); !m.IsEmpty() {
				t.Errorf("Load() = %d modules, %d sources, want empty", len(m.Modules), len(m.Sources))
			}
		})
	}
}

func TestDecodeManifestVersionMismatch(t *testing.T) {
	data := encodeRaw(t, []any{ManifestVersion + 1, []Module{}, []Source{}})
	_, err := decodeManifest(bytes.NewReader(data))
	if !errors.Is(err, errVersionMismatch) {
		t.Errorf("decodeManifest() error = %v, want errVersionMismatch", err)
	}
}

func encodeRaw(t *testing.T, v any) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := msgpack.NewEncoder(zw).Encode(v); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestManifestStorePurge(t *testing.T) {
	store, _ := newStoreForTest(t)
	modules, sources := sampleRecords()
	if err := store.Save(modules, sources, time.Now()); err != nil {
		t.Fatal(err)
	}

	purged := []Module{modules["App"], {Name: "NeverBuilt"}}
	if err := store.Purge(purged); err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.DestDir(), ArtifactName("App"))); !os.IsNotExist(err) {
		t.Error("App artifact should be removed")
	}
	if _, err := os.Stat(filepath.Join(store.DestDir(), ArtifactName("Show"))); err != nil {
		t.Error("Show artifact should be kept")
	}
}

func TestManifestStoreClean(t *testing.T) {
	store, _ := newStoreForTest(t)
	modules, sources := sampleRecords()
	if err := store.Save(modules, sources, time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := store.Clean(store.Load()); err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	if store.Exists() {
		t.Error("manifest should be removed")
	}
	entries, err := os.ReadDir(store.DestDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("artifact dir has %d entries, want 0", len(entries))
	}
}

func TestArtifactName(t *testing.T) {
	tests := []struct {
		module string
		want   string
	}{
		{"App", "App.kbc"},
		{"net/http", "net.http.kbc"},
		{"a:b", "a_b.kbc"},
	}
	for _, tt := range tests {
		if got := ArtifactName(tt.module); got != tt.want {
			t.Errorf("ArtifactName(%q) = %q, want %q", tt.module, got, tt.want)
		}
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Ordinary(), "module"},
		{ProtocolDefinition(), "protocol"},
		{ProtocolImplementation("Show"), "impl(Show)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
