package incremental

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashBytes(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty",
			input: []byte{},
			want:  "ef46db3751d8e999", // xxHash64 of empty input
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "26c7827d889f6da3", // xxHash64 of "hello"
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HashBytes(tt.input)
			if got != tt.want {
				t.Errorf("HashBytes(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestHashFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "mod.kn")

	content := []byte("module Greeter\n")
	if err := os.WriteFile(testFile, content, 0o644); err != nil {
		t.Fatal(err)
	}

	hash, err := HashFile(testFile)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if want := HashBytes(content); hash != want {
		t.Errorf("HashFile() = %q, want %q", hash, want)
	}
}

func TestHashReader(t *testing.T) {
	got, err := HashReader(strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("HashReader() error = %v", err)
	}
	if want := HashBytes([]byte("hello")); got != want {
		t.Errorf("HashReader() = %q, want %q", got, want)
	}
}

func TestHashFileNotFound(t *testing.T) {
	_, err := HashFile("/nonexistent/file.kn")
	if err == nil {
		t.Error("HashFile() expected error for nonexistent file")
	}
}
