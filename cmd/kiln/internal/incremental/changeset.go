package incremental

import (
	"path/filepath"
	"slices"
)

// ChangeSet describes what the next build would do, without doing it.
type ChangeSet struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`

	// Recompile is the full set the compiler would receive, including
	// sources pulled in by compile-time propagation.
	Recompile    []string `json:"recompile"`
	StaleModules []string `json:"stale_modules"`
	RuntimeOnly  []string `json:"runtime_only"`
}

// NewChangeSet creates an empty ChangeSet.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		Added:        []string{},
		Modified:     []string{},
		Removed:      []string{},
		Recompile:    []string{},
		StaleModules: []string{},
		RuntimeOnly:  []string{},
	}
}

// IsEmpty returns true if a build would neither compile nor remove anything.
func (cs *ChangeSet) IsEmpty() bool {
	if cs == nil {
		return true
	}
	return len(cs.Recompile) == 0 && len(cs.Removed) == 0
}

// TotalChanges returns the number of files changed on disk.
func (cs *ChangeSet) TotalChanges() int {
	if cs == nil {
		return 0
	}
	return len(cs.Added) + len(cs.Modified) + len(cs.Removed)
}

// AffectedDirs returns sorted unique directories of sources that would be
// recompiled or were removed.
func (cs *ChangeSet) AffectedDirs() []string {
	if cs == nil {
		return nil
	}

	dirs := make(map[string]struct{})
	for _, path := range cs.Recompile {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for _, path := range cs.Removed {
		dirs[filepath.Dir(path)] = struct{}{}
	}

	result := make([]string, 0, len(dirs))
	for dir := range dirs {
		result = append(result, dir)
	}
	slices.Sort(result)
	return result
}

// sort sorts all slices for deterministic output.
func (cs *ChangeSet) sort() {
	if cs == nil {
		return
	}
	slices.Sort(cs.Added)
	slices.Sort(cs.Modified)
	slices.Sort(cs.Removed)
	slices.Sort(cs.Recompile)
	slices.Sort(cs.StaleModules)
	slices.Sort(cs.RuntimeOnly)
}
