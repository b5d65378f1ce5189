package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/albertocavalcante/kiln/cmd/kiln/internal/incremental"
	"github.com/albertocavalcante/kiln/cmd/kiln/internal/runner"
	"github.com/albertocavalcante/kiln/pkg/config"
)

// project bundles everything a command needs to operate on one kiln
// project.
type project struct {
	cfg     *config.Config
	scanner *incremental.Scanner
	runner  *runner.Runner
	tracker *incremental.Tracker
}

// loadProject resolves the configuration for the directory given by --dir
// (or the working directory) and wires the tracker. Compiler diagnostics
// go to stderr.
func loadProject(stderr io.Writer) (*project, error) {
	dir := globalFlags.dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("invalid project directory: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("project path must be a directory: %s", dir)
	}

	cfg, err := config.LoadFrom(dir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return newProject(cfg, stderr)
}

// newProject wires a project from an already validated configuration.
func newProject(cfg *config.Config, stderr io.Writer) (*project, error) {
	stateDir := cfg.StateDirPath()
	stateRel, err := filepath.Rel(cfg.Root, stateDir)
	if err != nil {
		stateRel = ""
	}

	sc, err := incremental.NewScanner(incremental.ScanConfig{
		Root:       cfg.Root,
		Roots:      cfg.Sources.Roots,
		Extensions: cfg.Sources.Extensions,
		Exclude:    cfg.Sources.Exclude,
		IgnoreDirs: ignoreStateDir(stateRel),
	})
	if err != nil {
		return nil, err
	}

	run := runner.New(
		runner.WithCommand(cfg.Compiler.Command, cfg.Compiler.Args...),
		runner.WithDir(cfg.Root),
		runner.WithStderr(stderr),
	)

	var deps incremental.DepSignal = incremental.NoDeps{}
	if local := cfg.LocalDepPaths(); len(local) > 0 {
		manifests := make([]string, 0, len(local))
		for _, dep := range local {
			manifests = append(manifests, filepath.Join(dep, incremental.StateDir, incremental.ManifestFile))
		}
		deps = incremental.LocalDeps{Manifests: manifests}
	}

	tracker := incremental.NewTracker(incremental.TrackerConfig{
		Root:                     cfg.Root,
		ManifestPath:             filepath.Join(stateDir, incremental.ManifestFile),
		DestDir:                  cfg.DestPath(),
		HashThreshold:            cfg.HashThresholdBytes(),
		LongCompilationThreshold: cfg.Build.LongCompilationThreshold.Duration,
		Policy:                   incremental.RuntimePolicy(cfg.Build.RuntimePolicy),
	},
		incremental.WithDiscovery(sc),
		incremental.WithCompiler(run),
		incremental.WithDepSignal(deps),
	)

	return &project{cfg: cfg, scanner: sc, runner: run, tracker: tracker}, nil
}

// ignoreStateDir keeps discovery out of a state directory that is not
// hidden. Hidden names are already skipped.
func ignoreStateDir(rel string) []string {
	if rel == "" || rel == "." || filepath.IsAbs(rel) || rel[0] == '.' {
		return nil
	}
	return []string{filepath.Base(rel)}
}
