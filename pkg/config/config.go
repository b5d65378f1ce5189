// Package config provides configuration management for kiln.
// It supports multi-layer configuration with precedence:
//  1. Built-in defaults (lowest priority)
//  2. Global user config (~/.config/kiln/config.toml)
//  3. Project config (.kiln/config.toml or kiln.toml)
//  4. Environment variables (KILN_*)
//  5. CLI flags (highest priority)
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Runtime policies accepted in [build] runtime_policy.
const (
	RuntimePolicyMinimal = "minimal"
	RuntimePolicyEager   = "eager"
)

// Built-in defaults.
const (
	DefaultStateDir                 = ".kiln"
	DefaultHashThreshold            = int64(256 * 1024)
	DefaultLongCompilationThreshold = 10 * time.Second
)

// Config is the main configuration struct for kiln.
type Config struct {
	// Sources configures file discovery.
	Sources SourcesConfig `toml:"sources"`

	// Build configures staleness detection and state storage.
	Build BuildConfig `toml:"build"`

	// Compiler configures the external compiler.
	Compiler CompilerConfig `toml:"compiler"`

	// Deps lists local dependency projects.
	Deps DepsConfig `toml:"deps"`

	// Root is the project root the config was resolved for.
	Root string `toml:"-"`

	// ProjectFile is the project config file that was loaded, if any.
	ProjectFile string `toml:"-"`
}

// SourcesConfig selects the files handed to the compiler.
type SourcesConfig struct {
	// Roots are source directories relative to the project root.
	Roots []string `toml:"roots"`

	// Extensions are source file extensions (e.g., [".kn"]).
	Extensions []string `toml:"extensions"`

	// Exclude holds doublestar globs relative to the project root.
	Exclude []string `toml:"exclude"`
}

// BuildConfig holds build state settings.
type BuildConfig struct {
	// StateDir holds the manifest, relative to the project root.
	StateDir string `toml:"state_dir"`

	// Dest is the artifact directory. Defaults to <state_dir>/artifacts.
	Dest string `toml:"dest"`

	// HashThreshold is the largest file size that is content hashed.
	// 0 disables hashing, so nil means "not set".
	HashThreshold *int64 `toml:"hash_threshold"`

	// LongCompilationThreshold is when a file is reported as slow.
	LongCompilationThreshold Duration `toml:"long_compilation_threshold"`

	// RuntimePolicy is "minimal" or "eager".
	RuntimePolicy string `toml:"runtime_policy"`
}

// CompilerConfig holds external compiler settings.
type CompilerConfig struct {
	// Command is the compiler binary. Empty means kiln-compiler next to
	// kiln or on PATH.
	Command string `toml:"command"`

	// Args are passed before kiln's own arguments.
	Args []string `toml:"args"`
}

// DepsConfig holds local dependency settings.
type DepsConfig struct {
	// Local are paths to other kiln projects, relative to the project root.
	Local []string `toml:"local"`
}

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// NewConfig creates a new Config with built-in defaults.
func NewConfig() *Config {
	threshold := DefaultHashThreshold
	return &Config{
		Sources: SourcesConfig{
			Roots:      []string{"lib"},
			Extensions: []string{".kn"},
			Exclude:    []string{},
		},
		Build: BuildConfig{
			StateDir:                 DefaultStateDir,
			HashThreshold:            &threshold,
			LongCompilationThreshold: Duration{DefaultLongCompilationThreshold},
			RuntimePolicy:            RuntimePolicyMinimal,
		},
	}
}

// Merge merges another config into this one (other takes precedence).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Merge sources config
	if len(other.Sources.Roots) > 0 {
		c.Sources.Roots = other.Sources.Roots
	}
	if len(other.Sources.Extensions) > 0 {
		c.Sources.Extensions = other.Sources.Extensions
	}
	if len(other.Sources.Exclude) > 0 {
		c.Sources.Exclude = append(c.Sources.Exclude, other.Sources.Exclude...)
	}

	// Merge build config
	if other.Build.StateDir != "" {
		c.Build.StateDir = other.Build.StateDir
	}
	if other.Build.Dest != "" {
		c.Build.Dest = other.Build.Dest
	}
	if other.Build.HashThreshold != nil {
		c.Build.HashThreshold = other.Build.HashThreshold
	}
	if other.Build.LongCompilationThreshold.Duration != 0 {
		c.Build.LongCompilationThreshold = other.Build.LongCompilationThreshold
	}
	if other.Build.RuntimePolicy != "" {
		c.Build.RuntimePolicy = other.Build.RuntimePolicy
	}

	// Merge compiler config
	if other.Compiler.Command != "" {
		c.Compiler.Command = other.Compiler.Command
		c.Compiler.Args = other.Compiler.Args
	} else if len(other.Compiler.Args) > 0 {
		c.Compiler.Args = other.Compiler.Args
	}

	// Merge deps config
	if len(other.Deps.Local) > 0 {
		c.Deps.Local = other.Deps.Local
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Sources.Roots) == 0 {
		errs = append(errs, errors.New("sources.roots must not be empty"))
	}
	if len(c.Sources.Extensions) == 0 {
		errs = append(errs, errors.New("sources.extensions must not be empty"))
	}
	for _, pattern := range c.Sources.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			errs = append(errs, fmt.Errorf("sources.exclude: invalid pattern %q", pattern))
		}
	}
	if c.Build.StateDir == "" {
		errs = append(errs, errors.New("build.state_dir must not be empty"))
	}
	if c.Build.HashThreshold != nil && *c.Build.HashThreshold < 0 {
		errs = append(errs, fmt.Errorf("build.hash_threshold must not be negative, got %d", *c.Build.HashThreshold))
	}
	if c.Build.LongCompilationThreshold.Duration < 0 {
		errs = append(errs, fmt.Errorf("build.long_compilation_threshold must not be negative, got %s", c.Build.LongCompilationThreshold))
	}
	switch c.Build.RuntimePolicy {
	case "", RuntimePolicyMinimal, RuntimePolicyEager:
	default:
		errs = append(errs, fmt.Errorf("build.runtime_policy must be %q or %q, got %q",
			RuntimePolicyMinimal, RuntimePolicyEager, c.Build.RuntimePolicy))
	}

	return errors.Join(errs...)
}

// HashThresholdBytes returns the effective hash threshold.
func (c *Config) HashThresholdBytes() int64 {
	if c.Build.HashThreshold == nil {
		return DefaultHashThreshold
	}
	return *c.Build.HashThreshold
}

// StateDirPath returns the absolute state directory.
func (c *Config) StateDirPath() string {
	return c.resolve(c.Build.StateDir)
}

// DestPath returns the absolute artifact directory.
func (c *Config) DestPath() string {
	if c.Build.Dest == "" {
		return filepath.Join(c.StateDirPath(), "artifacts")
	}
	return c.resolve(c.Build.Dest)
}

// LocalDepPaths returns the absolute local dependency roots.
func (c *Config) LocalDepPaths() []string {
	out := make([]string, 0, len(c.Deps.Local))
	for _, dep := range c.Deps.Local {
		out = append(out, c.resolve(dep))
	}
	return out
}

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Root, filepath.FromSlash(path))
}

// String renders the effective configuration as TOML.
func (c *Config) String() string {
	var b strings.Builder
	if err := Encode(&b, c); err != nil {
		return err.Error()
	}
	return b.String()
}
