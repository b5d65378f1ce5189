package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the name of the project-level config file.
const ConfigFileName = "kiln.toml"

// ConfigDirName is the name of the project-level config directory.
const ConfigDirName = ".kiln"

// GlobalConfigDir is the name of the global config directory inside user's config.
const GlobalConfigDir = "kiln"

// Load loads configuration for the current directory. See LoadFrom.
func Load() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	return LoadFrom(wd)
}

// LoadFrom loads configuration from all layers in order of precedence:
//  1. Built-in defaults
//  2. Global user config (~/.config/kiln/config.toml)
//  3. Project config (.kiln/config.toml or kiln.toml), searched upward from dir
//  4. Environment variables (KILN_*)
//
// CLI flags are applied separately after LoadFrom returns. A config file
// that exists but does not parse is an error.
func LoadFrom(dir string) (*Config, error) {
	cfg := NewConfig()

	// Layer 2: Global user config
	if path := GetGlobalConfigPath(); path != "" {
		globalCfg, err := loadConfigFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Merge(globalCfg)
	}

	// Layer 3: Project config from specified directory
	projectCfg, path, err := loadProjectConfigFrom(dir)
	if err != nil {
		return nil, err
	}
	cfg.Merge(projectCfg)
	cfg.ProjectFile = path
	cfg.Root = FindProjectRoot(dir)

	// Layer 4: Environment variables
	if err := applyEnvironmentVariables(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FindProjectRoot walks up from dir and returns the first directory that
// holds a project config file or a workspace marker. If none is found it
// returns dir.
func FindProjectRoot(dir string) string {
	current := dir
	for {
		for _, path := range GetProjectConfigPaths(current) {
			if fileExists(path) {
				return current
			}
		}
		if isWorkspaceRoot(current) {
			return current
		}

		parent := filepath.Dir(current)
		if parent == current {
			return dir
		}
		current = parent
	}
}

// loadProjectConfigFrom looks for project configuration starting from the given directory.
func loadProjectConfigFrom(dir string) (*Config, string, error) {
	// Search up the directory tree for config files
	current := dir
	for {
		for _, path := range GetProjectConfigPaths(current) {
			cfg, err := loadConfigFile(path)
			if err != nil {
				return nil, "", err
			}
			if cfg != nil {
				return cfg, path, nil
			}
		}

		// Stop at filesystem root or workspace root
		if isWorkspaceRoot(current) {
			break
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return nil, "", nil
}

// isWorkspaceRoot checks if the directory is a workspace root (has .git or .jj).
func isWorkspaceRoot(dir string) bool {
	markers := []string{".git", ".jj", ".hg"}
	for _, marker := range markers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

// loadConfigFile loads a configuration from a TOML file. A missing file
// yields nil without error.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in config %s: %s", path, strings.Join(keys, ", "))
	}

	return &cfg, nil
}

// applyEnvironmentVariables applies KILN_* environment variables to the config.
func applyEnvironmentVariables(cfg *Config) error {
	// KILN_SOURCE_ROOTS: comma-separated list of source roots
	if v := os.Getenv("KILN_SOURCE_ROOTS"); v != "" {
		cfg.Sources.Roots = splitAndTrim(v)
	}

	// KILN_SOURCE_EXTENSIONS: comma-separated list of extensions
	if v := os.Getenv("KILN_SOURCE_EXTENSIONS"); v != "" {
		cfg.Sources.Extensions = splitAndTrim(v)
	}

	if v := os.Getenv("KILN_HASH_THRESHOLD"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid KILN_HASH_THRESHOLD %q: %w", v, err)
		}
		cfg.Build.HashThreshold = &n
	}

	if v := os.Getenv("KILN_RUNTIME_POLICY"); v != "" {
		cfg.Build.RuntimePolicy = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("KILN_COMPILER"); v != "" {
		cfg.Compiler.Command = v
	}

	if v := os.Getenv("KILN_DEST"); v != "" {
		cfg.Build.Dest = v
	}

	return nil
}

// splitAndTrim splits a comma-separated string and trims whitespace.
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Encode writes cfg as TOML.
func Encode(w io.Writer, cfg *Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// GetGlobalConfigPath returns the path to the global config file.
func GetGlobalConfigPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, GlobalConfigDir, "config.toml")
}

// GetProjectConfigPaths returns potential project config paths for a given directory.
func GetProjectConfigPaths(dir string) []string {
	return []string{
		filepath.Join(dir, ConfigDirName, "config.toml"),
		filepath.Join(dir, ConfigFileName),
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
