package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*PipelineConfig, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Merge global config if exists
	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Merge project config if exists (highest precedence)
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// GlobalPath returns ~/.pipeline/config.json.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".pipeline", "config.json"), nil
}

// ProjectPath is the project config location relative to the working directory.
const ProjectPath = ".pipeline/config.json"

// LoadDefault loads configuration from conventional paths.
// Global: ~/.pipeline/config.json
// Project: .pipeline/config.json (relative to cwd)
func LoadDefault() (*PipelineConfig, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, filepath.FromSlash(ProjectPath))
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Scalars present in the file replace the base values; map entries are merged
// by key. Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *PipelineConfig, path string) error {
	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Parse JSON over the current scalars so absent fields keep their value
	loaded := PipelineConfig{
		MaxParallel: base.MaxParallel,
		Archive:     base.Archive,
		Defaults:    base.Defaults,
		Breaker:     base.Breaker,
	}
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	base.MaxParallel = loaded.MaxParallel
	base.Archive = loaded.Archive
	base.Defaults = loaded.Defaults
	base.Breaker = loaded.Breaker

	// Merge kinds
	for key, kind := range loaded.Kinds {
		base.Kinds[key] = kind
	}

	// Merge workflows
	for key, workflow := range loaded.Workflows {
		base.Workflows[key] = workflow
	}

	// Merge health checks
	for key, check := range loaded.HealthChecks {
		base.HealthChecks[key] = check
	}

	return nil
}
