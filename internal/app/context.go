package app

import (
	"fmt"
	"path/filepath"
	"strings"

	"gameforge/internal/config"
)

// Overrides are command-line values that take precedence over gameforge.yml.
type Overrides struct {
	Backend    string
	Model      string
	Levels     int
	ReviewMode string
	Assets     *bool
	OutputDir  string
}

// ResolveConfig loads the workspace config, falling back to defaults when no
// file exists, and applies overrides. The result is validated again so an
// override cannot produce an invalid config.
func ResolveConfig(workspace string, o Overrides) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	if o.Backend != "" {
		cfg.Generator.Backend = strings.ToLower(o.Backend)
	}
	if o.Model != "" {
		cfg.Generator.Model = o.Model
	}
	if o.Levels > 0 {
		cfg.Pipeline.Levels = o.Levels
	}
	if o.ReviewMode != "" {
		cfg.Pipeline.ReviewMode = strings.ToLower(o.ReviewMode)
	}
	if o.Assets != nil {
		cfg.Pipeline.Assets = *o.Assets
	}
	if o.OutputDir != "" {
		cfg.Output.Dir = o.OutputDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}
	return cfg, nil
}

// OutputRoot returns where run artifacts are written for a workspace.
func OutputRoot(workspace string, cfg *config.Config) string {
	dir := cfg.Output.Dir
	if dir == "" {
		dir = "output"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}
