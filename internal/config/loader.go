package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses an audit configuration from the given YAML file path.
// After parsing, it applies defaults to fields that aren't specified.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for an audit config in standard locations and loads
// the first one found. Search order: ./audit.yaml, ~/.auditforge/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"audit.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".auditforge", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("no audit config found (searched: %v)", candidates)
}

// applyDefaults fills tier, thresholds, and per-phase values that the file
// leaves unset.
func applyDefaults(cfg *Config) {
	a := &cfg.Audit

	if a.RepoRoot == "" {
		a.RepoRoot = "."
	}
	if a.Tier == "" {
		a.Tier = "standard"
	}
	if a.Worker.Timeout == "" {
		a.Worker.Timeout = "20m"
	}

	t := &a.Thresholds
	if t.Quality == 0 {
		t.Quality = 0.70
	}
	if t.MassiveRewrite == 0 {
		t.MassiveRewrite = 0.70
	}
	if t.MajorChangeLines == 0 {
		t.MajorChangeLines = 10
	}
	if t.PhaseRetryCap == 0 {
		t.PhaseRetryCap = 3
	}

	for i := range a.Phases {
		p := &a.Phases[i]
		if p.Class == "" && a.Defaults.Class != "" {
			p.Class = a.Defaults.Class
		}
	}
}
