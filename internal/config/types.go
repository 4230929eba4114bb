package config

// Config is the top-level configuration structure parsed from audit YAML.
type Config struct {
	Audit Audit `yaml:"audit"`
}

// Audit defines the full audit: metadata, tier, worker commands, thresholds,
// declared scope, and phases.
type Audit struct {
	Name           string        `yaml:"name"`
	RepoRoot       string        `yaml:"repo_root"`
	Tier           string        `yaml:"tier"`            // "lite", "standard", "deep"
	MaxConcurrency int           `yaml:"max_concurrency"` // 0 = tier default
	Worker         Worker        `yaml:"worker"`
	Thresholds     Thresholds    `yaml:"thresholds"`
	Defaults       PhaseDefaults `yaml:"defaults"`
	Scope          Scope         `yaml:"scope"`
	Phases         []PhaseConfig `yaml:"phases"`
}

// Worker configures the black-box worker invocation.
type Worker struct {
	Command   string `yaml:"command"`   // analysis worker command
	Validator string `yaml:"validator"` // quality-gate validator command
	Timeout   string `yaml:"timeout"`   // wall-clock ceiling per item
}

// Thresholds holds the tunable orchestration thresholds. Zero values are
// replaced with the documented defaults by applyDefaults.
type Thresholds struct {
	Quality          float64 `yaml:"quality"`            // gate pass score, default 0.70
	MassiveRewrite   float64 `yaml:"massive_rewrite"`    // delta ratio, default 0.70
	MajorChangeLines int     `yaml:"major_change_lines"` // default 10
	PhaseRetryCap    int     `yaml:"phase_retry_cap"`    // default 3
}

// PhaseDefaults holds default values applied to phases that don't specify their own.
type PhaseDefaults struct {
	Class   string `yaml:"class"`
	Timeout string `yaml:"timeout"`
}

// PhaseConfig defines a single phase of the audit pipeline.
type PhaseConfig struct {
	ID        string   `yaml:"id"`
	Class     string   `yaml:"class"`     // worker class / model tier
	Validate  bool     `yaml:"validate"`  // quality gate applies to outputs
	Coverage  bool     `yaml:"coverage"`  // coverage verifier runs after fan-out
	Synthesis bool     `yaml:"synthesis"` // phase consumes rendered finding entries
	Checklist []string `yaml:"checklist"` // declared checklist entries for coverage
}

// Scope declares what the audit is expected to cover.
type Scope struct {
	Units    []ScopeUnit `yaml:"units"`
	Patterns []string    `yaml:"patterns"` // catalog patterns expected to be exercised
}

// ScopeUnit is one declared unit of scope (a subsystem, a directory tree).
type ScopeUnit struct {
	Name                string   `yaml:"name"`
	Paths               []string `yaml:"paths"`
	ExternallyReachable bool     `yaml:"externally_reachable"`
}

// TierConcurrency returns the concurrency ceiling for the configured tier,
// honoring the max_concurrency override when set.
func (a *Audit) TierConcurrency() int {
	if a.MaxConcurrency > 0 {
		return a.MaxConcurrency
	}
	switch a.Tier {
	case "lite":
		return 3
	case "deep":
		return 12
	default: // standard
		return 8
	}
}

// PhaseByID returns the phase config with the given ID, or nil.
func (a *Audit) PhaseByID(id string) *PhaseConfig {
	for i := range a.Phases {
		if a.Phases[i].ID == id {
			return &a.Phases[i]
		}
	}
	return nil
}
