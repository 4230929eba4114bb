package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedTiers is the set of valid operating tiers.
var recognizedTiers = map[string]bool{
	"lite":     true,
	"standard": true,
	"deep":     true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	a := cfg.Audit

	// Required fields
	if a.Name == "" {
		errs = append(errs, ValidationError{Field: "audit.name", Message: "is required"})
	}
	if a.Worker.Command == "" {
		errs = append(errs, ValidationError{Field: "audit.worker.command", Message: "is required"})
	}
	if len(a.Phases) == 0 {
		errs = append(errs, ValidationError{Field: "audit.phases", Message: "at least one phase is required"})
	}

	if !recognizedTiers[a.Tier] {
		errs = append(errs, ValidationError{
			Field:   "audit.tier",
			Message: fmt.Sprintf("unrecognized tier %q", a.Tier),
		})
	}
	if a.MaxConcurrency < 0 {
		errs = append(errs, ValidationError{Field: "audit.max_concurrency", Message: "must not be negative"})
	}

	// Threshold ranges
	t := a.Thresholds
	if t.Quality <= 0 || t.Quality > 1 {
		errs = append(errs, ValidationError{Field: "audit.thresholds.quality", Message: "must be in (0, 1]"})
	}
	if t.MassiveRewrite <= 0 || t.MassiveRewrite > 1 {
		errs = append(errs, ValidationError{Field: "audit.thresholds.massive_rewrite", Message: "must be in (0, 1]"})
	}
	if t.MajorChangeLines < 1 {
		errs = append(errs, ValidationError{Field: "audit.thresholds.major_change_lines", Message: "must be at least 1"})
	}
	if t.PhaseRetryCap < 0 {
		errs = append(errs, ValidationError{Field: "audit.thresholds.phase_retry_cap", Message: "must not be negative"})
	}

	// Phase IDs must be unique and carry a worker class
	phaseIDs := make(map[string]bool)
	for i, p := range a.Phases {
		prefix := fmt.Sprintf("audit.phases[%d]", i)
		if p.ID == "" {
			errs = append(errs, ValidationError{Field: prefix + ".id", Message: "is required"})
			continue
		}
		if phaseIDs[p.ID] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".id",
				Message: fmt.Sprintf("duplicate phase ID %q", p.ID),
			})
		}
		phaseIDs[p.ID] = true

		if p.Class == "" {
			errs = append(errs, ValidationError{
				Field:   prefix + ".class",
				Message: "is required (set audit.defaults.class or a per-phase class)",
			})
		}
		if p.Validate && a.Worker.Validator == "" {
			errs = append(errs, ValidationError{
				Field:   prefix + ".validate",
				Message: "requires audit.worker.validator",
			})
		}
	}

	// Scope units need a name and at least one path
	unitNames := make(map[string]bool)
	for i, u := range a.Scope.Units {
		prefix := fmt.Sprintf("audit.scope.units[%d]", i)
		if u.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "is required"})
			continue
		}
		if unitNames[u.Name] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate scope unit %q", u.Name),
			})
		}
		unitNames[u.Name] = true
		if len(u.Paths) == 0 {
			errs = append(errs, ValidationError{Field: prefix + ".paths", Message: "at least one path is required"})
		}
	}

	return errs
}
