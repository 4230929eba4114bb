package finding

import "github.com/google/uuid"

// Severity ranks how serious a finding is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityLadder = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Raise returns the severity one level up, capped at critical.
func (s Severity) Raise() Severity {
	for i, sev := range severityLadder {
		if sev == s {
			if i+1 < len(severityLadder) {
				return severityLadder[i+1]
			}
			return s
		}
	}
	return s
}

// Status is the analyst disposition of a finding.
type Status string

const (
	StatusConfirmed     Status = "confirmed"
	StatusPotential     Status = "potential"
	StatusNotVulnerable Status = "not_vulnerable"
	StatusNeedsReview   Status = "needs_review"
)

// Evolution tags how a finding relates to the prior run when stacking.
type Evolution string

const (
	EvolutionNew               Evolution = "new"
	EvolutionRecurrent         Evolution = "recurrent"
	EvolutionRegression        Evolution = "regression"
	EvolutionResolved          Evolution = "resolved"
	EvolutionResolvedByRemoval Evolution = "resolved_by_removal"
)

// ReviewTag marks how a prior finding should be re-examined in a stacked run.
type ReviewTag string

const (
	ReviewRecheck           ReviewTag = "RECHECK"
	ReviewVerify            ReviewTag = "VERIFY"
	ReviewResolvedByRemoval ReviewTag = "RESOLVED_BY_REMOVAL"
)

// Finding is one security finding. Its identity persists across runs; the
// run that produced it does not own it.
type Finding struct {
	ID            string    `json:"id"`
	File          string    `json:"file"`
	Title         string    `json:"title"`
	Severity      Severity  `json:"severity"`
	PriorSeverity Severity  `json:"prior_severity,omitempty"`
	Status        Status    `json:"status"`
	Evolution     Evolution `json:"evolution,omitempty"`
	Review        ReviewTag `json:"review,omitempty"`
	Summary       string    `json:"summary,omitempty"`
}

// New creates a finding with a fresh identifier.
func New(file, title string, sev Severity, status Status) Finding {
	return Finding{
		ID:       uuid.NewString(),
		File:     file,
		Title:    title,
		Severity: sev,
		Status:   status,
	}
}

// EnsureID assigns a fresh identifier to a finding that arrived without
// one, e.g. a record a worker wrote to the per-run findings file.
func (f Finding) EnsureID() Finding {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return f
}

// Key is the cross-run matching key. Finding IDs are stable once assigned,
// but a re-discovered finding in a fresh run gets a new ID, so matching
// against the prior run uses file+title.
func (f Finding) Key() string {
	return f.File + "\x00" + f.Title
}

// Active reports whether the finding still needs tracking. Resolved
// findings leave active tracking and do not carry into stacked runs.
func (f Finding) Active() bool {
	switch f.Evolution {
	case EvolutionResolved, EvolutionResolvedByRemoval:
		return false
	}
	return f.Review != ReviewResolvedByRemoval
}
