package delta

import (
	"github.com/auditforge/auditforge/internal/finding"
	"github.com/auditforge/auditforge/internal/run"
)

// Reclassify maps each prior finding's target file through the delta set and
// assigns a review tag: modified files need a full RECHECK, unchanged files a
// lightweight VERIFY, deleted files are RESOLVED_BY_REMOVAL and leave active
// tracking. The function is pure and idempotent: it never mutates its inputs
// and applying it to its own output yields the same tags.
func Reclassify(prior []finding.Finding, records []run.DeltaRecord) []finding.Finding {
	byPath := make(map[string]run.ChangeKind, len(records))
	for _, rec := range records {
		byPath[rec.Path] = rec.Kind
	}

	out := make([]finding.Finding, len(prior))
	for i, f := range prior {
		rf := f
		switch byPath[f.File] {
		case run.ChangeModified, run.ChangeAdded:
			rf.Review = finding.ReviewRecheck
		case run.ChangeUnchanged:
			rf.Review = finding.ReviewVerify
		case run.ChangeDeleted:
			rf.Review = finding.ReviewResolvedByRemoval
			rf.Evolution = finding.EvolutionResolvedByRemoval
		default:
			// File absent from the delta set entirely; leave the tag as-is.
		}
		out[i] = rf
	}
	return out
}

// CarryForward filters the prior findings that seed a stacked run. Under a
// massive rewrite, not_vulnerable dismissals are not carried forward: the
// context has shifted too much for the old dismissal to stand.
func CarryForward(prior []finding.Finding, massiveRewrite bool) []finding.Finding {
	var out []finding.Finding
	for _, f := range prior {
		if massiveRewrite && f.Status == finding.StatusNotVulnerable {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Evolve tags the current run's findings against the prior set and reports
// prior findings that resolved. Matching is by file+title key; a matched
// finding adopts the prior ID so the evolution log tracks one identity
// across runs. A finding dismissed as not_vulnerable before but confirmed
// now is a regression and has its severity raised exactly one level from
// the recorded prior severity.
func Evolve(current, prior []finding.Finding) (tagged []finding.Finding, resolved []finding.Finding) {
	priorByKey := make(map[string]finding.Finding, len(prior))
	for _, f := range prior {
		priorByKey[f.Key()] = f
	}
	currentKeys := make(map[string]bool, len(current))

	tagged = make([]finding.Finding, len(current))
	for i, f := range current {
		currentKeys[f.Key()] = true
		tf := f
		p, seen := priorByKey[f.Key()]
		switch {
		case !seen:
			tf.Evolution = finding.EvolutionNew
		case p.Status == finding.StatusNotVulnerable && f.Status == finding.StatusConfirmed:
			tf.Evolution = finding.EvolutionRegression
			tf.PriorSeverity = p.Severity
			tf.Severity = p.Severity.Raise()
		default:
			tf.Evolution = finding.EvolutionRecurrent
			tf.PriorSeverity = p.Severity
		}
		if seen {
			tf.ID = p.ID
		}
		tagged[i] = tf
	}

	for _, p := range prior {
		if currentKeys[p.Key()] || p.Status == finding.StatusNotVulnerable {
			continue
		}
		rf := p
		rf.Evolution = finding.EvolutionResolved
		resolved = append(resolved, rf)
	}
	return tagged, resolved
}
