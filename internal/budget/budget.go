// Package budget estimates per-item input size and sizes batches from it.
// Estimates are component sums, not measurements: exact size is unknowable
// before the referenced content is read.
package budget

import (
	"fmt"

	"github.com/auditforge/auditforge/internal/finding"
	"github.com/auditforge/auditforge/internal/run"
)

// Token thresholds, in estimated tokens.
const (
	smallItemLimit  = 40_000  // avg below this -> batch of 8
	mediumItemLimit = 80_000  // avg below this -> batch of 5
	SplitThreshold  = 120_000 // a single item above this is split in two

	inlineLimit      = 80_000  // synthesis total below this -> inline
	partialDiskLimit = 120_000 // below this -> partial disk, above -> disk heavy
)

// Estimator sums independently-estimated components per work item.
type Estimator struct {
	TemplateOverhead int // fixed prompt template cost
	PerReference     int // cost per referenced scope entry
	CrossRefOverhead int // fixed cross-reference material cost
}

// NewEstimator returns an Estimator with the default component weights.
func NewEstimator() *Estimator {
	return &Estimator{
		TemplateOverhead: 2_000,
		PerReference:     6_000,
		CrossRefOverhead: 1_500,
	}
}

// Estimate returns the token estimate for one work item.
func (e *Estimator) Estimate(item *run.WorkItem) int {
	return e.TemplateOverhead + len(item.Scope)*e.PerReference + e.CrossRefOverhead
}

// BatchSize maps the average per-item estimate to a batch size.
func BatchSize(avgEstimate int) int {
	switch {
	case avgEstimate < smallItemLimit:
		return 8
	case avgEstimate <= mediumItemLimit:
		return 5
	default:
		return 3
	}
}

// Clamp bounds a computed batch size by the tier concurrency ceiling.
func Clamp(size, ceiling int) int {
	if ceiling > 0 && size > ceiling {
		return ceiling
	}
	if size < 1 {
		return 1
	}
	return size
}

// SplitOversized replaces any item whose estimate exceeds SplitThreshold
// with two sibling items covering disjoint halves of its scope. Both write
// to the same output location: the first creates, the second appends.
// Estimates are recorded on every returned item.
func (e *Estimator) SplitOversized(items []*run.WorkItem) []*run.WorkItem {
	var out []*run.WorkItem
	for _, item := range items {
		item.Estimate = e.Estimate(item)
		if item.Estimate <= SplitThreshold || len(item.Scope) < 2 {
			out = append(out, item)
			continue
		}

		half := len(item.Scope) / 2
		first := *item
		first.ID = item.ID + "-a"
		first.Scope = item.Scope[:half]
		first.SplitOf = item.ID
		first.Estimate = e.Estimate(&first)

		second := *item
		second.ID = item.ID + "-b"
		second.Scope = item.Scope[half:]
		second.SplitOf = item.ID
		second.Appender = true
		second.Estimate = e.Estimate(&second)

		out = append(out, &first, &second)
	}
	return out
}

// Average returns the mean estimate across items, zero for an empty slice.
func Average(items []*run.WorkItem) int {
	if len(items) == 0 {
		return 0
	}
	total := 0
	for _, item := range items {
		total += item.Estimate
	}
	return total / len(items)
}

// Mode is the synthesis-phase input assembly strategy.
type Mode string

const (
	// ModeInline embeds all reference material directly in the worker input.
	ModeInline Mode = "inline"
	// ModePartialDisk replaces voluminous reference material with file-path
	// references while findings stay embedded.
	ModePartialDisk Mode = "partial_disk"
	// ModeDiskHeavy trims findings to one-paragraph summaries, full detail
	// available only via file-path reference.
	ModeDiskHeavy Mode = "disk_heavy"
)

// SelectMode picks the synthesis mode from the total phase estimate.
func SelectMode(totalEstimate int) Mode {
	switch {
	case totalEstimate < inlineLimit:
		return ModeInline
	case totalEstimate <= partialDiskLimit:
		return ModePartialDisk
	default:
		return ModeDiskHeavy
	}
}

// SynthesisEntry renders one finding for synthesis input under a mode.
// Dismissed findings always collapse to id+status+one line regardless of
// mode: their detail has no synthesis value.
func SynthesisEntry(f finding.Finding, mode Mode, detailPath string) string {
	if f.Status == finding.StatusNotVulnerable {
		return fmt.Sprintf("%s [%s] %s", f.ID, f.Status, firstLine(f.Summary))
	}
	switch mode {
	case ModeDiskHeavy:
		return fmt.Sprintf("%s [%s/%s] %s: %s (detail: %s)",
			f.ID, f.Status, f.Severity, f.Title, firstLine(f.Summary), detailPath)
	default:
		return fmt.Sprintf("%s [%s/%s] %s (%s)\n%s",
			f.ID, f.Status, f.Severity, f.Title, f.File, f.Summary)
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
