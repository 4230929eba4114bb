// Package coverage verifies that completed work collectively covers the
// declared audit scope, and turns uncovered ground into prioritized gaps.
package coverage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/auditforge/auditforge/internal/config"
	"github.com/auditforge/auditforge/internal/run"
)

// Priority ranks a coverage gap.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// GapKind names what sort of declared scope went uncovered.
type GapKind string

const (
	GapScopeUnit GapKind = "scope_unit"
	GapPattern   GapKind = "pattern"
	GapChecklist GapKind = "checklist"
)

// Gap is one uncovered piece of declared scope.
type Gap struct {
	Kind     GapKind  `json:"kind"`
	Name     string   `json:"name"`
	Priority Priority `json:"priority"`
	Paths    []string `json:"paths,omitempty"` // scope-unit gaps only
}

// Ratio is covered-over-declared for one coverage dimension.
type Ratio struct {
	Covered int `json:"covered"`
	Total   int `json:"total"`
}

// Fraction returns the ratio as a float, 1.0 when nothing was declared.
func (r Ratio) Fraction() float64 {
	if r.Total == 0 {
		return 1.0
	}
	return float64(r.Covered) / float64(r.Total)
}

func (r Ratio) String() string {
	return fmt.Sprintf("%d/%d", r.Covered, r.Total)
}

// Report is the coverage verdict for one phase of a run.
type Report struct {
	Units     Ratio `json:"units"`
	Patterns  Ratio `json:"patterns"`
	Checklist Ratio `json:"checklist"`
	Gaps      []Gap `json:"gaps,omitempty"`
}

// Complete reports whether every declared dimension is fully covered.
func (rep *Report) Complete() bool {
	return len(rep.Gaps) == 0
}

// Verify cross-references the phase's succeeded items against the declared
// scope. A scope unit counts as covered when any succeeded item touched a
// path under it; patterns and checklist entries count when any item declares
// them. Items that failed or were never dispatched cover nothing.
func Verify(scope config.Scope, checklist []string, items []*run.WorkItem) *Report {
	touched := make(map[string]bool)
	patternsSeen := make(map[string]bool)
	checklistSeen := make(map[string]bool)
	for _, item := range items {
		if item.Status != run.ItemSucceeded {
			continue
		}
		for _, path := range item.Scope {
			touched[path] = true
		}
		for _, p := range item.Patterns {
			patternsSeen[p] = true
		}
		for _, c := range item.Checklist {
			checklistSeen[c] = true
		}
	}

	rep := &Report{
		Units:     Ratio{Total: len(scope.Units)},
		Patterns:  Ratio{Total: len(scope.Patterns)},
		Checklist: Ratio{Total: len(checklist)},
	}

	for _, unit := range scope.Units {
		if unitCovered(unit, touched) {
			rep.Units.Covered++
			continue
		}
		priority := PriorityHigh
		if unit.ExternallyReachable {
			priority = PriorityCritical
		}
		rep.Gaps = append(rep.Gaps, Gap{
			Kind:     GapScopeUnit,
			Name:     unit.Name,
			Priority: priority,
			Paths:    unit.Paths,
		})
	}
	for _, p := range scope.Patterns {
		if patternsSeen[p] {
			rep.Patterns.Covered++
			continue
		}
		rep.Gaps = append(rep.Gaps, Gap{Kind: GapPattern, Name: p, Priority: PriorityMedium})
	}
	for _, c := range checklist {
		if checklistSeen[c] {
			rep.Checklist.Covered++
			continue
		}
		rep.Gaps = append(rep.Gaps, Gap{Kind: GapChecklist, Name: c, Priority: PriorityLow})
	}

	sort.SliceStable(rep.Gaps, func(i, j int) bool {
		return rank(rep.Gaps[i].Priority) < rank(rep.Gaps[j].Priority)
	})
	return rep
}

func rank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// unitCovered reports whether any touched path falls under one of the
// unit's declared path prefixes.
func unitCovered(unit config.ScopeUnit, touched map[string]bool) bool {
	for path := range touched {
		for _, prefix := range unit.Paths {
			if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
				return true
			}
		}
	}
	return false
}

// SyntheticItems turns critical and high gaps into extra work items for one
// supplemental batch. Medium and low gaps are reported but never chased:
// gap-filling must not recurse. Item IDs carry a gap- prefix so their origin
// survives in the run document.
func SyntheticItems(gaps []Gap, phase, class string, outputPath func(itemID string) string) []*run.WorkItem {
	var items []*run.WorkItem
	for _, g := range gaps {
		if g.Priority != PriorityCritical && g.Priority != PriorityHigh {
			continue
		}
		id := "gap-" + slug(string(g.Kind)+"-"+g.Name)
		items = append(items, &run.WorkItem{
			ID:        id,
			Phase:     phase,
			Class:     class,
			Scope:     g.Paths,
			Output:    outputPath(id),
			Status:    run.ItemQueued,
			Synthetic: true,
		})
	}
	return items
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
