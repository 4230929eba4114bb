// Package delta computes file-level change sets between runs and
// reclassifies prior-run findings against them.
package delta

import (
	"sort"

	"github.com/auditforge/auditforge/internal/gitdiff"
	"github.com/auditforge/auditforge/internal/run"
)

const (
	MagnitudeMinor = "minor"
	MagnitudeMajor = "major"
)

// Engine classifies per-file changes between a prior run and the working tree.
type Engine struct {
	majorLines       int     // changed-line threshold for a "major" modification
	massiveThreshold float64 // (modified+added)/prior ratio for massive rewrite
}

// NewEngine creates an Engine. Zero arguments select the defaults
// (10 lines, 0.70).
func NewEngine(majorLines int, massiveThreshold float64) *Engine {
	if majorLines <= 0 {
		majorLines = 10
	}
	if massiveThreshold <= 0 {
		massiveThreshold = 0.70
	}
	return &Engine{majorLines: majorLines, massiveThreshold: massiveThreshold}
}

// Compute builds one DeltaRecord for every file in the union of the prior
// run's file index and the current file set. The returned flag reports a
// massive rewrite: (modified+added) relative to the prior index size meets
// the threshold, which tells downstream consumers to skip verify-only
// re-checks and to drop not_vulnerable carry-forward.
func (e *Engine) Compute(priorIndex, current []string, changes *gitdiff.ChangeList) ([]run.DeltaRecord, bool) {
	currentSet := make(map[string]bool, len(current))
	for _, p := range current {
		currentSet[p] = true
	}
	priorSet := make(map[string]bool, len(priorIndex))
	for _, p := range priorIndex {
		priorSet[p] = true
	}

	var records []run.DeltaRecord
	modified, added := 0, 0

	for _, path := range priorIndex {
		switch {
		case !currentSet[path]:
			records = append(records, run.DeltaRecord{Path: path, Kind: run.ChangeDeleted})
		case recreated(changes, path):
			modified++
			records = append(records, run.DeltaRecord{Path: path, Kind: run.ChangeModified, Magnitude: MagnitudeMajor})
		case changedLines(changes, path) > 0:
			modified++
			mag := MagnitudeMinor
			if changedLines(changes, path) >= e.majorLines {
				mag = MagnitudeMajor
			}
			records = append(records, run.DeltaRecord{Path: path, Kind: run.ChangeModified, Magnitude: mag})
		default:
			records = append(records, run.DeltaRecord{Path: path, Kind: run.ChangeUnchanged})
		}
	}

	for _, path := range current {
		if !priorSet[path] {
			added++
			records = append(records, run.DeltaRecord{Path: path, Kind: run.ChangeAdded})
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Path < records[j].Path })

	massive := false
	if len(priorIndex) > 0 {
		massive = float64(modified+added)/float64(len(priorIndex)) >= e.massiveThreshold
	} else {
		massive = added > 0
	}
	return records, massive
}

// recreated reports a path git marked added or deleted between the two
// revisions even though it appears in both run indices: the file was
// replaced wholesale (deleted and re-added, or the target of a rename), so
// line counts say nothing useful and the modification is always major.
func recreated(changes *gitdiff.ChangeList, path string) bool {
	if changes == nil {
		return false
	}
	for _, p := range changes.Added {
		if p == path {
			return true
		}
	}
	for _, p := range changes.Deleted {
		if p == path {
			return true
		}
	}
	return false
}

// changedLines reports how many lines changed for path, treating files the
// change list marks modified with an unknown count as one line.
func changedLines(changes *gitdiff.ChangeList, path string) int {
	if changes == nil {
		return 0
	}
	if n, ok := changes.Modified[path]; ok {
		if n <= 0 {
			return 1
		}
		return n
	}
	return 0
}
