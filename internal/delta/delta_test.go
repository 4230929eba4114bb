package delta

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditforge/auditforge/internal/gitdiff"
	"github.com/auditforge/auditforge/internal/run"
)

func TestComputeClassifiesEveryFileExactlyOnce(t *testing.T) {
	prior := []string{"a.go", "b.go", "c.go", "d.go"}
	current := []string{"a.go", "b.go", "d.go", "e.go"}
	changes := &gitdiff.ChangeList{
		Added:    []string{"e.go"},
		Deleted:  []string{"c.go"},
		Modified: map[string]int{"a.go": 25, "b.go": 3},
	}

	records, massive := NewEngine(0, 0).Compute(prior, current, changes)

	byPath := make(map[string]run.DeltaRecord)
	for _, rec := range records {
		_, dup := byPath[rec.Path]
		require.False(t, dup, "duplicate record for %s", rec.Path)
		byPath[rec.Path] = rec
	}
	// Totality: the union of both sets, nothing else.
	require.Len(t, byPath, 5)

	assert.Equal(t, run.ChangeModified, byPath["a.go"].Kind)
	assert.Equal(t, MagnitudeMajor, byPath["a.go"].Magnitude)
	assert.Equal(t, run.ChangeModified, byPath["b.go"].Kind)
	assert.Equal(t, MagnitudeMinor, byPath["b.go"].Magnitude)
	assert.Equal(t, run.ChangeDeleted, byPath["c.go"].Kind)
	assert.Equal(t, run.ChangeUnchanged, byPath["d.go"].Kind)
	assert.Equal(t, run.ChangeAdded, byPath["e.go"].Kind)
	assert.False(t, massive)
}

func TestComputeRecreatedFileIsMajorModification(t *testing.T) {
	// a.go exists in both indices but git saw it deleted and re-added between
	// the two revisions, so numstat reports nothing for it.
	prior := []string{"a.go", "b.go", "c.go"}
	current := []string{"a.go", "b.go", "c.go"}
	changes := &gitdiff.ChangeList{
		Added:    []string{"a.go"},
		Deleted:  []string{"a.go"},
		Modified: map[string]int{},
	}

	records, massive := NewEngine(10, 0.70).Compute(prior, current, changes)

	byPath := make(map[string]run.DeltaRecord)
	for _, rec := range records {
		byPath[rec.Path] = rec
	}
	assert.Equal(t, run.ChangeModified, byPath["a.go"].Kind)
	assert.Equal(t, MagnitudeMajor, byPath["a.go"].Magnitude)
	assert.Equal(t, run.ChangeUnchanged, byPath["b.go"].Kind)
	// 1 of 3 prior files churned: below the massive threshold, but counted.
	assert.False(t, massive)

	_, massive = NewEngine(10, 0.70).Compute([]string{"a.go"}, []string{"a.go"}, changes)
	assert.True(t, massive, "1/1 recreated >= 0.70")
}

func TestComputeMassiveRewriteThreshold(t *testing.T) {
	mkFiles := func(n int, prefix string) []string {
		files := make([]string, n)
		for i := range files {
			files[i] = fmt.Sprintf("%s%03d.go", prefix, i)
		}
		return files
	}

	t.Run("75 percent churn sets the flag", func(t *testing.T) {
		prior := mkFiles(100, "f")
		added := mkFiles(25, "new")
		changes := &gitdiff.ChangeList{Modified: map[string]int{}}
		for _, f := range prior[:50] {
			changes.Modified[f] = 5
		}
		current := append(append([]string{}, prior...), added...)

		_, massive := NewEngine(10, 0.70).Compute(prior, current, changes)
		assert.True(t, massive, "(50+25)/100 = 0.75 >= 0.70")
	})

	t.Run("40 percent churn does not", func(t *testing.T) {
		prior := mkFiles(100, "f")
		added := mkFiles(10, "new")
		changes := &gitdiff.ChangeList{Modified: map[string]int{}}
		for _, f := range prior[:30] {
			changes.Modified[f] = 5
		}
		current := append(append([]string{}, prior...), added...)

		_, massive := NewEngine(10, 0.70).Compute(prior, current, changes)
		assert.False(t, massive, "(30+10)/100 = 0.40 < 0.70")
	})
}
