package coverage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditforge/auditforge/internal/config"
	"github.com/auditforge/auditforge/internal/run"
)

func testScope() config.Scope {
	return config.Scope{
		Units: []config.ScopeUnit{
			{Name: "api", Paths: []string{"internal/api"}, ExternallyReachable: true},
			{Name: "storage", Paths: []string{"internal/store", "internal/cache"}},
		},
		Patterns: []string{"sql-injection", "ssrf"},
	}
}

func TestVerifyFullCoverage(t *testing.T) {
	items := []*run.WorkItem{
		{
			ID: "a", Status: run.ItemSucceeded,
			Scope:     []string{"internal/api/handler.go", "internal/store/db.go"},
			Patterns:  []string{"sql-injection", "ssrf"},
			Checklist: []string{"authz on every route"},
		},
	}
	rep := Verify(testScope(), []string{"authz on every route"}, items)
	assert.True(t, rep.Complete())
	assert.Equal(t, 1.0, rep.Units.Fraction())
	assert.Equal(t, 1.0, rep.Patterns.Fraction())
	assert.Equal(t, 1.0, rep.Checklist.Fraction())
}

func TestVerifyPrioritizesGaps(t *testing.T) {
	// Nothing succeeded: every declared dimension is a gap.
	items := []*run.WorkItem{
		{ID: "a", Status: run.ItemFailed, Scope: []string{"internal/api/handler.go"}},
	}
	rep := Verify(testScope(), []string{"authz on every route"}, items)
	require.False(t, rep.Complete())
	require.Len(t, rep.Gaps, 5)

	// Sorted critical first.
	assert.Equal(t, PriorityCritical, rep.Gaps[0].Priority)
	assert.Equal(t, "api", rep.Gaps[0].Name)
	assert.Equal(t, PriorityHigh, rep.Gaps[1].Priority)
	assert.Equal(t, "storage", rep.Gaps[1].Name)
	assert.Equal(t, PriorityMedium, rep.Gaps[2].Priority)
	assert.Equal(t, PriorityLow, rep.Gaps[4].Priority)

	assert.Equal(t, "0/2", rep.Units.String())
}

func TestVerifyFailedItemsCoverNothing(t *testing.T) {
	items := []*run.WorkItem{
		{ID: "a", Status: run.ItemSucceeded, Scope: []string{"internal/api/routes.go"}},
		{ID: "b", Status: run.ItemFailed, Scope: []string{"internal/store/db.go"}},
	}
	rep := Verify(testScope(), nil, items)
	assert.Equal(t, 1, rep.Units.Covered)

	var names []string
	for _, g := range rep.Gaps {
		if g.Kind == GapScopeUnit {
			names = append(names, g.Name)
		}
	}
	assert.Equal(t, []string{"storage"}, names)
}

func TestVerifyPrefixMatchIsPathAware(t *testing.T) {
	// internal/apiclient must not satisfy the internal/api unit.
	items := []*run.WorkItem{
		{ID: "a", Status: run.ItemSucceeded, Scope: []string{"internal/apiclient/client.go"}},
	}
	scope := config.Scope{Units: []config.ScopeUnit{{Name: "api", Paths: []string{"internal/api"}}}}
	rep := Verify(scope, nil, items)
	assert.Equal(t, 0, rep.Units.Covered)
}

func TestVerifyEmptyDeclarationsAreComplete(t *testing.T) {
	rep := Verify(config.Scope{}, nil, nil)
	assert.True(t, rep.Complete())
	assert.Equal(t, 1.0, rep.Units.Fraction())
}

func TestSyntheticItemsOnlyForCriticalAndHigh(t *testing.T) {
	gaps := []Gap{
		{Kind: GapScopeUnit, Name: "api", Priority: PriorityCritical, Paths: []string{"internal/api"}},
		{Kind: GapScopeUnit, Name: "storage", Priority: PriorityHigh, Paths: []string{"internal/store"}},
		{Kind: GapPattern, Name: "ssrf", Priority: PriorityMedium},
		{Kind: GapChecklist, Name: "authz", Priority: PriorityLow},
	}
	items := SyntheticItems(gaps, "analyze", "standard", func(id string) string {
		return "out/" + id + ".md"
	})
	require.Len(t, items, 2)

	assert.Equal(t, "gap-scope-unit-api", items[0].ID)
	assert.True(t, items[0].Synthetic)
	assert.Equal(t, []string{"internal/api"}, items[0].Scope)
	assert.Equal(t, "out/gap-scope-unit-api.md", items[0].Output)
	assert.Equal(t, "analyze", items[0].Phase)

	assert.Equal(t, "gap-scope-unit-storage", items[1].ID)
}

func TestSlugNormalizesNames(t *testing.T) {
	assert.Equal(t, "scope-unit-auth-service", slug("scope_unit-Auth Service"))
}
