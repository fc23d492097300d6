package applier

import (
	"context"
	"testing"

	"github.com/port-labs/ocean-core/pkg/catalog"
	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/port-labs/ocean-core/pkg/ocerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApplier(t *testing.T) (*Applier, *catalog.Store, *[]string, *[]string) {
	t.Helper()
	cat, err := catalog.New()
	require.NoError(t, err)

	var upserted, deleted []string
	upsert := func(_ context.Context, ent *entity.Entity, _ bool) error {
		upserted = append(upserted, ent.Identifier)
		return cat.Upsert(ent)
	}
	del := func(_ context.Context, blueprint, identifier string) error {
		deleted = append(deleted, identifier)
		return cat.Delete(blueprint, identifier)
	}
	return New(cat, nil, upsert, del), cat, &upserted, &deleted
}

func TestPlanClassifiesNewEntityAsCreate(t *testing.T) {
	require := require.New(t)

	a, _, _, _ := newTestApplier(t)
	plan, err := a.Plan(context.Background(), "project", []*entity.Entity{
		{Identifier: "p1", Blueprint: "project"},
	}, nil, Options{})
	require.NoError(err)
	require.Len(plan.Creates, 1)
	require.Len(plan.Updates, 0)
	require.Len(plan.Deletes, 0)
}

func TestPlanClassifiesChangedEntityAsUpdate(t *testing.T) {
	require := require.New(t)

	a, cat, _, _ := newTestApplier(t)
	title1 := "Old"
	require.NoError(cat.Upsert(&entity.Entity{Identifier: "p1", Blueprint: "project", Title: &title1}))

	title2 := "New"
	plan, err := a.Plan(context.Background(), "project", []*entity.Entity{
		{Identifier: "p1", Blueprint: "project", Title: &title2},
	}, nil, Options{})
	require.NoError(err)
	require.Len(plan.Creates, 0)
	require.Len(plan.Updates, 1)
	require.NotEmpty(plan.Updates[0].Diff)
}

func TestPlanSkipsUnchangedEntity(t *testing.T) {
	require := require.New(t)

	a, cat, _, _ := newTestApplier(t)
	title := "Same"
	require.NoError(cat.Upsert(&entity.Entity{Identifier: "p1", Blueprint: "project", Title: &title}))

	plan, err := a.Plan(context.Background(), "project", []*entity.Entity{
		{Identifier: "p1", Blueprint: "project", Title: &title},
	}, nil, Options{})
	require.NoError(err)
	require.Len(plan.Creates, 0)
	require.Len(plan.Updates, 0)
}

func TestPlanMarksAbsentEntityForDeletion(t *testing.T) {
	require := require.New(t)

	a, cat, _, _ := newTestApplier(t)
	require.NoError(cat.Upsert(&entity.Entity{Identifier: "p1", Blueprint: "project"}))
	require.NoError(cat.Upsert(&entity.Entity{Identifier: "p2", Blueprint: "project"}))

	plan, err := a.Plan(context.Background(), "project", []*entity.Entity{
		{Identifier: "p1", Blueprint: "project"},
	}, nil, Options{})
	require.NoError(err)
	require.Len(plan.Deletes, 1)
	require.Equal("p2", plan.Deletes[0].Identifier)
}

func TestPlanExcludesFailedSelectorIDsFromDeletion(t *testing.T) {
	require := require.New(t)

	a, cat, _, _ := newTestApplier(t)
	require.NoError(cat.Upsert(&entity.Entity{Identifier: "p1", Blueprint: "project"}))
	require.NoError(cat.Upsert(&entity.Entity{Identifier: "p2", Blueprint: "project"}))

	plan, err := a.Plan(context.Background(), "project", []*entity.Entity{
		{Identifier: "p1", Blueprint: "project"},
	}, map[string]bool{"p2": true}, Options{})
	require.NoError(err)
	require.Len(plan.Deletes, 0)
}

func TestPlanEnforcesDeletionThreshold(t *testing.T) {
	require := require.New(t)

	a, cat, _, _ := newTestApplier(t)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		require.NoError(cat.Upsert(&entity.Entity{Identifier: id, Blueprint: "project"}))
	}

	threshold := 0.25
	plan, err := a.Plan(context.Background(), "project", nil, nil, Options{EntityDeletionThreshold: &threshold})
	require.Error(err)
	require.True(ocerr.Is(err, ocerr.DeletionThresholdExceeded))

	// The plan itself is still returned alongside the error so a caller
	// can report what would have been deleted instead of the gate
	// silently dropping it.
	require.NotNil(plan)
	require.Len(plan.Deletes, 4)
}

func TestPlanCascadeExpandsDeletionsToReferrers(t *testing.T) {
	require := require.New(t)

	a, cat, _, _ := newTestApplier(t)
	require.NoError(cat.UpsertAll([]*entity.Entity{
		{Identifier: "p1", Blueprint: "project"},
		{Identifier: "c1", Blueprint: "component", Relations: map[string]interface{}{"project": "p1"}},
	}))

	plan, err := a.Plan(context.Background(), "project", nil, nil, Options{DeleteDependentEntities: true})
	require.NoError(err)

	ids := map[string]bool{}
	for _, e := range plan.Deletes {
		ids[e.Identifier] = true
	}
	require.True(ids["p1"])
	require.True(ids["c1"])
}

func TestApplyOrdersCreatesByRelationDependency(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	a, _, upserted, _ := newTestApplier(t)
	plan := &Plan{
		Creates: []*entity.Entity{
			{Identifier: "c1", Blueprint: "component", Relations: map[string]interface{}{"project": "p1"}},
			{Identifier: "p1", Blueprint: "project"},
		},
	}

	result, err := a.Apply(context.Background(), plan, Options{})
	require.NoError(err)
	assert.Equal(2, result.Created)

	order := *upserted
	require.Len(order, 2)
	pIdx, cIdx := -1, -1
	for i, id := range order {
		if id == "p1" {
			pIdx = i
		}
		if id == "c1" {
			cIdx = i
		}
	}
	require.True(pIdx < cIdx, "expected p1 to be applied before c1, got order %v", order)
}

func TestApplyDeletesInReverseDependencyOrder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	a, _, _, deleted := newTestApplier(t)
	plan := &Plan{
		Deletes: []*entity.Entity{
			{Identifier: "p1", Blueprint: "project"},
			{Identifier: "c1", Blueprint: "component", Relations: map[string]interface{}{"project": "p1"}},
		},
	}

	result, err := a.Apply(context.Background(), plan, Options{})
	require.NoError(err)
	assert.Equal(2, result.Deleted)

	order := *deleted
	require.Len(order, 2)
	pIdx, cIdx := -1, -1
	for i, id := range order {
		if id == "p1" {
			pIdx = i
		}
		if id == "c1" {
			cIdx = i
		}
	}
	require.True(cIdx < pIdx, "expected c1 to be deleted before p1, got order %v", order)
}

func TestApplyDryRunReportsWithoutMutating(t *testing.T) {
	require := require.New(t)

	a, cat, upserted, deleted := newTestApplier(t)
	require.NoError(cat.Upsert(&entity.Entity{Identifier: "p1", Blueprint: "project"}))

	plan := &Plan{
		Creates: []*entity.Entity{{Identifier: "p2", Blueprint: "project"}},
		Deletes: []*entity.Entity{{Identifier: "p1", Blueprint: "project"}},
	}

	result, err := a.Apply(context.Background(), plan, Options{DryRun: true})
	require.NoError(err)
	require.Equal(1, result.Created)
	require.Equal(1, result.Deleted)

	require.Empty(*upserted, "dry run must not call Upsert")
	require.Empty(*deleted, "dry run must not call Delete")

	existing, err := cat.ListByBlueprint("project")
	require.NoError(err)
	require.Len(existing, 1, "catalog state must be untouched by a dry run")
}

func TestApplyDryRunStillDetectsCycle(t *testing.T) {
	require := require.New(t)

	a, _, _, _ := newTestApplier(t)
	plan := &Plan{
		Creates: []*entity.Entity{
			{Identifier: "a", Blueprint: "x", Relations: map[string]interface{}{"r": "b"}},
			{Identifier: "b", Blueprint: "x", Relations: map[string]interface{}{"r": "a"}},
		},
	}

	_, err := a.Apply(context.Background(), plan, Options{DryRun: true})
	require.Error(err)
	require.True(ocerr.Is(err, ocerr.CyclicDependency))
}

// fakeResolver resolves a relation name to a fixed list of identifiers, or
// returns err if set, for exercising resolveRelations' 0/1/many branches.
type fakeResolver struct {
	ids map[string][]string
	err error
}

func (f *fakeResolver) ResolveSearchQuery(_ context.Context, name string, _ entity.SearchQuery) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ids[name], nil
}

func searchQueryRelation() map[string]interface{} {
	return map[string]interface{}{
		"combinator": "and",
		"rules":      []interface{}{map[string]interface{}{"property": "$identifier", "operator": "=", "value": "p1"}},
	}
}

func TestPlanResolvesSingleMatchRelationToIdentifier(t *testing.T) {
	require := require.New(t)

	a, _, _, _ := newTestApplier(t)
	a.Resolver = &fakeResolver{ids: map[string][]string{"project": {"p1"}}}

	plan, err := a.Plan(context.Background(), "component", []*entity.Entity{
		{Identifier: "c1", Blueprint: "component", Relations: map[string]interface{}{"project": searchQueryRelation()}},
	}, nil, Options{})
	require.NoError(err)
	require.Empty(plan.Misconfigured)
	require.Len(plan.Creates, 1)
	require.Equal("p1", plan.Creates[0].Relations["project"])
}

func TestPlanLeavesZeroMatchRelationNullAndWarns(t *testing.T) {
	require := require.New(t)

	a, _, _, _ := newTestApplier(t)
	a.Resolver = &fakeResolver{ids: map[string][]string{"project": {}}}

	plan, err := a.Plan(context.Background(), "component", []*entity.Entity{
		{Identifier: "c1", Blueprint: "component", Relations: map[string]interface{}{"project": searchQueryRelation()}},
	}, nil, Options{})
	require.NoError(err)
	require.Empty(plan.Misconfigured)
	require.Len(plan.Creates, 1, "the entity itself is still planned, just with a null relation")
	require.Nil(plan.Creates[0].Relations["project"])
}

func TestPlanExcludesManyMatchRelationAsMisconfigured(t *testing.T) {
	require := require.New(t)

	a, _, _, _ := newTestApplier(t)
	a.Resolver = &fakeResolver{ids: map[string][]string{"project": {"p1", "p2"}}}

	plan, err := a.Plan(context.Background(), "component", []*entity.Entity{
		{Identifier: "c1", Blueprint: "component", Relations: map[string]interface{}{"project": searchQueryRelation()}},
	}, nil, Options{})
	require.NoError(err)
	require.Empty(plan.Creates, "an ambiguous relation must exclude the entity rather than write a multi-value relation")
	require.Empty(plan.Updates)
	require.Len(plan.Misconfigured, 1)
	require.True(ocerr.Is(plan.Misconfigured[0], ocerr.UnresolvedRelation))
}

func TestPlanExcludesEntityWhenResolverErrors(t *testing.T) {
	require := require.New(t)

	a, _, _, _ := newTestApplier(t)
	a.Resolver = &fakeResolver{err: assert.AnError}

	plan, err := a.Plan(context.Background(), "component", []*entity.Entity{
		{Identifier: "c1", Blueprint: "component", Relations: map[string]interface{}{"project": searchQueryRelation()}},
	}, nil, Options{})
	require.NoError(err)
	require.Empty(plan.Creates)
	require.Len(plan.Misconfigured, 1)
	require.True(ocerr.Is(plan.Misconfigured[0], ocerr.UnresolvedRelation))
}

func TestUpsertBatchAppliesCreatesAndExcludesMisconfigured(t *testing.T) {
	require := require.New(t)

	a, _, upserted, _ := newTestApplier(t)
	a.Resolver = &fakeResolver{ids: map[string][]string{"project": {"p1", "p2"}}}

	result, misconfigured, err := a.UpsertBatch(context.Background(), "component", []*entity.Entity{
		{Identifier: "c1", Blueprint: "component", Relations: map[string]interface{}{"project": searchQueryRelation()}},
		{Identifier: "c2", Blueprint: "component"},
	}, Options{})
	require.NoError(err)
	require.Len(misconfigured, 1)
	require.Equal(1, result.Created)
	require.Equal([]string{"c2"}, *upserted)
}

func TestTopoLayersDetectsCycle(t *testing.T) {
	require := require.New(t)

	ents := []*entity.Entity{
		{Identifier: "a", Blueprint: "x", Relations: map[string]interface{}{"r": "b"}},
		{Identifier: "b", Blueprint: "x", Relations: map[string]interface{}{"r": "a"}},
	}
	_, err := topoLayers(ents)
	require.Error(err)
}
