package catalog

import (
	"testing"

	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertAndGet(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := New()
	require.NoError(err)

	ent := &entity.Entity{Identifier: "p1", Blueprint: "project"}
	require.NoError(s.Upsert(ent))

	got, err := s.Get("project", "p1")
	require.NoError(err)
	assert.Equal("p1", got.Identifier)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	require := require.New(t)

	s, err := New()
	require.NoError(err)

	_, err = s.Get("project", "missing")
	require.ErrorIs(err, ErrNotFound)
}

func TestUpsertReplacesExisting(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := New()
	require.NoError(err)

	title1 := "Old Title"
	title2 := "New Title"
	require.NoError(s.Upsert(&entity.Entity{Identifier: "p1", Blueprint: "project", Title: &title1}))
	require.NoError(s.Upsert(&entity.Entity{Identifier: "p1", Blueprint: "project", Title: &title2}))

	got, err := s.Get("project", "p1")
	require.NoError(err)
	assert.Equal("New Title", *got.Title)

	all, err := s.ListByBlueprint("project")
	require.NoError(err)
	assert.Len(all, 1)
}

func TestDeleteIsNoopWhenMissing(t *testing.T) {
	require := require.New(t)

	s, err := New()
	require.NoError(err)
	require.NoError(s.Delete("project", "nope"))
}

func TestListByBlueprintIsolatesBlueprints(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := New()
	require.NoError(err)
	require.NoError(s.UpsertAll([]*entity.Entity{
		{Identifier: "p1", Blueprint: "project"},
		{Identifier: "p2", Blueprint: "project"},
		{Identifier: "s1", Blueprint: "service"},
	}))

	projects, err := s.ListByBlueprint("project")
	require.NoError(err)
	assert.Len(projects, 2)

	services, err := s.ListByBlueprint("service")
	require.NoError(err)
	assert.Len(services, 1)
}

func TestReferencedByFindsStringRelation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := New()
	require.NoError(err)
	require.NoError(s.UpsertAll([]*entity.Entity{
		{Identifier: "t1", Blueprint: "team"},
		{Identifier: "p1", Blueprint: "project", Relations: map[string]interface{}{"team": "t1"}},
		{Identifier: "p2", Blueprint: "project", Relations: map[string]interface{}{"team": "t2"}},
	}))

	referrers, err := s.ReferencedBy("t1")
	require.NoError(err)
	require.Len(referrers, 1)
	assert.Equal("p1", referrers[0].Identifier)
}

func TestReferencedByFindsListRelation(t *testing.T) {
	require := require.New(t)

	s, err := New()
	require.NoError(err)
	require.NoError(s.Upsert(&entity.Entity{
		Identifier: "p1", Blueprint: "project",
		Relations: map[string]interface{}{"dependsOn": []interface{}{"p2", "p3"}},
	}))

	referrers, err := s.ReferencedBy("p3")
	require.NoError(err)
	require.Len(referrers, 1)
}

func TestReferencedBySkipsSearchQueryRelations(t *testing.T) {
	require := require.New(t)

	s, err := New()
	require.NoError(err)
	require.NoError(s.Upsert(&entity.Entity{
		Identifier: "p1", Blueprint: "project",
		Relations: map[string]interface{}{
			"team": map[string]interface{}{"combinator": "and", "rules": []interface{}{}},
		},
	}))

	referrers, err := s.ReferencedBy("t1")
	require.NoError(err)
	require.Len(referrers, 0)
}

func TestAllAndCount(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s, err := New()
	require.NoError(err)
	require.NoError(s.UpsertAll([]*entity.Entity{
		{Identifier: "p1", Blueprint: "project"},
		{Identifier: "s1", Blueprint: "service"},
	}))

	all, err := s.All()
	require.NoError(err)
	assert.Len(all, 2)

	n, err := s.Count()
	require.NoError(err)
	assert.Equal(2, n)
}
