package processor

import (
	"context"
	"fmt"
	"testing"

	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/port-labs/ocean-core/pkg/expr/jq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rc() *entity.ResourceConfig {
	return &entity.ResourceConfig{
		Kind:     "project",
		Selector: `.active == true`,
		Port: entity.Port{
			Entity: entity.EntityMappings{
				Identifier: ".id",
				Blueprint:  `"project"`,
				Title:      ".name",
				Properties: map[string]string{
					"size": ".size",
				},
				Relations: map[string]string{
					"team": ".teamId",
				},
			},
		},
	}
}

func TestProcessRecordPassedSelector(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p := New(jq.New())
	results := p.ProcessRecord(context.Background(), entity.RawRecord{
		"id": "p1", "name": "Project One", "active": true, "size": 3, "teamId": "t1",
	}, rc())

	require.Len(results, 1)
	r := results[0]
	require.Equal(PassedSelector, r.Classification)
	require.NotNil(r.Entity)
	assert.Equal("p1", r.Entity.Identifier)
	assert.Equal("project", r.Entity.Blueprint)
	require.NotNil(r.Entity.Title)
	assert.Equal("Project One", *r.Entity.Title)
	assert.Equal(3, r.Entity.Properties["size"])
	assert.Equal("t1", r.Entity.Relations["team"])
}

func TestProcessRecordFailedSelectorStillYieldsShallowEntity(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	p := New(jq.New())
	results := p.ProcessRecord(context.Background(), entity.RawRecord{
		"id": "p2", "name": "Project Two", "active": false,
	}, rc())

	require.Len(results, 1)
	r := results[0]
	require.Equal(FailedSelector, r.Classification)
	require.NotNil(r.Entity)
	assert.Equal("p2", r.Entity.Identifier)
	assert.Equal("project", r.Entity.Blueprint)
}

func TestProcessRecordFailedSelectorWithUnresolvableIdentity(t *testing.T) {
	require := require.New(t)

	cfg := rc()
	cfg.Port.Entity.Identifier = ".missing.deep.field"

	p := New(jq.New())
	results := p.ProcessRecord(context.Background(), entity.RawRecord{
		"id": "p3", "active": false,
	}, cfg)

	require.Len(results, 1)
	require.Equal(FailedSelector, results[0].Classification)
	require.Nil(results[0].Entity)
}

func TestProcessRecordMisconfiguredSelector(t *testing.T) {
	require := require.New(t)

	cfg := rc()
	cfg.Selector = "this is not jq"

	p := New(jq.New())
	results := p.ProcessRecord(context.Background(), entity.RawRecord{"id": "p1"}, cfg)

	require.Len(results, 1)
	require.Equal(Misconfigured, results[0].Classification)
	require.Error(results[0].Err)
}

func TestProcessRecordMisconfiguredIdentifierOnPassedSelector(t *testing.T) {
	require := require.New(t)

	cfg := rc()
	cfg.Selector = "true"
	cfg.Port.Entity.Identifier = ".id | tostring | explode | first" // returns a number, not a string

	p := New(jq.New())
	results := p.ProcessRecord(context.Background(), entity.RawRecord{"id": "p1"}, cfg)

	require.Len(results, 1)
	require.Equal(Misconfigured, results[0].Classification)
	require.Error(results[0].Err)
}

func TestProcessRecordItemsToParseSplitsIntoMultipleResults(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cfg := &entity.ResourceConfig{
		Kind:          "comment",
		ItemsToParse:  ".comments",
		Selector:      "true",
		Port: entity.Port{
			Entity: entity.EntityMappings{
				Identifier: "$item.id",
				Blueprint:  `"comment"`,
			},
		},
	}

	p := New(jq.New())
	results := p.ProcessRecord(context.Background(), entity.RawRecord{
		"comments": []interface{}{
			map[string]interface{}{"id": "c1"},
			map[string]interface{}{"id": "c2"},
		},
	}, cfg)

	require.Len(results, 2)
	assert.Equal("c1", results[0].Entity.Identifier)
	assert.Equal("c2", results[1].Entity.Identifier)
}

func TestProcessRecordItemsToParseEmptyListYieldsNoResults(t *testing.T) {
	require := require.New(t)

	cfg := &entity.ResourceConfig{
		Kind:         "comment",
		ItemsToParse: ".comments",
		Selector:     "true",
		Port: entity.Port{
			Entity: entity.EntityMappings{Identifier: "$item.id", Blueprint: `"comment"`},
		},
	}

	p := New(jq.New())
	results := p.ProcessRecord(context.Background(), entity.RawRecord{
		"comments": []interface{}{},
	}, cfg)

	require.Len(results, 0)
}

func TestProcessRecordItemsToParseNotAListIsMisconfigured(t *testing.T) {
	require := require.New(t)

	cfg := &entity.ResourceConfig{
		Kind:         "comment",
		ItemsToParse: ".comments",
		Selector:     "true",
		Port: entity.Port{
			Entity: entity.EntityMappings{Identifier: "$item.id", Blueprint: `"comment"`},
		},
	}

	p := New(jq.New())
	results := p.ProcessRecord(context.Background(), entity.RawRecord{
		"comments": "not-a-list",
	}, cfg)

	require.Len(results, 1)
	require.Equal(Misconfigured, results[0].Classification)
}

func TestProcessRecordOptionalPropertyErrorYieldsNullNotRejection(t *testing.T) {
	require := require.New(t)

	cfg := rc()
	cfg.Selector = "true"
	cfg.Port.Entity.Properties["size"] = `error("unmappable")`

	p := New(jq.New())
	results := p.ProcessRecord(context.Background(), entity.RawRecord{"id": "p1"}, cfg)

	require.Len(results, 1)
	require.Equal(PassedSelector, results[0].Classification)
	require.Nil(results[0].Entity.Properties["size"])
}

func TestProcessBatchPreservesOrder(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cfg := rc()
	records := make([]entity.RawRecord, 0, 20)
	for i := 0; i < 20; i++ {
		records = append(records, entity.RawRecord{
			"id": fmt.Sprintf("p%d", i), "name": "x", "active": true, "size": i, "teamId": "t",
		})
	}

	p := New(jq.New())
	results, err := p.ProcessBatch(context.Background(), records, cfg, 4)
	require.NoError(err)
	require.Len(results, 20)
	for i, rs := range results {
		require.Len(rs, 1)
		assert.Equal(i, rs[0].Entity.Properties["size"])
	}
}
