package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseable(t *testing.T) {
	assert := assert.New(t)

	assert.True((&Entity{Identifier: "p1", Blueprint: "project"}).Parseable())
	assert.False((&Entity{Identifier: "p1"}).Parseable())
	assert.False((&Entity{Blueprint: "project"}).Parseable())
	assert.False((*Entity)(nil).Parseable())
}

func TestConsole(t *testing.T) {
	assert := assert.New(t)

	e := &Entity{Identifier: "p1", Blueprint: "project"}
	assert.Equal("project/p1", e.Console())
	assert.Equal("<nil>", (*Entity)(nil).Console())
}

func TestDeepCopyIsIndependent(t *testing.T) {
	assert := assert.New(t)

	e := &Entity{
		Identifier: "p1",
		Blueprint:  "project",
		Properties: map[string]any{"name": "A"},
	}
	cp := e.DeepCopy()
	cp.Properties["name"] = "B"

	assert.Equal("A", e.Properties["name"])
	assert.Equal("B", cp.Properties["name"])
}

func TestAsSearchQuery(t *testing.T) {
	assert := assert.New(t)

	q, ok := AsSearchQuery(map[string]any{
		"combinator": "and",
		"rules": []any{
			map[string]any{"property": "$identifier", "operator": "=", "value": "x"},
		},
	})
	assert.True(ok)
	assert.Equal("and", q.Combinator)
	assert.Len(q.Rules, 1)
	assert.Equal("$identifier", q.Rules[0].Property)

	_, ok = AsSearchQuery("plain-identifier")
	assert.False(ok)

	_, ok = AsSearchQuery([]any{"a", "b"})
	assert.False(ok)

	_, ok = AsSearchQuery(map[string]any{"foo": "bar"})
	assert.False(ok)
}
