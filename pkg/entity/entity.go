// Package entity defines the data model shared by the resync pipeline:
// Entity, Blueprint, Raw Record, Resource Mapping/Config, App Config, and
// the event/action/live-event envelopes that flow through the engine.
package entity

import "encoding/json"

// RawRecord is an arbitrary JSON-like value produced by an adapter.
type RawRecord = map[string]interface{}

// Entity identifies a catalog object of some Blueprint. See spec.md §3.
type Entity struct {
	Identifier string         `json:"identifier"`
	Blueprint  string         `json:"blueprint"`
	Title      *string        `json:"title,omitempty"`
	Team       interface{}    `json:"team,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
	Relations  map[string]any `json:"relations,omitempty"`
}

// Parseable reports whether the entity carries the two fields required for
// it to participate in reconciliation: identifier and blueprint.
func (e *Entity) Parseable() bool {
	return e != nil && e.Identifier != "" && e.Blueprint != ""
}

// Console returns a human-readable label for logs and diff output.
func (e *Entity) Console() string {
	if e == nil {
		return "<nil>"
	}
	return e.Blueprint + "/" + e.Identifier
}

// DeepCopy returns a deep copy of e, used before mutating an entity for
// diff or merge purposes so the original batch result is left untouched.
func (e *Entity) DeepCopy() *Entity {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		// Entities are always produced from JSON-compatible values by the
		// entity processor; a marshal failure here means a mapping
		// expression returned something pathological (e.g. a channel).
		panic("entity: DeepCopy: " + err.Error())
	}
	cp := &Entity{}
	if err := json.Unmarshal(b, cp); err != nil {
		panic("entity: DeepCopy: " + err.Error())
	}
	return cp
}

// SearchRule is a single condition in a SearchQuery, matching the portal's
// search_entities request body.
type SearchRule struct {
	Property string `json:"property"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// SearchQuery is a relation value shaped like {"combinator": ..., "rules": [...]}.
// It is resolved against the portal's search API at apply time rather than
// referring to a literal identifier. See spec.md §3, §4.4 step 1.
type SearchQuery struct {
	Combinator string       `json:"combinator"`
	Rules      []SearchRule `json:"rules"`
}

// AsSearchQuery attempts to interpret v as a relation search query. It
// returns ok=false for any value that isn't shaped like one, including a
// plain identifier string or list of identifiers.
func AsSearchQuery(v any) (SearchQuery, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return SearchQuery{}, false
	}
	combinator, ok := m["combinator"].(string)
	if !ok {
		return SearchQuery{}, false
	}
	rawRules, ok := m["rules"].([]any)
	if !ok {
		return SearchQuery{}, false
	}
	rules := make([]SearchRule, 0, len(rawRules))
	for _, rr := range rawRules {
		rm, ok := rr.(map[string]any)
		if !ok {
			continue
		}
		prop, _ := rm["property"].(string)
		op, _ := rm["operator"].(string)
		rules = append(rules, SearchRule{Property: prop, Operator: op, Value: rm["value"]})
	}
	return SearchQuery{Combinator: combinator, Rules: rules}, true
}

// Blueprint is a schema reference. The core only requires the identifier;
// full schema ownership lives in the portal.
type Blueprint struct {
	Identifier string `json:"identifier"`
}
