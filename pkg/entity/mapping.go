package entity

// EntityMappings holds the mapping expressions that produce an Entity's
// fields from a raw record (and `.item` when splitting via ItemsToParse).
// Each value is source text for the configured expr.Evaluator.
type EntityMappings struct {
	Identifier string            `json:"identifier"`
	Blueprint  string            `json:"blueprint"`
	Title      string            `json:"title,omitempty"`
	Team       string            `json:"team,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Relations  map[string]string `json:"relations,omitempty"`
}

// Port is the port.entity.mappings block of a ResourceConfig, plus the
// port-scoped items_to_parse expression.
type Port struct {
	Entity       EntityMappings `json:"entity"`
	ItemsToParse string         `json:"itemsToParse,omitempty"`
}

// ResourceConfig binds one adapter kind to a selector and a mapping.
type ResourceConfig struct {
	// Kind matches the adapter's kind label.
	Kind string `json:"kind"`
	// Selector is an expression returning boolean; see spec.md §4.2 step 2.
	Selector string `json:"selector"`
	// ItemsToParse, if set, is an expression returning a list; the mapping
	// is applied once per element with .item bound to it. See spec.md §4.2
	// step 1. Either this or Port.ItemsToParse may be set; Port's wins if
	// both are present, matching the original schema's port.items_to_parse.
	ItemsToParse string `json:"itemsToParse,omitempty"`
	Port         Port   `json:"port"`
}

// EffectiveItemsToParse returns the items_to_parse expression that applies
// to this resource config, preferring the port-scoped one.
func (rc *ResourceConfig) EffectiveItemsToParse() string {
	if rc.Port.ItemsToParse != "" {
		return rc.Port.ItemsToParse
	}
	return rc.ItemsToParse
}

// ResourceMapping is an ordered list of ResourceConfigs. The same kind may
// appear more than once; each entry is evaluated independently and
// contributes entities additively to the same reconciliation pass.
type ResourceMapping []ResourceConfig

// AppConfig is the resource mapping plus the global reconciliation flags.
type AppConfig struct {
	Resources ResourceMapping `json:"resources"`

	// DeleteDependentEntities controls cascade behavior on delete.
	DeleteDependentEntities bool `json:"deleteDependentEntities"`
	// CreateMissingRelatedEntities permits the portal to create relation
	// target stubs rather than requiring referents to exist before referers.
	CreateMissingRelatedEntities bool `json:"createMissingRelatedEntities"`
	// EnableMergeEntity makes upserts a deep merge instead of a full replace.
	EnableMergeEntity bool `json:"enableMergeEntity"`
	// EntityDeletionThreshold is nil for "no threshold" or a fraction in
	// [0,1]; see SPEC_FULL.md §9 Open Question resolution #1.
	EntityDeletionThreshold *float64 `json:"entityDeletionThreshold"`
}

// DefaultEntityDeletionThreshold is used by integrations that declare a
// threshold but don't supply a value.
const DefaultEntityDeletionThreshold = 0.9
