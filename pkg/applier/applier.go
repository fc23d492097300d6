// Package applier is the State Applier (spec.md §4.4): it diffs desired
// entities against the portal's catalog, orders the resulting creates,
// updates, and deletes so relation targets are always applied before their
// referrers, and enforces the deletion-threshold safety gate. Grounded on
// Kong-go-database-reconciler's pkg/diff Syncer, which performs the same
// shape of diff-then-apply over Kong's configuration, generalized here to
// the portal's single Entity type and its dynamic, relation-driven
// dependency graph instead of a fixed list of Kong entity types.
package applier

import (
	"context"
	"fmt"
	"sort"

	"github.com/Kong/gojsondiff"
	"github.com/Kong/gojsondiff/formatter"
	"github.com/port-labs/ocean-core/pkg/catalog"
	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/port-labs/ocean-core/pkg/obslog"
	"github.com/port-labs/ocean-core/pkg/ocerr"
)

// RelationResolver resolves a search-query relation (spec.md §4.11) into
// the concrete identifiers it currently matches. relationName identifies
// which relation on the entity's blueprint is being resolved, so the
// implementation can look up that relation's target blueprint from the
// blueprint schema. Implemented by pkg/portal against the live portal
// search API.
type RelationResolver interface {
	ResolveSearchQuery(ctx context.Context, relationName string, q entity.SearchQuery) ([]string, error)
}

// UpsertFunc applies one create-or-update to the portal. merge selects
// between the portal's deep-merge and full-replace upsert semantics,
// mirroring AppConfig.EnableMergeEntity.
type UpsertFunc func(ctx context.Context, ent *entity.Entity, merge bool) error

// DeleteFunc applies one delete to the portal.
type DeleteFunc func(ctx context.Context, blueprint, identifier string) error

// Action classifies one planned change.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change is one entity-level decision made by Plan.
type Change struct {
	Action Action
	Entity *entity.Entity
	// Diff is a human-readable description of what changed, populated for
	// ActionUpdate.
	Diff string
}

// Plan is the full set of decisions made by diffing desired entities
// against the catalog for one or more blueprints.
type Plan struct {
	Creates []*entity.Entity
	Updates []Change
	Deletes []*entity.Entity

	// DeletionRatio is deletions / (existing entities considered), used to
	// evaluate the deletion threshold. Zero when no entities existed yet.
	DeletionRatio float64

	// Misconfigured holds one diagnostic per desired entity excluded from
	// this plan because one of its relations resolved to more than one
	// target, or the resolver itself failed (spec.md §4.4 step 1). These
	// entities are neither created/updated nor considered for deletion.
	Misconfigured []error
}

// Options configures both Plan and Apply.
type Options struct {
	DeleteDependentEntities      bool
	CreateMissingRelatedEntities bool
	EnableMergeEntity            bool
	EntityDeletionThreshold      *float64
	BatchSize                    int
	// DryRun, when set, makes Apply compute the same Result it would
	// otherwise return without calling Upsert or Delete, mirroring the
	// teacher's Syncer.Solve(ctx, parallelism, dry, isJSONOut) diff-only
	// mode (SPEC_FULL.md §10).
	DryRun bool
}

// Applier diffs desired state against a catalog.Store and applies the
// result through the supplied Upsert/Delete funcs.
type Applier struct {
	Catalog  *catalog.Store
	Resolver RelationResolver
	Upsert   UpsertFunc
	Delete   DeleteFunc

	// Log receives relation-resolution warnings (a search-query relation
	// matching zero entities, spec.md §4.4 step 1). The zero value writes
	// to a disabled logger.
	Log obslog.Logger
}

// New constructs an Applier.
func New(cat *catalog.Store, resolver RelationResolver, upsert UpsertFunc, del DeleteFunc) *Applier {
	return &Applier{Catalog: cat, Resolver: resolver, Upsert: upsert, Delete: del}
}

// Plan computes the set of creates/updates/deletes needed to bring
// blueprint's catalog state in line with desired, given the identifiers
// that failed their selector this pass (failedSelectorIDs). Entities that
// failed their selector are excluded from automatic deletion: they were
// evaluated and explicitly found not to match, as opposed to simply being
// absent from the fetched batch, and a different resource config mapped
// to the same blueprint may still own them (spec.md §4.4 deletion
// exclusion rule).
func (a *Applier) Plan(ctx context.Context, blueprint string, desired []*entity.Entity, failedSelectorIDs map[string]bool, opts Options) (*Plan, error) {
	kept, misconfigured := a.resolveRelations(ctx, desired)

	existing, err := a.Catalog.ListByBlueprint(blueprint)
	if err != nil {
		return nil, fmt.Errorf("applier: listing existing %s entities: %w", blueprint, err)
	}
	existingByID := make(map[string]*entity.Entity, len(existing))
	for _, e := range existing {
		existingByID[e.Identifier] = e
	}

	creates, updates, desiredIDs, err := diffAgainstCatalog(blueprint, kept, existingByID)
	if err != nil {
		return nil, err
	}
	plan := &Plan{Creates: creates, Updates: updates, Misconfigured: misconfigured}

	var candidates []*entity.Entity
	for _, e := range existing {
		if desiredIDs[e.Identifier] {
			continue
		}
		if failedSelectorIDs[e.Identifier] {
			continue
		}
		candidates = append(candidates, e)
	}

	if opts.DeleteDependentEntities {
		candidates, err = a.expandCascade(candidates, existingByID)
		if err != nil {
			return nil, err
		}
	}
	plan.Deletes = candidates

	if len(existing) > 0 {
		plan.DeletionRatio = float64(len(plan.Deletes)) / float64(len(existing))
	}
	if opts.EntityDeletionThreshold != nil && plan.DeletionRatio > *opts.EntityDeletionThreshold {
		return plan, ocerr.New(ocerr.DeletionThresholdExceeded, "applier.Plan",
			fmt.Errorf("deleting %d of %d %s entities (%.0f%%) exceeds the configured threshold of %.0f%%",
				len(plan.Deletes), len(existing), blueprint, plan.DeletionRatio*100, *opts.EntityDeletionThreshold*100))
	}

	return plan, nil
}

// diffAgainstCatalog classifies each of kept as a create or update against
// existingByID, and returns the set of identifiers considered so the
// caller can exclude them from deletion candidates.
func diffAgainstCatalog(blueprint string, kept []*entity.Entity, existingByID map[string]*entity.Entity) ([]*entity.Entity, []Change, map[string]bool, error) {
	var creates []*entity.Entity
	var updates []Change
	desiredIDs := make(map[string]bool, len(kept))
	differ := gojsondiff.New()

	for _, d := range kept {
		desiredIDs[d.Identifier] = true
		prev, ok := existingByID[d.Identifier]
		if !ok {
			creates = append(creates, d)
			continue
		}
		diff, err := differ.CompareObjects(comparableView(prev), comparableView(d))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("applier: diffing %s/%s: %w", blueprint, d.Identifier, err)
		}
		if !diff.Modified() {
			continue
		}
		diffText, err := formatDiff(prev, diff)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("applier: formatting diff for %s/%s: %w", blueprint, d.Identifier, err)
		}
		updates = append(updates, Change{Action: ActionUpdate, Entity: d, Diff: diffText})
	}
	return creates, updates, desiredIDs, nil
}

// expandCascade adds, to the deletion candidate set, every entity that
// transitively references one already marked for deletion, so a cascading
// delete never leaves a dangling relation behind.
func (a *Applier) expandCascade(candidates []*entity.Entity, existingByID map[string]*entity.Entity) ([]*entity.Entity, error) {
	marked := make(map[string]*entity.Entity, len(candidates))
	for _, c := range candidates {
		marked[c.Identifier] = c
	}

	queue := append([]*entity.Entity{}, candidates...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		referrers, err := a.Catalog.ReferencedBy(cur.Identifier)
		if err != nil {
			return nil, fmt.Errorf("applier: resolving cascade referrers of %s: %w", cur.Identifier, err)
		}
		for _, r := range referrers {
			if _, already := marked[r.Identifier]; already {
				continue
			}
			marked[r.Identifier] = r
			queue = append(queue, r)
		}
	}

	out := make([]*entity.Entity, 0, len(marked))
	for _, e := range marked {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

// resolveRelations replaces every search-query relation value in ents with
// the concrete identifier it currently resolves to (spec.md §4.11),
// returning the subset of ents that resolved cleanly. Relations that are
// already a string or list of strings are left as-is.
//
// A relation matching zero entities is left null and logged as a warning:
// the target may simply not exist yet this pass (spec.md §4.4 step 1). A
// relation matching more than one entity, or a resolver error, excludes
// the whole entity as misconfigured instead of writing a multi-value
// relation, mirroring pkg/processor's Misconfigured classification for an
// unresolvable mapping.
func (a *Applier) resolveRelations(ctx context.Context, ents []*entity.Entity) ([]*entity.Entity, []error) {
	if a.Resolver == nil {
		return ents, nil
	}

	kept := make([]*entity.Entity, 0, len(ents))
	var misconfigured []error
	for _, e := range ents {
		ok := true
		for name, v := range e.Relations {
			q, isQuery := entity.AsSearchQuery(v)
			if !isQuery {
				continue
			}
			ids, err := a.Resolver.ResolveSearchQuery(ctx, name, q)
			switch {
			case err != nil:
				misconfigured = append(misconfigured, ocerr.New(ocerr.UnresolvedRelation, "applier.resolveRelations",
					fmt.Errorf("resolving relation %q on %s/%s: %w", name, e.Blueprint, e.Identifier, err)))
				ok = false
			case len(ids) == 0:
				e.Relations[name] = nil
				a.Log.Warn().
					Str("blueprint", e.Blueprint).
					Str("identifier", e.Identifier).
					Str("relation", name).
					Msg("relation matched no entities, leaving it null")
			case len(ids) == 1:
				e.Relations[name] = ids[0]
			default:
				misconfigured = append(misconfigured, ocerr.New(ocerr.UnresolvedRelation, "applier.resolveRelations",
					fmt.Errorf("relation %q on %s/%s matched %d entities, expected exactly one", name, e.Blueprint, e.Identifier, len(ids))))
				ok = false
			}
		}
		if ok {
			kept = append(kept, e)
		}
	}
	return kept, misconfigured
}

// comparableView strips identifier/blueprint (the diff key, not its
// content) before comparing two revisions of the same entity.
func comparableView(e *entity.Entity) map[string]interface{} {
	return map[string]interface{}{
		"title":      e.Title,
		"team":       e.Team,
		"properties": e.Properties,
		"relations":  e.Relations,
	}
}

func formatDiff(prev *entity.Entity, diff gojsondiff.Diff) (string, error) {
	f := formatter.NewAsciiFormatter(comparableView(prev), formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
	})
	return f.Format(diff)
}

// Result summarizes what Apply actually did.
type Result struct {
	Created int
	Updated int
	Deleted int
}

// Apply executes plan: upserts are applied in relation-dependency order
// (referents before referrers) batched by opts.BatchSize, then deletes are
// applied in the reverse order (referrers before referents) so no delete
// ever orphans a relation mid-flight. Apply stops at the first Upsert or
// Delete error, so deletes run only once every upsert has succeeded.
//
// When opts.DryRun is set, Apply computes the same Result a live run would
// produce but never calls Upsert or Delete, so a caller can report what a
// resync would do without touching the portal (SPEC_FULL.md §10).
func (a *Applier) Apply(ctx context.Context, plan *Plan, opts Options) (*Result, error) {
	upserts := make([]*entity.Entity, 0, len(plan.Creates)+len(plan.Updates))
	upserts = append(upserts, plan.Creates...)
	for _, u := range plan.Updates {
		upserts = append(upserts, u.Entity)
	}
	isUpdate := make(map[string]bool, len(plan.Updates))
	for _, u := range plan.Updates {
		isUpdate[u.Entity.Identifier] = true
	}

	result, err := a.applyUpserts(ctx, upserts, isUpdate, opts)
	if err != nil {
		return result, err
	}

	deleteLayers, err := topoLayers(plan.Deletes)
	if err != nil {
		return result, err
	}
	for i := len(deleteLayers) - 1; i >= 0; i-- {
		for _, ent := range deleteLayers[i] {
			if opts.DryRun {
				result.Deleted++
				continue
			}
			if err := a.Delete(ctx, ent.Blueprint, ent.Identifier); err != nil {
				return result, fmt.Errorf("applier: deleting %s/%s: %w", ent.Blueprint, ent.Identifier, err)
			}
			result.Deleted++
		}
	}

	return result, nil
}

// applyUpserts executes one upsert pass over ents in relation-dependency
// order (referents before referrers), batched by opts.BatchSize. isUpdate
// marks which identifiers are updates rather than creates, for Result
// accounting.
func (a *Applier) applyUpserts(ctx context.Context, ents []*entity.Entity, isUpdate map[string]bool, opts Options) (*Result, error) {
	layers, err := topoLayers(ents)
	if err != nil {
		return nil, err
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = len(ents)
		if batchSize == 0 {
			batchSize = 1
		}
	}

	result := &Result{}
	for _, layer := range layers {
		for _, batch := range chunk(layer, batchSize) {
			for _, ent := range batch {
				if !opts.DryRun {
					if err := a.Upsert(ctx, ent, opts.EnableMergeEntity); err != nil {
						return result, fmt.Errorf("applier: upserting %s/%s: %w", ent.Blueprint, ent.Identifier, err)
					}
				}
				if isUpdate[ent.Identifier] {
					result.Updated++
				} else {
					result.Created++
				}
			}
		}
	}
	return result, nil
}

// UpsertBatch resolves relations and upserts just the entities in ents
// against the current catalog view, skipping the delete-diff phase
// entirely: a resync upserts as each batch is processed, and only the
// delete computation waits for every resource config to finish draining
// (spec.md §4.5 step 3), via a later call to Plan/Apply over the full
// accumulated desired set. Misconfigured entities (an unresolved or
// ambiguous relation) are excluded and returned as diagnostics rather than
// upserted.
func (a *Applier) UpsertBatch(ctx context.Context, blueprint string, ents []*entity.Entity, opts Options) (*Result, []error, error) {
	kept, misconfigured := a.resolveRelations(ctx, ents)

	existing, err := a.Catalog.ListByBlueprint(blueprint)
	if err != nil {
		return nil, misconfigured, fmt.Errorf("applier: listing existing %s entities: %w", blueprint, err)
	}
	existingByID := make(map[string]*entity.Entity, len(existing))
	for _, e := range existing {
		existingByID[e.Identifier] = e
	}

	creates, updates, _, err := diffAgainstCatalog(blueprint, kept, existingByID)
	if err != nil {
		return nil, misconfigured, err
	}

	upserts := make([]*entity.Entity, 0, len(creates)+len(updates))
	upserts = append(upserts, creates...)
	isUpdate := make(map[string]bool, len(updates))
	for _, u := range updates {
		upserts = append(upserts, u.Entity)
		isUpdate[u.Entity.Identifier] = true
	}

	result, err := a.applyUpserts(ctx, upserts, isUpdate, opts)
	return result, misconfigured, err
}

// topoLayers orders ents into layers via Kahn's algorithm, where an edge
// from a referrer to the identifier it relates to means the referent must
// be applied first. Entities that relate to an identifier outside of ents
// are treated as having no dependency within this batch (the referent is
// assumed already applied or pre-existing). An unresolved cycle surfaces
// as ocerr.CyclicDependency.
func topoLayers(ents []*entity.Entity) ([][]*entity.Entity, error) {
	if len(ents) == 0 {
		return nil, nil
	}

	byID := make(map[string]*entity.Entity, len(ents))
	for _, e := range ents {
		byID[e.Identifier] = e
	}

	dependents := map[string][]string{}
	inDegree := make(map[string]int, len(ents))
	for _, e := range ents {
		inDegree[e.Identifier] = 0
	}
	for _, e := range ents {
		for _, target := range catalog.RelationTargets(e) {
			if target == e.Identifier {
				continue
			}
			if _, ok := byID[target]; !ok {
				continue
			}
			dependents[target] = append(dependents[target], e.Identifier)
			inDegree[e.Identifier]++
		}
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	var layers [][]*entity.Entity
	remaining := len(ents)
	for len(queue) > 0 {
		sort.Strings(queue)
		layer := make([]*entity.Entity, 0, len(queue))
		var next []string
		for _, id := range queue {
			layer = append(layer, byID[id])
			remaining--
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		layers = append(layers, layer)
		queue = next
	}

	if remaining > 0 {
		return nil, ocerr.New(ocerr.CyclicDependency, "applier.topoLayers",
			fmt.Errorf("%d entities form a relation cycle and cannot be ordered", remaining))
	}
	return layers, nil
}

func chunk(ents []*entity.Entity, size int) [][]*entity.Entity {
	if size <= 0 {
		size = len(ents)
	}
	var out [][]*entity.Entity
	for i := 0; i < len(ents); i += size {
		end := i + size
		if end > len(ents) {
			end = len(ents)
		}
		out = append(out, ents[i:end])
	}
	return out
}
