// Package catalog is the in-memory indexed entity store backing one
// reconciliation pass: it holds the portal-side view of entities fetched
// ahead of a sync, indexed by (blueprint, identifier), plus a reverse index
// over relation targets so the State Applier can answer "what points at
// me" without rebuilding the dependency graph on every query. Grounded on
// Kong-go-database-reconciler's pkg/state, which keeps its own in-memory
// representation of Kong's configuration the same way, with
// github.com/hashicorp/go-memdb.
package catalog

import (
	"errors"
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/port-labs/ocean-core/pkg/entity"
)

const (
	tableEntity = "entity"

	idxID        = "id"
	idxBlueprint = "blueprint"
	idxRelations = "relationTargets"
	idxAll       = "all"
)

// ErrNotFound is returned when an identifier/blueprint pair has no entry.
var ErrNotFound = errors.New("catalog: entity not found")

var allIndex = &memdb.IndexSchema{
	Name: idxAll,
	Indexer: &memdb.ConditionalIndex{
		Conditional: func(interface{}) (bool, error) { return true, nil },
	},
}

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableEntity: {
			Name: tableEntity,
			Indexes: map[string]*memdb.IndexSchema{
				idxID: {
					Name:   idxID,
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Blueprint"},
							&memdb.StringFieldIndex{Field: "Identifier"},
						},
					},
				},
				idxBlueprint: {
					Name:    idxBlueprint,
					Indexer: &memdb.StringFieldIndex{Field: "Blueprint"},
				},
				idxRelations: {
					Name:         idxRelations,
					AllowMissing: true,
					Indexer:      &memdb.StringSliceFieldIndex{Field: "RelationTargets"},
				},
				idxAll: allIndex,
			},
		},
	},
}

// record is the row stored per entity. Blueprint/Identifier are lifted out
// of Entity so the indexers can reference flat fields; RelationTargets is
// computed at write time from Entity.Relations.
type record struct {
	Blueprint       string
	Identifier      string
	Entity          *entity.Entity
	RelationTargets []string
}

// Store is an in-memory, indexed snapshot of portal entities for one
// reconciliation pass. The zero value is not ready to use; construct with
// New. A Store is safe for concurrent use.
type Store struct {
	db *memdb.MemDB
}

// New constructs an empty Store.
func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("catalog: building schema: %w", err)
	}
	return &Store{db: db}, nil
}

// relationTargets flattens ent.Relations into the flat list of referenced
// identifiers used for reverse lookups. A relation value may be a single
// identifier string, a list of identifier strings, or a search-query
// object (spec.md §4.11); search-query relations are resolved dynamically
// by the applier and contribute no static target here.
func relationTargets(ent *entity.Entity) []string {
	var targets []string
	for _, v := range ent.Relations {
		switch tv := v.(type) {
		case string:
			if tv != "" {
				targets = append(targets, tv)
			}
		case []interface{}:
			for _, el := range tv {
				if s, ok := el.(string); ok && s != "" {
					targets = append(targets, s)
				}
			}
		}
	}
	return targets
}

// RelationTargets flattens ent.Relations the same way the store does
// internally; exported so callers building a dependency graph over a
// batch of entities (pkg/applier) don't have to duplicate the rule for
// what counts as a static relation target.
func RelationTargets(ent *entity.Entity) []string {
	return relationTargets(ent)
}

func toRecord(ent *entity.Entity) *record {
	return &record{
		Blueprint:       ent.Blueprint,
		Identifier:      ent.Identifier,
		Entity:          ent,
		RelationTargets: relationTargets(ent),
	}
}

// Upsert inserts ent, replacing any existing entry for the same
// (blueprint, identifier) pair.
func (s *Store) Upsert(ent *entity.Entity) error {
	if ent.Identifier == "" || ent.Blueprint == "" {
		return fmt.Errorf("catalog: entity requires both identifier and blueprint")
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(tableEntity, toRecord(ent)); err != nil {
		return fmt.Errorf("catalog: upserting %s/%s: %w", ent.Blueprint, ent.Identifier, err)
	}
	txn.Commit()
	return nil
}

// UpsertAll upserts every entity in ents.
func (s *Store) UpsertAll(ents []*entity.Entity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for _, ent := range ents {
		if ent.Identifier == "" || ent.Blueprint == "" {
			return fmt.Errorf("catalog: entity requires both identifier and blueprint")
		}
		if err := txn.Insert(tableEntity, toRecord(ent)); err != nil {
			return fmt.Errorf("catalog: upserting %s/%s: %w", ent.Blueprint, ent.Identifier, err)
		}
	}
	txn.Commit()
	return nil
}

// Get returns the entity stored for (blueprint, identifier).
func (s *Store) Get(blueprint, identifier string) (*entity.Entity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableEntity, idxID, blueprint, identifier)
	if err != nil {
		return nil, fmt.Errorf("catalog: looking up %s/%s: %w", blueprint, identifier, err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*record).Entity, nil
}

// Delete removes the entry for (blueprint, identifier). It is a no-op if
// no such entry exists.
func (s *Store) Delete(blueprint, identifier string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableEntity, idxID, blueprint, identifier)
	if err != nil {
		return fmt.Errorf("catalog: looking up %s/%s: %w", blueprint, identifier, err)
	}
	if raw == nil {
		return nil
	}
	if err := txn.Delete(tableEntity, raw); err != nil {
		return fmt.Errorf("catalog: deleting %s/%s: %w", blueprint, identifier, err)
	}
	txn.Commit()
	return nil
}

// ReplaceBlueprint atomically replaces every entity stored under blueprint
// with ents, seeding the store's view of that blueprint from a fresh
// existing_state fetch (spec.md §4.4) rather than this process's own write
// history.
func (s *Store) ReplaceBlueprint(blueprint string, ents []*entity.Entity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableEntity, idxBlueprint, blueprint); err != nil {
		return fmt.Errorf("catalog: clearing blueprint %s: %w", blueprint, err)
	}
	for _, ent := range ents {
		if ent.Identifier == "" || ent.Blueprint == "" {
			return fmt.Errorf("catalog: entity requires both identifier and blueprint")
		}
		if err := txn.Insert(tableEntity, toRecord(ent)); err != nil {
			return fmt.Errorf("catalog: upserting %s/%s: %w", ent.Blueprint, ent.Identifier, err)
		}
	}
	txn.Commit()
	return nil
}

// ListByBlueprint returns every entity currently stored under blueprint.
func (s *Store) ListByBlueprint(blueprint string) ([]*entity.Entity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(tableEntity, idxBlueprint, blueprint)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing blueprint %s: %w", blueprint, err)
	}
	var out []*entity.Entity
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*record).Entity)
	}
	return out, nil
}

// All returns every entity currently stored, across all blueprints.
func (s *Store) All() ([]*entity.Entity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(tableEntity, idxAll, true)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing all entities: %w", err)
	}
	var out []*entity.Entity
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*record).Entity)
	}
	return out, nil
}

// ReferencedBy returns every stored entity whose Relations point at
// targetIdentifier, answering "what points at me" without walking the
// whole store. Identifiers are assumed unique across the portal catalog,
// matching how relation targets are addressed in practice.
func (s *Store) ReferencedBy(targetIdentifier string) ([]*entity.Entity, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(tableEntity, idxRelations, targetIdentifier)
	if err != nil {
		return nil, fmt.Errorf("catalog: looking up referrers of %s: %w", targetIdentifier, err)
	}
	var out []*entity.Entity
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*record).Entity)
	}
	return out, nil
}

// Count returns the number of entities currently stored.
func (s *Store) Count() (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(tableEntity, idxAll, true)
	if err != nil {
		return 0, err
	}
	n := 0
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		n++
	}
	return n, nil
}
