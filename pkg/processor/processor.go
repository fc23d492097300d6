// Package processor implements the Entity Processor (spec.md §4.2): it
// transforms a raw record into zero or more Entities via a declarative
// mapping, classifying each attempt as passed_selector, failed_selector, or
// misconfigured.
package processor

import (
	"context"
	"fmt"
	"runtime"

	"github.com/port-labs/ocean-core/pkg/entity"
	"github.com/port-labs/ocean-core/pkg/expr"
	"golang.org/x/sync/errgroup"
)

// Classification is the outcome of processing one (record, item) pair.
type Classification string

const (
	PassedSelector Classification = "passed_selector"
	FailedSelector Classification = "failed_selector"
	Misconfigured  Classification = "misconfigured"
)

// Result is the outcome of processing one raw record, or one item split out
// of a raw record via items_to_parse.
type Result struct {
	Classification Classification
	// Entity is set for PassedSelector (the full mapped entity) and for
	// FailedSelector when identifier+blueprint could still be evaluated
	// (a shallow entity used only to permit deletion, spec.md §4.2 step 3).
	// It is nil for Misconfigured and for a FailedSelector record whose
	// identifier/blueprint could not be evaluated.
	Entity *entity.Entity
	// Err carries the misconfiguration diagnostic, if any.
	Err error
}

// Processor evaluates a ResourceConfig's selector/mapping expressions
// against raw records using the configured expr.Evaluator.
type Processor struct {
	Eval expr.Evaluator
}

// New constructs a Processor backed by ev.
func New(ev expr.Evaluator) *Processor {
	return &Processor{Eval: ev}
}

// ProcessRecord runs the full algorithm of spec.md §4.2 against one raw
// record: items_to_parse splitting (if configured), selector evaluation,
// and mapping evaluation, returning one Result per item (or one Result for
// the record itself when items_to_parse is not configured).
//
// An items_to_parse expression that evaluates to something other than a
// list classifies the whole record as Misconfigured (step 1). An empty
// list classifies to nothing at all: the record contributes zero results,
// and is not treated as FailedSelector (spec.md §8 boundary behavior).
func (p *Processor) ProcessRecord(ctx context.Context, record entity.RawRecord, rc *entity.ResourceConfig) []Result {
	itemsExpr := rc.EffectiveItemsToParse()
	if itemsExpr == "" {
		return []Result{p.processOne(ctx, record, nil, rc)}
	}

	compiled, err := p.Eval.Compile(itemsExpr)
	if err != nil {
		return []Result{{Classification: Misconfigured, Err: fmt.Errorf("compiling items_to_parse: %w", err)}}
	}
	v, err := p.Eval.Eval(ctx, compiled, record, nil)
	if err != nil {
		return []Result{{Classification: Misconfigured, Err: fmt.Errorf("evaluating items_to_parse: %w", err)}}
	}
	list, ok := v.([]interface{})
	if !ok {
		return []Result{{Classification: Misconfigured, Err: fmt.Errorf("items_to_parse did not return a list, got %T", v)}}
	}
	if len(list) == 0 {
		return nil
	}

	results := make([]Result, len(list))
	for i, item := range list {
		results[i] = p.processOne(ctx, record, item, rc)
	}
	return results
}

func (p *Processor) processOne(ctx context.Context, record entity.RawRecord, item interface{}, rc *entity.ResourceConfig) Result {
	bindings := map[string]expr.Value{}
	if item != nil {
		bindings["item"] = item
	}

	passed, err := p.evalSelector(ctx, record, bindings, rc.Selector)
	if err != nil {
		return Result{Classification: Misconfigured, Err: fmt.Errorf("selector: %w", err)}
	}

	if !passed {
		id, blueprint, ok := p.evalShallowIdentity(ctx, record, bindings, rc)
		if !ok {
			return Result{Classification: FailedSelector}
		}
		return Result{Classification: FailedSelector, Entity: &entity.Entity{Identifier: id, Blueprint: blueprint}}
	}

	ent, err := p.evalMapping(ctx, record, bindings, rc)
	if err != nil {
		return Result{Classification: Misconfigured, Err: err}
	}
	return Result{Classification: PassedSelector, Entity: ent}
}

func (p *Processor) evalSelector(ctx context.Context, record entity.RawRecord, bindings map[string]expr.Value, selector string) (bool, error) {
	if expr.IsEmptySelector(selector) {
		return true, nil
	}
	compiled, err := p.Eval.Compile(selector)
	if err != nil {
		return false, err
	}
	v, err := p.Eval.Eval(ctx, compiled, record, bindings)
	if err != nil {
		return false, err
	}
	return expr.Truthy(v), nil
}

func (p *Processor) evalString(ctx context.Context, record entity.RawRecord, bindings map[string]expr.Value, source string) (string, error) {
	compiled, err := p.Eval.Compile(source)
	if err != nil {
		return "", err
	}
	v, err := p.Eval.Eval(ctx, compiled, record, bindings)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string result, got %T", v)
	}
	return s, nil
}

// evalShallowIdentity evaluates only identifier+blueprint for a record that
// failed its selector, per spec.md §4.2 step 3: these are used solely to
// permit deletion of previously-ingested entities that no longer match.
func (p *Processor) evalShallowIdentity(ctx context.Context, record entity.RawRecord, bindings map[string]expr.Value, rc *entity.ResourceConfig) (string, string, bool) {
	id, err := p.evalString(ctx, record, bindings, rc.Port.Entity.Identifier)
	if err != nil || id == "" {
		return "", "", false
	}
	blueprint, err := p.evalString(ctx, record, bindings, rc.Port.Entity.Blueprint)
	if err != nil || blueprint == "" {
		return "", "", false
	}
	return id, blueprint, true
}

// evalMapping evaluates the full entity mapping for a record that passed
// its selector. A mapping error on identifier or blueprint marks the
// entity Misconfigured; errors on optional fields yield null for that
// field (spec.md §4.2 step 4).
func (p *Processor) evalMapping(ctx context.Context, record entity.RawRecord, bindings map[string]expr.Value, rc *entity.ResourceConfig) (*entity.Entity, error) {
	m := rc.Port.Entity

	id, err := p.evalString(ctx, record, bindings, m.Identifier)
	if err != nil {
		return nil, fmt.Errorf("evaluating identifier: %w", err)
	}
	blueprint, err := p.evalString(ctx, record, bindings, m.Blueprint)
	if err != nil {
		return nil, fmt.Errorf("evaluating blueprint: %w", err)
	}

	ent := &entity.Entity{Identifier: id, Blueprint: blueprint}

	if m.Title != "" {
		if title, err := p.evalString(ctx, record, bindings, m.Title); err == nil {
			ent.Title = &title
		}
	}
	if m.Team != "" {
		if team, err := p.evalValue(ctx, record, bindings, m.Team); err == nil {
			ent.Team = team
		}
	}

	if len(m.Properties) > 0 {
		ent.Properties = map[string]interface{}{}
		for name, source := range m.Properties {
			v, err := p.evalValue(ctx, record, bindings, source)
			if err != nil {
				// Optional field: a mapping error yields null, the record
				// is not rejected for it.
				ent.Properties[name] = nil
				continue
			}
			ent.Properties[name] = v
		}
	}

	if len(m.Relations) > 0 {
		ent.Relations = map[string]interface{}{}
		for name, source := range m.Relations {
			v, err := p.evalValue(ctx, record, bindings, source)
			if err != nil {
				ent.Relations[name] = nil
				continue
			}
			ent.Relations[name] = v
		}
	}

	return ent, nil
}

// evalValue evaluates source and returns its value unmodified: false, 0,
// empty list, and empty string are preserved as-is (spec.md §4.2 step 5);
// only an explicit jq null becomes Go nil, which already serializes to
// JSON null.
func (p *Processor) evalValue(ctx context.Context, record entity.RawRecord, bindings map[string]expr.Value, source string) (interface{}, error) {
	compiled, err := p.Eval.Compile(source)
	if err != nil {
		return nil, err
	}
	return p.Eval.Eval(ctx, compiled, record, bindings)
}

// ProcessBatch runs ProcessRecord over every record in a batch, optionally
// bounding parallelism (SPEC_FULL.md §10: Entity Processor batch
// parallelism cap). Results are returned in submission order, satisfying
// the ordering guarantee of spec.md §5: "results must return in submission
// order per batch." A concurrency of 0 defaults to GOMAXPROCS.
func (p *Processor) ProcessBatch(ctx context.Context, records []entity.RawRecord, rc *entity.ResourceConfig, concurrency int) ([][]Result, error) {
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	results := make([][]Result, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, record := range records {
		i, record := i, record
		g.Go(func() error {
			results[i] = p.ProcessRecord(gctx, record, rc)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
