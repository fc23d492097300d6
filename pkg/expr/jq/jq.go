// Package jq implements expr.Evaluator over github.com/itchyny/gojq, the
// pure-Go jq implementation. This is the reference expression language for
// selectors and mappings; see spec.md §9 Design Notes.
package jq

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/port-labs/ocean-core/pkg/expr"
)

// bindingNames lists the variable names every compiled query is compiled
// with. gojq requires the set of variable names at compile time, so the
// evaluator fixes it to one binding: `$item`, bound while splitting a
// record via items_to_parse (spec.md §4.2 step 1). gojq takes variable
// names with their `$` prefix; Eval looks each one up in the bindings map
// without it (bindings["item"]).
var bindingNames = []string{"$item"}

// compiled wraps a parsed and compiled gojq query.
type compiled struct {
	source string
	code   *gojq.Code
}

func (c *compiled) Source() string { return c.source }

// Evaluator is an expr.Evaluator backed by gojq. The zero value is not
// ready to use; construct with New.
type Evaluator struct {
	cacheMu sync.Mutex
	cache   map[string]*compiled
}

// New constructs a jq-backed Evaluator with an empty compiled-program cache.
func New() *Evaluator {
	return &Evaluator{cache: map[string]*compiled{}}
}

// Compile parses and compiles expr, caching the result by source text since
// the same selector/mapping expression is evaluated once per record in a
// batch.
func (e *Evaluator) Compile(source string) (expr.Compiled, error) {
	e.cacheMu.Lock()
	if c, ok := e.cache[source]; ok {
		e.cacheMu.Unlock()
		return c, nil
	}
	e.cacheMu.Unlock()

	query, err := gojq.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("jq: parsing %q: %w", source, err)
	}
	code, err := gojq.Compile(query, gojq.WithVariables(bindingNames))
	if err != nil {
		return nil, fmt.Errorf("jq: compiling %q: %w", source, err)
	}
	c := &compiled{source: source, code: code}

	e.cacheMu.Lock()
	e.cache[source] = c
	e.cacheMu.Unlock()
	return c, nil
}

// Eval runs compiled against root, with bindings exposed as jq variables
// ($item, ...). A compiled expression's result set is collapsed to its
// first value: selector/mapping expressions in this domain are expected to
// produce exactly one value, matching how the original jq-based mapping
// language is used (no explicit multi-output streaming in a single field
// expression).
func (e *Evaluator) Eval(ctx context.Context, c expr.Compiled, root expr.Value, bindings map[string]expr.Value) (expr.Value, error) {
	jc, ok := c.(*compiled)
	if !ok {
		return nil, fmt.Errorf("jq: unexpected Compiled type %T", c)
	}

	args := make([]interface{}, len(bindingNames))
	for i, name := range bindingNames {
		args[i] = bindings[strings.TrimPrefix(name, "$")]
	}

	iter := jc.code.RunWithContext(ctx, root, args...)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, ok := v.(error); ok {
		return nil, fmt.Errorf("jq: evaluating %q: %w", jc.source, err)
	}
	return v, nil
}
