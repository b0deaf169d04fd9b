package main

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

var jqFlag = &cli.StringSliceFlag{
	Name:  "jq",
	Usage: "Only show items for which the jq expression is truthy (repeatable; all must match)",
}

// jqFilters is a set of compiled jq expressions that must all hold.
type jqFilters []*gojq.Code

func compileFilters(exprs []string) (jqFilters, error) {
	filters := make(jqFilters, 0, len(exprs))
	for _, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
		filters = append(filters, code)
	}
	return filters, nil
}

// match reports whether every filter yields a truthy first result for v.
// v must already be a generic JSON value (see toJQValue).
func (f jqFilters) match(v any) bool {
	for _, code := range f {
		iter := code.Run(v)
		out, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := out.(error); isErr {
			return false
		}
		if !isTruthy(out) {
			return false
		}
	}
	return true
}

// toJQValue converts a typed value into the maps and slices gojq operates on.
func toJQValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// filterItems keeps the items matching every filter.
func filterItems[T any](items []T, f jqFilters) ([]T, error) {
	if len(f) == 0 {
		return items, nil
	}
	kept := make([]T, 0, len(items))
	for _, item := range items {
		v, err := toJQValue(item)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare item for jq: %w", err)
		}
		if f.match(v) {
			kept = append(kept, item)
		}
	}
	return kept, nil
}

// isTruthy follows jq semantics: only null and false are falsy.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
