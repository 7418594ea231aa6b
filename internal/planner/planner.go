// Package planner chooses between a secondary-index scan and a full
// collection scan for a given filter, and renders the choice as an
// explain-style plan tree.
package planner

import (
	"sort"
	"strings"

	"github.com/ironbase/ironbase/internal/index"
)

// StageKind identifies the execution strategy chosen for a query.
type StageKind string

const (
	StageIndexScan StageKind = "IndexScan"
	StageCollScan  StageKind = "CollScan"
)

// Plan describes how a filter will be executed.
type Plan struct {
	Stage           StageKind
	IndexName       string
	Bounds          []index.Bound // per leading-field bound, in index field order
	FilterResidual  map[string]any
	UsablePrefixLen int
}

// fieldConstraint is what the planner can learn about a single filter
// field: either a direct equality value, or comparison-operator bounds.
type fieldConstraint struct {
	hasEq bool
	eq    any
	lo    *index.Bound
	hi    *index.Bound
}

// extractConstraints reads top-level, non-logical filter entries into
// per-field constraints. Fields under $and/$or/$nor, or compared via
// operators the planner doesn't understand as range bounds, are left
// out and so always end up in the residual filter.
func extractConstraints(filter map[string]any) map[string]fieldConstraint {
	out := map[string]fieldConstraint{}

	for field, cond := range filter {
		if strings.HasPrefix(field, "$") {
			continue
		}

		switch c := cond.(type) {
		case map[string]any:
			if !isOperatorObject(c) {
				continue
			}

			fc := fieldConstraint{}

			for op, val := range c {
				switch op {
				case "$eq":
					fc.hasEq = true
					fc.eq = val
				case "$gt":
					fc.lo = &index.Bound{Op: "gt", Value: val}
				case "$gte":
					fc.lo = &index.Bound{Op: "gte", Value: val}
				case "$lt":
					fc.hi = &index.Bound{Op: "lt", Value: val}
				case "$lte":
					fc.hi = &index.Bound{Op: "lte", Value: val}
				}
			}

			if fc.hasEq || fc.lo != nil || fc.hi != nil {
				out[field] = fc
			}

		default:
			out[field] = fieldConstraint{hasEq: true, eq: cond}
		}
	}

	return out
}

func isOperatorObject(obj map[string]any) bool {
	if len(obj) == 0 {
		return false
	}

	for k := range obj {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}

	return true
}

// usablePrefix reports how many of idx's leading fields have a usable
// constraint: all but possibly the last must be equality, the last may
// be equality or a range.
func usablePrefix(idx *index.BTreeIndex, constraints map[string]fieldConstraint) int {
	n := 0

	for _, field := range idx.Fields {
		fc, ok := constraints[field]
		if !ok {
			break
		}

		n++

		if !fc.hasEq {
			break
		}
	}

	return n
}

// Choose selects the index with the greatest usable constraint prefix
// over filter, preferring unique indexes and then lexicographic name on
// ties. If hint is non-empty, that index is used regardless of whether
// it matches the filter (an unconstrained index scan degenerates to a
// full index walk, the residual filter still applied).
func Choose(indexes []*index.BTreeIndex, filter map[string]any, hint string) Plan {
	constraints := extractConstraints(filter)

	if hint != "" {
		for _, idx := range indexes {
			if idx.Name == hint {
				return buildPlan(idx, constraints, filter, usablePrefix(idx, constraints))
			}
		}
	}

	var best *index.BTreeIndex

	bestPrefix := 0

	candidates := append([]*index.BTreeIndex{}, indexes...)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Unique != candidates[j].Unique {
			return candidates[i].Unique
		}

		return candidates[i].Name < candidates[j].Name
	})

	for _, idx := range candidates {
		p := usablePrefix(idx, constraints)
		if p > bestPrefix {
			bestPrefix = p
			best = idx
		}
	}

	if best == nil || bestPrefix == 0 {
		return Plan{Stage: StageCollScan, FilterResidual: filter}
	}

	return buildPlan(best, constraints, filter, bestPrefix)
}

func buildPlan(idx *index.BTreeIndex, constraints map[string]fieldConstraint, filter map[string]any, prefix int) Plan {
	bounds := make([]index.Bound, 0, prefix)
	residual := map[string]any{}

	for field, cond := range filter {
		used := false

		for i := 0; i < prefix; i++ {
			if idx.Fields[i] == field {
				used = true
				break
			}
		}

		// Only a direct equality value is fully enforced by its bound; an
		// operator object keeps its whole condition in the residual,
		// since a bound carries at most one side of a range.
		if _, isOps := cond.(map[string]any); !used || isOps {
			residual[field] = cond
		}
	}

	for i := 0; i < prefix; i++ {
		fc := constraints[idx.Fields[i]]

		switch {
		case fc.hasEq:
			bounds = append(bounds, index.Bound{Op: "eq", Value: fc.eq})
		case fc.lo != nil:
			bounds = append(bounds, *fc.lo)
		case fc.hi != nil:
			bounds = append(bounds, *fc.hi)
		}
	}

	return Plan{
		Stage:           StageIndexScan,
		IndexName:       idx.Name,
		Bounds:          bounds,
		FilterResidual:  residual,
		UsablePrefixLen: prefix,
	}
}

// ExplainStage is the JSON-renderable shape of a chosen plan, per the
// external explain() interface.
type ExplainStage struct {
	Stage          string         `json:"stage"`
	IndexName      string         `json:"indexName,omitempty"`
	Bounds         []index.Bound  `json:"bounds,omitempty"`
	FilterResidual map[string]any `json:"filterResidual,omitempty"`
	NReturned      *int           `json:"nReturned,omitempty"`
}

// Explain renders p as an explain tree. nReturned is optional: pass nil
// before execution, or the actual count after running the plan.
func Explain(p Plan, nReturned *int) ExplainStage {
	return ExplainStage{
		Stage:          string(p.Stage),
		IndexName:      p.IndexName,
		Bounds:         p.Bounds,
		FilterResidual: p.FilterResidual,
		NReturned:      nReturned,
	}
}
