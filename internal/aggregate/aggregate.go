// Package aggregate implements an aggregation pipeline over in-memory
// document slices: $match, $project, $unwind, $group, $sort, $limit,
// $skip, $count, $addFields, with the standard set of $group
// accumulators.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/query"
)

// Error reports a malformed pipeline or stage.
type Error struct {
	Stage  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("aggregation error in stage %q: %s", e.Stage, e.Reason)
}

func errf(stage, format string, args ...any) error {
	return &Error{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// Doc is an aggregation-pipeline document.
type Doc = map[string]any

// Run executes pipeline over input documents and returns the result
// set. Each stage runs to completion over the previous stage's whole
// output slice and builds a new slice before the next stage starts;
// stages are not evaluated lazily or one document at a time.
func Run(input []Doc, pipeline []map[string]any) ([]Doc, error) {
	docs := input

	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, errf("pipeline", "each stage must have exactly one operator key")
		}

		for name, arg := range stage {
			var err error

			docs, err = runStage(name, arg, docs)
			if err != nil {
				return nil, err
			}
		}
	}

	return docs, nil
}

func runStage(name string, arg any, docs []Doc) ([]Doc, error) {
	switch name {
	case "$match":
		return stageMatch(arg, docs)
	case "$project":
		return stageProject(arg, docs)
	case "$addFields":
		return stageAddFields(arg, docs)
	case "$unwind":
		return stageUnwind(arg, docs)
	case "$group":
		return stageGroup(arg, docs)
	case "$sort":
		return stageSort(arg, docs)
	case "$limit":
		return stageLimit(arg, docs)
	case "$skip":
		return stageSkip(arg, docs)
	case "$count":
		return stageCount(arg, docs)
	default:
		return nil, errf(name, "unknown stage operator")
	}
}

func stageMatch(arg any, docs []Doc) ([]Doc, error) {
	filter, ok := arg.(map[string]any)
	if !ok {
		return nil, errf("$match", "operand must be an object")
	}

	out := make([]Doc, 0, len(docs))

	for _, d := range docs {
		ok, err := query.Match(d, filter)
		if err != nil {
			return nil, errf("$match", "%v", err)
		}

		if ok {
			out = append(out, d)
		}
	}

	return out, nil
}

func stageProject(arg any, docs []Doc) ([]Doc, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, errf("$project", "operand must be an object")
	}

	out := make([]Doc, 0, len(docs))

	for _, d := range docs {
		projected := Doc{}

		includeID := true
		if v, ok := spec["_id"]; ok {
			includeID = truthy(v)
		}

		if includeID {
			if id, ok := d["_id"]; ok {
				projected["_id"] = id
			}
		}

		for field, expr := range spec {
			if field == "_id" {
				continue
			}

			if truthy(expr) {
				v := bsonval.ExtractPath(d, field)
				if _, missing := v.(bsonval.Missing); !missing {
					projected[field] = v
				}

				continue
			}
		}

		out = append(out, projected)
	}

	return out, nil
}

func stageAddFields(arg any, docs []Doc) ([]Doc, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, errf("$addFields", "operand must be an object")
	}

	out := make([]Doc, 0, len(docs))

	for _, d := range docs {
		copied := Doc{}
		for k, v := range d {
			copied[k] = v
		}

		for field, expr := range spec {
			copied[field] = resolveExpr(expr, d)
		}

		out = append(out, copied)
	}

	return out, nil
}

// resolveExpr supports the minimal field-reference expression form
// ("$fieldName") plus literal values; arithmetic/conditional operator
// expressions are out of scope.
func resolveExpr(expr any, doc Doc) any {
	if s, ok := expr.(string); ok && len(s) > 0 && s[0] == '$' {
		v := bsonval.ExtractPath(doc, s[1:])
		if _, missing := v.(bsonval.Missing); missing {
			return nil
		}

		return v
	}

	return expr
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	default:
		return v != nil
	}
}

func stageUnwind(arg any, docs []Doc) ([]Doc, error) {
	var path string

	switch v := arg.(type) {
	case string:
		path = v
	case map[string]any:
		p, ok := v["path"].(string)
		if !ok {
			return nil, errf("$unwind", "path must be a string")
		}

		path = p
	default:
		return nil, errf("$unwind", "operand must be a string or object")
	}

	if len(path) > 0 && path[0] == '$' {
		path = path[1:]
	}

	out := make([]Doc, 0, len(docs))

	for _, d := range docs {
		v := bsonval.ExtractPath(d, path)

		arr, ok := v.([]any)
		if !ok {
			continue
		}

		for _, elem := range arr {
			copied := Doc{}
			for k, vv := range d {
				copied[k] = vv
			}

			if err := bsonval.SetPath(copied, path, elem); err != nil {
				return nil, errf("$unwind", "%v", err)
			}

			out = append(out, copied)
		}
	}

	return out, nil
}

func stageSort(arg any, docs []Doc) ([]Doc, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, errf("$sort", "operand must be an object")
	}

	keys := make([]string, 0, len(spec))
	dirs := make([]int, 0, len(spec))

	for k, v := range spec {
		keys = append(keys, k)

		dir := 1
		if n, ok := v.(float64); ok && n < 0 {
			dir = -1
		}

		dirs = append(dirs, dir)
	}

	out := append([]Doc{}, docs...)

	sort.SliceStable(out, func(i, j int) bool {
		for k, field := range keys {
			vi := bsonval.ExtractPath(out[i], field)
			vj := bsonval.ExtractPath(out[j], field)

			c := bsonval.Compare(vi, vj) * dirs[k]
			if c != 0 {
				return c < 0
			}
		}

		return false
	})

	return out, nil
}

func stageLimit(arg any, docs []Doc) ([]Doc, error) {
	n, ok := arg.(float64)
	if !ok || n < 0 {
		return nil, errf("$limit", "operand must be a non-negative number")
	}

	lim := int(n)
	if lim > len(docs) {
		lim = len(docs)
	}

	return docs[:lim], nil
}

func stageSkip(arg any, docs []Doc) ([]Doc, error) {
	n, ok := arg.(float64)
	if !ok || n < 0 {
		return nil, errf("$skip", "operand must be a non-negative number")
	}

	skip := int(n)
	if skip > len(docs) {
		skip = len(docs)
	}

	return docs[skip:], nil
}

func stageCount(arg any, docs []Doc) ([]Doc, error) {
	field, ok := arg.(string)
	if !ok || field == "" {
		return nil, errf("$count", "operand must be a non-empty string field name")
	}

	return []Doc{{field: float64(len(docs))}}, nil
}
