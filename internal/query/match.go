package query

import (
	"strings"

	"github.com/ironbase/ironbase/internal/bsonval"
)

// Match reports whether doc satisfies filter. A filter is a JSON object
// interpreted as an implicit AND over its top-level entries; each entry
// is either a logical operator ($and/$or/$nor/$not) taking filters, or
// a field path paired with either a direct value (equality) or an
// operator object.
func Match(doc map[string]any, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		if strings.HasPrefix(key, "$") {
			ok, err := matchLogical(doc, key, cond)
			if err != nil {
				return false, err
			}

			if !ok {
				return false, nil
			}

			continue
		}

		ok, err := matchField(doc, key, cond)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func matchLogical(doc map[string]any, op string, cond any) (bool, error) {
	switch op {
	case "$and":
		filters, err := asFilterArray(cond, "$and")
		if err != nil {
			return false, err
		}

		for _, f := range filters {
			ok, err := Match(doc, f)
			if err != nil {
				return false, err
			}

			if !ok {
				return false, nil
			}
		}

		return true, nil

	case "$or":
		filters, err := asFilterArray(cond, "$or")
		if err != nil {
			return false, err
		}

		if len(filters) == 0 {
			return false, nil
		}

		for _, f := range filters {
			ok, err := Match(doc, f)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil

	case "$nor":
		filters, err := asFilterArray(cond, "$nor")
		if err != nil {
			return false, err
		}

		for _, f := range filters {
			ok, err := Match(doc, f)
			if err != nil {
				return false, err
			}

			if ok {
				return false, nil
			}
		}

		return true, nil

	case "$not":
		f, ok := cond.(map[string]any)
		if !ok {
			return false, invalidf("$not operand must be an object")
		}

		ok, err := Match(doc, f)
		if err != nil {
			return false, err
		}

		return !ok, nil

	case "$where":
		return false, invalidf("$where is not supported")

	default:
		return false, invalidf("unknown operator %q", op)
	}
}

func asFilterArray(cond any, op string) ([]map[string]any, error) {
	arr, ok := cond.([]any)
	if !ok {
		return nil, invalidf("%s must be an array", op)
	}

	out := make([]map[string]any, 0, len(arr))

	for _, v := range arr {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, invalidf("%s elements must be filter objects", op)
		}

		out = append(out, m)
	}

	return out, nil
}

func matchField(doc map[string]any, path string, cond any) (bool, error) {
	fieldVal := bsonval.ExtractPath(doc, path)

	if obj, ok := cond.(map[string]any); ok && isOperatorObject(obj) {
		return matchOperatorObject(fieldVal, obj)
	}

	return bsonval.Equal(fieldVal, cond), nil
}

// isOperatorObject reports whether every key in obj is "$"-prefixed. A
// mix of "$"-prefixed and plain keys falls through to whole-object
// equality rather than operator dispatch, since a real operator object
// never carries a plain field name as a sibling key.
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

func matchOperatorObject(fieldVal any, obj map[string]any) (bool, error) {
	for opName, operand := range obj {
		fn, ok := Registry[opName]
		if !ok {
			return false, invalidf("unknown operator %q", opName)
		}

		ok, err := fn(fieldVal, operand)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}
