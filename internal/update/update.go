// Package update implements the update operator engine: $set, $unset,
// $inc, $mul, $min, $max, $rename, $push, $pull, $pullAll, $addToSet,
// $pop, and whole-document replacement.
package update

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ironbase/ironbase/internal/bsonval"
)

// ErrInvalidUpdate reports a malformed update document or an operator
// targeting an invalid path (e.g. a field inside a scalar).
type ErrInvalidUpdate struct {
	Reason string
}

func (e *ErrInvalidUpdate) Error() string { return "invalid update: " + e.Reason }

func invalidf(format string, args ...any) error {
	return &ErrInvalidUpdate{Reason: fmt.Sprintf(format, args...)}
}

// IsReplacement reports whether update is a whole-document replacement:
// an update argument whose top-level keys do not begin with "$".
func IsReplacement(upd map[string]any) bool {
	for k := range upd {
		if strings.HasPrefix(k, "$") {
			return false
		}
	}

	return true
}

// Apply mutates doc in place according to update, which must be an
// operator document (use [IsReplacement] first to detect and handle
// whole-document replacement separately, since that preserves only
// _id rather than applying operators).
func Apply(doc map[string]any, upd map[string]any) error {
	for opName, arg := range upd {
		fn, ok := registry[opName]
		if !ok {
			return invalidf("unknown update operator %q", opName)
		}

		fields, ok := arg.(map[string]any)
		if !ok {
			return invalidf("%s operand must be an object of field: value pairs", opName)
		}

		if err := fn(doc, fields); err != nil {
			return err
		}
	}

	return nil
}

type operatorFunc func(doc map[string]any, fields map[string]any) error

var registry = map[string]operatorFunc{
	"$set":      applySet,
	"$unset":    applyUnset,
	"$inc":      applyInc,
	"$mul":      applyMul,
	"$min":      applyMin,
	"$max":      applyMax,
	"$rename":   applyRename,
	"$push":     applyPush,
	"$pull":     applyPull,
	"$pullAll":  applyPullAll,
	"$addToSet": applyAddToSet,
	"$pop":      applyPop,
}

func applySet(doc map[string]any, fields map[string]any) error {
	for path, val := range fields {
		if err := bsonval.SetPath(doc, path, val); err != nil {
			return invalidf("$set %s: %v", path, err)
		}
	}

	return nil
}

// applyUnset implements the source's documented empty-string-as-unset
// convention literally: the value associated with each path in $unset
// is ignored (Mongo convention is the value "" signals removal, which
// this preserves by accepting any value and always removing the path,
// matching the one true behavior $unset has ever had upstream).
func applyUnset(doc map[string]any, fields map[string]any) error {
	for path := range fields {
		bsonval.UnsetPath(doc, path)
	}

	return nil
}

func applyInc(doc map[string]any, fields map[string]any) error {
	return numericOp(doc, fields, "$inc", func(cur, delta float64) float64 { return cur + delta }, 0)
}

func applyMul(doc map[string]any, fields map[string]any) error {
	return numericOp(doc, fields, "$mul", func(cur, factor float64) float64 { return cur * factor }, 0)
}

func numericOp(doc map[string]any, fields map[string]any, opName string, combine func(cur, operand float64) float64, missingDefault float64) error {
	for path, val := range fields {
		operand, ok := asNumber(val)
		if !ok {
			return invalidf("%s %s operand must be numeric", opName, path)
		}

		cur := bsonval.ExtractPath(doc, path)

		var curNum float64

		switch v := cur.(type) {
		case bsonval.Missing:
			curNum = missingDefault
		default:
			n, ok := asNumber(v)
			if !ok {
				return invalidf("%s %s: existing value is not numeric", opName, path)
			}

			curNum = n
		}

		if err := bsonval.SetPath(doc, path, combine(curNum, operand)); err != nil {
			return invalidf("%s %s: %v", opName, path, err)
		}
	}

	return nil
}

func applyMin(doc map[string]any, fields map[string]any) error {
	return minMaxOp(doc, fields, "$min", func(c int) bool { return c < 0 })
}

func applyMax(doc map[string]any, fields map[string]any) error {
	return minMaxOp(doc, fields, "$max", func(c int) bool { return c > 0 })
}

func minMaxOp(doc map[string]any, fields map[string]any, opName string, takeOperand func(cmp int) bool) error {
	for path, operand := range fields {
		cur := bsonval.ExtractPath(doc, path)

		if _, missing := cur.(bsonval.Missing); missing {
			if err := bsonval.SetPath(doc, path, operand); err != nil {
				return invalidf("%s %s: %v", opName, path, err)
			}

			continue
		}

		if takeOperand(bsonval.Compare(operand, cur)) {
			if err := bsonval.SetPath(doc, path, operand); err != nil {
				return invalidf("%s %s: %v", opName, path, err)
			}
		}
	}

	return nil
}

func applyRename(doc map[string]any, fields map[string]any) error {
	for from, toAny := range fields {
		to, ok := toAny.(string)
		if !ok {
			return invalidf("$rename %s operand must be a string", from)
		}

		val := bsonval.ExtractPath(doc, from)
		if _, missing := val.(bsonval.Missing); missing {
			continue
		}

		bsonval.UnsetPath(doc, from)

		if err := bsonval.SetPath(doc, to, val); err != nil {
			return invalidf("$rename %s -> %s: %v", from, to, err)
		}
	}

	return nil
}

// pushSpec is the expanded form of a $push operand: either a bare
// scalar (append one element) or {$each, $position, $slice, $sort}.
type pushSpec struct {
	Each     []any
	Position *int
	Slice    *int
	Sort     any
}

func applyPush(doc map[string]any, fields map[string]any) error {
	for path, operand := range fields {
		spec, err := parsePushSpec(operand)
		if err != nil {
			return invalidf("$push %s: %v", path, err)
		}

		cur := bsonval.ExtractPath(doc, path)

		var arr []any

		switch v := cur.(type) {
		case bsonval.Missing:
			arr = nil
		case []any:
			arr = append([]any{}, v...)
		default:
			return invalidf("$push %s: existing value is not an array", path)
		}

		if spec.Position != nil {
			pos := *spec.Position
			if pos < 0 || pos > len(arr) {
				pos = len(arr)
			}

			out := make([]any, 0, len(arr)+len(spec.Each))
			out = append(out, arr[:pos]...)
			out = append(out, spec.Each...)
			out = append(out, arr[pos:]...)
			arr = out
		} else {
			arr = append(arr, spec.Each...)
		}

		if spec.Sort != nil {
			sortArray(arr, spec.Sort)
		}

		if spec.Slice != nil {
			arr = sliceArray(arr, *spec.Slice)
		}

		if err := bsonval.SetPath(doc, path, arr); err != nil {
			return invalidf("$push %s: %v", path, err)
		}
	}

	return nil
}

func parsePushSpec(operand any) (pushSpec, error) {
	m, ok := operand.(map[string]any)
	if !ok || !hasModifierKey(m) {
		return pushSpec{Each: []any{operand}}, nil
	}

	spec := pushSpec{}

	if each, ok := m["$each"]; ok {
		arr, ok := each.([]any)
		if !ok {
			return pushSpec{}, fmt.Errorf("$each must be an array")
		}

		spec.Each = arr
	} else {
		return pushSpec{}, fmt.Errorf("$push modifier object requires $each")
	}

	if pos, ok := m["$position"]; ok {
		n, ok := asNumber(pos)
		if !ok {
			return pushSpec{}, fmt.Errorf("$position must be a number")
		}

		v := int(n)
		spec.Position = &v
	}

	if sl, ok := m["$slice"]; ok {
		n, ok := asNumber(sl)
		if !ok {
			return pushSpec{}, fmt.Errorf("$slice must be a number")
		}

		v := int(n)
		spec.Slice = &v
	}

	if s, ok := m["$sort"]; ok {
		spec.Sort = s
	}

	return spec, nil
}

func hasModifierKey(m map[string]any) bool {
	for _, k := range []string{"$each", "$position", "$slice", "$sort"} {
		if _, ok := m[k]; ok {
			return true
		}
	}

	return false
}

func sortArray(arr []any, spec any) {
	switch s := spec.(type) {
	case float64:
		dir := 1
		if s < 0 {
			dir = -1
		}

		sort.SliceStable(arr, func(i, j int) bool {
			return bsonval.Compare(arr[i], arr[j])*dir < 0
		})
	case map[string]any:
		keys := make([]string, 0, len(s))
		dirs := make([]int, 0, len(s))

		for k, v := range s {
			keys = append(keys, k)

			dir := 1
			if n, ok := asNumber(v); ok && n < 0 {
				dir = -1
			}

			dirs = append(dirs, dir)
		}

		sort.SliceStable(arr, func(i, j int) bool {
			ai, _ := arr[i].(map[string]any)
			aj, _ := arr[j].(map[string]any)

			for k, key := range keys {
				va := bsonval.ExtractPath(ai, key)
				vb := bsonval.ExtractPath(aj, key)

				c := bsonval.Compare(va, vb) * dirs[k]
				if c != 0 {
					return c < 0
				}
			}

			return false
		})
	}
}

func sliceArray(arr []any, n int) []any {
	if n >= 0 {
		if n > len(arr) {
			return arr
		}

		return arr[:n]
	}

	// negative slice keeps the last |n| elements
	if -n > len(arr) {
		return arr
	}

	return arr[len(arr)+n:]
}

func applyPull(doc map[string]any, fields map[string]any) error {
	for path, cond := range fields {
		cur := bsonval.ExtractPath(doc, path)

		arr, ok := cur.([]any)
		if !ok {
			continue
		}

		out := arr[:0:0]

		for _, elem := range arr {
			remove, err := matchesPullCondition(elem, cond)
			if err != nil {
				return invalidf("$pull %s: %v", path, err)
			}

			if !remove {
				out = append(out, elem)
			}
		}

		if err := bsonval.SetPath(doc, path, out); err != nil {
			return invalidf("$pull %s: %v", path, err)
		}
	}

	return nil
}

// pullMatcher is supplied by callers that can evaluate a full filter
// (the query package), avoiding an import cycle between update and
// query. When nil, $pull with an object predicate falls back to
// structural equality only.
var pullMatcher func(doc map[string]any, filter map[string]any) (bool, error)

// SetPullMatcher wires the query engine's Match function into $pull's
// predicate-form handling. Called once at package init time from the
// root façade to avoid update -> query -> update import cycles.
func SetPullMatcher(fn func(doc map[string]any, filter map[string]any) (bool, error)) {
	pullMatcher = fn
}

func matchesPullCondition(elem, cond any) (bool, error) {
	m, ok := cond.(map[string]any)
	if !ok {
		return bsonval.Equal(elem, cond), nil
	}

	sub, ok := elem.(map[string]any)
	if !ok {
		return bsonval.Equal(elem, cond), nil
	}

	if pullMatcher != nil {
		return pullMatcher(sub, m)
	}

	return bsonval.Equal(elem, cond), nil
}

func applyPullAll(doc map[string]any, fields map[string]any) error {
	for path, operand := range fields {
		toRemove, ok := operand.([]any)
		if !ok {
			return invalidf("$pullAll %s operand must be an array", path)
		}

		cur := bsonval.ExtractPath(doc, path)

		arr, ok := cur.([]any)
		if !ok {
			continue
		}

		out := arr[:0:0]

		for _, elem := range arr {
			found := false

			for _, r := range toRemove {
				if bsonval.Equal(elem, r) {
					found = true
					break
				}
			}

			if !found {
				out = append(out, elem)
			}
		}

		if err := bsonval.SetPath(doc, path, out); err != nil {
			return invalidf("$pullAll %s: %v", path, err)
		}
	}

	return nil
}

func applyAddToSet(doc map[string]any, fields map[string]any) error {
	for path, operand := range fields {
		cur := bsonval.ExtractPath(doc, path)

		var arr []any

		switch v := cur.(type) {
		case bsonval.Missing:
			arr = nil
		case []any:
			arr = append([]any{}, v...)
		default:
			return invalidf("$addToSet %s: existing value is not an array", path)
		}

		toAdd := []any{operand}

		if m, ok := operand.(map[string]any); ok {
			if each, ok := m["$each"]; ok {
				if eachArr, ok := each.([]any); ok {
					toAdd = eachArr
				}
			}
		}

		seen := make(map[string]bool, len(arr))
		for _, e := range arr {
			seen[bsonval.CanonicalJSON(e)] = true
		}

		for _, e := range toAdd {
			key := bsonval.CanonicalJSON(e)
			if !seen[key] {
				arr = append(arr, e)
				seen[key] = true
			}
		}

		if err := bsonval.SetPath(doc, path, arr); err != nil {
			return invalidf("$addToSet %s: %v", path, err)
		}
	}

	return nil
}

func applyPop(doc map[string]any, fields map[string]any) error {
	for path, operand := range fields {
		n, ok := asNumber(operand)
		if !ok {
			return invalidf("$pop %s operand must be a number", path)
		}

		cur := bsonval.ExtractPath(doc, path)

		arr, ok := cur.([]any)
		if !ok || len(arr) == 0 {
			continue
		}

		var out []any

		if n < 0 {
			out = arr[1:]
		} else {
			out = arr[:len(arr)-1]
		}

		if err := bsonval.SetPath(doc, path, out); err != nil {
			return invalidf("$pop %s: %v", path, err)
		}
	}

	return nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
