package query

import (
	"regexp"

	"github.com/ironbase/ironbase/internal/bsonval"
)

// Operator matches a document's extracted field value against an
// operand. It never panics on malformed operands; structural problems
// are reported through the error return as [ErrInvalidQuery].
type Operator func(fieldVal, operand any) (bool, error)

// Registry maps operator name to its matcher, per the dynamic-dispatch
// design the rest of the core follows for query/update/aggregation.
var Registry = map[string]Operator{
	"$eq":        opEq,
	"$ne":        opNe,
	"$gt":        opCmp(func(c int) bool { return c > 0 }),
	"$gte":       opCmp(func(c int) bool { return c >= 0 }),
	"$lt":        opCmp(func(c int) bool { return c < 0 }),
	"$lte":       opCmp(func(c int) bool { return c <= 0 }),
	"$in":        opIn,
	"$nin":       opNin,
	"$exists":    opExists,
	"$type":      opType,
	"$regex":     opRegex,
	"$size":      opSize,
	"$all":       opAll,
	"$elemMatch": opElemMatch,
	"$mod":       opMod,
}

func opEq(fieldVal, operand any) (bool, error) {
	return bsonval.Equal(fieldVal, operand), nil
}

func opNe(fieldVal, operand any) (bool, error) {
	return !bsonval.Equal(fieldVal, operand), nil
}

// sameComparableType reports whether a and b belong to a rank that
// $gt/$gte/$lt/$lte may meaningfully order (number, string, bool).
// Cross-type comparisons return false rather than erroring, per the
// query engine's error policy.
func sameComparableType(a, b any) bool {
	ra, rb := rankFor(a), rankFor(b)
	return ra == rb && ra != rankOther
}

type valueRank int

const (
	rankOther valueRank = iota
	rankNum
	rankStr
	rankBool
)

func rankFor(v any) valueRank {
	switch v.(type) {
	case float64, int, int64:
		return rankNum
	case string:
		return rankStr
	case bool:
		return rankBool
	default:
		return rankOther
	}
}

func opCmp(pred func(int) bool) Operator {
	return func(fieldVal, operand any) (bool, error) {
		if _, missing := fieldVal.(bsonval.Missing); missing {
			return false, nil
		}

		if !sameComparableType(fieldVal, operand) {
			return false, nil
		}

		return pred(bsonval.Compare(fieldVal, operand)), nil
	}
}

func opIn(fieldVal, operand any) (bool, error) {
	arr, ok := operand.([]any)
	if !ok {
		return false, invalidf("$in operand must be an array")
	}

	for _, v := range arr {
		if bsonval.Equal(fieldVal, v) {
			return true, nil
		}
	}

	return false, nil
}

func opNin(fieldVal, operand any) (bool, error) {
	ok, err := opIn(fieldVal, operand)
	if err != nil {
		return false, err
	}

	return !ok, nil
}

func opExists(fieldVal, operand any) (bool, error) {
	want, ok := operand.(bool)
	if !ok {
		return false, invalidf("$exists operand must be a boolean")
	}

	_, missing := fieldVal.(bsonval.Missing)

	return !missing == want, nil
}

func opType(fieldVal, operand any) (bool, error) {
	want, ok := operand.(string)
	if !ok {
		return false, invalidf("$type operand must be a string")
	}

	return typeName(fieldVal) == want, nil
}

func typeName(v any) string {
	switch val := v.(type) {
	case bsonval.Missing:
		return "missing"
	case nil:
		return "null"
	case float64, int, int64:
		return "number"
	case string:
		return "string"
	case bool:
		return "bool"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		_ = val
		return "unknown"
	}
}

func opRegex(fieldVal, operand any) (bool, error) {
	pattern, ok := operand.(string)
	if !ok {
		return false, invalidf("$regex operand must be a string")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, invalidf("$regex invalid pattern %q: %v", pattern, err)
	}

	s, ok := fieldVal.(string)
	if !ok {
		return false, nil
	}

	return re.MatchString(s), nil
}

func opSize(fieldVal, operand any) (bool, error) {
	wantF, ok := asNumber(operand)
	if !ok {
		return false, invalidf("$size operand must be a number")
	}

	arr, ok := fieldVal.([]any)
	if !ok {
		return false, nil
	}

	return float64(len(arr)) == wantF, nil
}

func opAll(fieldVal, operand any) (bool, error) {
	want, ok := operand.([]any)
	if !ok {
		return false, invalidf("$all operand must be an array")
	}

	arr, ok := fieldVal.([]any)
	if !ok {
		return false, nil
	}

	for _, w := range want {
		found := false

		for _, v := range arr {
			if bsonval.Equal(v, w) {
				found = true
				break
			}
		}

		if !found {
			return false, nil
		}
	}

	return true, nil
}

func opElemMatch(fieldVal, operand any) (bool, error) {
	cond, ok := operand.(map[string]any)
	if !ok {
		return false, invalidf("$elemMatch operand must be an object")
	}

	arr, ok := fieldVal.([]any)
	if !ok {
		return false, nil
	}

	for _, elem := range arr {
		ok, err := matchElemAgainst(elem, cond)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

// matchElemAgainst applies cond either as an operator object (all keys
// "$"-prefixed) directly against elem, or as a nested filter (a
// sub-document match) when elem is itself an object.
func matchElemAgainst(elem any, cond map[string]any) (bool, error) {
	if isOperatorObject(cond) {
		return matchOperatorObject(elem, cond)
	}

	sub, ok := elem.(map[string]any)
	if !ok {
		return false, nil
	}

	return Match(sub, cond)
}

func opMod(fieldVal, operand any) (bool, error) {
	pair, ok := operand.([]any)
	if !ok || len(pair) != 2 {
		return false, invalidf("$mod operand must be a 2-element array [divisor, remainder]")
	}

	divisor, ok1 := asNumber(pair[0])
	remainder, ok2 := asNumber(pair[1])

	if !ok1 || !ok2 {
		return false, invalidf("$mod operands must be numbers")
	}

	n, ok := asNumber(fieldVal)
	if !ok || divisor == 0 {
		return false, nil
	}

	mod := int64(n) % int64(divisor)

	return mod == int64(remainder), nil
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
