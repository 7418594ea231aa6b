package aggregate

import "github.com/ironbase/ironbase/internal/bsonval"

// groupBucket accumulates per-group state across the single pass
// stageGroup makes over its input, one entry per accumulator field.
type groupBucket struct {
	id     any
	values map[string]any
	counts map[string]int // $avg needs sum and count together
}

func stageGroup(arg any, docs []Doc) ([]Doc, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, errf("$group", "operand must be an object")
	}

	idExpr, hasID := spec["_id"]
	if !hasID {
		return nil, errf("$group", "_id is required")
	}

	accFields := make(map[string]map[string]any, len(spec)-1)

	for field, accAny := range spec {
		if field == "_id" {
			continue
		}

		acc, ok := accAny.(map[string]any)
		if !ok || len(acc) != 1 {
			return nil, errf("$group", "accumulator for %q must be a single-key object", field)
		}

		accFields[field] = acc
	}

	order := []string{}
	buckets := map[string]*groupBucket{}

	for _, d := range docs {
		groupID := resolveExpr(idExpr, d)
		key := bsonval.CanonicalJSON(groupID)

		b, ok := buckets[key]
		if !ok {
			b = &groupBucket{id: groupID, values: map[string]any{}, counts: map[string]int{}}
			buckets[key] = b
			order = append(order, key)
		}

		for field, acc := range accFields {
			for op, operand := range acc {
				accumulate(b, field, op, operand, d)
			}
		}
	}

	out := make([]Doc, 0, len(order))

	for _, key := range order {
		b := buckets[key]

		doc := Doc{"_id": b.id}

		for field, acc := range accFields {
			v, ok := b.values[field]
			if !ok {
				continue
			}

			if _, isAvg := acc["$avg"]; isAvg {
				sum, _ := v.(float64)
				count := b.counts[field]

				if count > 0 {
					v = sum / float64(count)
				} else {
					v = float64(0)
				}
			}

			doc[field] = v
		}

		out = append(out, doc)
	}

	return out, nil
}

func accumulate(b *groupBucket, field, op string, operand any, doc Doc) {
	val := resolveExpr(operand, doc)

	switch op {
	case "$sum":
		n, _ := asNumber(val)
		cur, _ := b.values[field].(float64)
		b.values[field] = cur + n

	case "$avg":
		n, _ := asNumber(val)
		cur, _ := b.values[field].(float64)
		b.values[field] = cur + n
		b.counts[field]++

	case "$min":
		if cur, ok := b.values[field]; !ok || bsonval.Compare(val, cur) < 0 {
			b.values[field] = val
		}

	case "$max":
		if cur, ok := b.values[field]; !ok || bsonval.Compare(val, cur) > 0 {
			b.values[field] = val
		}

	case "$first":
		if _, ok := b.values[field]; !ok {
			b.values[field] = val
		}

	case "$last":
		b.values[field] = val

	case "$count":
		cur, _ := b.values[field].(float64)
		b.values[field] = cur + 1

	case "$push":
		arr, _ := b.values[field].([]any)
		b.values[field] = append(arr, val)

	case "$addToSet":
		arr, _ := b.values[field].([]any)

		for _, existing := range arr {
			if bsonval.Equal(existing, val) {
				return
			}
		}

		b.values[field] = append(arr, val)
	}
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
