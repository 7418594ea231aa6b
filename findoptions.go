package ironbase

import (
	"sort"

	"github.com/ironbase/ironbase/internal/bsonval"
)

// SortKey is one entry of a FindOptions.Sort specification: ascending
// if Dir >= 0, descending otherwise.
type SortKey struct {
	Path string
	Dir  int
}

// FindOptions configures the post-match phase of find/find_with_options
// per spec §4.11: sort, then skip, then limit, then projection. The
// zero value returns every field, in plan order, with no paging.
type FindOptions struct {
	// Projection maps a dot-path to 1 (include) or 0 (exclude). Any
	// non-zero entry other than "_id" selects inclusion mode, in which
	// every other 0 entry is ignored except "_id": 0, which drops _id.
	// A projection that mixes the two modes is not rejected.
	Projection map[string]int
	Sort       []SortKey
	Skip       int
	Limit      int
	Hint       string
}

func applyProjection(doc map[string]any, spec map[string]int) map[string]any {
	if len(spec) == 0 {
		return doc
	}

	excludeID := false
	inclusive := false

	for path, v := range spec {
		if path == "_id" {
			if v == 0 {
				excludeID = true
			}

			continue
		}

		if v != 0 {
			inclusive = true
		}
	}

	out := map[string]any{}

	if inclusive {
		for path, v := range spec {
			if path == "_id" || v == 0 {
				continue
			}

			val := bsonval.ExtractPath(doc, path)
			if _, missing := val.(bsonval.Missing); missing {
				continue
			}

			_ = bsonval.SetPath(out, path, val)
		}

		if !excludeID {
			if id, ok := doc["_id"]; ok {
				out["_id"] = id
			}
		}

		return out
	}

	for k, v := range doc {
		out[k] = v
	}

	for path, v := range spec {
		if path == "_id" || v != 0 {
			continue
		}

		bsonval.UnsetPath(out, path)
	}

	if excludeID {
		delete(out, "_id")
	}

	return out
}

func applySort(docs []map[string]any, keys []SortKey) {
	if len(keys) == 0 {
		return
	}

	sort.SliceStable(docs, func(i, j int) bool {
		for _, k := range keys {
			dir := 1
			if k.Dir < 0 {
				dir = -1
			}

			vi := bsonval.ExtractPath(docs[i], k.Path)
			vj := bsonval.ExtractPath(docs[j], k.Path)

			c := bsonval.Compare(vi, vj) * dir
			if c != 0 {
				return c < 0
			}
		}

		return false
	})
}

func applySkipLimit(docs []map[string]any, skip, limit int) []map[string]any {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}

		docs = docs[skip:]
	}

	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}

	return docs
}
