// Package index implements the secondary-index subsystem: an in-memory
// B-tree per index, keyed by (field_values, document_id), optionally
// persisted to a sidecar file.
package index

import (
	"fmt"

	"github.com/google/btree"
	"github.com/ironbase/ironbase/internal/bsonval"
)

// Key is a B-tree entry: the extracted field value(s) for a (possibly
// compound) index, plus the owning document's id as a tie-breaker. The
// id tie-breaker makes non-unique indexes well-ordered and makes
// deletion of a specific (key, id) pair precise.
type Key struct {
	Values []any
	ID     bsonval.ID
}

// Less orders keys by field values in declared order, then by id. Used
// directly as the btree.LessFunc.
func Less(a, b Key) bool {
	for i := 0; i < len(a.Values) && i < len(b.Values); i++ {
		c := bsonval.Compare(a.Values[i], b.Values[i])
		if c != 0 {
			return c < 0
		}
	}

	if len(a.Values) != len(b.Values) {
		return len(a.Values) < len(b.Values)
	}

	return a.ID.Compare(b.ID) < 0
}

// ErrDuplicateKey is returned when a unique-index insert would collide
// with an existing entry for a different document id.
type ErrDuplicateKey struct {
	Index  string
	Values []any
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("duplicate key %v for unique index %q", e.Values, e.Index)
}

// BTreeIndex is a single secondary index, single-field or compound.
type BTreeIndex struct {
	Name   string
	Fields []string
	Unique bool

	tree *btree.BTreeG[Key]
}

// New creates an empty index over the given fields.
func New(name string, fields []string, unique bool) *BTreeIndex {
	return &BTreeIndex{
		Name:   name,
		Fields: fields,
		Unique: unique,
		tree:   btree.NewG(32, Less),
	}
}

// ExtractKey pulls this index's field values out of a document body,
// producing a composite key for compound indexes. Missing paths yield
// [bsonval.Missing], which sorts below every other value.
func (idx *BTreeIndex) ExtractKey(body map[string]any) []any {
	values := make([]any, len(idx.Fields))
	for i, f := range idx.Fields {
		values[i] = bsonval.ExtractPath(body, f)
	}

	return values
}

// checkUnique reports whether inserting (values, id) would violate a
// unique-index constraint: an existing entry with the same values but a
// different id. Self-match (same id, same key) is permitted as a no-op.
func (idx *BTreeIndex) checkUnique(values []any, id bsonval.ID) error {
	if !idx.Unique {
		return nil
	}

	var conflict *Key

	idx.tree.AscendGreaterOrEqual(Key{Values: values}, func(item Key) bool {
		if len(item.Values) != len(values) {
			return false
		}

		for i := range values {
			if bsonval.Compare(item.Values[i], values[i]) != 0 {
				return false
			}
		}

		if !item.ID.Equal(id) {
			k := item
			conflict = &k

			return false
		}

		return true
	})

	if conflict != nil {
		return &ErrDuplicateKey{Index: idx.Name, Values: values}
	}

	return nil
}

// Insert adds (values, id) to the index. Unique-constraint violations
// are checked before any mutation and leave the index untouched.
func (idx *BTreeIndex) Insert(values []any, id bsonval.ID) error {
	if err := idx.checkUnique(values, id); err != nil {
		return err
	}

	idx.tree.ReplaceOrInsert(Key{Values: values, ID: id})

	return nil
}

// Delete removes the (values, id) entry, if present.
func (idx *BTreeIndex) Delete(values []any, id bsonval.ID) {
	idx.tree.Delete(Key{Values: values, ID: id})
}

// Update removes the old key and inserts the new one for the same
// document id. For unique indexes where old and new keys are equal,
// this is a no-op (self-match is permitted).
func (idx *BTreeIndex) Update(oldValues, newValues []any, id bsonval.ID) error {
	if sameValues(oldValues, newValues) {
		return nil
	}

	if err := idx.checkUnique(newValues, id); err != nil {
		return err
	}

	idx.tree.Delete(Key{Values: oldValues, ID: id})
	idx.tree.ReplaceOrInsert(Key{Values: newValues, ID: id})

	return nil
}

func sameValues(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if bsonval.Compare(a[i], b[i]) != 0 {
			return false
		}
	}

	return true
}

// Bound describes a range endpoint: an operator (gt/gte/lt/lte/eq)
// and a value. [BTreeIndex.Range] understands only gt/gte/lt/lte.
type Bound struct {
	Op    string // "gt", "gte", "lt", "lte", "eq"
	Value any
}

// Range returns all ids whose single-field (or compound-prefix) key
// falls within [lo, hi] per the given inclusivity bounds. Either bound
// may be nil for an open end.
func (idx *BTreeIndex) Range(lo, hi *Bound) []bsonval.ID {
	var out []bsonval.ID

	iter := func(item Key) bool {
		if len(item.Values) == 0 {
			return true
		}

		v := item.Values[0]

		if lo != nil {
			c := bsonval.Compare(v, lo.Value)
			if lo.Op == "gt" && c <= 0 {
				return true
			}

			if lo.Op == "gte" && c < 0 {
				return true
			}
		}

		if hi != nil {
			c := bsonval.Compare(v, hi.Value)
			if hi.Op == "lt" && c >= 0 {
				return false
			}

			if hi.Op == "lte" && c > 0 {
				return false
			}
		}

		out = append(out, item.ID)

		return true
	}

	if lo != nil {
		idx.tree.AscendGreaterOrEqual(Key{Values: []any{lo.Value}}, iter)
	} else {
		idx.tree.Ascend(iter)
	}

	return out
}

// Eq returns every id whose key exactly matches values (useful for
// non-unique equality lookups, where multiple documents may share a
// key).
func (idx *BTreeIndex) Eq(values []any) []bsonval.ID {
	var out []bsonval.ID

	idx.tree.AscendGreaterOrEqual(Key{Values: values}, func(item Key) bool {
		if !sameValues(item.Values, values) {
			return false
		}

		out = append(out, item.ID)

		return true
	})

	return out
}

// Exists reports whether any entry has the given values.
func (idx *BTreeIndex) Exists(values []any) bool {
	return len(idx.Eq(values)) > 0
}

// All returns every (values, id) pair in key order.
func (idx *BTreeIndex) All() []Key {
	out := make([]Key, 0, idx.tree.Len())

	idx.tree.Ascend(func(item Key) bool {
		out = append(out, item)
		return true
	})

	return out
}

// Len returns the number of entries in the index.
func (idx *BTreeIndex) Len() int { return idx.tree.Len() }
