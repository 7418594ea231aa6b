package ironbase

import (
	"encoding/json"
	"sort"

	"github.com/ironbase/ironbase/internal/aggregate"
	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/catalog"
	"github.com/ironbase/ironbase/internal/index"
	"github.com/ironbase/ironbase/internal/planner"
	"github.com/ironbase/ironbase/internal/query"
	"github.com/ironbase/ironbase/internal/querycache"
	"github.com/ironbase/ironbase/internal/update"
)

// idIndexName is the name reported for the implicit, always-present
// _id index, which is modeled as the catalog's own id->offset map
// rather than a separate BTreeIndex.
const idIndexName = "_id_"

// Collection is a handle to one named collection within a [DB]. It
// holds no state of its own; creating one never touches the catalog.
type Collection struct {
	db   *DB
	name string
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}

	return out
}

func (db *DB) schemaFor(name string) SchemaValidator {
	if v, ok := db.schemas[name]; ok {
		return v
	}

	return noopValidator{}
}

// collectionMeta looks up a collection's metadata without creating it,
// safe to call under a read lock since [catalog.Catalog.Get] would
// otherwise mutate the catalog's map on first access.
func (db *DB) collectionMeta(name string) (*catalog.CollectionMeta, bool) {
	m, ok := db.storageEngine.Catalog().Collections[name]
	return m, ok
}

// docByID loads and decodes a single live document, reattaching _id.
func (c *Collection) docByID(id bsonval.ID) (map[string]any, bool) {
	meta, ok := c.db.collectionMeta(c.name)
	if !ok {
		return nil, false
	}

	offset, ok := meta.Lookup(id)
	if !ok {
		return nil, false
	}

	doc, err := c.db.storageEngine.ReadDocumentAt(offset)
	if err != nil || doc.Tombstone {
		return nil, false
	}

	body := cloneDoc(doc.Body)
	body["_id"] = id.ToJSON()

	return body, true
}

// idEqualityFilter reports whether filter constrains _id to a single
// direct value (not an operator object), returning that id and the
// remaining filter with _id removed.
func idEqualityFilter(filter map[string]any) (bsonval.ID, map[string]any, bool) {
	raw, ok := filter["_id"]
	if !ok {
		return bsonval.ID{}, nil, false
	}

	if _, isOperatorObj := raw.(map[string]any); isOperatorObj {
		return bsonval.ID{}, nil, false
	}

	id, err := bsonval.FromJSON(raw)
	if err != nil {
		return bsonval.ID{}, nil, false
	}

	residual := map[string]any{}
	for k, v := range filter {
		if k != "_id" {
			residual[k] = v
		}
	}

	return id, residual, true
}

// indexList returns this collection's declared secondary indexes
// (excluding the implicit _id index), read-only: it never creates an
// entry for a collection not yet seen.
func (c *Collection) indexList() []*index.BTreeIndex {
	set := c.db.indexes[c.name]

	out := make([]*index.BTreeIndex, 0, len(set))
	for _, idx := range set {
		out = append(out, idx)
	}

	return out
}

func (c *Collection) findIndex(name string) *index.BTreeIndex {
	return c.db.indexes[c.name][name]
}

// matchedIDs resolves filter to a candidate id set plus the residual
// filter still to be applied document-by-document: an exact _id
// equality short-circuits straight to the catalog, otherwise the
// planner picks a secondary index scan or falls back to a full
// collection scan.
func (c *Collection) matchedIDs(filter map[string]any, hint string) ([]bsonval.ID, map[string]any, error) {
	if hint == "" {
		if id, residual, ok := idEqualityFilter(filter); ok {
			meta, exists := c.db.collectionMeta(c.name)
			if !exists {
				return nil, residual, nil
			}

			if _, live := meta.Lookup(id); live {
				return []bsonval.ID{id}, residual, nil
			}

			return nil, residual, nil
		}
	}

	plan := planner.Choose(c.indexList(), filter, hint)

	if plan.Stage == planner.StageIndexScan {
		idx := c.findIndex(plan.IndexName)
		if idx == nil {
			return nil, plan.FilterResidual, nil
		}

		return executePlanIndex(idx, plan), plan.FilterResidual, nil
	}

	meta, ok := c.db.collectionMeta(c.name)
	if !ok {
		return nil, plan.FilterResidual, nil
	}

	return meta.Ids(), plan.FilterResidual, nil
}

// executePlanIndex runs plan's bounds against idx. [index.BTreeIndex]
// only supports all-equality lookups of any arity (Eq) or a range bound
// on a single field (Range, which inspects only the key's first
// value); a compound index with an equality prefix plus a trailing
// range bound falls back to a manual scan of every entry via All.
func executePlanIndex(idx *index.BTreeIndex, plan planner.Plan) []bsonval.ID {
	bounds := plan.Bounds

	if len(bounds) == 0 {
		all := idx.All()
		out := make([]bsonval.ID, 0, len(all))

		for _, k := range all {
			out = append(out, k.ID)
		}

		return out
	}

	allEq := true

	for _, b := range bounds {
		if b.Op != "eq" {
			allEq = false
			break
		}
	}

	if allEq {
		values := make([]any, len(bounds))
		for i, b := range bounds {
			values[i] = b.Value
		}

		return idx.Eq(values)
	}

	if len(bounds) == 1 {
		return rangeFromBound(idx, bounds[0])
	}

	prefix := bounds[:len(bounds)-1]
	last := bounds[len(bounds)-1]

	var out []bsonval.ID

	for _, k := range idx.All() {
		if len(k.Values) < len(bounds) {
			continue
		}

		match := true

		for i, b := range prefix {
			if !boundSatisfied(k.Values[i], b) {
				match = false
				break
			}
		}

		if match && boundSatisfied(k.Values[len(prefix)], last) {
			out = append(out, k.ID)
		}
	}

	return out
}

func rangeFromBound(idx *index.BTreeIndex, b index.Bound) []bsonval.ID {
	switch b.Op {
	case "gt", "gte":
		lo := b
		return idx.Range(&lo, nil)
	case "lt", "lte":
		hi := b
		return idx.Range(nil, &hi)
	default:
		return idx.Eq([]any{b.Value})
	}
}

func boundSatisfied(v any, b index.Bound) bool {
	c := bsonval.Compare(v, b.Value)

	switch b.Op {
	case "eq":
		return c == 0
	case "gt":
		return c > 0
	case "gte":
		return c >= 0
	case "lt":
		return c < 0
	case "lte":
		return c <= 0
	default:
		return true
	}
}

// checkUniqueConstraints reports whether id's body would collide with
// a different document's key under any unique index, without
// mutating any index. Callers must hold db.mu for writing.
func (c *Collection) checkUniqueConstraints(id bsonval.ID, body map[string]any) error {
	for _, idx := range c.db.indexes[c.name] {
		if !idx.Unique {
			continue
		}

		key := idx.ExtractKey(body)

		for _, existing := range idx.Eq(key) {
			if !existing.Equal(id) {
				return wrap(&index.ErrDuplicateKey{Index: idx.Name, Values: key}, IndexError, withCollection(c.name), withDocID(id.String()))
			}
		}
	}

	return nil
}

// prepareInsert validates body against the collection's schema and
// assigns an id: the user-supplied _id if present (checked against the
// catalog for a collision), otherwise the next auto-assigned integer.
// The returned body has _id removed, matching the stored document
// shape. Callers must hold db.mu for writing.
func (c *Collection) prepareInsert(body map[string]any) (bsonval.ID, map[string]any, error) {
	clean := cloneDoc(body)

	meta := c.db.storageEngine.Catalog().Get(c.name)

	var id bsonval.ID

	if raw, ok := clean["_id"]; ok {
		parsed, err := bsonval.FromJSON(raw)
		if err != nil {
			return bsonval.ID{}, nil, wrap(err, InvalidQuery, withCollection(c.name))
		}

		id = parsed

		if _, exists := meta.Lookup(id); exists {
			return bsonval.ID{}, nil, newError(IndexError, "duplicate _id %v in collection %q", id, c.name)
		}
	} else {
		id = meta.NextID()
	}

	delete(clean, "_id")

	if err := c.db.schemaFor(c.name).Validate(clean); err != nil {
		return bsonval.ID{}, nil, wrap(err, SchemaError, withCollection(c.name), withDocID(id.String()))
	}

	return id, clean, nil
}

// InsertOne inserts a single document, returning its id (auto-assigned
// unless the document supplies its own _id).
func (c *Collection) InsertOne(body map[string]any) (bsonval.ID, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	id, clean, err := c.prepareInsert(body)
	if err != nil {
		return bsonval.ID{}, err
	}

	if err := c.checkUniqueConstraints(id, clean); err != nil {
		return bsonval.ID{}, err
	}

	tx := c.db.txnMgr.Begin()

	if err := tx.InsertOne(c.name, id, clean); err != nil {
		_ = tx.Rollback()
		return bsonval.ID{}, wrap(err, Unknown, withCollection(c.name))
	}

	if err := tx.Commit(); err != nil {
		return bsonval.ID{}, wrap(err, IndexError, withCollection(c.name), withDocID(id.String()))
	}

	c.db.cache.InvalidateCollection(c.name)

	return id, nil
}

type plannedInsert struct {
	id   bsonval.ID
	body map[string]any
}

// InsertMany inserts every document in bodies as a single all-or-
// nothing transaction: unique constraints (including duplicate ids
// within the batch itself) are validated against the whole batch
// before any document is committed.
func (c *Collection) InsertMany(bodies []map[string]any) ([]bsonval.ID, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	plan := make([]plannedInsert, 0, len(bodies))
	seenIDs := map[string]bool{}

	for _, body := range bodies {
		id, clean, err := c.prepareInsert(body)
		if err != nil {
			return nil, err
		}

		key := id.MapKey()
		if seenIDs[key] {
			return nil, newError(IndexError, "duplicate _id %v within insert batch in collection %q", id, c.name)
		}

		seenIDs[key] = true

		plan = append(plan, plannedInsert{id: id, body: clean})
	}

	for _, idx := range c.db.indexSetFor(c.name) {
		if !idx.Unique {
			continue
		}

		seenKeys := map[string]bsonval.ID{}

		for _, p := range plan {
			key := idx.ExtractKey(p.body)
			canon := bsonval.CanonicalJSON(key)

			if existingID, ok := seenKeys[canon]; ok && !existingID.Equal(p.id) {
				return nil, wrap(&index.ErrDuplicateKey{Index: idx.Name, Values: key}, IndexError, withCollection(c.name))
			}

			seenKeys[canon] = p.id

			for _, existing := range idx.Eq(key) {
				if !existing.Equal(p.id) {
					return nil, wrap(&index.ErrDuplicateKey{Index: idx.Name, Values: key}, IndexError, withCollection(c.name))
				}
			}
		}
	}

	tx := c.db.txnMgr.Begin()

	ids := make([]bsonval.ID, 0, len(plan))

	for _, p := range plan {
		if err := tx.InsertOne(c.name, p.id, p.body); err != nil {
			_ = tx.Rollback()
			return nil, wrap(err, Unknown, withCollection(c.name))
		}

		ids = append(ids, p.id)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap(err, IndexError, withCollection(c.name))
	}

	c.db.cache.InvalidateCollection(c.name)

	return ids, nil
}

// Find returns every document matching filter, in plan order.
func (c *Collection) Find(filter map[string]any) ([]map[string]any, error) {
	return c.FindWithOptions(filter, FindOptions{})
}

// FindWithHint behaves like Find but forces use of the named index
// regardless of what the planner would otherwise choose.
func (c *Collection) FindWithHint(filter map[string]any, hint string) ([]map[string]any, error) {
	return c.FindWithOptions(filter, FindOptions{Hint: hint})
}

// FindOne returns the first document matching filter, or a
// [DocumentNotFound] error if none matches.
func (c *Collection) FindOne(filter map[string]any) (map[string]any, error) {
	docs, err := c.FindWithOptions(filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 {
		return nil, newError(DocumentNotFound, "no document in collection %q matches filter", c.name)
	}

	return docs[0], nil
}

// FindWithOptions runs filter through the planner, applies the
// residual filter document-by-document, then sort, skip, limit and
// finally projection, in that order (§4.11). A cache hit skips straight to
// post-processing since the cache is invalidated wholesale on every
// write to the collection.
func (c *Collection) FindWithOptions(filter map[string]any, opts FindOptions) ([]map[string]any, error) {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	key := querycache.Key(filter, opts.Hint)

	if entry, ok := c.db.cache.Get(c.name, key); ok {
		return c.loadAndFinish(entry.IDs, opts)
	}

	candidates, residual, err := c.matchedIDs(filter, opts.Hint)
	if err != nil {
		return nil, err
	}

	matched := make([]bsonval.ID, 0, len(candidates))

	for _, id := range candidates {
		body, ok := c.docByID(id)
		if !ok {
			continue
		}

		if len(residual) > 0 {
			ok, err := query.Match(body, residual)
			if err != nil {
				return nil, wrap(err, InvalidQuery, withCollection(c.name))
			}

			if !ok {
				continue
			}
		}

		matched = append(matched, id)
	}

	c.db.cache.Put(c.name, key, querycache.Entry{IDs: matched})

	return c.loadAndFinish(matched, opts)
}

func (c *Collection) loadAndFinish(ids []bsonval.ID, opts FindOptions) ([]map[string]any, error) {
	docs := make([]map[string]any, 0, len(ids))

	for _, id := range ids {
		if body, ok := c.docByID(id); ok {
			docs = append(docs, body)
		}
	}

	applySort(docs, opts.Sort)
	docs = applySkipLimit(docs, opts.Skip, opts.Limit)

	if len(opts.Projection) > 0 {
		projected := make([]map[string]any, len(docs))
		for i, d := range docs {
			projected[i] = applyProjection(d, opts.Projection)
		}

		docs = projected
	}

	return docs, nil
}

// Explain reports the plan filter would execute under, without
// running it.
func (c *Collection) Explain(filter map[string]any) planner.ExplainStage {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	plan := planner.Choose(c.indexList(), filter, "")

	return planner.Explain(plan, nil)
}

type plannedUpdate struct {
	id     bsonval.ID
	before map[string]any
	after  map[string]any
}

// UpdateOne applies update to the first document matching filter and
// returns the number of documents modified (0 or 1).
func (c *Collection) UpdateOne(filter, upd map[string]any) (int, error) {
	return c.updateMatching(filter, upd, true)
}

// UpdateMany applies update to every document matching filter and
// returns the number of documents modified.
func (c *Collection) UpdateMany(filter, upd map[string]any) (int, error) {
	return c.updateMatching(filter, upd, false)
}

func (c *Collection) updateMatching(filter, upd map[string]any, single bool) (int, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	candidates, residual, err := c.matchedIDs(filter, "")
	if err != nil {
		return 0, err
	}

	replace := update.IsReplacement(upd)

	var plan []plannedUpdate

	for _, id := range candidates {
		before, ok := c.docByID(id)
		if !ok {
			continue
		}

		if len(residual) > 0 {
			matched, err := query.Match(before, residual)
			if err != nil {
				return 0, wrap(err, InvalidQuery, withCollection(c.name))
			}

			if !matched {
				continue
			}
		}

		var after map[string]any

		if replace {
			after = cloneDoc(upd)
			delete(after, "_id")
		} else {
			after = cloneDoc(before)
			delete(after, "_id")

			if err := update.Apply(after, upd); err != nil {
				return 0, wrap(err, InvalidQuery, withCollection(c.name), withDocID(id.String()))
			}
		}

		if err := c.db.schemaFor(c.name).Validate(after); err != nil {
			return 0, wrap(err, SchemaError, withCollection(c.name), withDocID(id.String()))
		}

		plan = append(plan, plannedUpdate{id: id, before: before, after: after})

		if single {
			break
		}
	}

	if len(plan) == 0 {
		return 0, nil
	}

	// Pre-WAL unique-constraint validation: every planned new key is
	// checked against every unique index before any write is
	// committed, so a conflict anywhere in the batch aborts the whole
	// operation with no mutation at all (txn.Manager's own commit-time
	// check runs after storage has already been written, too late for
	// an all-or-nothing guarantee).
	for _, idx := range c.db.indexes[c.name] {
		if !idx.Unique {
			continue
		}

		for _, p := range plan {
			key := idx.ExtractKey(p.after)

			for _, existing := range idx.Eq(key) {
				if !existing.Equal(p.id) {
					return 0, wrap(&index.ErrDuplicateKey{Index: idx.Name, Values: key}, IndexError, withCollection(c.name), withDocID(p.id.String()))
				}
			}
		}
	}

	tx := c.db.txnMgr.Begin()

	for _, p := range plan {
		if err := tx.UpdateOne(c.name, p.id, p.after); err != nil {
			_ = tx.Rollback()
			return 0, wrap(err, Unknown, withCollection(c.name))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap(err, IndexError, withCollection(c.name))
	}

	c.db.cache.InvalidateCollection(c.name)

	return len(plan), nil
}

// DeleteOne removes the first document matching filter and returns the
// number of documents removed (0 or 1).
func (c *Collection) DeleteOne(filter map[string]any) (int, error) {
	return c.deleteMatching(filter, true)
}

// DeleteMany removes every document matching filter and returns the
// number of documents removed.
func (c *Collection) DeleteMany(filter map[string]any) (int, error) {
	return c.deleteMatching(filter, false)
}

func (c *Collection) deleteMatching(filter map[string]any, single bool) (int, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	candidates, residual, err := c.matchedIDs(filter, "")
	if err != nil {
		return 0, err
	}

	var toDelete []bsonval.ID

	for _, id := range candidates {
		body, ok := c.docByID(id)
		if !ok {
			continue
		}

		if len(residual) > 0 {
			matched, err := query.Match(body, residual)
			if err != nil {
				return 0, wrap(err, InvalidQuery, withCollection(c.name))
			}

			if !matched {
				continue
			}
		}

		toDelete = append(toDelete, id)

		if single {
			break
		}
	}

	if len(toDelete) == 0 {
		return 0, nil
	}

	tx := c.db.txnMgr.Begin()

	for _, id := range toDelete {
		if err := tx.DeleteOne(c.name, id); err != nil {
			_ = tx.Rollback()
			return 0, wrap(err, Unknown, withCollection(c.name))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrap(err, Unknown, withCollection(c.name))
	}

	c.db.cache.InvalidateCollection(c.name)

	return len(toDelete), nil
}

// CountDocuments returns the number of documents matching filter.
func (c *Collection) CountDocuments(filter map[string]any) (int, error) {
	docs, err := c.Find(filter)
	if err != nil {
		return 0, err
	}

	return len(docs), nil
}

// Distinct returns the sorted set of distinct values of field across
// documents matching filter.
func (c *Collection) Distinct(field string, filter map[string]any) ([]any, error) {
	docs, err := c.Find(filter)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}

	var out []any

	for _, d := range docs {
		v := bsonval.ExtractPath(d, field)
		if _, missing := v.(bsonval.Missing); missing {
			continue
		}

		canon := bsonval.CanonicalJSON(v)
		if seen[canon] {
			continue
		}

		seen[canon] = true

		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool { return bsonval.Compare(out[i], out[j]) < 0 })

	return out, nil
}

// Aggregate runs pipeline over every live document in the collection.
func (c *Collection) Aggregate(pipeline []map[string]any) ([]map[string]any, error) {
	c.db.mu.RLock()

	meta, ok := c.db.collectionMeta(c.name)

	var docs []aggregate.Doc

	if ok {
		ids := meta.Ids()
		docs = make([]aggregate.Doc, 0, len(ids))

		for _, id := range ids {
			if body, ok := c.docByID(id); ok {
				docs = append(docs, body)
			}
		}
	}

	c.db.mu.RUnlock()

	out, err := aggregate.Run(docs, pipeline)
	if err != nil {
		return nil, wrap(err, AggregationError, withCollection(c.name))
	}

	return out, nil
}

// CreateIndex declares a single-field secondary index, building it
// from every currently live document and persisting a sidecar.
func (c *Collection) CreateIndex(name, field string, unique bool) error {
	return c.CreateCompoundIndex(name, []string{field}, unique)
}

// CreateCompoundIndex declares a (possibly multi-field) secondary
// index over fields, in declared order.
func (c *Collection) CreateCompoundIndex(name string, fields []string, unique bool) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	meta := c.db.storageEngine.Catalog().Get(c.name)

	for _, d := range meta.IndexDescriptors {
		if d.Name == name {
			return newError(IndexError, "index %q already exists on collection %q", name, c.name)
		}
	}

	idx := index.New(name, fields, unique)

	for _, id := range meta.Ids() {
		offset, ok := meta.Lookup(id)
		if !ok {
			continue
		}

		doc, err := c.db.storageEngine.ReadDocumentAt(offset)
		if err != nil {
			return wrap(err, Corruption, withCollection(c.name))
		}

		if err := idx.Insert(idx.ExtractKey(doc.Body), id); err != nil {
			return wrap(err, IndexError, withCollection(c.name), withDocID(id.String()))
		}
	}

	c.db.indexSetFor(c.name)[name] = idx
	meta.IndexDescriptors = append(meta.IndexDescriptors, catalog.IndexDescriptor{Name: name, Fields: fields, Unique: unique})

	if err := index.Flush(c.db.dataPath, idx); err != nil {
		return wrap(err, Io)
	}

	c.db.cache.InvalidateCollection(c.name)

	return nil
}

// DropIndex removes a previously created secondary index and its
// sidecar file. The implicit _id index cannot be dropped.
func (c *Collection) DropIndex(name string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	if name == idIndexName {
		return newError(IndexError, "cannot drop the implicit _id index")
	}

	meta := c.db.storageEngine.Catalog().Get(c.name)

	kept := meta.IndexDescriptors[:0]
	found := false

	for _, d := range meta.IndexDescriptors {
		if d.Name == name {
			found = true
			continue
		}

		kept = append(kept, d)
	}

	if !found {
		return newError(IndexError, "index %q not found on collection %q", name, c.name)
	}

	meta.IndexDescriptors = kept

	delete(c.db.indexSetFor(c.name), name)

	_ = c.db.fsys.Remove(index.SidecarPath(c.db.dataPath, name))

	c.db.cache.InvalidateCollection(c.name)

	return nil
}

// ListIndexes returns every index declared on the collection,
// including the implicit _id index first.
func (c *Collection) ListIndexes() []catalog.IndexDescriptor {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	out := []catalog.IndexDescriptor{{Name: idIndexName, Fields: []string{"_id"}, Unique: true}}

	if meta, ok := c.db.collectionMeta(c.name); ok {
		out = append(out, meta.IndexDescriptors...)
	}

	return out
}

// SetSchema installs a JSON-Schema-subset validator (required fields
// plus per-field type) enforced on every subsequent insert/update.
// Passing nil clears any previously set schema.
func (c *Collection) SetSchema(raw json.RawMessage) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()

	validator, err := compileSchema(raw)
	if err != nil {
		return wrap(err, SchemaError, withCollection(c.name))
	}

	if _, ok := validator.(noopValidator); ok {
		delete(c.db.schemas, c.name)
	} else {
		c.db.schemas[c.name] = validator
	}

	c.db.storageEngine.Catalog().Get(c.name).Schema = raw

	return nil
}

// GetSchema returns the collection's currently installed schema, or
// nil if none is set.
func (c *Collection) GetSchema() json.RawMessage {
	c.db.mu.RLock()
	defer c.db.mu.RUnlock()

	return c.db.schemaFor(c.name).Raw()
}
