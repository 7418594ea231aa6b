package catalog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ironbase/ironbase/internal/bsonval"
)

// IndexDescriptor records one secondary index's declared shape.
type IndexDescriptor struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields"`
	Unique bool     `json:"unique"`
}

// CollectionMeta is the per-collection metadata held in the catalog.
type CollectionMeta struct {
	Name              string
	DataOffset        int64
	DocumentCatalog   map[string]int64 // bsonval.ID.MapKey() -> absolute offset
	idIndex           map[string]bsonval.ID
	DocumentCount     uint64
	LiveDocumentCount uint64
	LastID            int64
	IndexDescriptors  []IndexDescriptor
	Schema            json.RawMessage
}

// NewCollectionMeta returns an empty collection metadata record.
func NewCollectionMeta(name string) *CollectionMeta {
	return &CollectionMeta{
		Name:            name,
		DocumentCatalog: make(map[string]int64),
		idIndex:         make(map[string]bsonval.ID),
	}
}

// Lookup returns the absolute offset of id's latest live version.
func (m *CollectionMeta) Lookup(id bsonval.ID) (int64, bool) {
	off, ok := m.DocumentCatalog[id.MapKey()]
	return off, ok
}

// Put records id at the given absolute offset, adjusting counters per
// storage-engine semantics: document_count always increments;
// live_document_count increments only if id was not already live;
// last_id advances if id is a larger integer.
func (m *CollectionMeta) Put(id bsonval.ID, offset int64) {
	key := id.MapKey()

	_, existed := m.DocumentCatalog[key]

	m.DocumentCatalog[key] = offset
	m.idIndex[key] = id
	m.DocumentCount++

	if !existed {
		m.LiveDocumentCount++
	}

	if n, ok := id.Int(); ok && n > m.LastID {
		m.LastID = n
	}
}

// Remove deletes id from the catalog (used when writing a tombstone),
// decrementing live_document_count iff id was present. document_count
// still increments by the caller (the tombstone write itself is an
// append) via [CollectionMeta.RecordWrite].
func (m *CollectionMeta) Remove(id bsonval.ID) {
	key := id.MapKey()

	if _, ok := m.DocumentCatalog[key]; ok {
		delete(m.DocumentCatalog, key)
		delete(m.idIndex, key)
		m.LiveDocumentCount--
	}
}

// RecordWrite increments document_count without touching liveness,
// used for tombstone appends which are writes but not live documents.
func (m *CollectionMeta) RecordWrite() {
	m.DocumentCount++
}

// NextID returns the next auto-assigned integer id and advances LastID.
func (m *CollectionMeta) NextID() bsonval.ID {
	m.LastID++
	return bsonval.IntID(m.LastID)
}

// Ids returns every id currently in the catalog, in no particular order.
func (m *CollectionMeta) Ids() []bsonval.ID {
	out := make([]bsonval.ID, 0, len(m.idIndex))
	for _, id := range m.idIndex {
		out = append(out, id)
	}

	return out
}

// Catalog is the full set of per-collection metadata, as persisted at
// the header's metadata_offset.
type Catalog struct {
	Collections map[string]*CollectionMeta
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{Collections: make(map[string]*CollectionMeta)}
}

// Get returns the named collection's metadata, creating it (a
// collection is created implicitly on first access) if absent.
func (c *Catalog) Get(name string) *CollectionMeta {
	m, ok := c.Collections[name]
	if !ok {
		m = NewCollectionMeta(name)
		c.Collections[name] = m
	}

	return m
}

// Drop removes a collection from the catalog entirely.
func (c *Catalog) Drop(name string) {
	delete(c.Collections, name)
}

// Names returns every collection name, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Collections))
	for n := range c.Collections {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}

// wireCollection is the JSON-serializable form of a CollectionMeta: the
// catalog mapping is encoded as tagged [type_tag, value_str, offset]
// tuples so the id's variant survives the JSON round trip.
type wireCollection struct {
	Name              string            `json:"name"`
	DataOffset        int64             `json:"data_offset"`
	DocumentCatalog   []json.RawMessage `json:"document_catalog"`
	DocumentCount     uint64            `json:"document_count"`
	LiveDocumentCount uint64            `json:"live_document_count"`
	LastID            int64             `json:"last_id"`
	IndexDescriptors  []IndexDescriptor `json:"index_descriptors"`
	Schema            json.RawMessage   `json:"schema,omitempty"`
}

// MarshalJSON implements the tagged-tuple catalog encoding described in
// spec §6: `[[type_tag, value_str, offset_u64], …]`.
func (m *CollectionMeta) MarshalJSON() ([]byte, error) {
	tuples := make([]json.RawMessage, 0, len(m.DocumentCatalog))

	keys := make([]string, 0, len(m.DocumentCatalog))
	for k := range m.DocumentCatalog {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, key := range keys {
		id := m.idIndex[key]
		offset := m.DocumentCatalog[key]

		raw, err := json.Marshal([]any{id.TypeTag(), id.ValueString(), offset})
		if err != nil {
			return nil, err
		}

		tuples = append(tuples, raw)
	}

	return json.Marshal(wireCollection{
		Name:              m.Name,
		DataOffset:        m.DataOffset,
		DocumentCatalog:   tuples,
		DocumentCount:     m.DocumentCount,
		LiveDocumentCount: m.LiveDocumentCount,
		LastID:            m.LastID,
		IndexDescriptors:  m.IndexDescriptors,
		Schema:            m.Schema,
	})
}

// UnmarshalJSON reverses [CollectionMeta.MarshalJSON].
func (m *CollectionMeta) UnmarshalJSON(data []byte) error {
	var w wireCollection
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	m.Name = w.Name
	m.DataOffset = w.DataOffset
	m.DocumentCount = w.DocumentCount
	m.LiveDocumentCount = w.LiveDocumentCount
	m.LastID = w.LastID
	m.IndexDescriptors = w.IndexDescriptors
	m.Schema = w.Schema
	m.DocumentCatalog = make(map[string]int64, len(w.DocumentCatalog))
	m.idIndex = make(map[string]bsonval.ID, len(w.DocumentCatalog))

	for _, raw := range w.DocumentCatalog {
		var tuple []json.RawMessage
		if err := json.Unmarshal(raw, &tuple); err != nil {
			return fmt.Errorf("decoding catalog tuple: %w", err)
		}

		if len(tuple) != 3 {
			return fmt.Errorf("catalog tuple has %d elements, want 3", len(tuple))
		}

		var typeTag, valueStr string
		var offset int64

		if err := json.Unmarshal(tuple[0], &typeTag); err != nil {
			return fmt.Errorf("decoding type_tag: %w", err)
		}

		if err := json.Unmarshal(tuple[1], &valueStr); err != nil {
			return fmt.Errorf("decoding value_str: %w", err)
		}

		if err := json.Unmarshal(tuple[2], &offset); err != nil {
			return fmt.Errorf("decoding offset: %w", err)
		}

		id, err := bsonval.IDFromTagged(typeTag, valueStr)
		if err != nil {
			return err
		}

		key := id.MapKey()
		m.DocumentCatalog[key] = offset
		m.idIndex[key] = id
	}

	return nil
}

// EncodeCatalogBody serializes the full catalog body (excluding the
// fixed header) per spec §6: `<u32 le collection_count>, for each
// collection: <u32 le meta_len><json meta bytes>`.
func EncodeCatalogBody(c *Catalog) ([]byte, error) {
	names := c.Names()

	var body []byte

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(names)))
	body = append(body, countBuf[:]...)

	for _, name := range names {
		metaJSON, err := json.Marshal(c.Collections[name])
		if err != nil {
			return nil, fmt.Errorf("marshaling collection %q: %w", name, err)
		}

		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(metaJSON)))

		body = append(body, lenBuf[:]...)
		body = append(body, metaJSON...)
	}

	return body, nil
}

// DecodeCatalogBody parses a catalog body produced by
// [EncodeCatalogBody].
func DecodeCatalogBody(body []byte) (*Catalog, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("catalog body too short: %d bytes", len(body))
	}

	count := binary.LittleEndian.Uint32(body[0:4])
	pos := 4

	cat := NewCatalog()

	for i := uint32(0); i < count; i++ {
		if pos+4 > len(body) {
			return nil, fmt.Errorf("catalog body truncated reading meta_len for entry %d", i)
		}

		metaLen := binary.LittleEndian.Uint32(body[pos : pos+4])
		pos += 4

		if pos+int(metaLen) > len(body) {
			return nil, fmt.Errorf("catalog body truncated reading meta bytes for entry %d", i)
		}

		var meta CollectionMeta
		if err := json.Unmarshal(body[pos:pos+int(metaLen)], &meta); err != nil {
			return nil, fmt.Errorf("decoding collection meta %d: %w", i, err)
		}

		pos += int(metaLen)

		cat.Collections[meta.Name] = &meta
	}

	return cat, nil
}
