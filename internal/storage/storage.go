// Package storage implements the storage engine: it owns the main data
// file and the in-memory catalog, and provides append-document,
// read-document-by-offset, catalog flush, and compaction.
package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/catalog"
	"github.com/ironbase/ironbase/internal/iox"
	ironfs "github.com/ironbase/ironbase/pkg/fs"
	"github.com/natefinch/atomic"
)

// DataStartOffset is the reserved prefix region compaction places the
// catalog within, so documents and catalog can never overlap in a
// freshly compacted file.
const DataStartOffset = 256 * 1024 // 256 KiB

// ErrCorruption reports a structural inconsistency discovered while
// opening or reading the data file.
type ErrCorruption struct {
	Reason string
}

func (e *ErrCorruption) Error() string { return "storage corruption: " + e.Reason }

// Document is a decoded document body plus its system fields, as
// persisted on disk.
type Document struct {
	ID         bsonval.ID
	Collection string
	Tombstone  bool
	Body       map[string]any
}

// wireDocument is the on-disk JSON shape: the natural _id scalar (not
// the tagged catalog form), plus _collection and optional _tombstone.
type wireDocument = map[string]any

// Engine owns the main data file and its in-memory catalog.
type Engine struct {
	fsys    ironfs.FS
	path    string
	file    ironfs.File
	header  catalog.Header
	catalog *catalog.Catalog
}

// Open opens or creates the data file at path, loading its header and
// catalog. A brand-new file is initialized with an empty header and
// catalog.
func Open(fsys ironfs.FS, path string) (*Engine, error) {
	exists, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", path, err)
	}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	e := &Engine{fsys: fsys, path: path, file: f}

	if !exists {
		e.header = catalog.NewHeader()
		e.catalog = catalog.NewCatalog()

		if err := e.writeHeaderInPlace(); err != nil {
			_ = f.Close()
			return nil, err
		}

		return e, nil
	}

	if err := e.load(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return e, nil
}

// Close closes the underlying file handle.
func (e *Engine) Close() error {
	return e.file.Close()
}

// Catalog returns the in-memory catalog. Callers must hold the
// appropriate lock (the engine itself does not lock - concurrency
// control lives one layer up, per spec §5).
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

func (e *Engine) load() error {
	headerBuf := make([]byte, catalog.HeaderSize)

	if _, err := e.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to header: %w", err)
	}

	n, err := io.ReadFull(e.file, headerBuf)
	if err != nil && n == 0 {
		// Empty file reopened (e.g. created with size 0 by another
		// process). Treat as fresh.
		e.header = catalog.NewHeader()
		e.catalog = catalog.NewCatalog()

		return e.writeHeaderInPlace()
	}

	if err != nil {
		return &ErrCorruption{Reason: "reading header: " + err.Error()}
	}

	h, err := catalog.Decode(headerBuf)
	if err != nil {
		return &ErrCorruption{Reason: err.Error()}
	}

	e.header = h

	if h.MetadataOffset == 0 || h.MetadataSize == 0 {
		// No catalog has ever been flushed for this file yet.
		e.catalog = catalog.NewCatalog()
		return nil
	}

	fileLen, err := iox.FileSize(e.file)
	if err != nil {
		return err
	}

	if h.MetadataOffset < catalog.HeaderSize || int64(h.MetadataOffset+h.MetadataSize) > fileLen {
		return &ErrCorruption{Reason: "metadata offset/size out of range"}
	}

	if _, err := e.file.Seek(int64(h.MetadataOffset), io.SeekStart); err != nil {
		return fmt.Errorf("seeking to metadata: %w", err)
	}

	body := make([]byte, h.MetadataSize)
	if _, err := io.ReadFull(e.file, body); err != nil {
		return &ErrCorruption{Reason: "reading metadata body: " + err.Error()}
	}

	cat, err := catalog.DecodeCatalogBody(body)
	if err != nil {
		return &ErrCorruption{Reason: "decoding catalog: " + err.Error()}
	}

	e.catalog = cat

	return nil
}

func (e *Engine) writeHeaderInPlace() error {
	buf := catalog.Encode(e.header)

	if _, err := e.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to header: %w", err)
	}

	if _, err := e.file.Write(buf[:]); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	return nil
}

// marshalWire builds the on-disk JSON body for a document, with the
// natural (untagged) _id scalar.
func marshalWire(d Document) ([]byte, error) {
	body := make(wireDocument, len(d.Body)+3)

	for k, v := range d.Body {
		body[k] = v
	}

	body["_id"] = d.ID.ToJSON()
	body["_collection"] = d.Collection

	if d.Tombstone {
		body["_tombstone"] = true
	}

	return json.Marshal(body)
}

func unmarshalWire(raw []byte) (Document, error) {
	var body wireDocument
	if err := json.Unmarshal(raw, &body); err != nil {
		return Document{}, &ErrCorruption{Reason: "invalid document JSON: " + err.Error()}
	}

	rawID, ok := body["_id"]
	if !ok {
		return Document{}, &ErrCorruption{Reason: "document missing _id"}
	}

	id, err := bsonval.FromJSON(rawID)
	if err != nil {
		return Document{}, &ErrCorruption{Reason: "invalid _id: " + err.Error()}
	}

	collection, _ := body["_collection"].(string)
	tombstone, _ := body["_tombstone"].(bool)

	delete(body, "_id")
	delete(body, "_collection")
	delete(body, "_tombstone")

	return Document{ID: id, Collection: collection, Tombstone: tombstone, Body: body}, nil
}

// WriteDocumentFull appends a new version of id's document, updates the
// catalog, and returns the absolute offset written at.
func (e *Engine) WriteDocumentFull(collection string, id bsonval.ID, body map[string]any) (int64, error) {
	raw, err := marshalWire(Document{ID: id, Collection: collection, Body: body})
	if err != nil {
		return 0, fmt.Errorf("marshaling document: %w", err)
	}

	offset, err := iox.AppendRecord(e.file, raw)
	if err != nil {
		return 0, fmt.Errorf("appending document: %w", err)
	}

	e.catalog.Get(collection).Put(id, offset)

	return offset, nil
}

// WriteTombstoneFull appends a tombstone record for id and removes it
// from the catalog.
func (e *Engine) WriteTombstoneFull(collection string, id bsonval.ID) (int64, error) {
	raw, err := marshalWire(Document{ID: id, Collection: collection, Tombstone: true, Body: map[string]any{}})
	if err != nil {
		return 0, fmt.Errorf("marshaling tombstone: %w", err)
	}

	offset, err := iox.AppendRecord(e.file, raw)
	if err != nil {
		return 0, fmt.Errorf("appending tombstone: %w", err)
	}

	meta := e.catalog.Get(collection)
	meta.Remove(id)
	meta.RecordWrite()

	return offset, nil
}

// ReadDocumentAt reads and decodes the document record at offset.
func (e *Engine) ReadDocumentAt(offset int64) (Document, error) {
	fileLen, err := iox.FileSize(e.file)
	if err != nil {
		return Document{}, err
	}

	raw, err := iox.ReadRecordAt(e.file, offset, fileLen)
	if err != nil {
		return Document{}, &ErrCorruption{Reason: err.Error()}
	}

	return unmarshalWire(raw)
}

// FlushMetadata persists the catalog to disk at a dynamic tail offset
// and rewrites the header in place. Idempotent; never truncates the
// file, so concurrent readers holding an older catalog offset remain
// safe to read from until they reopen.
func (e *Engine) FlushMetadata() error {
	body, err := catalog.EncodeCatalogBody(e.catalog)
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}

	offset, err := e.metadataWriteOffset()
	if err != nil {
		return err
	}

	if _, err := e.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to metadata offset: %w", err)
	}

	if _, err := e.file.Write(body); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}

	e.header.MetadataOffset = uint64(offset)
	e.header.MetadataSize = uint64(len(body))
	e.header.Version = catalog.CurrentVersion

	if err := e.writeHeaderInPlace(); err != nil {
		return err
	}

	if err := e.file.Sync(); err != nil {
		return fmt.Errorf("syncing data file: %w", err)
	}

	return nil
}

// metadataWriteOffset picks the dynamic tail offset for the next
// catalog flush: the byte immediately after the last document record,
// computed from the highest catalog offset plus that record's length
// prefix and body.
func (e *Engine) metadataWriteOffset() (int64, error) {
	fileLen, err := iox.FileSize(e.file)
	if err != nil {
		return 0, err
	}

	best := int64(catalog.HeaderSize)

	for _, name := range e.catalog.Names() {
		meta := e.catalog.Collections[name]

		for _, id := range meta.Ids() {
			off, _ := meta.Lookup(id)

			raw, err := iox.ReadRecordAt(e.file, off, fileLen)
			if err != nil {
				return 0, &ErrCorruption{Reason: "computing metadata offset: " + err.Error()}
			}

			end := off + iox.LengthPrefixSize + int64(len(raw))
			if end > best {
				best = end
			}
		}
	}

	return best, nil
}

// CompactionStats reports the results of a [Engine.Compact] run.
type CompactionStats struct {
	SizeBefore        int64
	SizeAfter         int64
	DocumentsScanned  int
	DocumentsKept     int
	TombstonesRemoved int
}

// Compact rewrites the main file to contain only the latest live
// version of every document across every collection, reclaiming the
// space of superseded versions and tombstones. The new file is written
// under a temporary name, fsynced, and renamed over the old one; the
// engine then reopens against the new file.
func (e *Engine) Compact() (CompactionStats, error) {
	sizeBefore, err := iox.FileSize(e.file)
	if err != nil {
		return CompactionStats{}, err
	}

	stats := CompactionStats{SizeBefore: sizeBefore}

	newCatalog := catalog.NewCatalog()

	// Documents are laid out starting at DataStartOffset; the header and
	// the compacted catalog both live in the reserved prefix region
	// before it, so documents and catalog can never overlap.
	var docs []byte

	names := e.catalog.Names()
	sort.Strings(names)

	for _, name := range names {
		meta := e.catalog.Collections[name]

		ids := meta.Ids()
		sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })

		for _, id := range ids {
			stats.DocumentsScanned++

			off, ok := meta.Lookup(id)
			if !ok {
				continue
			}

			doc, err := e.ReadDocumentAt(off)
			if err != nil {
				return CompactionStats{}, fmt.Errorf("reading %s/%v during compaction: %w", name, id, err)
			}

			raw, err := marshalWire(doc)
			if err != nil {
				return CompactionStats{}, fmt.Errorf("re-marshaling %s/%v during compaction: %w", name, id, err)
			}

			newOffset := DataStartOffset + int64(len(docs))

			var lenBuf [4]byte
			putUint32(lenBuf[:], uint32(len(raw)))
			docs = append(docs, lenBuf[:]...)
			docs = append(docs, raw...)

			newMeta := newCatalog.Get(name)
			newMeta.Put(id, newOffset)
			newMeta.LastID = meta.LastID
			newMeta.IndexDescriptors = meta.IndexDescriptors
			newMeta.Schema = meta.Schema

			stats.DocumentsKept++
		}

		stats.TombstonesRemoved += int(meta.DocumentCount - uint64(len(ids)))
	}

	catalogBody, err := catalog.EncodeCatalogBody(newCatalog)
	if err != nil {
		return CompactionStats{}, fmt.Errorf("encoding compacted catalog: %w", err)
	}

	if catalog.HeaderSize+len(catalogBody) > DataStartOffset {
		return CompactionStats{}, fmt.Errorf("compacted catalog (%d bytes) exceeds reserved prefix region (%d bytes)", len(catalogBody), DataStartOffset-catalog.HeaderSize)
	}

	newHeader := catalog.Header{
		Version:        catalog.CurrentVersion,
		MetadataOffset: uint64(catalog.HeaderSize),
		MetadataSize:   uint64(len(catalogBody)),
	}

	full := make([]byte, DataStartOffset+len(docs))

	headerBuf := catalog.Encode(newHeader)
	copy(full[0:catalog.HeaderSize], headerBuf[:])
	copy(full[catalog.HeaderSize:], catalogBody)
	copy(full[DataStartOffset:], docs)

	if err := atomic.WriteFile(e.path, bytesReader(full)); err != nil {
		return CompactionStats{}, fmt.Errorf("atomically replacing data file: %w", err)
	}

	if err := e.file.Close(); err != nil {
		return CompactionStats{}, fmt.Errorf("closing old file handle: %w", err)
	}

	f, err := e.fsys.OpenFile(e.path, os.O_RDWR, 0o644)
	if err != nil {
		return CompactionStats{}, fmt.Errorf("reopening compacted file: %w", err)
	}

	e.file = f
	e.header = newHeader
	e.catalog = newCatalog

	sizeAfter, err := iox.FileSize(e.file)
	if err != nil {
		return CompactionStats{}, err
	}

	stats.SizeAfter = sizeAfter

	return stats, nil
}

func putUint32(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func bytesReader(b []byte) *byteSliceReader { return &byteSliceReader{b: b} }

type byteSliceReader struct {
	b   []byte
	pos int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}

	n := copy(p, r.b[r.pos:])
	r.pos += n

	return n, nil
}
