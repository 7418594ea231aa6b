// Package ironbase is an embedded, single-process JSON document
// database: a single append-only data file with a companion
// write-ahead log, MongoDB-style query/update operators, secondary
// indexes, an aggregation pipeline, and multi-statement transactions.
package ironbase

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ironbase/ironbase/internal/catalog"
	"github.com/ironbase/ironbase/internal/index"
	"github.com/ironbase/ironbase/internal/query"
	"github.com/ironbase/ironbase/internal/querycache"
	"github.com/ironbase/ironbase/internal/storage"
	"github.com/ironbase/ironbase/internal/txn"
	"github.com/ironbase/ironbase/internal/update"
	"github.com/ironbase/ironbase/internal/wal"
	ironfs "github.com/ironbase/ironbase/pkg/fs"
)

func init() {
	// Wires the query engine's filter matcher into $pull's predicate
	// form, breaking what would otherwise be an update <-> query import
	// cycle.
	update.SetPullMatcher(query.Match)
}

// DB is a single open database: one data file, one WAL, the indexes
// and schemas declared against it, and a query result cache. All
// exported methods are safe for concurrent use.
//
// Concurrency follows spec §5: a single writer at a time, readers run
// concurrently with each other but never with a writer. Neither
// [storage.Engine] nor [txn.Manager] enforce this themselves (see
// [storage.Engine.Catalog]'s doc comment) so DB owns the lock.
type DB struct {
	mu sync.RWMutex

	fsys     ironfs.FS
	dataPath string
	walPath  string

	lock *ironfs.Lock

	storageEngine *storage.Engine
	walLog        *wal.Log
	txnMgr        *txn.Manager
	indexes       txn.IndexSet

	cache      *querycache.Cache
	durability Durability
	logger     zerolog.Logger

	schemas map[string]SchemaValidator
}

func walPathFor(dataPath string) string {
	ext := filepath.Ext(dataPath)
	return strings.TrimSuffix(dataPath, ext) + ".wal"
}

func lockPathFor(dataPath string) string {
	ext := filepath.Ext(dataPath)
	return strings.TrimSuffix(dataPath, ext) + ".lock"
}

// Open opens or creates the database at path with safe durability.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, defaultOpenOptions())
}

// OpenWithDurability opens the database at path with the given
// auto-commit durability mode.
func OpenWithDurability(path string, d Durability) (*DB, error) {
	opts := defaultOpenOptions()
	opts.Durability = d

	return OpenWithOptions(path, opts)
}

// OpenWithOptions opens the database at path with full control over
// durability, query cache capacity, and logging.
func OpenWithOptions(path string, opts OpenOptions) (*DB, error) {
	fsys := ironfs.NewReal()

	// IronBase is a single-process embedded database: the data file has
	// no protocol for two processes sharing it safely. An exclusive
	// flock on a ".lock" sidecar (released automatically by the OS if
	// the process dies) turns a second concurrent Open into a fast,
	// clear error instead of silent file corruption.
	lock, err := ironfs.NewLocker(fsys).TryLock(lockPathFor(path))
	if err != nil {
		return nil, wrap(err, Io)
	}

	eng, err := storage.Open(fsys, path)
	if err != nil {
		_ = lock.Close()
		return nil, wrap(err, Io)
	}

	walPath := walPathFor(path)

	walLog, err := wal.Open(fsys, walPath)
	if err != nil {
		_ = eng.Close()
		_ = lock.Close()
		return nil, wrap(err, Io)
	}

	db := &DB{
		fsys:       fsys,
		dataPath:   path,
		walPath:    walPath,
		lock:       lock,
		storageEngine: eng,
		walLog:     walLog,
		indexes:    txn.IndexSet{},
		cache:      querycache.New(opts.QueryCacheCapacity),
		durability: opts.Durability,
		logger:     opts.Logger,
		schemas:    map[string]SchemaValidator{},
	}

	if err := db.loadIndexesAndSchemas(); err != nil {
		_ = walLog.Close()
		_ = eng.Close()
		_ = lock.Close()
		return nil, err
	}

	db.txnMgr = txn.NewManager(eng, walLog, db.indexes, opts.Durability)

	if err := txn.Recover(db.txnMgr, walLog); err != nil {
		_ = walLog.Close()
		_ = eng.Close()
		_ = lock.Close()
		return nil, wrap(err, WALCorruption)
	}

	if err := db.rebuildMissingIndexes(); err != nil {
		_ = walLog.Close()
		_ = eng.Close()
		_ = lock.Close()
		return nil, err
	}

	db.logger.Info().Str("path", path).Msg("ironbase: database opened")

	return db, nil
}

// loadIndexesAndSchemas loads each declared index's sidecar, if
// present, and each collection's schema, from the catalog recovered by
// storage.Open. Indexes whose sidecar is missing are left absent from
// db.indexes; rebuildMissingIndexes fills them in after WAL replay.
func (db *DB) loadIndexesAndSchemas() error {
	cat := db.storageEngine.Catalog()

	for _, name := range cat.Names() {
		meta := cat.Collections[name]

		if len(meta.Schema) > 0 {
			validator, err := compileSchema(meta.Schema)
			if err != nil {
				return wrap(err, SchemaError, withCollection(name))
			}

			db.schemas[name] = validator
		}

		for _, desc := range meta.IndexDescriptors {
			idx, existed, err := index.Load(db.fsys, db.dataPath, desc.Name, desc.Fields, desc.Unique)
			if err != nil {
				return wrap(err, Corruption, withCollection(name))
			}

			if !existed {
				continue
			}

			db.indexSetFor(name)[desc.Name] = idx
		}
	}

	return nil
}

// rebuildMissingIndexes scans every live document in collections whose
// declared indexes had no sidecar (or whose sidecar predates documents
// written and checkpointed before the crash that WAL replay alone
// cannot recover) and rebuilds them from scratch.
func (db *DB) rebuildMissingIndexes() error {
	cat := db.storageEngine.Catalog()

	for _, name := range cat.Names() {
		meta := cat.Collections[name]

		var missing []catalog.IndexDescriptor

		existing := db.indexSetFor(name)

		for _, desc := range meta.IndexDescriptors {
			if _, ok := existing[desc.Name]; !ok {
				missing = append(missing, desc)
			}
		}

		if len(missing) == 0 {
			continue
		}

		built := make([]*index.BTreeIndex, len(missing))
		for i, desc := range missing {
			built[i] = index.New(desc.Name, desc.Fields, desc.Unique)
		}

		for _, id := range meta.Ids() {
			offset, ok := meta.Lookup(id)
			if !ok {
				continue
			}

			doc, err := db.storageEngine.ReadDocumentAt(offset)
			if err != nil {
				return wrap(err, Corruption, withCollection(name))
			}

			for _, idx := range built {
				if err := idx.Insert(idx.ExtractKey(doc.Body), id); err != nil {
					return wrap(err, IndexError, withCollection(name))
				}
			}
		}

		for _, idx := range built {
			existing[idx.Name] = idx
		}

		db.logger.Info().Str("collection", name).Int("count", len(built)).Msg("ironbase: rebuilt indexes from scan")
	}

	return nil
}

func (db *DB) indexSetFor(collection string) map[string]*index.BTreeIndex {
	m, ok := db.indexes[collection]
	if !ok {
		m = map[string]*index.BTreeIndex{}
		db.indexes[collection] = m
	}

	return m
}

// Close flushes metadata and closes the underlying files. The database
// must not be used after Close returns.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.txnMgr.Checkpoint(); err != nil {
		return wrap(err, Io)
	}

	if err := db.flushIndexes(); err != nil {
		return err
	}

	if err := db.walLog.Close(); err != nil {
		return wrap(err, Io)
	}

	if err := db.storageEngine.Close(); err != nil {
		return wrap(err, Io)
	}

	if err := db.lock.Close(); err != nil {
		return wrap(err, Io)
	}

	return nil
}

func (db *DB) flushIndexes() error {
	for _, set := range db.indexes {
		for _, idx := range set {
			if err := index.Flush(db.dataPath, idx); err != nil {
				return wrap(err, Io)
			}
		}
	}

	return nil
}

// Flush persists every index sidecar and the storage catalog without
// closing the database.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.storageEngine.FlushMetadata(); err != nil {
		return wrap(err, Io)
	}

	return db.flushIndexes()
}

// Checkpoint flushes the storage catalog and clears the WAL, per
// [txn.Manager.Checkpoint].
func (db *DB) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.txnMgr.Checkpoint(); err != nil {
		return wrap(err, Io)
	}

	return db.flushIndexes()
}

// Compact rewrites the data file to contain only the latest live
// version of every document, reclaiming space from superseded versions
// and tombstones.
func (db *DB) Compact() (storage.CompactionStats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	runID := uuid.New().String()

	db.logger.Info().Str("run_id", runID).Msg("ironbase: compaction started")

	stats, err := db.storageEngine.Compact()
	if err != nil {
		db.logger.Error().Str("run_id", runID).Err(err).Msg("ironbase: compaction failed")
		return stats, wrap(err, Io)
	}

	for _, name := range db.storageEngine.Catalog().Names() {
		db.cache.InvalidateCollection(name)
	}

	db.logger.Info().
		Str("run_id", runID).
		Int64("size_before", stats.SizeBefore).
		Int64("size_after", stats.SizeAfter).
		Int("documents_kept", stats.DocumentsKept).
		Int("tombstones_removed", stats.TombstonesRemoved).
		Msg("ironbase: compaction finished")

	return stats, nil
}

// ListCollections returns every known collection name, sorted.
func (db *DB) ListCollections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.storageEngine.Catalog().Names()
}

// DropCollection removes a collection and its indexes entirely. It is
// not undoable and is not itself recorded in the WAL; callers wanting
// crash-safety around a drop should checkpoint before and after.
func (db *DB) DropCollection(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.storageEngine.Catalog().Drop(name)
	delete(db.indexes, name)
	delete(db.schemas, name)
	db.cache.InvalidateCollection(name)

	return nil
}

// Collection returns a handle for the named collection. Collections
// are created implicitly on first write; this call never fails and
// never itself creates anything in the catalog.
func (db *DB) Collection(name string) *Collection {
	return &Collection{db: db, name: name}
}

// statsView is the JSON shape returned by [DB.Stats].
type statsView struct {
	Collections map[string]collectionStatsView `json:"collections"`
}

type collectionStatsView struct {
	DocumentCount     uint64              `json:"document_count"`
	LiveDocumentCount uint64              `json:"live_document_count"`
	LastID            int64               `json:"last_id"`
	Indexes           []catalog.IndexDescriptor `json:"indexes"`
}

// Stats reports per-collection document and index counts as JSON.
func (db *DB) Stats() (json.RawMessage, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	cat := db.storageEngine.Catalog()

	view := statsView{Collections: map[string]collectionStatsView{}}

	for _, name := range cat.Names() {
		meta := cat.Collections[name]

		view.Collections[name] = collectionStatsView{
			DocumentCount:     meta.DocumentCount,
			LiveDocumentCount: meta.LiveDocumentCount,
			LastID:            meta.LastID,
			Indexes:           meta.IndexDescriptors,
		}
	}

	raw, err := json.Marshal(view)
	if err != nil {
		return nil, wrap(err, Serialization)
	}

	return raw, nil
}
