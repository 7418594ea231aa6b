package ironbase

import (
	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/index"
	"github.com/ironbase/ironbase/internal/txn"
	"github.com/ironbase/ironbase/internal/update"
)

// Transaction is an explicit multi-statement transaction spanning
// possibly many collections. Only one Transaction may be open at a
// time: BeginTransaction holds the database's writer lock until
// CommitTransaction or RollbackTransaction releases it, per spec §5's
// single-writer model.
type Transaction struct {
	db *DB
	tx *txn.Tx
}

// BeginTransaction starts an explicit transaction and blocks out every
// other writer and reader until it is committed or rolled back.
func (db *DB) BeginTransaction() *Transaction {
	db.mu.Lock()

	return &Transaction{db: db, tx: db.txnMgr.Begin()}
}

// ID returns the transaction's identifier, the tx_id correlated in WAL
// entries it produces.
func (t *Transaction) ID() uint64 { return t.tx.ID() }

func (t *Transaction) prepareInsert(collection string, body map[string]any) (bsonval.ID, map[string]any, error) {
	clean := cloneDoc(body)

	meta := t.db.storageEngine.Catalog().Get(collection)

	var id bsonval.ID

	if raw, ok := clean["_id"]; ok {
		parsed, err := bsonval.FromJSON(raw)
		if err != nil {
			return bsonval.ID{}, nil, wrap(err, InvalidQuery, withCollection(collection))
		}

		id = parsed

		if _, live := t.tx.Get(collection, id); live {
			return bsonval.ID{}, nil, newError(IndexError, "duplicate _id %v in collection %q", id, collection)
		}

		if _, exists := meta.Lookup(id); exists {
			return bsonval.ID{}, nil, newError(IndexError, "duplicate _id %v in collection %q", id, collection)
		}
	} else {
		id = meta.NextID()
	}

	delete(clean, "_id")

	if err := t.db.schemaFor(collection).Validate(clean); err != nil {
		return bsonval.ID{}, nil, wrap(err, SchemaError, withCollection(collection), withDocID(id.String()))
	}

	return id, clean, nil
}

// checkUniqueConstraints validates body's key against every unique
// index's committed state. It does not see other not-yet-committed
// writes buffered earlier in the same transaction: a transaction that
// both inserts and later collides with its own uncommitted insert of a
// unique key is only caught by the manager's commit-time check inside
// [txn.Tx.Commit], which surfaces as an IndexError from
// CommitTransaction rather than from the offending *Tx call itself.
func (t *Transaction) checkUniqueConstraints(collection string, id bsonval.ID, body map[string]any) error {
	for _, idx := range t.db.indexes[collection] {
		if !idx.Unique {
			continue
		}

		key := idx.ExtractKey(body)

		for _, existing := range idx.Eq(key) {
			if !existing.Equal(id) {
				return wrap(&index.ErrDuplicateKey{Index: idx.Name, Values: key}, IndexError, withCollection(collection), withDocID(id.String()))
			}
		}
	}

	return nil
}

// InsertOneTx buffers an insert within the transaction, returning the
// document's id (auto-assigned unless supplied).
func (t *Transaction) InsertOneTx(collection string, body map[string]any) (bsonval.ID, error) {
	id, clean, err := t.prepareInsert(collection, body)
	if err != nil {
		return bsonval.ID{}, err
	}

	if err := t.checkUniqueConstraints(collection, id, clean); err != nil {
		return bsonval.ID{}, err
	}

	if err := t.tx.InsertOne(collection, id, clean); err != nil {
		return bsonval.ID{}, wrap(err, TransactionAborted, withCollection(collection), withDocID(id.String()))
	}

	return id, nil
}

// UpdateOneTx buffers an update of document id within the transaction.
// update is applied via the same operator semantics as
// [Collection.UpdateOne]/[Collection.UpdateMany], against the
// document's value as seen so far within this transaction
// (read-your-writes).
func (t *Transaction) UpdateOneTx(collection string, id bsonval.ID, upd map[string]any) error {
	before, ok := t.tx.Get(collection, id)
	if !ok {
		return newError(DocumentNotFound, "document %v not found in collection %q", id, collection)
	}

	var after map[string]any

	if update.IsReplacement(upd) {
		after = cloneDoc(upd)
		delete(after, "_id")
	} else {
		after = cloneDoc(before)
		delete(after, "_id")

		if err := update.Apply(after, upd); err != nil {
			return wrap(err, InvalidQuery, withCollection(collection), withDocID(id.String()))
		}
	}

	if err := t.db.schemaFor(collection).Validate(after); err != nil {
		return wrap(err, SchemaError, withCollection(collection), withDocID(id.String()))
	}

	if err := t.checkUniqueConstraints(collection, id, after); err != nil {
		return err
	}

	if err := t.tx.UpdateOne(collection, id, after); err != nil {
		return wrap(err, TransactionAborted, withCollection(collection), withDocID(id.String()))
	}

	return nil
}

// DeleteOneTx buffers a delete of document id within the transaction.
func (t *Transaction) DeleteOneTx(collection string, id bsonval.ID) error {
	if err := t.tx.DeleteOne(collection, id); err != nil {
		return wrap(err, TransactionAborted, withCollection(collection), withDocID(id.String()))
	}

	return nil
}

// CommitTransaction durably records and applies every buffered
// operation, then releases the writer lock BeginTransaction acquired.
// The transaction must not be used again afterward.
func (t *Transaction) CommitTransaction() error {
	defer t.db.mu.Unlock()

	if err := t.tx.Commit(); err != nil {
		return wrap(err, TransactionCommitted)
	}

	for collection := range t.touchedCollections() {
		t.db.cache.InvalidateCollection(collection)
	}

	return nil
}

// RollbackTransaction discards every buffered operation, releasing the
// writer lock BeginTransaction acquired. Nothing it buffered was ever
// written to the WAL or storage.
func (t *Transaction) RollbackTransaction() error {
	defer t.db.mu.Unlock()

	if err := t.tx.Rollback(); err != nil {
		return wrap(err, TransactionAborted)
	}

	return nil
}

// touchedCollections is a placeholder set populated defensively: since
// [txn.Tx] clears its buffered ops on Commit, the façade invalidates
// every collection's cache rather than tracking per-op membership.
func (t *Transaction) touchedCollections() map[string]struct{} {
	out := map[string]struct{}{}
	for _, name := range t.db.storageEngine.Catalog().Names() {
		out[name] = struct{}{}
	}

	return out
}
