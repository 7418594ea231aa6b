// Package txn implements the transaction manager: buffered
// multi-operation transactions committed atomically to the WAL and
// then applied to storage and indexes, plus crash recovery by WAL
// replay.
package txn

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/index"
	"github.com/ironbase/ironbase/internal/storage"
	"github.com/ironbase/ironbase/internal/wal"
)

// State is a transaction's position in its lifecycle.
type State int

const (
	Active State = iota
	Committing
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// ErrNotActive is returned when an operation is attempted against a
// transaction that has already committed or aborted.
type ErrNotActive struct {
	State State
}

func (e *ErrNotActive) Error() string {
	return fmt.Sprintf("transaction is not active (state: %s)", e.State)
}

type opKind int

const (
	opInsert opKind = iota
	opUpdate
	opDelete
)

type bufferedOp struct {
	Kind       opKind
	Collection string
	ID         bsonval.ID
	Before     map[string]any
	After      map[string]any
}

// operationRecord is the JSON wire shape of a bufferedOp, written into
// an Operation WAL entry's data.
type operationRecord struct {
	Kind       string          `json:"kind"`
	Collection string          `json:"collection"`
	IDTag      string          `json:"id_tag"`
	IDValue    string          `json:"id_value"`
	After      json.RawMessage `json:"after,omitempty"`
}

func kindName(k opKind) string {
	switch k {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func encodeOp(op bufferedOp) ([]byte, error) {
	rec := operationRecord{
		Kind:       kindName(op.Kind),
		Collection: op.Collection,
		IDTag:      op.ID.TypeTag(),
		IDValue:    op.ID.ValueString(),
	}

	if op.After != nil {
		raw, err := json.Marshal(op.After)
		if err != nil {
			return nil, err
		}

		rec.After = raw
	}

	return json.Marshal(rec)
}

func decodeOp(data []byte) (bufferedOp, error) {
	var rec operationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return bufferedOp{}, fmt.Errorf("decoding operation record: %w", err)
	}

	id, err := bsonval.IDFromTagged(rec.IDTag, rec.IDValue)
	if err != nil {
		return bufferedOp{}, fmt.Errorf("decoding operation id: %w", err)
	}

	op := bufferedOp{Collection: rec.Collection, ID: id}

	switch rec.Kind {
	case "insert":
		op.Kind = opInsert
	case "update":
		op.Kind = opUpdate
	case "delete":
		op.Kind = opDelete
	default:
		return bufferedOp{}, fmt.Errorf("unknown operation kind %q", rec.Kind)
	}

	if len(rec.After) > 0 {
		var after map[string]any
		if err := json.Unmarshal(rec.After, &after); err != nil {
			return bufferedOp{}, fmt.Errorf("decoding operation body: %w", err)
		}

		op.After = after
	}

	return op, nil
}

// IndexSet is the per-collection set of secondary indexes the manager
// keeps in sync with storage writes.
type IndexSet map[string]map[string]*index.BTreeIndex

func (s IndexSet) forCollection(collection string) map[string]*index.BTreeIndex {
	return s[collection]
}

// Manager coordinates transactions against a single storage engine,
// its secondary indexes, and the WAL. All public methods are safe for
// concurrent use; per spec §5 IronBase serializes writers behind a
// single mutex rather than implementing MVCC or row-level locking.
type Manager struct {
	mu sync.Mutex

	storage *storage.Engine
	wal     *wal.Log
	indexes IndexSet

	durability Durability

	nextTxID           uint64
	commitsSinceFlush  int
	opsSinceCheckpoint int
}

// NewManager constructs a transaction manager over an already-open
// storage engine, WAL, and index set.
func NewManager(storageEngine *storage.Engine, walLog *wal.Log, indexes IndexSet, durability Durability) *Manager {
	return &Manager{
		storage:    storageEngine,
		wal:        walLog,
		indexes:    indexes,
		durability: durability,
	}
}

// Begin starts a new transaction.
func (m *Manager) Begin() *Tx {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTxID++

	return &Tx{id: m.nextTxID, mgr: m, state: Active}
}

// Tx is a single multi-operation transaction. Reads made through
// [Tx.Get] observe the transaction's own uncommitted writes
// (read-your-writes) before falling through to committed storage.
type Tx struct {
	id    uint64
	mgr   *Manager
	state State
	ops   []bufferedOp
}

// ID returns the transaction's identifier, used as the tx_id field on
// every WAL entry it produces.
func (tx *Tx) ID() uint64 { return tx.id }

// State returns the transaction's current lifecycle state.
func (tx *Tx) State() State { return tx.state }

func (tx *Tx) requireActive() error {
	if tx.state != Active {
		return &ErrNotActive{State: tx.state}
	}

	return nil
}

// Get returns the current value of (collection, id) as seen by this
// transaction: its own buffered writes take priority over committed
// storage.
func (tx *Tx) Get(collection string, id bsonval.ID) (map[string]any, bool) {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		op := tx.ops[i]
		if op.Collection != collection || !op.ID.Equal(id) {
			continue
		}

		if op.Kind == opDelete {
			return nil, false
		}

		return op.After, true
	}

	meta := tx.mgr.storage.Catalog().Get(collection)

	offset, ok := meta.Lookup(id)
	if !ok {
		return nil, false
	}

	doc, err := tx.mgr.storage.ReadDocumentAt(offset)
	if err != nil || doc.Tombstone {
		return nil, false
	}

	return doc.Body, true
}

// InsertOne buffers an insert of a new document.
func (tx *Tx) InsertOne(collection string, id bsonval.ID, body map[string]any) error {
	if err := tx.requireActive(); err != nil {
		return err
	}

	tx.ops = append(tx.ops, bufferedOp{Kind: opInsert, Collection: collection, ID: id, After: body})

	return nil
}

// UpdateOne buffers a replacement of document id's body.
func (tx *Tx) UpdateOne(collection string, id bsonval.ID, body map[string]any) error {
	if err := tx.requireActive(); err != nil {
		return err
	}

	before, _ := tx.Get(collection, id)

	tx.ops = append(tx.ops, bufferedOp{Kind: opUpdate, Collection: collection, ID: id, Before: before, After: body})

	return nil
}

// DeleteOne buffers a tombstone write for document id.
func (tx *Tx) DeleteOne(collection string, id bsonval.ID) error {
	if err := tx.requireActive(); err != nil {
		return err
	}

	before, _ := tx.Get(collection, id)

	tx.ops = append(tx.ops, bufferedOp{Kind: opDelete, Collection: collection, ID: id, Before: before})

	return nil
}

// Rollback discards the transaction's buffered operations without
// touching the WAL or storage; nothing it buffered was ever written.
func (tx *Tx) Rollback() error {
	if tx.state != Active {
		return &ErrNotActive{State: tx.state}
	}

	tx.ops = nil
	tx.state = Aborted

	return nil
}

// Commit durably records the transaction: Begin, one Operation entry
// per buffered write, then Commit, fsynced according to the manager's
// durability mode; only then are the operations applied to storage and
// indexes.
func (tx *Tx) Commit() error {
	if err := tx.requireActive(); err != nil {
		return err
	}

	tx.state = Committing

	m := tx.mgr

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeCommitRecord(tx); err != nil {
		tx.state = Aborted
		return err
	}

	for _, op := range tx.ops {
		if err := m.apply(op); err != nil {
			// Storage/index application failure after a durable WAL
			// commit is unrecoverable in-process; the WAL entry stands
			// and replay will retry the same operation on next open.
			return fmt.Errorf("applying committed operation: %w", err)
		}
	}

	tx.state = Committed
	tx.ops = nil

	m.opsSinceCheckpoint++

	if m.durability.Mode == Unsafe && m.durability.AutoCheckpointOps > 0 &&
		m.opsSinceCheckpoint >= m.durability.AutoCheckpointOps {
		if err := m.checkpointLocked(); err != nil {
			return fmt.Errorf("auto-checkpoint: %w", err)
		}
	}

	return nil
}

func (m *Manager) writeCommitRecord(tx *Tx) error {
	if m.durability.Mode == Unsafe {
		return nil
	}

	if err := m.wal.Append(wal.Entry{TxID: tx.id, Type: wal.Begin}); err != nil {
		return err
	}

	for _, op := range tx.ops {
		data, err := encodeOp(op)
		if err != nil {
			return fmt.Errorf("encoding operation: %w", err)
		}

		if err := m.wal.Append(wal.Entry{TxID: tx.id, Type: wal.Operation, Data: data}); err != nil {
			return err
		}
	}

	if err := m.wal.Append(wal.Entry{TxID: tx.id, Type: wal.Commit}); err != nil {
		return err
	}

	switch m.durability.Mode {
	case Safe:
		return m.wal.Flush()
	case Batch:
		m.commitsSinceFlush++

		if m.commitsSinceFlush >= maxInt(m.durability.BatchSize, 1) {
			m.commitsSinceFlush = 0
			return m.wal.Flush()
		}

		return nil
	default:
		return nil
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

// apply writes a single committed operation to storage and keeps
// secondary indexes in sync. Callers must hold m.mu.
func (m *Manager) apply(op bufferedOp) error {
	switch op.Kind {
	case opInsert:
		if _, err := m.storage.WriteDocumentFull(op.Collection, op.ID, op.After); err != nil {
			return err
		}

		return m.indexInsert(op.Collection, op.ID, op.After)

	case opUpdate:
		if _, err := m.storage.WriteDocumentFull(op.Collection, op.ID, op.After); err != nil {
			return err
		}

		return m.indexUpdate(op.Collection, op.ID, op.Before, op.After)

	case opDelete:
		if _, err := m.storage.WriteTombstoneFull(op.Collection, op.ID); err != nil {
			return err
		}

		return m.indexDelete(op.Collection, op.ID, op.Before)

	default:
		return fmt.Errorf("unknown buffered op kind %d", op.Kind)
	}
}

func (m *Manager) indexInsert(collection string, id bsonval.ID, body map[string]any) error {
	for _, idx := range m.indexes.forCollection(collection) {
		if err := idx.Insert(idx.ExtractKey(body), id); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) indexUpdate(collection string, id bsonval.ID, before, after map[string]any) error {
	for _, idx := range m.indexes.forCollection(collection) {
		oldKey := idx.ExtractKey(before)
		newKey := idx.ExtractKey(after)

		if err := idx.Update(oldKey, newKey, id); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) indexDelete(collection string, id bsonval.ID, before map[string]any) error {
	for _, idx := range m.indexes.forCollection(collection) {
		idx.Delete(idx.ExtractKey(before), id)
	}

	return nil
}

// Checkpoint flushes the storage catalog to disk and clears the WAL,
// since every operation it recorded is now durable in the data file
// itself.
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.checkpointLocked()
}

func (m *Manager) checkpointLocked() error {
	if err := m.storage.FlushMetadata(); err != nil {
		return fmt.Errorf("flushing metadata during checkpoint: %w", err)
	}

	if err := m.wal.Clear(); err != nil {
		return fmt.Errorf("clearing wal during checkpoint: %w", err)
	}

	m.opsSinceCheckpoint = 0

	return nil
}
