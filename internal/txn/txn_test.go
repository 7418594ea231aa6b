package txn_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/index"
	"github.com/ironbase/ironbase/internal/storage"
	"github.com/ironbase/ironbase/internal/txn"
	"github.com/ironbase/ironbase/internal/wal"
	ironfs "github.com/ironbase/ironbase/pkg/fs"
)

func newTestManager(t *testing.T) (*txn.Manager, *storage.Engine, *wal.Log) {
	t.Helper()

	dir := t.TempDir()
	fsys := ironfs.NewReal()

	eng, err := storage.Open(fsys, filepath.Join(dir, "data.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}

	t.Cleanup(func() { _ = eng.Close() })

	walLog, err := wal.Open(fsys, filepath.Join(dir, "data.wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}

	t.Cleanup(func() { _ = walLog.Close() })

	indexes := txn.IndexSet{}

	mgr := txn.NewManager(eng, walLog, indexes, txn.SafeDurability())

	return mgr, eng, walLog
}

func TestInsertCommitIsVisibleInStorage(t *testing.T) {
	mgr, eng, _ := newTestManager(t)

	tx := mgr.Begin()

	id := bsonval.IntID(1)
	if err := tx.InsertOne("users", id, map[string]any{"name": "bob"}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	meta := eng.Catalog().Get("users")

	offset, ok := meta.Lookup(id)
	if !ok {
		t.Fatalf("expected committed document present in catalog")
	}

	doc, err := eng.ReadDocumentAt(offset)
	if err != nil {
		t.Fatalf("ReadDocumentAt: %v", err)
	}

	if doc.Body["name"] != "bob" {
		t.Fatalf("expected name bob, got %+v", doc.Body)
	}
}

func TestRollbackDiscardsBufferedOps(t *testing.T) {
	mgr, eng, _ := newTestManager(t)

	tx := mgr.Begin()

	id := bsonval.IntID(1)
	if err := tx.InsertOne("users", id, map[string]any{"name": "bob"}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, ok := eng.Catalog().Get("users").Lookup(id); ok {
		t.Fatalf("expected rolled-back insert to be absent from storage")
	}
}

func TestReadYourWritesWithinTransaction(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	tx := mgr.Begin()

	id := bsonval.IntID(1)
	_ = tx.InsertOne("users", id, map[string]any{"name": "bob"})

	body, ok := tx.Get("users", id)
	if !ok || body["name"] != "bob" {
		t.Fatalf("expected read-your-writes to see uncommitted insert, got %+v ok=%v", body, ok)
	}

	_ = tx.UpdateOne("users", id, map[string]any{"name": "alice"})

	body, ok = tx.Get("users", id)
	if !ok || body["name"] != "alice" {
		t.Fatalf("expected read-your-writes to see latest buffered update, got %+v", body)
	}
}

func TestCommitAfterActionsOnCommittedTxFails(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	tx := mgr.Begin()

	id := bsonval.IntID(1)
	_ = tx.InsertOne("users", id, map[string]any{"name": "bob"})

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := tx.InsertOne("users", bsonval.IntID(2), map[string]any{}); err == nil {
		t.Fatalf("expected error inserting against a committed transaction")
	}
}

func TestRecoverReplaysCommittedTransactionFromWAL(t *testing.T) {
	dir := t.TempDir()
	fsys := ironfs.NewReal()
	dataPath := filepath.Join(dir, "data.db")
	walPath := filepath.Join(dir, "data.wal")

	eng, err := storage.Open(fsys, dataPath)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}

	walLog, err := wal.Open(fsys, walPath)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}

	mgr := txn.NewManager(eng, walLog, txn.IndexSet{}, txn.SafeDurability())

	tx := mgr.Begin()
	id := bsonval.IntID(42)

	if err := tx.InsertOne("users", id, map[string]any{"name": "carol"}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Simulate a crash-restart: reopen a fresh storage engine that has
	// never seen FlushMetadata, plus the same WAL, and recover.
	if err := eng.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	eng2, err := storage.Open(fsys, dataPath)
	if err != nil {
		t.Fatalf("reopening storage: %v", err)
	}

	walLog2, err := wal.Open(fsys, walPath)
	if err != nil {
		t.Fatalf("reopening wal: %v", err)
	}

	mgr2 := txn.NewManager(eng2, walLog2, txn.IndexSet{}, txn.SafeDurability())

	if err := txn.Recover(mgr2, walLog2); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	meta := eng2.Catalog().Get("users")

	offset, ok := meta.Lookup(id)
	if !ok {
		t.Fatalf("expected recovered document present after replay")
	}

	doc, err := eng2.ReadDocumentAt(offset)
	if err != nil {
		t.Fatalf("ReadDocumentAt: %v", err)
	}

	if doc.Body["name"] != "carol" {
		t.Fatalf("expected recovered name carol, got %+v", doc.Body)
	}

	info, err := os.Stat(walPath)
	if err != nil {
		t.Fatalf("stat wal: %v", err)
	}

	if info.Size() != 0 {
		t.Fatalf("expected wal cleared after recovery checkpoint, size=%d", info.Size())
	}
}

func TestUniqueIndexViolationDuringCommitIsReported(t *testing.T) {
	dir := t.TempDir()
	fsys := ironfs.NewReal()

	eng, err := storage.Open(fsys, filepath.Join(dir, "data.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}

	t.Cleanup(func() { _ = eng.Close() })

	walLog, err := wal.Open(fsys, filepath.Join(dir, "data.wal"))
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}

	t.Cleanup(func() { _ = walLog.Close() })

	uniqueIdx := index.New("email_1", []string{"email"}, true)
	mgr := txn.NewManager(eng, walLog, txn.IndexSet{"users": {"email_1": uniqueIdx}}, txn.SafeDurability())

	tx1 := mgr.Begin()
	if err := tx1.InsertOne("users", bsonval.IntID(1), map[string]any{"email": "a@example.com"}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	if err := tx1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2 := mgr.Begin()
	if err := tx2.InsertOne("users", bsonval.IntID(2), map[string]any{"email": "a@example.com"}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	if err := tx2.Commit(); err == nil {
		t.Fatalf("expected unique-index violation to surface on commit")
	}
}
