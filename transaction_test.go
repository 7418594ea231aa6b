package ironbase_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironbase/ironbase"
)

func TestTransaction_CommitAppliesEveryBufferedOperation(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	existingID, err := col.InsertOne(map[string]any{"name": "c", "age": float64(1)})
	require.NoError(t, err)

	tx := db.BeginTransaction()

	if _, err := tx.InsertOneTx("users", map[string]any{"name": "a"}); err != nil {
		_ = tx.RollbackTransaction()
		t.Fatalf("InsertOneTx: %v", err)
	}

	if _, err := tx.InsertOneTx("users", map[string]any{"name": "b"}); err != nil {
		_ = tx.RollbackTransaction()
		t.Fatalf("InsertOneTx: %v", err)
	}

	if err := tx.UpdateOneTx("users", existingID, map[string]any{"$set": map[string]any{"age": float64(2)}}); err != nil {
		_ = tx.RollbackTransaction()
		t.Fatalf("UpdateOneTx: %v", err)
	}

	require.NoError(t, tx.CommitTransaction())

	docs, err := col.Find(map[string]any{})
	require.NoError(t, err)
	require.Len(t, docs, 3)

	doc, err := col.FindOne(map[string]any{"name": "c"})
	require.NoError(t, err)
	require.Equal(t, float64(2), doc["age"])
}

func TestTransaction_RollbackDiscardsEveryBufferedOperation(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	tx := db.BeginTransaction()

	_, err := tx.InsertOneTx("users", map[string]any{"name": "a"})
	require.NoError(t, err)

	require.NoError(t, tx.RollbackTransaction())

	docs, err := col.Find(map[string]any{})
	require.NoError(t, err)
	require.Empty(t, docs)
}

// Scenario 5 from spec §8: a transaction that never commits leaves no
// trace after a crash, including its effect on auto-assigned ids;
// once actually committed, every mutation survives a crash-restart.
func TestScenario_TransactionAtomicityAcrossCrash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ironbase")

	db, err := ironbase.Open(path)
	require.NoError(t, err)

	col := db.Collection("accounts")

	thirdID, err := col.InsertOne(map[string]any{"name": "c", "balance": float64(0)})
	require.NoError(t, err)

	preTxLastID := thirdID

	tx := db.BeginTransaction()

	_, err = tx.InsertOneTx("accounts", map[string]any{"name": "a"})
	require.NoError(t, err)

	_, err = tx.InsertOneTx("accounts", map[string]any{"name": "b"})
	require.NoError(t, err)

	require.NoError(t, tx.UpdateOneTx("accounts", thirdID, map[string]any{"$set": map[string]any{"balance": float64(100)}}))

	// Crash before commit: the transaction's buffered writes were never
	// appended to the WAL, so reopening must not observe any of them.
	// Releasing the lock stands in for the OS reclaiming it on process
	// death; db itself is abandoned, never closed cleanly.
	_ = tx

	require.NoError(t, db.ReleaseLockForTesting())

	db2, err := ironbase.Open(path)
	require.NoError(t, err)

	docs, err := db2.Collection("accounts").Find(map[string]any{})
	require.NoError(t, err)
	require.Len(t, docs, 1, "uncommitted transaction must leave no trace")

	doc, err := db2.Collection("accounts").FindOne(map[string]any{"name": "c"})
	require.NoError(t, err)
	require.Equal(t, float64(0), doc["balance"], "uncommitted update must not be visible")

	require.NoError(t, db2.Close())

	// Now repeat the same transaction to completion and confirm it
	// survives a crash-restart once committed.
	db3, err := ironbase.Open(path)
	require.NoError(t, err)

	tx2 := db3.BeginTransaction()

	_, err = tx2.InsertOneTx("accounts", map[string]any{"name": "a"})
	require.NoError(t, err)

	_, err = tx2.InsertOneTx("accounts", map[string]any{"name": "b"})
	require.NoError(t, err)

	require.NoError(t, tx2.UpdateOneTx("accounts", preTxLastID, map[string]any{"$set": map[string]any{"balance": float64(100)}}))

	require.NoError(t, tx2.CommitTransaction())
	require.NoError(t, db3.Close())

	db4, err := ironbase.Open(path)
	require.NoError(t, err)
	defer db4.Close()

	docs, err = db4.Collection("accounts").Find(map[string]any{})
	require.NoError(t, err)
	require.Len(t, docs, 3, "committed transaction must survive a crash-restart")

	doc, err = db4.Collection("accounts").FindOne(map[string]any{"name": "c"})
	require.NoError(t, err)
	require.Equal(t, float64(100), doc["balance"])
}
