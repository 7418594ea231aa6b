package ironbase_test

import (
	"path/filepath"
	"testing"

	"github.com/ironbase/ironbase"
)

func openTestDB(t *testing.T) *ironbase.DB {
	t.Helper()

	dir := t.TempDir()

	db, err := ironbase.Open(filepath.Join(dir, "test.ironbase"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestOpen_CreatesAndReopensEmptyDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ironbase")

	db, err := ironbase.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := db.Collection("users").InsertOne(map[string]any{"n": float64(1)}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := ironbase.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	docs, err := db2.Collection("users").Find(map[string]any{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if len(docs) != 1 {
		t.Fatalf("expected 1 document after reopen, got %d", len(docs))
	}
}

func TestDB_ListCollectionsAndDropCollection(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.Collection("users").InsertOne(map[string]any{"n": float64(1)}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	if _, err := db.Collection("sales").InsertOne(map[string]any{"n": float64(1)}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	names := db.ListCollections()
	if len(names) != 2 {
		t.Fatalf("expected 2 collections, got %v", names)
	}

	if err := db.DropCollection("sales"); err != nil {
		t.Fatalf("DropCollection: %v", err)
	}

	names = db.ListCollections()
	if len(names) != 1 || names[0] != "users" {
		t.Fatalf("expected only users to remain, got %v", names)
	}
}

func TestDB_StatsReportsDocumentCounts(t *testing.T) {
	db := openTestDB(t)

	col := db.Collection("users")

	for i := 0; i < 3; i++ {
		if _, err := col.InsertOne(map[string]any{"n": float64(i)}); err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
	}

	raw, err := db.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if len(raw) == 0 {
		t.Fatalf("expected non-empty stats JSON")
	}
}

// Scenario 1 from spec §8: auto-assigned ids survive a crash that
// happens after the WAL commit record is durable but before the
// catalog is ever flushed to the data file.
func TestScenario_AutoIDSurvivesCrashBeforeMetadataFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.ironbase")

	db, err := ironbase.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	col := db.Collection("events")

	if _, err := col.InsertOne(map[string]any{"n": float64(1)}); err != nil {
		t.Fatalf("InsertOne 1: %v", err)
	}

	if _, err := col.InsertOne(map[string]any{"n": float64(2)}); err != nil {
		t.Fatalf("InsertOne 2: %v", err)
	}

	// Simulate a crash: abandon db without Close (which would flush
	// metadata and checkpoint the WAL), then reopen fresh over the same
	// files. Safe durability already fsynced both inserts' WAL entries.
	// ReleaseLockForTesting stands in for the OS releasing db's file
	// lock automatically, the way a real process crash would.
	if err := db.ReleaseLockForTesting(); err != nil {
		t.Fatalf("ReleaseLockForTesting: %v", err)
	}

	db2, err := ironbase.Open(path)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer db2.Close()

	if _, err := db2.Collection("events").InsertOne(map[string]any{"n": float64(3)}); err != nil {
		t.Fatalf("InsertOne 3: %v", err)
	}

	docs, err := db2.Collection("events").Find(map[string]any{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	if len(docs) != 3 {
		t.Fatalf("expected 3 documents after recovery, got %d: %+v", len(docs), docs)
	}

	seen := map[int64]bool{}

	for _, d := range docs {
		n, ok := d["_id"].(int64)
		if !ok {
			t.Fatalf("expected numeric _id, got %T: %v", d["_id"], d["_id"])
		}

		seen[n] = true
	}

	for _, want := range []int64{1, 2, 3} {
		if !seen[want] {
			t.Fatalf("expected id %d among recovered documents, got ids %v", want, seen)
		}
	}
}

// Scenario 6 from spec §8: compacting after many updates to the same
// document keeps only its latest version.
func TestScenario_CompactionReclaimsSupersededUpdates(t *testing.T) {
	db := openTestDB(t)

	col := db.Collection("counters")

	if _, err := col.InsertOne(map[string]any{"_id": float64(1), "v": float64(0)}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	for i := 1; i <= 100; i++ {
		n, err := col.UpdateOne(map[string]any{"_id": float64(1)}, map[string]any{"$inc": map[string]any{"v": float64(1)}})
		if err != nil {
			t.Fatalf("UpdateOne #%d: %v", i, err)
		}

		if n != 1 {
			t.Fatalf("UpdateOne #%d: expected 1 modified, got %d", i, n)
		}
	}

	stats, err := db.Compact()
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if stats.DocumentsKept != 1 {
		t.Fatalf("expected 1 document kept, got %d", stats.DocumentsKept)
	}

	if stats.SizeAfter >= stats.SizeBefore {
		t.Fatalf("expected size_after < size_before, got after=%d before=%d", stats.SizeAfter, stats.SizeBefore)
	}

	doc, err := col.FindOne(map[string]any{"_id": float64(1)})
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}

	if doc["v"] != float64(100) {
		t.Fatalf("expected v=100 after compaction, got %v", doc["v"])
	}
}
