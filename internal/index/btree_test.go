package index_test

import (
	"testing"

	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/index"
	ironfs "github.com/ironbase/ironbase/pkg/fs"
)

func TestUniqueIndexRejectsDuplicateKey(t *testing.T) {
	idx := index.New("email_unique", []string{"email"}, true)

	if err := idx.Insert([]any{"a@x.com"}, bsonval.IntID(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	err := idx.Insert([]any{"a@x.com"}, bsonval.IntID(2))
	if err == nil {
		t.Fatalf("expected duplicate key error")
	}

	var dupErr *index.ErrDuplicateKey
	if !asDup(err, &dupErr) {
		t.Fatalf("expected *ErrDuplicateKey, got %T", err)
	}
}

func asDup(err error, target **index.ErrDuplicateKey) bool {
	d, ok := err.(*index.ErrDuplicateKey)
	if ok {
		*target = d
	}

	return ok
}

func TestUniqueIndexSelfMatchIsNoop(t *testing.T) {
	idx := index.New("email_unique", []string{"email"}, true)

	if err := idx.Insert([]any{"a@x.com"}, bsonval.IntID(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := idx.Update([]any{"a@x.com"}, []any{"a@x.com"}, bsonval.IntID(1)); err != nil {
		t.Fatalf("Update self-match should be a no-op, got: %v", err)
	}
}

func TestNonUniqueIndexAllowsDuplicateKeys(t *testing.T) {
	idx := index.New("by_status", []string{"status"}, false)

	if err := idx.Insert([]any{"active"}, bsonval.IntID(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := idx.Insert([]any{"active"}, bsonval.IntID(2)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ids := idx.Eq([]any{"active"})
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
}

func TestRangeQuery(t *testing.T) {
	idx := index.New("by_age", []string{"age"}, false)

	for i, age := range []float64{10, 20, 30, 40} {
		if err := idx.Insert([]any{age}, bsonval.IntID(int64(i))); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	ids := idx.Range(&index.Bound{Op: "gte", Value: float64(20)}, &index.Bound{Op: "lt", Value: float64(40)})
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids in [20,40), got %d", len(ids))
	}
}

func TestSidecarPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fsys := ironfs.NewReal()
	dataPath := dir + "/mydb.db"

	idx := index.New("email_unique", []string{"email"}, true)
	if err := idx.Insert([]any{"a@x.com"}, bsonval.IntID(1)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := index.Flush(dataPath, idx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loaded, found, err := index.Load(fsys, dataPath, "email_unique", []string{"email"}, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !found {
		t.Fatalf("expected sidecar to be found")
	}

	if loaded.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", loaded.Len())
	}
}

func TestLoadMissingSidecarReportsNotFound(t *testing.T) {
	dir := t.TempDir()
	fsys := ironfs.NewReal()

	_, found, err := index.Load(fsys, dir+"/mydb.db", "ghost", []string{"f"}, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if found {
		t.Fatalf("expected sidecar not found")
	}
}
