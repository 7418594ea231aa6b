package querycache_test

import (
	"testing"

	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/querycache"
)

func TestGetPutRoundTrip(t *testing.T) {
	c := querycache.New(0)

	key := querycache.Key(map[string]any{"age": float64(30)}, "")

	if _, ok := c.Get("users", key); ok {
		t.Fatalf("expected cache miss before Put")
	}

	want := querycache.Entry{IDs: []bsonval.ID{bsonval.IntID(1), bsonval.IntID(2)}}
	c.Put("users", key, want)

	got, ok := c.Get("users", key)
	if !ok || len(got.IDs) != 2 {
		t.Fatalf("expected cache hit with 2 ids, got %+v ok=%v", got, ok)
	}
}

func TestInvalidateCollectionDropsAllEntriesForThatCollection(t *testing.T) {
	c := querycache.New(0)

	key := querycache.Key(map[string]any{"age": float64(30)}, "")
	c.Put("users", key, querycache.Entry{IDs: []bsonval.ID{bsonval.IntID(1)}})
	c.Put("orders", key, querycache.Entry{IDs: []bsonval.ID{bsonval.IntID(2)}})

	c.InvalidateCollection("users")

	if _, ok := c.Get("users", key); ok {
		t.Fatalf("expected users cache invalidated")
	}

	if _, ok := c.Get("orders", key); !ok {
		t.Fatalf("expected orders cache untouched")
	}
}

func TestKeyDistinguishesDifferentFilters(t *testing.T) {
	k1 := querycache.Key(map[string]any{"age": float64(30)}, "")
	k2 := querycache.Key(map[string]any{"age": float64(31)}, "")

	if k1 == k2 {
		t.Fatalf("expected distinct keys for distinct filters")
	}
}
