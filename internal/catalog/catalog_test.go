package catalog_test

import (
	"testing"

	"github.com/ironbase/ironbase/internal/bsonval"
	"github.com/ironbase/ironbase/internal/catalog"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := catalog.Header{Version: catalog.CurrentVersion, MetadataOffset: 1024, MetadataSize: 512}

	buf := catalog.Encode(h)

	got, err := catalog.Decode(buf[:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got != h {
		t.Fatalf("got %+v, want %+v", got, h)
	}
}

func TestHeaderDecodeRejectsBadMagic(t *testing.T) {
	var buf [catalog.HeaderSize]byte
	copy(buf[:], "NOTMAGIC")

	if _, err := catalog.Decode(buf[:]); err != catalog.ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestCollectionMetaPutTracksCountersAndLastID(t *testing.T) {
	m := catalog.NewCollectionMeta("users")

	m.Put(bsonval.IntID(1), 100)
	m.Put(bsonval.IntID(5), 200)
	m.Put(bsonval.IntID(1), 300) // update: same id, new offset

	if m.DocumentCount != 3 {
		t.Fatalf("DocumentCount = %d, want 3", m.DocumentCount)
	}

	if m.LiveDocumentCount != 2 {
		t.Fatalf("LiveDocumentCount = %d, want 2", m.LiveDocumentCount)
	}

	if m.LastID != 5 {
		t.Fatalf("LastID = %d, want 5", m.LastID)
	}

	off, ok := m.Lookup(bsonval.IntID(1))
	if !ok || off != 300 {
		t.Fatalf("Lookup(1) = (%d, %v), want (300, true)", off, ok)
	}
}

func TestCollectionMetaRemoveDecrementsLive(t *testing.T) {
	m := catalog.NewCollectionMeta("users")
	m.Put(bsonval.IntID(1), 100)
	m.Remove(bsonval.IntID(1))

	if m.LiveDocumentCount != 0 {
		t.Fatalf("LiveDocumentCount = %d, want 0", m.LiveDocumentCount)
	}

	if _, ok := m.Lookup(bsonval.IntID(1)); ok {
		t.Fatalf("expected id removed from catalog")
	}
}

func TestCatalogJSONPreservesIDTypeTags(t *testing.T) {
	cat := catalog.NewCatalog()
	m := cat.Get("users")

	oid := bsonval.NewObjectID()

	m.Put(bsonval.IntID(1), 10)
	m.Put(bsonval.StrID("abc"), 20)
	m.Put(oid, 30)

	body, err := catalog.EncodeCatalogBody(cat)
	if err != nil {
		t.Fatalf("EncodeCatalogBody: %v", err)
	}

	got, err := catalog.DecodeCatalogBody(body)
	if err != nil {
		t.Fatalf("DecodeCatalogBody: %v", err)
	}

	gm := got.Collections["users"]
	if gm == nil {
		t.Fatalf("missing collection users")
	}

	for _, id := range []bsonval.ID{bsonval.IntID(1), bsonval.StrID("abc"), oid} {
		if _, ok := gm.Lookup(id); !ok {
			t.Fatalf("lost id %v across catalog round trip", id)
		}
	}

	// integer 1 and string "1" must remain distinct even if present
	strOne := bsonval.StrID("1")
	m.Put(strOne, 40)

	body2, err := catalog.EncodeCatalogBody(cat)
	if err != nil {
		t.Fatalf("EncodeCatalogBody: %v", err)
	}

	got2, err := catalog.DecodeCatalogBody(body2)
	if err != nil {
		t.Fatalf("DecodeCatalogBody: %v", err)
	}

	gm2 := got2.Collections["users"]

	offInt, okInt := gm2.Lookup(bsonval.IntID(1))
	offStr, okStr := gm2.Lookup(strOne)

	if !okInt || !okStr {
		t.Fatalf("expected both IntID(1) and StrID(\"1\") present")
	}

	if offInt == offStr {
		t.Fatalf("IntID(1) and StrID(\"1\") must not collide: both resolved to %d", offInt)
	}
}
