package bsonval

import "testing"

func TestIDEqualityDoesNotCoerceAcrossTags(t *testing.T) {
	intOne := IntID(1)
	strOne := StrID("1")

	if intOne.Equal(strOne) {
		t.Fatalf("IntID(1) must not equal StrID(\"1\")")
	}

	if !intOne.Equal(IntID(1)) {
		t.Fatalf("IntID(1) must equal itself")
	}
}

func TestIDFromJSONClassifiesObjectIDs(t *testing.T) {
	oid := NewObjectID()
	hex, _ := oid.ObjectIDHex()

	got, err := FromJSON(hex)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}

	if got.Tag() != TagObjectID {
		t.Fatalf("expected TagObjectID, got %v", got.Tag())
	}

	if !got.Equal(oid) {
		t.Fatalf("round-tripped object id mismatch: %v != %v", got, oid)
	}
}

func TestIDFromJSONPlainStringIsStrVariant(t *testing.T) {
	got, err := FromJSON("not-an-object-id")
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}

	if got.Tag() != TagStr {
		t.Fatalf("expected TagStr, got %v", got.Tag())
	}
}

func TestIDTaggedRoundTrip(t *testing.T) {
	cases := []ID{IntID(42), StrID("abc"), NewObjectID()}

	for _, id := range cases {
		got, err := IDFromTagged(id.TypeTag(), id.ValueString())
		if err != nil {
			t.Fatalf("IDFromTagged(%v): %v", id, err)
		}

		if !got.Equal(id) {
			t.Fatalf("round trip mismatch: %v != %v", got, id)
		}
	}
}

func TestIDCompareOrdersByTagThenValue(t *testing.T) {
	if IntID(100).Compare(StrID("a")) >= 0 {
		t.Fatalf("int variant must sort before str variant")
	}

	if IntID(1).Compare(IntID(2)) >= 0 {
		t.Fatalf("IntID(1) must sort before IntID(2)")
	}
}
