package update_test

import (
	"reflect"
	"testing"

	"github.com/ironbase/ironbase/internal/update"
)

func apply(t *testing.T, doc map[string]any, upd map[string]any) map[string]any {
	t.Helper()

	if err := update.Apply(doc, upd); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	return doc
}

func TestIsReplacementDetection(t *testing.T) {
	if !update.IsReplacement(map[string]any{"name": "bob"}) {
		t.Fatalf("expected plain-key document to be a replacement")
	}

	if update.IsReplacement(map[string]any{"$set": map[string]any{"name": "bob"}}) {
		t.Fatalf("expected $-prefixed document to not be a replacement")
	}
}

func TestSetAndUnset(t *testing.T) {
	doc := map[string]any{"a": float64(1)}

	apply(t, doc, map[string]any{"$set": map[string]any{"b": float64(2)}})

	if doc["b"] != float64(2) {
		t.Fatalf("expected $set to add field, got %v", doc)
	}

	apply(t, doc, map[string]any{"$unset": map[string]any{"a": ""}})

	if _, ok := doc["a"]; ok {
		t.Fatalf("expected $unset to remove field, got %v", doc)
	}
}

func TestIncMulMissingFieldTreatedAsZero(t *testing.T) {
	doc := map[string]any{}

	apply(t, doc, map[string]any{"$inc": map[string]any{"count": float64(5)}})

	if doc["count"] != float64(5) {
		t.Fatalf("expected $inc on missing field to start from 0, got %v", doc["count"])
	}

	apply(t, doc, map[string]any{"$mul": map[string]any{"count": float64(3)}})

	if doc["count"] != float64(15) {
		t.Fatalf("expected $mul to multiply, got %v", doc["count"])
	}
}

func TestMinMax(t *testing.T) {
	doc := map[string]any{"score": float64(10)}

	apply(t, doc, map[string]any{"$min": map[string]any{"score": float64(5)}})

	if doc["score"] != float64(5) {
		t.Fatalf("expected $min to lower value, got %v", doc["score"])
	}

	apply(t, doc, map[string]any{"$max": map[string]any{"score": float64(20)}})

	if doc["score"] != float64(20) {
		t.Fatalf("expected $max to raise value, got %v", doc["score"])
	}
}

func TestRename(t *testing.T) {
	doc := map[string]any{"old": "v"}

	apply(t, doc, map[string]any{"$rename": map[string]any{"old": "new"}})

	if _, ok := doc["old"]; ok {
		t.Fatalf("expected old field removed")
	}

	if doc["new"] != "v" {
		t.Fatalf("expected new field set, got %v", doc)
	}
}

func TestPushScalarAndEachWithSlice(t *testing.T) {
	doc := map[string]any{"tags": []any{"a"}}

	apply(t, doc, map[string]any{"$push": map[string]any{"tags": "b"}})

	got, _ := doc["tags"].([]any)
	if !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Fatalf("expected [a b], got %v", got)
	}

	apply(t, doc, map[string]any{"$push": map[string]any{
		"tags": map[string]any{
			"$each":  []any{"c", "d", "e"},
			"$slice": float64(-3),
		},
	}})

	got, _ = doc["tags"].([]any)
	if !reflect.DeepEqual(got, []any{"c", "d", "e"}) {
		t.Fatalf("expected last 3 after slice, got %v", got)
	}
}

func TestPullByValue(t *testing.T) {
	doc := map[string]any{"nums": []any{float64(1), float64(2), float64(3), float64(4)}}

	apply(t, doc, map[string]any{"$pull": map[string]any{"nums": float64(2)}})

	got, _ := doc["nums"].([]any)
	if !reflect.DeepEqual(got, []any{float64(1), float64(3), float64(4)}) {
		t.Fatalf("expected 2 removed, got %v", got)
	}
}

func TestPullAll(t *testing.T) {
	doc := map[string]any{"nums": []any{float64(1), float64(2), float64(3)}}

	apply(t, doc, map[string]any{"$pullAll": map[string]any{"nums": []any{float64(1), float64(3)}}})

	got, _ := doc["nums"].([]any)
	if !reflect.DeepEqual(got, []any{float64(2)}) {
		t.Fatalf("expected only 2 left, got %v", got)
	}
}

func TestAddToSetStructuralDedup(t *testing.T) {
	doc := map[string]any{"tags": []any{"a"}}

	apply(t, doc, map[string]any{"$addToSet": map[string]any{"tags": "a"}})

	got, _ := doc["tags"].([]any)
	if len(got) != 1 {
		t.Fatalf("expected duplicate rejected, got %v", got)
	}

	apply(t, doc, map[string]any{"$addToSet": map[string]any{"tags": "b"}})

	got, _ = doc["tags"].([]any)
	if len(got) != 2 {
		t.Fatalf("expected new element added, got %v", got)
	}
}

func TestPopTailAndHead(t *testing.T) {
	doc := map[string]any{"nums": []any{float64(1), float64(2), float64(3)}}

	apply(t, doc, map[string]any{"$pop": map[string]any{"nums": float64(1)}})

	got, _ := doc["nums"].([]any)
	if !reflect.DeepEqual(got, []any{float64(1), float64(2)}) {
		t.Fatalf("expected tail popped, got %v", got)
	}

	apply(t, doc, map[string]any{"$pop": map[string]any{"nums": float64(-1)}})

	got, _ = doc["nums"].([]any)
	if !reflect.DeepEqual(got, []any{float64(2)}) {
		t.Fatalf("expected head popped, got %v", got)
	}
}

func TestUnknownOperatorIsInvalidUpdate(t *testing.T) {
	err := update.Apply(map[string]any{}, map[string]any{"$bogus": map[string]any{"a": 1}})
	if err == nil {
		t.Fatalf("expected error for unknown operator")
	}
}

func TestSetIntoScalarFieldIsInvalidUpdate(t *testing.T) {
	doc := map[string]any{"a": "scalar"}

	err := update.Apply(doc, map[string]any{"$set": map[string]any{"a.b": float64(1)}})
	if err == nil {
		t.Fatalf("expected error when setting a path through a scalar")
	}
}
