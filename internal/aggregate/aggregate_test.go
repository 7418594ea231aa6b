package aggregate_test

import (
	"testing"

	"github.com/ironbase/ironbase/internal/aggregate"
)

func docs() []aggregate.Doc {
	return []aggregate.Doc{
		{"_id": float64(1), "dept": "eng", "salary": float64(100)},
		{"_id": float64(2), "dept": "eng", "salary": float64(200)},
		{"_id": float64(3), "dept": "sales", "salary": float64(50)},
	}
}

func TestMatchStage(t *testing.T) {
	out, err := aggregate.Run(docs(), []map[string]any{
		{"$match": map[string]any{"dept": "eng"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("expected 2 matching docs, got %d", len(out))
	}
}

func TestGroupSumAvgMinMax(t *testing.T) {
	out, err := aggregate.Run(docs(), []map[string]any{
		{"$group": map[string]any{
			"_id":      "$dept",
			"total":    map[string]any{"$sum": "$salary"},
			"avg":      map[string]any{"$avg": "$salary"},
			"lo":       map[string]any{"$min": "$salary"},
			"hi":       map[string]any{"$max": "$salary"},
			"count":    map[string]any{"$sum": float64(1)},
		}},
		{"$sort": map[string]any{"_id": float64(1)}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(out), out)
	}

	eng := out[0]
	if eng["_id"] != "eng" || eng["total"] != float64(300) || eng["avg"] != float64(150) {
		t.Fatalf("unexpected eng group: %+v", eng)
	}

	if eng["lo"] != float64(100) || eng["hi"] != float64(200) || eng["count"] != float64(2) {
		t.Fatalf("unexpected eng group stats: %+v", eng)
	}
}

func TestUnwindExpandsArrayField(t *testing.T) {
	input := []aggregate.Doc{
		{"_id": float64(1), "tags": []any{"a", "b"}},
	}

	out, err := aggregate.Run(input, []map[string]any{
		{"$unwind": "$tags"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(out) != 2 {
		t.Fatalf("expected 2 unwound docs, got %d", len(out))
	}
}

func TestLimitSkipCount(t *testing.T) {
	out, err := aggregate.Run(docs(), []map[string]any{
		{"$skip": float64(1)},
		{"$limit": float64(1)},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(out) != 1 || out[0]["_id"] != float64(2) {
		t.Fatalf("expected single skipped+limited doc, got %+v", out)
	}

	counted, err := aggregate.Run(docs(), []map[string]any{
		{"$count": "total"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(counted) != 1 || counted[0]["total"] != float64(3) {
		t.Fatalf("expected count stage result, got %+v", counted)
	}
}

func TestUnknownStageIsAggregationError(t *testing.T) {
	_, err := aggregate.Run(docs(), []map[string]any{
		{"$bogus": map[string]any{}},
	})
	if err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestAddFieldsComputesFromExistingField(t *testing.T) {
	input := []aggregate.Doc{{"_id": float64(1), "a": float64(5)}}

	out, err := aggregate.Run(input, []map[string]any{
		{"$addFields": map[string]any{"b": "$a"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out[0]["b"] != float64(5) {
		t.Fatalf("expected b copied from a, got %+v", out[0])
	}
}
