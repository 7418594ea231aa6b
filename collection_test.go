package ironbase_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironbase/ironbase"
)

func TestCollection_InsertOne_AutoAssignsIncreasingIDs(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	id1, err := col.InsertOne(map[string]any{"name": "a"})
	require.NoError(t, err, "first insert should succeed")

	id2, err := col.InsertOne(map[string]any{"name": "b"})
	require.NoError(t, err, "second insert should succeed")

	assert.NotEqual(t, id1.ToJSON(), id2.ToJSON(), "auto-assigned ids should differ")
}

func TestCollection_InsertOne_RejectsDuplicateExplicitID(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	_, err := col.InsertOne(map[string]any{"_id": float64(1), "name": "a"})
	require.NoError(t, err)

	_, err = col.InsertOne(map[string]any{"_id": float64(1), "name": "b"})
	require.Error(t, err, "inserting a second document with the same _id should fail")
	assert.ErrorIs(t, err, ironbase.IndexError)
}

func TestCollection_FindOne_ReturnsDocumentNotFoundWhenNoMatch(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	_, err := col.FindOne(map[string]any{"name": "nobody"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ironbase.DocumentNotFound)
}

func TestCollection_UpdateOne_AppliesSetOperator(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	id, err := col.InsertOne(map[string]any{"name": "a", "age": float64(1)})
	require.NoError(t, err)

	n, err := col.UpdateOne(map[string]any{"_id": id.ToJSON()}, map[string]any{"$set": map[string]any{"age": float64(2)}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := col.FindOne(map[string]any{"_id": id.ToJSON()})
	require.NoError(t, err)
	assert.Equal(t, float64(2), doc["age"])
}

func TestCollection_DeleteOne_RemovesMatchingDocument(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	_, err := col.InsertOne(map[string]any{"name": "a"})
	require.NoError(t, err)

	n, err := col.DeleteOne(map[string]any{"name": "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err := col.Find(map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCollection_CountDocumentsAndDistinct(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	for _, dept := range []string{"eng", "eng", "sales"} {
		_, err := col.InsertOne(map[string]any{"dept": dept})
		require.NoError(t, err)
	}

	count, err := col.CountDocuments(map[string]any{"dept": "eng"})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	depts, err := col.Distinct("dept", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, []any{"eng", "sales"}, depts)
}

// Scenario 2 from spec §8: a unique index must reject a conflicting
// update even though the write never touches the index it collides
// with directly, and the rejected update must leave the target
// document untouched.
func TestScenario_UniqueIndexPreventsDuplicateAcrossUpdate(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	require.NoError(t, col.CreateIndex("email_1", "email", true))

	_, err := col.InsertOne(map[string]any{"name": "a", "email": "x"})
	require.NoError(t, err)

	_, err = col.InsertOne(map[string]any{"name": "b", "email": "y"})
	require.NoError(t, err)

	_, err = col.UpdateOne(map[string]any{"name": "b"}, map[string]any{"$set": map[string]any{"email": "x"}})
	require.Error(t, err, "update should be rejected by the unique email index")
	assert.ErrorIs(t, err, ironbase.IndexError)

	doc, err := col.FindOne(map[string]any{"name": "b"})
	require.NoError(t, err)
	assert.Equal(t, "y", doc["email"], "rejected update must not have modified the document")
}

func TestCollection_CreateIndex_BuildsFromExistingDocuments(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	_, err := col.InsertOne(map[string]any{"email": "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, col.CreateIndex("email_1", "email", true))

	_, err = col.InsertOne(map[string]any{"email": "a@example.com"})
	require.Error(t, err, "index built from pre-existing documents should still enforce uniqueness")
	assert.ErrorIs(t, err, ironbase.IndexError)
}

func TestCollection_ListIndexes_IncludesImplicitIDIndex(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	require.NoError(t, col.CreateIndex("email_1", "email", false))

	names := make([]string, 0)
	for _, d := range col.ListIndexes() {
		names = append(names, d.Name)
	}

	assert.Contains(t, names, "_id_")
	assert.Contains(t, names, "email_1")
}

func TestCollection_Explain_DoesNotExecuteTheQuery(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	require.NoError(t, col.CreateIndex("age_1", "age", false))

	stage := col.Explain(map[string]any{"age": float64(30)})

	assert.Equal(t, "IndexScan", stage.Stage)
	assert.Equal(t, "age_1", stage.IndexName)
	assert.Nil(t, stage.NReturned, "explain must not report a row count before execution")
}

func TestCollection_SetSchema_RejectsDocumentsMissingRequiredField(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("users")

	require.NoError(t, col.SetSchema([]byte(`{"required":["email"],"properties":{"email":{"type":"string"}}}`)))

	_, err := col.InsertOne(map[string]any{"name": "a"})
	require.Error(t, err, "missing required field should be rejected")
	assert.ErrorIs(t, err, ironbase.SchemaError)

	_, err = col.InsertOne(map[string]any{"name": "b", "email": "b@example.com"})
	assert.NoError(t, err)
}

// Scenario 3 from spec §8.
func TestScenario_AggregationGroupAndSort(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("sales")

	for _, d := range []map[string]any{
		{"item": "A", "qty": float64(2)},
		{"item": "B", "qty": float64(3)},
		{"item": "A", "qty": float64(5)},
	} {
		_, err := col.InsertOne(d)
		require.NoError(t, err)
	}

	out, err := col.Aggregate([]map[string]any{
		{"$group": map[string]any{"_id": "$item", "total": map[string]any{"$sum": "$qty"}}},
		{"$sort": map[string]any{"total": float64(-1)}},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)

	want := []map[string]any{
		{"_id": "A", "total": float64(7)},
		{"_id": "B", "total": float64(3)},
	}

	if diff := cmp.Diff(want, out); diff != "" {
		t.Fatalf("aggregation result mismatch (-want +got):\n%s", diff)
	}
}

// Scenario 4 from spec §8: sorting by a dot-notation path where some
// documents lack the field entirely.
func TestScenario_DotNotationSortWithMissingFields(t *testing.T) {
	db := openTestDB(t)
	col := db.Collection("items")

	for _, d := range []map[string]any{
		{"n": "A", "a": map[string]any{"z": float64(10000)}},
		{"n": "B"},
		{"n": "C", "a": map[string]any{"z": float64(30000)}},
	} {
		_, err := col.InsertOne(d)
		require.NoError(t, err)
	}

	docs, err := col.FindWithOptions(map[string]any{}, ironbase.FindOptions{
		Sort: []ironbase.SortKey{{Path: "a.z", Dir: 1}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 3)

	var order []string
	for _, d := range docs {
		order = append(order, d["n"].(string))
	}

	assert.Equal(t, []string{"B", "A", "C"}, order)
}
