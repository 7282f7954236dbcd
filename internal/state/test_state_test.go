package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsLastWriteWinsAndNeverMutates(t *testing.T) {
	s := New(map[string]any{"a": 1, "b": 2}, map[string]any{"v": "x"})
	s1 := s.Clone(Delta{"b": 3, "c": 4})
	s2 := s1.Clone(Delta{"c": 5})

	assert.Equal(t, map[string]any{"a": 1, "b": 2}, s.Data())
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 4}, s1.Data())
	assert.Equal(t, map[string]any{"a": 1, "b": 3, "c": 5}, s2.Data())
	assert.Equal(t, map[string]any{"v": "x"}, s2.Internal())

	s3 := s2.CloneInternal(map[string]any{"v": "y"})
	assert.Equal(t, "x", s2.Internal()["v"])
	assert.Equal(t, "y", s3.Internal()["v"])
	assert.Equal(t, s2.Data(), s3.Data())
}

func TestDeltaIsCopiedOnIngest(t *testing.T) {
	inner := map[string]any{"k": "v"}
	list := []any{"x"}
	s := New(nil, nil).Clone(Delta{"m": inner, "l": list})

	inner["k"] = "changed"
	list[0] = "changed"
	assert.Equal(t, map[string]any{"k": "v"}, s.Get("m"))
	assert.Equal(t, []any{"x"}, s.Get("l"))

	snapshot := s.Data()
	snapshot["m"].(map[string]any)["k"] = "mutated"
	assert.Equal(t, map[string]any{"k": "v"}, s.Get("m"))
}

func TestLookupAndHas(t *testing.T) {
	s := New(map[string]any{"name": "shop", "nil": nil}, nil)
	v, ok := s.Lookup("nil")
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.True(t, s.Has("name"))
	assert.False(t, s.Has("missing"))
	name, ok := s.GetString("name")
	assert.True(t, ok)
	assert.Equal(t, "shop", name)
	assert.Equal(t, []string{"name", "nil"}, s.Keys())
}

func TestValidateEntry(t *testing.T) {
	require.NoError(t, ValidateEntry(JSONFile("entities.json")))
	require.NoError(t, ValidateEntry(TextFile("spec.md")))

	bad := []Entry{
		{Type: "db", RelativePath: "x", Format: "json"},
		{Type: "file", RelativePath: "", Format: "json"},
		{Type: "file", RelativePath: "x", Format: "yaml"},
		{Type: "file", RelativePath: "x"},
	}
	for _, e := range bad {
		err := ValidateEntry(e)
		var se *SchemaError
		assert.True(t, errors.As(err, &se), "%+v: %v", e, err)
	}
}

func TestMergeRejectsDuplicates(t *testing.T) {
	s := Schema{}
	require.NoError(t, s.Merge("Init", Schema{"spec": TextFile("spec.md")}))
	assert.Equal(t, "Init", s["spec"].ContributedBy)

	err := s.Merge("Other", Schema{"spec": TextFile("other.md")})
	require.ErrorIs(t, err, ErrDuplicateSchemaKey)
	assert.Contains(t, err.Error(), "Init")
	assert.Contains(t, err.Error(), "Other")

	err = s.Merge("Bad", Schema{"x": {Type: "file", RelativePath: "x", Format: "csv"}})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "x", se.Key)
}

func TestSchemaRoundTripsThroughBookkeeping(t *testing.T) {
	s := Schema{}
	require.NoError(t, s.Merge("Init", Schema{"spec": TextFile("spec.md")}))
	back, err := SchemaFromAny(s.AsMap())
	require.NoError(t, err)
	assert.Equal(t, s, back)

	_, err = SchemaFromAny(map[string]any{"k": map[string]any{"type": "file", "format": "json"}})
	assert.Error(t, err)
}

func TestFileStoreRoundTripWithSideFiles(t *testing.T) {
	dir := t.TempDir()
	store := FileStore{Path: filepath.Join(dir, "state.json")}
	schema := Schema{}
	require.NoError(t, schema.Merge("Init", Schema{
		"spec":     TextFile("spec.md"),
		"entities": JSONFile("model/entities.json"),
	}))

	st := New(map[string]any{
		"spec":     "# Shop\n<b>café</b>\n",
		"entities": []any{map[string]any{"name": "Order"}},
		"inline":   map[string]any{"n": 1, "big": 9007199254740993, "ratio": 0.25},
	}, map[string]any{"last_successful_phase": "Init"})
	require.NoError(t, store.Save(st, schema))
	assert.True(t, store.Exists())

	specRaw, err := os.ReadFile(filepath.Join(dir, "spec.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Shop\n<b>café</b>\n", string(specRaw))

	entRaw, err := os.ReadFile(filepath.Join(dir, "model", "entities.json"))
	require.NoError(t, err)
	assert.Equal(t, "[\n    {\n        \"name\": \"Order\"\n    }\n]", string(entRaw))

	docRaw, err := os.ReadFile(store.Path)
	require.NoError(t, err)
	assert.Contains(t, string(docRaw), `"spec": "spec.md"`)
	assert.Contains(t, string(docRaw), `"__statemachine": {`)

	loaded, err := store.Load(schema)
	require.NoError(t, err)
	assert.Equal(t, st.Data(), loaded.Data())
	assert.Equal(t, st.Internal(), loaded.Internal())
}

func TestFileStoreRejectsEscapingSidePath(t *testing.T) {
	dir := t.TempDir()
	store := FileStore{Path: filepath.Join(dir, "sub", "state.json")}
	schema := Schema{"x": TextFile("../escape.txt")}
	err := store.Save(New(map[string]any{"x": "boom"}, nil), schema)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
}

func TestTextSideFileRequiresString(t *testing.T) {
	store := FileStore{Path: filepath.Join(t.TempDir(), "state.json")}
	err := store.Save(New(map[string]any{"spec": 42}, nil), Schema{"spec": TextFile("spec.md")})
	var se *SchemaError
	require.ErrorAs(t, err, &se)
}

func TestLoadUsesRecordedSchema(t *testing.T) {
	dir := t.TempDir()
	store := FileStore{Path: filepath.Join(dir, "state.json")}
	schema := Schema{}
	require.NoError(t, schema.Merge("Plan", Schema{"plan": JSONFile("plan.json")}))

	st := New(map[string]any{"plan": map[string]any{"steps": 3}}, map[string]any{SchemaKey: schema.AsMap()})
	require.NoError(t, store.Save(st, schema))

	loaded, err := store.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"steps": 3}, loaded.Data()["plan"])

	require.NoError(t, os.WriteFile(store.Path, []byte(`{"__statemachine": {"schema": {"k": {"type": "file"}}}}`), 0o644))
	_, err = store.Load(nil)
	var se *SchemaError
	assert.ErrorAs(t, err, &se)
}
