package jsonutil

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortsKeysAndKeepsHTML(t *testing.T) {
	a, err := MarshalCanonical(map[string]any{"b": "<x>", "a": []any{1.0, "&"}})
	require.NoError(t, err)
	b, err := MarshalCanonical(map[string]any{"a": []any{1.0, "&"}, "b": "<x>"})
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, "{\n  \"a\": [\n    1,\n    \"&\"\n  ],\n  \"b\": \"<x>\"\n}", string(a))
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\": 1}\n```":        `{"a": 1}`,
		"Here you go: [1, 2] and thanks": `[1, 2]`,
		`{"a": {"b": 2}} trailing`:       `{"a": {"b": 2}}`,
		"plain":                          "plain",
	}
	for in, want := range cases {
		assert.Equal(t, want, string(ExtractJSON(in)), in)
	}
}

func TestUnmarshalFlexQuotedPayload(t *testing.T) {
	var out map[string]string
	require.NoError(t, UnmarshalFlex([]byte(`"{\"name\": \"shop\"}"`), &out))
	assert.Equal(t, "shop", out["name"])
}

func TestDecodeKeepsIntegers(t *testing.T) {
	v, err := Decode([]byte(`{"n": 1, "big": 9007199254740993, "f": 1.5, "e": 1e3, "huge": 18446744073709551615, "l": [2]}`))
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, 1, m["n"])
	assert.Equal(t, 9007199254740993, m["big"])
	assert.Equal(t, 1.5, m["f"])
	assert.Equal(t, 1000.0, m["e"])
	assert.Equal(t, json.Number("18446744073709551615"), m["huge"])
	assert.Equal(t, []any{2}, m["l"])

	_, err = Decode([]byte(`{} {}`))
	assert.Error(t, err)
}

func TestConvertToGenericTreeKeepsIntegers(t *testing.T) {
	type row struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	var tree any
	require.NoError(t, Convert([]row{{ID: 9007199254740993, Name: "a"}}, &tree))
	assert.Equal(t, []any{map[string]any{"id": 9007199254740993, "name": "a"}}, tree)

	var m map[string]any
	require.NoError(t, Convert(row{ID: 2}, &m))
	assert.Equal(t, map[string]any{"id": 2, "name": ""}, m)
}
