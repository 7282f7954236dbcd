package jsonutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// MarshalNoEscape encodes v into JSON without escaping <, >, & into \u003c, etc.
func MarshalNoEscape(v any) ([]byte, error) {
	return MarshalIndentNoEscape(v, "")
}

// MarshalIndentNoEscape encodes v with the given indent (empty for compact output)
// without HTML escaping. The trailing newline written by json.Encoder is removed.
func MarshalIndentNoEscape(v any, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshalCanonical renders v as stable, human-readable JSON: object keys sorted,
// two-space indentation, no HTML escaping. v is expected to be a tree of
// map[string]any / []any / scalars, for which encoding/json already sorts keys.
func MarshalCanonical(v any) ([]byte, error) {
	return MarshalIndentNoEscape(v, "  ")
}

// Decode parses raw JSON into a generic tree (map[string]any, []any, string, bool,
// nil and numbers). Integer literals decode to int so a written int reads back
// unchanged; integers beyond int64 stay json.Number; everything else is float64.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("jsonutil: trailing data after JSON value")
	}
	return normalizeNumbers(out), nil
}

// Convert re-types v into out by round-tripping through JSON. Generic targets
// (*any, *map[string]any, *[]any) get the same number handling as Decode.
func Convert(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	switch p := out.(type) {
	case *any:
		tree, err := Decode(b)
		if err != nil {
			return err
		}
		*p = tree
		return nil
	case *map[string]any, *[]any:
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return err
		}
		if m, ok := out.(*map[string]any); ok && *m != nil {
			*m = normalizeNumbers(*m).(map[string]any)
		}
		if l, ok := out.(*[]any); ok && *l != nil {
			*l = normalizeNumbers(*l).([]any)
		}
		return nil
	}
	return json.Unmarshal(b, out)
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		return number(x)
	case []any:
		for i := range x {
			x[i] = normalizeNumbers(x[i])
		}
		return x
	case map[string]any:
		for k, vv := range x {
			x[k] = normalizeNumbers(vv)
		}
		return x
	default:
		return v
	}
}

func number(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		if i == int64(int(i)) {
			return int(i)
		}
		return i
	}
	if !strings.ContainsAny(n.String(), ".eE") {
		return n
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n
}

// UnescapeUnicodeString converts JSON unicode escapes like "\u003e" into actual characters.
// Handles double-escaped sequences like "\\u003e" -> "\u003e" -> ">".
func UnescapeUnicodeString(s string) (string, error) {
	esc := strings.ReplaceAll(s, `\`, `\\`)
	esc = strings.ReplaceAll(esc, `"`, `\"`)
	var out string
	if err := json.Unmarshal([]byte(`"`+esc+`"`), &out); err != nil {
		return "", err
	}
	return out, nil
}

// NormalizeJSONUnicode parses JSON bytes and recursively unescapes any remaining
// double-escaped unicode sequences (e.g. "\\u003e") inside string values.
func NormalizeJSONUnicode(raw []byte) ([]byte, error) {
	var anyVal any
	if err := json.Unmarshal(raw, &anyVal); err != nil {
		return nil, errors.New("NormalizeJSONUnicode: cannot parse JSON payload")
	}
	if s, ok := anyVal.(string); ok {
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var inner any
			if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
				anyVal = inner
			}
		}
	}
	return MarshalNoEscape(deepUnescape(anyVal))
}

// UnmarshalFlex tries to unmarshal JSON bytes into v with best effort:
// 1) Direct unmarshal
// 2) Normalize and unmarshal
// Model output often contains double-escaped unicode sequences or a quoted payload.
func UnmarshalFlex(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err == nil {
		return nil
	}
	norm, err := NormalizeJSONUnicode(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(norm, v)
}

// ExtractJSON returns the JSON payload embedded in model text: a fenced ```json block
// when present, otherwise the span from the first '{' or '[' to the matching last
// closing bracket.
func ExtractJSON(text string) []byte {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			return []byte(strings.TrimSpace(rest[:j]))
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return []byte(s)
	}
	closing := "}"
	if s[start] == '[' {
		closing = "]"
	}
	end := strings.LastIndex(s, closing)
	if end < start {
		return []byte(s[start:])
	}
	return []byte(s[start : end+1])
}

func deepUnescape(v any) any {
	switch x := v.(type) {
	case string:
		if s, err := UnescapeUnicodeString(x); err == nil {
			return s
		}
		return x
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = deepUnescape(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = deepUnescape(vv)
		}
		return out
	default:
		return v
	}
}
