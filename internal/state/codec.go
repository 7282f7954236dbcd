package state

import (
	"fmt"

	"specforge/internal/safeio"
	"specforge/internal/util/jsonutil"
)

const sideFileIndent = "    "

// Encode writes every schema-declared key of data to its side file under fsys and
// returns a copy of data in which those keys hold their relative path instead.
// Keys without a schema entry stay inline.
func Encode(data map[string]any, schema Schema, fsys *safeio.SafeFS) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, key := range sortedKeys(data) {
		e, ok := schema[key]
		if !ok {
			continue
		}
		var body []byte
		switch e.Format {
		case FormatJSON:
			b, err := jsonutil.MarshalIndentNoEscape(data[key], sideFileIndent)
			if err != nil {
				return nil, fmt.Errorf("encode %q: %w", key, err)
			}
			body = b
		case FormatText:
			s, ok := data[key].(string)
			if !ok {
				return nil, &SchemaError{Key: key, Detail: fmt.Sprintf("text file value must be a string, got %T", data[key])}
			}
			body = []byte(s)
		default:
			return nil, &SchemaError{Key: key, Detail: fmt.Sprintf("invalid format for file type: %s", e.Format)}
		}
		if err := fsys.SafeWriteFile(e.RelativePath, body); err != nil {
			return nil, fmt.Errorf("encode %q: %w", key, err)
		}
		out[key] = e.RelativePath
	}
	return out, nil
}

// Decode is the inverse of Encode: schema-declared keys present in doc are replaced by
// the content of their side file (parsed JSON, or verbatim text).
func Decode(doc map[string]any, schema Schema, fsys *safeio.SafeFS) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, key := range sortedKeys(doc) {
		e, ok := schema[key]
		if !ok {
			continue
		}
		raw, err := fsys.SafeReadFile(e.RelativePath)
		if err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}
		switch e.Format {
		case FormatJSON:
			v, err := jsonutil.Decode(raw)
			if err != nil {
				return nil, fmt.Errorf("decode %q from %s: %w", key, e.RelativePath, err)
			}
			out[key] = v
		case FormatText:
			out[key] = string(raw)
		default:
			return nil, &SchemaError{Key: key, Detail: fmt.Sprintf("invalid format for file type: %s", e.Format)}
		}
	}
	return out, nil
}
