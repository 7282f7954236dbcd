package state

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"specforge/internal/util/jsonutil"
)

const (
	TypeFile   = "file"
	FormatJSON = "json"
	FormatText = "text"
)

// Entry declares that a state key lives in a side file next to the state document.
type Entry struct {
	Type         string `json:"type"`
	RelativePath string `json:"relative_path"`
	Format       string `json:"format"`
	// ContributedBy is the id of the phase that owns the key; set by Merge.
	ContributedBy string `json:"__by_phase,omitempty"`
}

// Schema maps state keys to their side-file entries.
type Schema map[string]Entry

func JSONFile(relativePath string) Entry {
	return Entry{Type: TypeFile, RelativePath: relativePath, Format: FormatJSON}
}

func TextFile(relativePath string) Entry {
	return Entry{Type: TypeFile, RelativePath: relativePath, Format: FormatText}
}

var ErrDuplicateSchemaKey = errors.New("state: schema key contributed twice")

// SchemaError reports an invalid schema entry.
type SchemaError struct {
	Key    string
	Detail string
}

func (e *SchemaError) Error() string {
	if e.Key == "" {
		return "state schema: " + e.Detail
	}
	return fmt.Sprintf("state schema %q: %s", e.Key, e.Detail)
}

const entrySchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type", "relative_path", "format"],
  "properties": {
    "type": {"const": "file"},
    "relative_path": {"type": "string", "minLength": 1},
    "format": {"enum": ["json", "text"]},
    "__by_phase": {"type": "string"}
  }
}`

var entrySchema = mustCompile(entrySchemaJSON)

func mustCompile(s string) *gojsonschema.Schema {
	sch, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(err)
	}
	return sch
}

// ValidateEntry rejects unknown types, a missing relative path and formats other
// than json/text.
func ValidateEntry(e Entry) error {
	return validateRaw("", map[string]any{
		"type":          e.Type,
		"relative_path": e.RelativePath,
		"format":        e.Format,
	})
}

func validateRaw(key string, raw map[string]any) error {
	if t, _ := raw["type"].(string); t != TypeFile {
		return &SchemaError{Key: key, Detail: fmt.Sprintf("unknown schema type: %v", raw["type"])}
	}
	if p, _ := raw["relative_path"].(string); strings.TrimSpace(p) == "" {
		return &SchemaError{Key: key, Detail: "relative path is required for file type"}
	}
	res, err := entrySchema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return &SchemaError{Key: key, Detail: err.Error()}
	}
	if !res.Valid() {
		msgs := make([]string, len(res.Errors()))
		for i, d := range res.Errors() {
			msgs[i] = d.String()
		}
		return &SchemaError{Key: key, Detail: "invalid entry: " + strings.Join(msgs, "; ")}
	}
	return nil
}

// Merge validates entries and adds them to s under owner. A key already present is
// an ErrDuplicateSchemaKey naming both contributors.
func (s Schema) Merge(owner string, entries Schema) error {
	for _, key := range sortedKeys(entries) {
		e := entries[key]
		if prev, ok := s[key]; ok {
			return fmt.Errorf("%w: %q is contributed by %s and %s", ErrDuplicateSchemaKey, key, owner, prev.ContributedBy)
		}
		if err := ValidateEntry(e); err != nil {
			var se *SchemaError
			if errors.As(err, &se) {
				se.Key = key
			}
			return err
		}
		e.ContributedBy = owner
		s[key] = e
	}
	return nil
}

// Keys lists schema keys in lexical order.
func (s Schema) Keys() []string { return sortedKeys(s) }

// AsMap renders s as a JSON tree for the bookkeeping mapping.
func (s Schema) AsMap() map[string]any {
	out := make(map[string]any, len(s))
	for k, e := range s {
		m := map[string]any{"type": e.Type, "relative_path": e.RelativePath, "format": e.Format}
		if e.ContributedBy != "" {
			m["__by_phase"] = e.ContributedBy
		}
		out[k] = m
	}
	return out
}

// SchemaFromAny parses and validates a schema read back from a state document.
func SchemaFromAny(v any) (Schema, error) {
	if v == nil {
		return Schema{}, nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, &SchemaError{Detail: fmt.Sprintf("schema must be a mapping, got %T", v)}
	}
	out := make(Schema, len(raw))
	for _, key := range sortedKeys(raw) {
		m, ok := raw[key].(map[string]any)
		if !ok {
			return nil, &SchemaError{Key: key, Detail: fmt.Sprintf("entry must be a mapping, got %T", raw[key])}
		}
		if err := validateRaw(key, m); err != nil {
			return nil, err
		}
		var e Entry
		if err := jsonutil.Convert(m, &e); err != nil {
			return nil, &SchemaError{Key: key, Detail: err.Error()}
		}
		out[key] = e
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
