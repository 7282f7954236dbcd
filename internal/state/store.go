package state

import (
	"fmt"
	"os"
	"path/filepath"

	"specforge/internal/safeio"
	"specforge/internal/serialize"
	"specforge/internal/util/jsonutil"
)

// InternalKey is the reserved top-level key of the state document holding the
// bookkeeping mapping.
const InternalKey = "__statemachine"

// SchemaKey is the bookkeeping entry recording the schema the document was written with.
const SchemaKey = "schema"

const documentIndent = "    "

// FileStore persists a State as a single JSON document. Side files named by the
// schema live relative to the document's directory.
type FileStore struct {
	Path string
	// Serializer makes data values JSON-safe before writing and rebuilds tagged
	// models after reading. Nil means a plain Serializer.
	Serializer *serialize.Serializer
}

func (f FileStore) Dir() string { return filepath.Dir(f.Path) }

func (f FileStore) Exists() bool {
	info, err := os.Stat(f.Path)
	return err == nil && !info.IsDir()
}

func (f FileStore) serializer() *serialize.Serializer {
	if f.Serializer == nil {
		return serialize.New(nil, nil)
	}
	return f.Serializer
}

// Load reads the document, splits off the bookkeeping mapping and resolves schema
// keys from their side files. Entries of the schema recorded in the document take
// precedence over schema, since the document's paths were written with them.
func (f FileStore) Load(schema Schema) (*State, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	tree, err := jsonutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("state file %s: %w", f.Path, err)
	}
	doc, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("state file %s: top level must be an object, got %T", f.Path, tree)
	}
	internal, _ := doc[InternalKey].(map[string]any)
	delete(doc, InternalKey)
	recorded, err := SchemaFromAny(internal[SchemaKey])
	if err != nil {
		return nil, fmt.Errorf("state file %s: %w", f.Path, err)
	}
	effective := make(Schema, len(schema)+len(recorded))
	for k, e := range schema {
		effective[k] = e
	}
	for k, e := range recorded {
		effective[k] = e
	}

	fsys, err := safeio.NewSafeFS(f.Dir())
	if err != nil {
		return nil, err
	}
	data, err := Decode(doc, effective, fsys)
	if err != nil {
		return nil, fmt.Errorf("state file %s: %w", f.Path, err)
	}
	restored, err := f.serializer().Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("state file %s: %w", f.Path, err)
	}
	data, _ = restored.(map[string]any)
	return New(data, internal), nil
}

// Save writes side files first, then the document via a temp file and rename.
func (f FileStore) Save(st *State, schema Schema) error {
	if st.Has(InternalKey) {
		return fmt.Errorf("state: data key %q is reserved", InternalKey)
	}
	if err := os.MkdirAll(f.Dir(), 0o755); err != nil {
		return err
	}
	ser := f.serializer()
	wire, err := ser.MakeSerializable(st.data, false)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	data, _ := wire.(map[string]any)
	fsys, err := safeio.NewSafeFS(f.Dir())
	if err != nil {
		return err
	}
	doc, err := Encode(data, schema, fsys)
	if err != nil {
		return err
	}
	internal, err := ser.MakeSerializable(st.internal, false)
	if err != nil {
		return fmt.Errorf("state internal: %w", err)
	}
	doc[InternalKey] = internal

	raw, err := jsonutil.MarshalIndentNoEscape(doc, documentIndent)
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
