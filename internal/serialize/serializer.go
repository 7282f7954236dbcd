// Package serialize converts arbitrary in-memory values into a JSON-safe tree
// (map[string]any, []any, string, int/float, bool, nil) and back. Integers survive
// the trip as int.
//
// Values implementing Model are written in a tagged form so they can be rebuilt
// through a Registry:
//
//	{"__model_module": "llm", "__model_name": "Message", "model_dump": {...}}
//
// Everything else degrades to plain JSON: structs become their JSON attribute map,
// arrays and slices become lists, and non-string map keys are stringified.
package serialize

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"specforge/internal/util/jsonutil"
)

// Wire keys of the tagged model form.
const (
	ModuleKey  = "__model_module"
	NameKey    = "__model_name"
	PayloadKey = "model_dump"
)

var (
	// ErrNotJSONCompatible is returned for values that have no JSON rendering
	// (channels, functions, complex numbers, ...).
	ErrNotJSONCompatible = errors.New("serialize: value is not JSON-compatible")
	// ErrUnknownModel is returned when a tagged payload names an unregistered model.
	ErrUnknownModel = errors.New("serialize: unknown model tag")
)

// Attributer exposes an attribute-mapping view of a generic object.
type Attributer interface {
	Attributes() map[string]any
}

// Serializer walks values in both directions. The zero value is usable: it has no
// registered models and performs no sanitization.
type Serializer struct {
	Registry  *Registry
	Sanitizer Sanitizer
}

// New returns a Serializer bound to reg and san. A nil sanitizer means NopSanitizer.
func New(reg *Registry, san Sanitizer) *Serializer {
	return &Serializer{Registry: reg, Sanitizer: san}
}

func (s *Serializer) sanitizer() Sanitizer {
	if s == nil || s.Sanitizer == nil {
		return NopSanitizer{}
	}
	return s.Sanitizer
}

func (s *Serializer) registry() *Registry {
	if s == nil {
		return nil
	}
	return s.Registry
}

// MakeSerializable converts v into a JSON-safe tree. When isKey is true, numeric and
// boolean scalars are stringified so the result can serve as an object key.
func (s *Serializer) MakeSerializable(v any, isKey bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}
	san := s.sanitizer()

	switch x := v.(type) {
	case Model:
		dump, err := x.Dump()
		if err != nil {
			return nil, fmt.Errorf("serialize: dump %s: %w", x.ModelTag(), err)
		}
		payload, err := s.MakeSerializable(dump, isKey)
		if err != nil {
			return nil, err
		}
		tag := x.ModelTag()
		return map[string]any{
			ModuleKey:  tag.Module,
			NameKey:    tag.Name,
			PayloadKey: payload,
		}, nil
	case Attributer:
		return s.MakeSerializable(x.Attributes(), isKey)
	case string:
		return san.SanitizeString(x), nil
	case bool:
		if isKey {
			return strconv.FormatBool(x), nil
		}
		return x, nil
	case json.Number:
		if isKey {
			return x.String(), nil
		}
		return x, nil
	case json.RawMessage:
		decoded, err := jsonutil.Decode(x)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid raw JSON: %v", ErrNotJSONCompatible, err)
		}
		return s.MakeSerializable(decoded, isKey)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			key, err := s.MakeSerializable(k, true)
			if err != nil {
				return nil, err
			}
			val, err := s.MakeSerializable(vv, false)
			if err != nil {
				return nil, err
			}
			out[key.(string)] = val
		}
		return san.SanitizeMap(out), nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			val, err := s.MakeSerializable(item, false)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	}

	return s.reflectSerializable(reflect.ValueOf(v), isKey)
}

func (s *Serializer) reflectSerializable(rv reflect.Value, isKey bool) (any, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if isKey {
			return strconv.FormatInt(rv.Int(), 10), nil
		}
		return rv.Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if isKey {
			return strconv.FormatUint(rv.Uint(), 10), nil
		}
		return rv.Interface(), nil
	case reflect.Float32, reflect.Float64:
		if isKey {
			return strconv.FormatFloat(rv.Float(), 'g', -1, rv.Type().Bits()), nil
		}
		return rv.Interface(), nil
	case reflect.Bool:
		return s.MakeSerializable(rv.Bool(), isKey)
	case reflect.String:
		return s.MakeSerializable(rv.String(), isKey)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return s.MakeSerializable(rv.Elem().Interface(), isKey)
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, err := s.MakeSerializable(iter.Key().Interface(), true)
			if err != nil {
				return nil, err
			}
			ks, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("%w: map key %v of type %s", ErrNotJSONCompatible, iter.Key().Interface(), iter.Key().Type())
			}
			val, err := s.MakeSerializable(iter.Value().Interface(), false)
			if err != nil {
				return nil, err
			}
			out[ks] = val
		}
		return s.sanitizer().SanitizeMap(out), nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			val, err := s.MakeSerializable(rv.Index(i).Interface(), false)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case reflect.Struct:
		attrs, err := structAttributes(rv.Interface())
		if err != nil {
			return nil, err
		}
		return s.MakeSerializable(attrs, isKey)
	}
	return nil, fmt.Errorf("%w: %v (%s)", ErrNotJSONCompatible, rv.Interface(), rv.Type())
}

// structAttributes returns the JSON attribute map of a struct value.
func structAttributes(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrNotJSONCompatible, v, err)
	}
	attrs, err := jsonutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %v", ErrNotJSONCompatible, v, err)
	}
	return attrs, nil
}

// Deserialize is the inverse walk of MakeSerializable. Tagged mappings are rebuilt
// through the registry; strings pass through the sanitizer's inverse hook.
func (s *Serializer) Deserialize(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if tag, ok := taggedModel(x); ok {
			payload, err := s.Deserialize(x[PayloadKey])
			if err != nil {
				return nil, err
			}
			fields, _ := payload.(map[string]any)
			return s.registry().Load(tag, fields)
		}
		out := make(map[string]any, len(x))
		for k, vv := range x {
			val, err := s.Deserialize(vv)
			if err != nil {
				return nil, err
			}
			out[s.sanitizer().DesanitizeString(k)] = val
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			val, err := s.Deserialize(item)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case string:
		return s.sanitizer().DesanitizeString(x), nil
	default:
		return v, nil
	}
}

func taggedModel(m map[string]any) (Tag, bool) {
	module, ok := m[ModuleKey].(string)
	if !ok {
		return Tag{}, false
	}
	name, ok := m[NameKey].(string)
	if !ok {
		return Tag{}, false
	}
	return Tag{Module: module, Name: name}, true
}
