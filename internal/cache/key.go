package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"

	"specforge/internal/serialize"
	"specforge/internal/util/jsonutil"
)

// Key source fields of a memoized call.
const (
	MethodField = "__method_name"
	KwargsField = "kwargs"
)

// Key is the content-addressed identity of a cache entry. Two keys are equal iff
// their hashes are equal.
type Key struct {
	hash        string
	source      string
	rawIsString bool
}

// NewKey canonicalizes raw through ser and hashes the canonical text. Strings are
// used verbatim; anything else is rendered as sorted-key, indented JSON.
func NewKey(raw any, ser *serialize.Serializer) (Key, error) {
	canonical, err := ser.MakeSerializable(raw, false)
	if err != nil {
		return Key{}, fmt.Errorf("cache key: %w", err)
	}
	var source string
	isString := false
	if s, ok := canonical.(string); ok {
		source = s
		isString = true
	} else {
		b, err := jsonutil.MarshalCanonical(canonical)
		if err != nil {
			return Key{}, fmt.Errorf("cache key: render: %w", err)
		}
		source = string(b)
	}
	sum := sha256.Sum256([]byte(source))
	return Key{hash: hex.EncodeToString(sum[:]), source: source, rawIsString: isString}, nil
}

func (k Key) Hash() string      { return k.hash }
func (k Key) Source() string    { return k.source }
func (k Key) RawIsString() bool { return k.rawIsString }
func (k Key) IsZero() bool      { return k.hash == "" }
func (k Key) Equal(o Key) bool  { return k.hash == o.hash }

func (k Key) String() string {
	if len(k.hash) > 8 {
		return "CacheKey(" + k.hash[:8] + ")"
	}
	return "CacheKey(" + k.hash + ")"
}

// MethodID names a method as "<pkgpath>.<Type>.<method>". recv may be a value or a
// pointer; a nil recv yields just the method name.
func MethodID(recv any, method string) string {
	if recv == nil {
		return method
	}
	t := reflect.TypeOf(recv)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	parts := make([]string, 0, 3)
	if p := t.PkgPath(); p != "" {
		parts = append(parts, p)
	}
	if n := t.Name(); n != "" {
		parts = append(parts, n)
	}
	parts = append(parts, method)
	return strings.Join(parts, ".")
}

// CallKey builds the key of a memoized call: the method identity plus its keyword
// arguments, so equal arguments collide regardless of construction order.
func CallKey(method string, kwargs any, ser *serialize.Serializer) (Key, error) {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return NewKey(map[string]any{MethodField: method, KwargsField: kwargs}, ser)
}
