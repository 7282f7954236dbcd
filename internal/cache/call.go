package cache

import (
	"fmt"

	"specforge/internal/util/jsonutil"
)

// Call memoizes fn under (method, kwargs): a stored result is returned without calling
// fn, otherwise fn runs once and its result is persisted before being returned. Use
// MethodID to build method. Errors from fn are returned and never cached.
func Call[T any](c *FileCache, method string, kwargs any, fn func() (T, error)) (T, error) {
	var zero T
	k, err := c.CallKey(method, kwargs)
	if err != nil {
		return zero, err
	}
	cached, ok, err := c.GetKey(k)
	if err != nil {
		return zero, err
	}
	if ok {
		return As[T](cached)
	}
	out, err := fn()
	if err != nil {
		return zero, err
	}
	if err := c.SetKey(k, out); err != nil {
		return zero, err
	}
	return out, nil
}

// As re-types a deserialized cache value. Values that already are a T are returned
// as is; generic JSON trees are converted through JSON.
func As[T any](v any) (T, error) {
	if t, ok := v.(T); ok {
		return t, nil
	}
	var out T
	if v == nil {
		return out, nil
	}
	if err := jsonutil.Convert(v, &out); err != nil {
		return out, fmt.Errorf("cache: convert %T to %T: %w", v, out, err)
	}
	return out, nil
}
