package mirror

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (s *memStore) Put(_ context.Context, key string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objs[key] = append([]byte(nil), content...)
	return nil
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.objs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *memStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func write(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestMirrored(t *testing.T) {
	for name, want := range map[string]bool{
		"abc.json":       true,
		"abc.txt":        true,
		"abc.src.json":   true,
		"abc.src.txt":    true,
		".metadata":      false,
		".cache_counter": false,
		".version":       false,
		"abc.json.tmp":   false,
	} {
		assert.Equal(t, want, Mirrored(name), name)
	}
}

func TestPushThenPull(t *testing.T) {
	ctx := context.Background()
	store := &memStore{objs: map[string][]byte{}}

	src := t.TempDir()
	write(t, src, "aa.json", `{"x": 1}`)
	write(t, src, "aa.src.txt", "prompt")
	write(t, src, ".metadata", "{}")
	write(t, src, ".version", "0.0.2")

	res, err := New(store, "/team/cache/", src, nil).Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Copied: 2}, res)
	assert.Contains(t, store.objs, "team/cache/aa.json")
	assert.Contains(t, store.objs, "team/cache/aa.src.txt")
	assert.Len(t, store.objs, 2)

	res, err = New(store, "team/cache", src, nil).Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 2}, res)

	dst := t.TempDir()
	write(t, dst, "aa.json", "local wins")
	res, err = New(store, "team/cache", dst, nil).Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Copied: 1, Skipped: 1}, res)

	raw, err := os.ReadFile(filepath.Join(dst, "aa.json"))
	require.NoError(t, err)
	assert.Equal(t, "local wins", string(raw))
	raw, err = os.ReadFile(filepath.Join(dst, "aa.src.txt"))
	require.NoError(t, err)
	assert.Equal(t, "prompt", string(raw))
	assert.NoFileExists(t, filepath.Join(dst, ".metadata"))
}
