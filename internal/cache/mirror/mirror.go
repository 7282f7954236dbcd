// Package mirror copies cache entries between a local cache directory and an object
// store, so recorded LLM responses can be shared between machines and CI.
//
// Entry files are immutable once written, which makes the copy a plain set union.
// Bookkeeping files (.version, .metadata, .cache_counter) are per-machine and never
// leave the directory.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ObjectStore is the blob surface the mirror needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Result counts what a Push or Pull did.
type Result struct {
	Copied  int
	Skipped int
}

type Mirror struct {
	store  ObjectStore
	prefix string
	dir    string
	log    *slog.Logger
}

func New(store ObjectStore, prefix, dir string, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	return &Mirror{store: store, prefix: prefix, dir: dir, log: logger}
}

// Push uploads every local entry file missing from the store.
func (m *Mirror) Push(ctx context.Context) (Result, error) {
	var res Result
	remote, err := m.remoteNames(ctx)
	if err != nil {
		return res, err
	}
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		return res, err
	}
	for _, e := range ents {
		name := e.Name()
		if !e.Type().IsRegular() || !Mirrored(name) {
			continue
		}
		if _, ok := remote[name]; ok {
			res.Skipped++
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			return res, err
		}
		if err := m.store.Put(ctx, m.objectKey(name), raw); err != nil {
			return res, fmt.Errorf("push %s: %w", name, err)
		}
		res.Copied++
	}
	m.log.Info("cache mirror push", "dir", m.dir, "prefix", m.prefix, "copied", res.Copied, "skipped", res.Skipped)
	return res, nil
}

// Pull downloads every remote entry file absent locally. Existing local files are
// never overwritten.
func (m *Mirror) Pull(ctx context.Context) (Result, error) {
	var res Result
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return res, err
	}
	remote, err := m.remoteNames(ctx)
	if err != nil {
		return res, err
	}
	for name := range remote {
		path := filepath.Join(m.dir, name)
		if _, err := os.Stat(path); err == nil {
			res.Skipped++
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return res, err
		}
		raw, err := m.store.Get(ctx, m.objectKey(name))
		if err != nil {
			return res, fmt.Errorf("pull %s: %w", name, err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err != nil {
			return res, err
		}
		if err := os.Rename(tmp, path); err != nil {
			return res, err
		}
		res.Copied++
	}
	m.log.Info("cache mirror pull", "dir", m.dir, "prefix", m.prefix, "copied", res.Copied, "skipped", res.Skipped)
	return res, nil
}

// Mirrored reports whether a cache directory file name is an entry file.
func Mirrored(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".txt")
}

func (m *Mirror) remoteNames(ctx context.Context) (map[string]struct{}, error) {
	keys, err := m.store.List(ctx, m.listPrefix())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.prefix, err)
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		name := strings.TrimPrefix(k, m.listPrefix())
		if strings.Contains(name, "/") || !Mirrored(name) {
			continue
		}
		out[name] = struct{}{}
	}
	return out, nil
}

func (m *Mirror) listPrefix() string {
	if m.prefix == "" {
		return ""
	}
	return m.prefix + "/"
}

func (m *Mirror) objectKey(name string) string {
	return m.listPrefix() + name
}
