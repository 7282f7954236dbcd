package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const counterFile = ".cache_counter"

// PersistentCounter is a monotonically increasing integer stored as text in the cache
// directory. It survives process restarts, so ids derived from it stay stable across
// recorded runs.
type PersistentCounter struct {
	mu   sync.Mutex
	path string
}

func NewPersistentCounter(dir string) *PersistentCounter {
	return &PersistentCounter{path: filepath.Join(dir, counterFile)}
}

// Next increments the stored value and returns it. The first call returns 1.
func (c *PersistentCounter) Next() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, err := c.readLocked()
	if err != nil {
		return 0, err
	}
	cur++
	if err := writeFileAtomic(c.path, []byte(strconv.Itoa(cur))); err != nil {
		return 0, err
	}
	return cur, nil
}

// Current returns the stored value without incrementing it.
func (c *PersistentCounter) Current() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLocked()
}

func (c *PersistentCounter) readLocked() (int, error) {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("cache counter %s: %w", c.path, err)
	}
	return n, nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
