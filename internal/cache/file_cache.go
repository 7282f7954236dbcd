// Package cache is a durable, content-addressed key/value store for expensive call
// results. Entries live as flat files named by the SHA-256 of the key's canonical
// form:
//
//	.version            layout stamp "MAJOR.MINOR.PATCH"
//	<hash>.json         non-string value, canonical JSON
//	<hash>.txt          string value, verbatim
//	<hash>.src.json     key provenance (non-string key)
//	<hash>.src.txt      key provenance (string key)
//	.metadata           run id -> {"hits": [...], "misses": [...]}
//	.cache_counter      PersistentCounter state
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"specforge/internal/serialize"
	"specforge/internal/util/jsonutil"
)

const (
	extJSON    = ".json"
	extText    = ".txt"
	extSrcJSON = ".src.json"
	extSrcText = ".src.txt"

	formatJSON = "json"
	formatText = "text"
)

const defaultMemoryEntries = 256

type Options struct {
	// Serializer converts values on the way in and out. Nil means a plain Serializer.
	Serializer *serialize.Serializer
	// KeySerializer canonicalizes raw keys. Nil means Serializer.
	KeySerializer *serialize.Serializer
	// RunID labels this process's entries in .metadata.
	RunID   string
	Logger  *slog.Logger
	Metrics *Metrics
	// MemoryEntries bounds the in-memory front of raw entry bytes.
	MemoryEntries int
}

// Stats are the hit/miss counters of one FileCache instance.
type Stats struct {
	Hits   int
	Misses int
}

type entry struct {
	raw    []byte
	format string
}

// FileCache is safe for concurrent use within one process. Concurrent processes
// sharing a directory are not coordinated.
type FileCache struct {
	dir     string
	ser     *serialize.Serializer
	keySer  *serialize.Serializer
	runID   string
	log     *slog.Logger
	metrics *Metrics
	meta    *Metadata
	mem     *lru.Cache[string, entry]

	mu    sync.Mutex
	stats Stats
}

// New opens (or creates) the cache at dir and enforces the version gate.
func New(dir string, opts Options) (*FileCache, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := checkVersion(dir); err != nil {
		return nil, err
	}
	meta, err := LoadMetadata(dir)
	if err != nil {
		return nil, err
	}
	if opts.Serializer == nil {
		opts.Serializer = serialize.New(nil, nil)
	}
	if opts.KeySerializer == nil {
		opts.KeySerializer = opts.Serializer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MemoryEntries <= 0 {
		opts.MemoryEntries = defaultMemoryEntries
	}
	if strings.TrimSpace(opts.RunID) == "" {
		opts.RunID = "default"
	}
	mem, err := lru.New[string, entry](opts.MemoryEntries)
	if err != nil {
		return nil, err
	}
	return &FileCache{
		dir:     dir,
		ser:     opts.Serializer,
		keySer:  opts.KeySerializer,
		runID:   opts.RunID,
		log:     opts.Logger,
		metrics: opts.Metrics,
		meta:    meta,
		mem:     mem,
	}, nil
}

func (c *FileCache) Dir() string                       { return c.dir }
func (c *FileCache) RunID() string                     { return c.runID }
func (c *FileCache) Metadata() *Metadata               { return c.meta }
func (c *FileCache) Serializer() *serialize.Serializer { return c.ser }

func (c *FileCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Key wraps a raw key value with the cache's key serializer. A Key passes through.
func (c *FileCache) Key(raw any) (Key, error) {
	if k, ok := raw.(Key); ok {
		return k, nil
	}
	return NewKey(raw, c.keySer)
}

// CallKey is the package-level CallKey bound to the cache's key serializer.
func (c *FileCache) CallKey(method string, kwargs any) (Key, error) {
	return CallKey(method, kwargs, c.keySer)
}

// Get looks up key (a raw value or a Key). The boolean is false when nothing is stored;
// a stored nil value is returned as (nil, true, nil).
func (c *FileCache) Get(key any) (any, bool, error) {
	k, err := c.Key(key)
	if err != nil {
		return nil, false, err
	}
	return c.GetKey(k)
}

func (c *FileCache) GetKey(k Key) (any, bool, error) {
	e, ok, err := c.load(k.Hash())
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, c.recordMiss(k)
	}
	if err := c.recordHit(k, e.format); err != nil {
		return nil, false, err
	}
	if e.format == formatText {
		return string(e.raw), true, nil
	}
	decoded, err := jsonutil.Decode(e.raw)
	if err != nil {
		return nil, false, fmt.Errorf("cache entry %s: %w", k.Hash(), err)
	}
	v, err := c.ser.Deserialize(decoded)
	if err != nil {
		return nil, false, fmt.Errorf("cache entry %s: %w", k.Hash(), err)
	}
	return v, true, nil
}

// Set stores value under key. Strings are written verbatim to <hash>.txt, anything
// else as canonical JSON to <hash>.json; the key's canonical source is kept alongside.
func (c *FileCache) Set(key any, value any) error {
	k, err := c.Key(key)
	if err != nil {
		return err
	}
	return c.SetKey(k, value)
}

func (c *FileCache) SetKey(k Key, value any) error {
	var (
		e     entry
		stale string
	)
	if s, ok := value.(string); ok {
		e = entry{raw: []byte(s), format: formatText}
		stale = extJSON
	} else {
		wire, err := c.ser.MakeSerializable(value, false)
		if err != nil {
			return fmt.Errorf("cache set %s: %w", k.Hash(), err)
		}
		raw, err := jsonutil.MarshalCanonical(wire)
		if err != nil {
			return fmt.Errorf("cache set %s: %w", k.Hash(), err)
		}
		e = entry{raw: raw, format: formatJSON}
		stale = extText
	}

	if err := writeFileAtomic(c.path(k.Hash(), extFor(e.format)), e.raw); err != nil {
		return err
	}
	if err := os.Remove(c.path(k.Hash(), stale)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	srcExt := extSrcJSON
	if k.RawIsString() {
		srcExt = extSrcText
	}
	if err := writeFileAtomic(c.path(k.Hash(), srcExt), []byte(k.Source())); err != nil {
		return err
	}
	c.mem.Add(k.Hash(), e)
	return nil
}

// Forget drops hash from the in-memory front; used after on-disk deletion.
func (c *FileCache) Forget(hash string) {
	c.mem.Remove(hash)
}

func (c *FileCache) load(hash string) (entry, bool, error) {
	if e, ok := c.mem.Get(hash); ok {
		return e, true, nil
	}
	for _, format := range []string{formatJSON, formatText} {
		raw, err := os.ReadFile(c.path(hash, extFor(format)))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return entry{}, false, err
		}
		e := entry{raw: raw, format: format}
		c.mem.Add(hash, e)
		return e, true, nil
	}
	return entry{}, false, nil
}

func (c *FileCache) recordHit(k Key, format string) error {
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	c.metrics.observe("hit", format)
	return c.meta.RecordHit(c.runID, k.Hash())
}

func (c *FileCache) recordMiss(k Key) error {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
	c.metrics.observe("miss", "none")
	c.log.Debug("cache miss", "hash", shortHash(k.Hash()))
	return c.meta.RecordMiss(c.runID, k.Hash())
}

func (c *FileCache) path(hash, ext string) string {
	return filepath.Join(c.dir, hash+ext)
}

func extFor(format string) string {
	if format == formatText {
		return extText
	}
	return extJSON
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
