package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"specforge/internal/cache"
)

// Transcript fields of a cached stream.
const (
	FieldChunks       = "response_chunks"
	FieldFinalMessage = "final_message"
)

const missInfoLimit = 100

// CachedClient memoizes Create results and stream transcripts in a FileCache keyed by
// the full request. Only misses reach the inner client, so retries and tracing
// wrapped inside it apply to real calls only.
type CachedClient struct {
	inner Client
	cache *cache.FileCache
	log   *slog.Logger
}

func NewCachedClient(inner Client, c *cache.FileCache, logger *slog.Logger) *CachedClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedClient{inner: inner, cache: c, log: logger}
}

func (c *CachedClient) Name() string { return c.inner.Name() }
func (c *CachedClient) Close() error { return c.inner.Close() }

// Cache exposes the backing store, mainly for stats.
func (c *CachedClient) Cache() *cache.FileCache { return c.cache }

// method is the identity hashed into every key. It depends on the provider name only,
// never on the middleware stack.
func (c *CachedClient) method(op string) string {
	return c.inner.Name() + ".messages." + op
}

func (c *CachedClient) Create(ctx context.Context, req Request) (*Message, error) {
	k, err := c.cache.CallKey(c.method("create"), req)
	if err != nil {
		return nil, err
	}
	v, ok, err := c.cache.GetKey(k)
	if err != nil {
		return nil, err
	}
	if ok {
		return cache.As[*Message](v)
	}
	c.reportMiss(k, "create", req)
	msg, err := c.inner.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetKey(k, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Stream replays a stored transcript on a hit. On a miss it returns a stream that
// records chunks as they are consumed and stores the transcript when it is closed
// after being read to the end without error.
func (c *CachedClient) Stream(ctx context.Context, req Request) (Stream, error) {
	k, err := c.cache.CallKey(c.method("stream"), req)
	if err != nil {
		return nil, err
	}
	v, ok, err := c.cache.GetKey(k)
	if err != nil {
		return nil, err
	}
	if ok {
		chunks, final, err := decodeTranscript(v)
		if err != nil {
			return nil, fmt.Errorf("cached stream %s: %w", k, err)
		}
		return NewReplayStream(chunks, final), nil
	}
	c.reportMiss(k, "stream", req)
	s, err := c.inner.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &liveStream{inner: s, cache: c.cache, key: k, log: c.log}, nil
}

func (c *CachedClient) reportMiss(k cache.Key, op string, req Request) {
	info := req.System
	if info == "" {
		info = "<no system prompt>"
	}
	if r := []rune(info); len(r) > missInfoLimit {
		info = string(r[:missInfoLimit])
	}
	c.log.Info("cache miss", "hash", k.Hash()[:8], "call", op+" "+info)
}

func decodeTranscript(v any) ([]string, *Message, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("transcript is %T, want object", v)
	}
	raw, _ := m[FieldChunks].([]any)
	chunks := make([]string, 0, len(raw))
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, nil, fmt.Errorf("chunk %d is %T, want string", i, item)
		}
		chunks = append(chunks, s)
	}
	final, err := cache.As[*Message](m[FieldFinalMessage])
	if err != nil {
		return nil, nil, err
	}
	return chunks, final, nil
}

type liveStream struct {
	inner Stream
	cache *cache.FileCache
	key   cache.Key
	log   *slog.Logger

	mu        sync.Mutex
	chunks    []string
	final     *Message
	exhausted bool
	closed    bool
}

func (s *liveStream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextLocked()
}

func (s *liveStream) nextLocked() bool {
	if s.closed || s.exhausted {
		return false
	}
	if !s.inner.Next() {
		s.exhausted = true
		return false
	}
	s.chunks = append(s.chunks, s.inner.Text())
	return true
}

func (s *liveStream) Text() string { return s.inner.Text() }
func (s *liveStream) Err() error   { return s.inner.Err() }

func (s *liveStream) FinalMessage() (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalLocked()
}

func (s *liveStream) finalLocked() (*Message, error) {
	if s.final != nil {
		return s.final, nil
	}
	for s.nextLocked() {
	}
	if err := s.inner.Err(); err != nil {
		return nil, err
	}
	msg, err := s.inner.FinalMessage()
	if err != nil {
		return nil, err
	}
	s.final = msg
	return msg, nil
}

// Close commits the transcript only when the stream was read to the end cleanly.
func (s *liveStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	commit := s.exhausted && s.inner.Err() == nil
	if commit && s.final == nil {
		if _, err := s.finalLocked(); err != nil {
			s.log.Warn("stream not cached: final message unavailable", "hash", s.key.Hash()[:8], "error", err)
			commit = false
		}
	}
	s.closed = true
	closeErr := s.inner.Close()
	if !commit {
		if !s.exhausted {
			s.log.Debug("stream closed early; not cached", "hash", s.key.Hash()[:8])
		}
		return closeErr
	}
	if err := s.cache.SetKey(s.key, map[string]any{
		FieldChunks:       s.chunks,
		FieldFinalMessage: s.final,
	}); err != nil {
		return err
	}
	return closeErr
}

// ReplayStream yields recorded chunks. It backs cache hits and scripted clients.
type ReplayStream struct {
	chunks []string
	final  *Message
	pos    int
	cur    string
}

func NewReplayStream(chunks []string, final *Message) *ReplayStream {
	return &ReplayStream{chunks: chunks, final: final}
}

func (r *ReplayStream) Next() bool {
	if r.pos >= len(r.chunks) {
		return false
	}
	r.cur = r.chunks[r.pos]
	r.pos++
	return true
}

func (r *ReplayStream) Text() string { return r.cur }
func (r *ReplayStream) Err() error   { return nil }
func (r *ReplayStream) Close() error { return nil }

func (r *ReplayStream) FinalMessage() (*Message, error) {
	r.pos = len(r.chunks)
	if r.final == nil {
		return nil, ErrEmptyResponse
	}
	return r.final, nil
}

var (
	_ Client = (*CachedClient)(nil)
	_ Stream = (*liveStream)(nil)
	_ Stream = (*ReplayStream)(nil)
)
