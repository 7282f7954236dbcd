package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"specforge/internal/serialize"
)

// Counter hands out increasing integers; cache.PersistentCounter satisfies it.
type Counter interface {
	Next() (int, error)
}

var idPrefixes = []string{"toolu_", "msg_"}

// IDSanitizer replaces provider-generated message and tool-use ids with sequential
// ones ("u_msg_3", "u_toolu_4") so that otherwise identical requests hash the same.
// A mapping's "id" field is considered first, then "tool_use_id". The same provider
// id always maps to the same replacement within one IDSanitizer. String hooks go to
// the delegate.
type IDSanitizer struct {
	delegate serialize.Sanitizer
	counter  Counter
	log      *slog.Logger

	mu    sync.Mutex
	idMap map[string]string
}

func NewIDSanitizer(delegate serialize.Sanitizer, counter Counter, logger *slog.Logger) *IDSanitizer {
	if delegate == nil {
		delegate = serialize.NopSanitizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IDSanitizer{delegate: delegate, counter: counter, log: logger, idMap: map[string]string{}}
}

func (s *IDSanitizer) SanitizeString(text string) string   { return s.delegate.SanitizeString(text) }
func (s *IDSanitizer) DesanitizeString(text string) string { return s.delegate.DesanitizeString(text) }

// SanitizeMap returns m itself when nothing is rewritten and a shallow copy otherwise.
func (s *IDSanitizer) SanitizeMap(m map[string]any) map[string]any {
	m = s.delegate.SanitizeMap(m)
	field := ""
	switch {
	case hasKey(m, "id"):
		field = "id"
	case hasKey(m, "tool_use_id"):
		field = "tool_use_id"
	default:
		return m
	}
	id, ok := m[field].(string)
	if !ok {
		return m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if mapped, ok := s.idMap[id]; ok {
		return withField(m, field, mapped)
	}
	prefix := ""
	for _, p := range idPrefixes {
		if strings.HasPrefix(id, p) {
			prefix = p
			break
		}
	}
	if prefix == "" || s.counter == nil {
		return m
	}
	n, err := s.counter.Next()
	if err != nil {
		s.log.Error("id sanitizer counter", "error", err)
		return m
	}
	mapped := fmt.Sprintf("u_%s%d", prefix, n)
	s.idMap[id] = mapped
	return withField(m, field, mapped)
}

func hasKey(m map[string]any, k string) bool {
	_, ok := m[k]
	return ok
}

func withField(m map[string]any, field, value string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	out[field] = value
	return out
}

var _ serialize.Sanitizer = (*IDSanitizer)(nil)
