package llmclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitHeaders represents normalized provider rate-limit signals.
type RateLimitHeaders struct {
	RetryAfterSeconds int

	LimitRequests     int
	LimitTokens       int
	RemainingRequests int
	RemainingTokens   int

	ResetRequests time.Duration
	ResetTokens   time.Duration
}

// NextWait converts the signals to a wait before the next attempt.
func (h RateLimitHeaders) NextWait() time.Duration {
	if h.RetryAfterSeconds > 0 {
		return time.Duration(h.RetryAfterSeconds) * time.Second
	}
	if h.RemainingTokens == 0 && h.ResetTokens > 0 {
		return h.ResetTokens
	}
	if h.RemainingRequests == 0 && h.ResetRequests > 0 {
		return h.ResetRequests
	}
	return 0
}

type headerReader struct {
	h     http.Header
	found bool
}

func (r *headerReader) int(key string, dst *int) {
	v := strings.TrimSpace(r.h.Get(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
	r.found = true
}

// resetAt reads an RFC 3339 reset timestamp as a duration from now.
func (r *headerReader) resetAt(key string, now time.Time, dst *time.Duration) {
	v := strings.TrimSpace(r.h.Get(key))
	if v == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return
	}
	if d := t.Sub(now); d > 0 {
		*dst = d
	}
	r.found = true
}

// parseAnthropicRateLimitHeaders parses the anthropic-ratelimit-* response headers.
// Reset fields are absolute timestamps.
func parseAnthropicRateLimitHeaders(h http.Header, now time.Time) (RateLimitHeaders, bool) {
	out := RateLimitHeaders{
		RemainingRequests: -1,
		RemainingTokens:   -1,
	}
	r := &headerReader{h: h}
	r.int("retry-after", &out.RetryAfterSeconds)
	r.int("anthropic-ratelimit-requests-limit", &out.LimitRequests)
	r.int("anthropic-ratelimit-tokens-limit", &out.LimitTokens)
	r.int("anthropic-ratelimit-requests-remaining", &out.RemainingRequests)
	r.int("anthropic-ratelimit-tokens-remaining", &out.RemainingTokens)
	r.resetAt("anthropic-ratelimit-requests-reset", now, &out.ResetRequests)
	r.resetAt("anthropic-ratelimit-tokens-reset", now, &out.ResetTokens)
	return out, r.found
}
