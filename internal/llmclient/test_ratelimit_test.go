package llmclient

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"specforge/internal/llm"
)

func TestParseAnthropicRateLimitHeaders(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := http.Header{}
	h.Set("anthropic-ratelimit-requests-limit", "50")
	h.Set("anthropic-ratelimit-requests-remaining", "0")
	h.Set("anthropic-ratelimit-requests-reset", now.Add(12*time.Second).Format(time.RFC3339))
	h.Set("anthropic-ratelimit-tokens-limit", "40000")
	h.Set("anthropic-ratelimit-tokens-remaining", "39000")

	got, ok := parseAnthropicRateLimitHeaders(h, now)
	if !ok {
		t.Fatalf("expected headers to be parsed")
	}
	if got.LimitRequests != 50 || got.LimitTokens != 40000 {
		t.Fatalf("limits: got requests=%d tokens=%d", got.LimitRequests, got.LimitTokens)
	}
	if got.RemainingRequests != 0 || got.RemainingTokens != 39000 {
		t.Fatalf("remaining: got requests=%d tokens=%d", got.RemainingRequests, got.RemainingTokens)
	}
	if got.NextWait() != 12*time.Second {
		t.Fatalf("wait: got=%s", got.NextWait())
	}
}

func TestParseAnthropicRateLimitHeadersAbsent(t *testing.T) {
	got, ok := parseAnthropicRateLimitHeaders(http.Header{}, time.Now())
	if ok {
		t.Fatalf("expected no headers, got %+v", got)
	}
	if got.NextWait() != 0 {
		t.Fatalf("no wait expected: got=%s", got.NextWait())
	}
}

func TestNextWait(t *testing.T) {
	if got := (RateLimitHeaders{RetryAfterSeconds: 3}).NextWait(); got != 3*time.Second {
		t.Fatalf("retry-after wait: got=%s", got)
	}
	if got := (RateLimitHeaders{RemainingTokens: 0, ResetTokens: 5 * time.Second}).NextWait(); got != 5*time.Second {
		t.Fatalf("token reset wait: got=%s", got)
	}
	if got := (RateLimitHeaders{RemainingTokens: 10, RemainingRequests: 10}).NextWait(); got != 0 {
		t.Fatalf("no wait expected: got=%s", got)
	}
}

func TestSplitChunksJoinsBack(t *testing.T) {
	for _, in := range []string{"", "one", "one two  three\n", "  lead"} {
		chunks := splitChunks(in)
		if got := strings.Join(chunks, ""); got != in {
			t.Fatalf("splitChunks(%q) joined to %q", in, got)
		}
	}
	if got := splitChunks("a b c"); len(got) != 3 {
		t.Fatalf("want 3 chunks, got %q", got)
	}
}

func TestFakeStreamsAnswer(t *testing.T) {
	f := NewFake(func(req llm.Request) (string, error) { return "hello there world", nil })
	s, err := f.Stream(context.Background(), llm.Request{Messages: []llm.RequestMessage{llm.UserText("hi")}})
	if err != nil {
		t.Fatal(err)
	}
	text, msg, err := llm.Drain(s)
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello there world" || msg.Text() != text {
		t.Fatalf("got text=%q final=%q", text, msg.Text())
	}
	if f.Calls() != 1 {
		t.Fatalf("calls: got=%d", f.Calls())
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "bard"}); err == nil {
		t.Fatalf("expected error")
	}
	c, err := New(context.Background(), Config{Provider: "FAKE"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Name() != "fake" {
		t.Fatalf("name: got=%s", c.Name())
	}
}
