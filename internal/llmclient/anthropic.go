package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"specforge/internal/llm"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	maxErrorBody     = 4 << 10
)

type AnthropicConfig struct {
	APIKey string
	// BaseURL defaults to the public API; tests point it at an httptest server.
	BaseURL    string
	Version    string
	HTTPClient *http.Client
}

// Anthropic calls the Messages API directly over HTTP. Cross-cutting concerns
// (retries, logging, tracing, caching) are applied via llm.Middleware.
type Anthropic struct {
	cfg  AnthropicConfig
	http *http.Client
	now  func() time.Time
}

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Version == "" {
		cfg.Version = anthropicVersion
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Anthropic{cfg: cfg, http: hc, now: time.Now}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }
func (a *Anthropic) Close() error { return nil }

type anthropicRequest struct {
	llm.Request
	Stream bool `json:"stream,omitempty"`
}

func (a *Anthropic) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", a.cfg.Version)
	if body.Stream {
		req.Header.Set("accept", "text/event-stream")
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		limits, _ := parseAnthropicRateLimitHeaders(resp.Header, a.now())
		return nil, classify(&APIError{
			Provider: a.Name(),
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(msg)),
			Limits:   limits,
		})
	}
	return resp, nil
}

func (a *Anthropic) Create(ctx context.Context, req llm.Request) (*llm.Message, error) {
	resp, err := a.post(ctx, anthropicRequest{Request: req})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var msg llm.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return &msg, nil
}

func (a *Anthropic) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	resp, err := a.post(ctx, anthropicRequest{Request: req, Stream: true})
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	return &sseStream{body: resp.Body, scanner: sc, msg: llm.Message{Model: req.Model, Role: "assistant"}}, nil
}

// sseStream decodes Messages API server-sent events. Only text deltas are surfaced as
// chunks; the other events fill in the final message.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	msg  llm.Message
	text strings.Builder
	cur  string
	err  error
	done bool
}

type sseEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Role  string    `json:"role"`
		Usage llm.Usage `json:"usage"`
	} `json:"message,omitempty"`
	ContentBlock *llm.ContentBlock `json:"content_block,omitempty"`
	Delta        *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *llm.Usage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (s *sseStream) Next() bool {
	for !s.done && s.err == nil {
		data, ok := s.nextData()
		if !ok {
			break
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue // Skip malformed chunks
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				s.msg.ID = ev.Message.ID
				if ev.Message.Model != "" {
					s.msg.Model = ev.Message.Model
				}
				s.msg.Usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type != llm.BlockText {
				s.msg.Content = append(s.msg.Content, *ev.ContentBlock)
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				s.cur = ev.Delta.Text
				s.text.WriteString(ev.Delta.Text)
				return true
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				s.msg.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				s.msg.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			s.done = true
		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			s.err = fmt.Errorf("anthropic: %s", msg)
		}
	}
	return false
}

func (s *sseStream) nextData() (string, bool) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if bytes.HasPrefix(line, []byte("data:")) {
			return string(bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))), true
		}
	}
	if err := s.scanner.Err(); err != nil {
		s.err = fmt.Errorf("anthropic: read stream: %w", err)
	} else if !s.done {
		s.err = fmt.Errorf("anthropic: %w before message_stop", io.ErrUnexpectedEOF)
	}
	return "", false
}

func (s *sseStream) Text() string { return s.cur }
func (s *sseStream) Err() error   { return s.err }
func (s *sseStream) Close() error { return s.body.Close() }

func (s *sseStream) FinalMessage() (*llm.Message, error) {
	for s.Next() {
	}
	if s.err != nil {
		return nil, s.err
	}
	out := s.msg
	out.Content = append([]llm.ContentBlock{{Type: llm.BlockText, Text: s.text.String()}}, s.msg.Content...)
	return &out, nil
}

var _ llm.Client = (*Anthropic)(nil)
