// Package llm defines the model collaborator consumed by pipeline phases: a
// messages-style Create call, a lazily consumed Stream, middleware for cross-cutting
// concerns, and a client that memoizes both call kinds in a cache.FileCache.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

var ErrEmptyResponse = errors.New("llm: empty response")

type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

type RequestMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText is a single-block user turn.
func UserText(text string) RequestMessage {
	return RequestMessage{Role: "user", Content: []ContentBlock{{Type: BlockText, Text: text}}}
}

// Request is the provider-neutral call description. It doubles as the cache key, so
// every field that influences the answer belongs here.
type Request struct {
	Model         string           `json:"model"`
	System        string           `json:"system,omitempty"`
	Messages      []RequestMessage `json:"messages"`
	MaxTokens     int              `json:"max_tokens"`
	Temperature   *float64         `json:"temperature,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type Message struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the message's text blocks.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range m.Content {
		if c.Type == BlockText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// Client is implemented by provider adapters and by every middleware layer.
type Client interface {
	Name() string
	Create(ctx context.Context, req Request) (*Message, error)
	Stream(ctx context.Context, req Request) (Stream, error)
	Close() error
}

// Stream yields text chunks in order. It is finite and cannot be restarted:
//
//	for s.Next() {
//		fmt.Print(s.Text())
//	}
//	if err := s.Err(); err != nil { ... }
//	msg, err := s.FinalMessage()
//	s.Close()
type Stream interface {
	Next() bool
	Text() string
	Err() error
	// FinalMessage drains the remaining chunks and returns the assembled message.
	FinalMessage() (*Message, error)
	Close() error
}

// PermanentError indicates an error that will not resolve with retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// Drain reads s to the end and returns the concatenated text and final message.
func Drain(s Stream) (string, *Message, error) {
	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Text())
	}
	if err := s.Err(); err != nil {
		return b.String(), nil, err
	}
	msg, err := s.FinalMessage()
	return b.String(), msg, err
}
