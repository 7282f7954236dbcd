package llmclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"specforge/internal/llm"
)

// Responder produces the text answer of the fake model.
type Responder func(req llm.Request) (string, error)

// Fake answers from a Responder without network access. Streams split the answer
// into word-sized chunks.
type Fake struct {
	respond Responder

	mu    sync.Mutex
	calls int
}

func NewFake(respond Responder) *Fake {
	if respond == nil {
		respond = Echo
	}
	return &Fake{respond: respond}
}

// Echo answers with the text of the last request message.
func Echo(req llm.Request) (string, error) {
	return lastText(req), nil
}

func lastText(req llm.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return textOf(req.Messages[len(req.Messages)-1].Content)
}

func (f *Fake) Name() string { return "fake" }
func (f *Fake) Close() error { return nil }

// Calls reports how many requests reached the fake.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) answer(req llm.Request) (*llm.Message, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	text, err := f.respond(req)
	if err != nil {
		return nil, err
	}
	return &llm.Message{
		ID:         fmt.Sprintf("msg_fake%04d", n),
		Model:      req.Model,
		Role:       "assistant",
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: text}},
		StopReason: "end_turn",
		Usage: llm.Usage{
			InputTokens:  len(strings.Fields(req.System + " " + lastText(req))),
			OutputTokens: len(strings.Fields(text)),
		},
	}, nil
}

func (f *Fake) Create(ctx context.Context, req llm.Request) (*llm.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.answer(req)
}

func (f *Fake) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := f.answer(req)
	if err != nil {
		return nil, err
	}
	return llm.NewReplayStream(splitChunks(msg.Text()), msg), nil
}

// splitChunks cuts text after each run of whitespace, so joining the chunks yields
// the input.
func splitChunks(text string) []string {
	var (
		out   []string
		start int
		inWS  bool
	)
	for i, r := range text {
		ws := unicode.IsSpace(r)
		if inWS && !ws {
			out = append(out, text[start:i])
			start = i
		}
		inWS = ws
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

var _ llm.Client = (*Fake)(nil)
