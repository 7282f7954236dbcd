package llmclient

import (
	"context"
	"fmt"
	"iter"
	"strings"

	genai "google.golang.org/genai"

	"specforge/internal/llm"
)

// Gemini is a thin wrapper around the official genai client.
// It only focuses on the API call itself. Cross-cutting concerns
// (retries, logging, tracing, caching) are applied via llm.Middleware.
type Gemini struct {
	cli *genai.Client
}

// NewGemini builds a client for the Gemini API backend. An empty apiKey lets genai
// read GEMINI_API_KEY / GOOGLE_API_KEY from the environment.
func NewGemini(ctx context.Context, apiKey string) (*Gemini, error) {
	cli, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &Gemini{cli: cli}, nil
}

func (g *Gemini) Name() string { return "gemini" }
func (g *Gemini) Close() error { return nil }

func geminiContents(req llm.Request) []*genai.Content {
	out := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: textOf(m.Content)}}})
	}
	return out
}

func geminiConfig(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
		StopSequences:   req.StopSequences,
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	return cfg
}

// fill copies text, stop reason and usage of one response into msg and returns the
// response text.
func fill(msg *llm.Message, resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	if resp.ModelVersion != "" {
		msg.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		msg.Usage = llm.Usage{InputTokens: int(u.PromptTokenCount), OutputTokens: int(u.CandidatesTokenCount)}
	}
	if len(resp.Candidates) == 0 {
		return ""
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		msg.StopReason = string(cand.FinishReason)
	}
	if cand.Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (g *Gemini) Create(ctx context.Context, req llm.Request) (*llm.Message, error) {
	resp, err := g.cli.Models.GenerateContent(ctx, req.Model, geminiContents(req), geminiConfig(req))
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	msg := &llm.Message{Model: req.Model, Role: "assistant"}
	text := fill(msg, resp)
	msg.Content = []llm.ContentBlock{{Type: llm.BlockText, Text: text}}
	return msg, nil
}

func (g *Gemini) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	seq := g.cli.Models.GenerateContentStream(ctx, req.Model, geminiContents(req), geminiConfig(req))
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop, msg: llm.Message{Model: req.Model, Role: "assistant"}}, nil
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	msg  llm.Message
	text strings.Builder
	cur  string
	err  error
	done bool
}

func (s *geminiStream) Next() bool {
	for !s.done && s.err == nil {
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			break
		}
		if err != nil {
			s.err = fmt.Errorf("gemini: %w", err)
			break
		}
		if chunk := fill(&s.msg, resp); chunk != "" {
			s.cur = chunk
			s.text.WriteString(chunk)
			return true
		}
	}
	return false
}

func (s *geminiStream) Text() string { return s.cur }
func (s *geminiStream) Err() error   { return s.err }

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

func (s *geminiStream) FinalMessage() (*llm.Message, error) {
	for s.Next() {
	}
	if s.err != nil {
		return nil, s.err
	}
	out := s.msg
	out.Content = []llm.ContentBlock{{Type: llm.BlockText, Text: s.text.String()}}
	return &out, nil
}

var _ llm.Client = (*Gemini)(nil)
