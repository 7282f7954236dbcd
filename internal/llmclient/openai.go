package llmclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"specforge/internal/llm"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// OpenAI maps requests onto chat completions.
type OpenAI struct {
	client *openai.Client
}

func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc)}, nil
}

func (o *OpenAI) Name() string { return "openai" }
func (o *OpenAI) Close() error { return nil }

func chatRequest(req llm.Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:               req.Model,
		MaxCompletionTokens: req.MaxTokens,
		Stop:                req.StopSequences,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: textOf(m.Content),
		})
	}
	return out
}

func textOf(blocks []llm.ContentBlock) string {
	var b strings.Builder
	for _, c := range blocks {
		if c.Type == llm.BlockText {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

func (o *OpenAI) Create(ctx context.Context, req llm.Request) (*llm.Message, error) {
	resp, err := o.client.CreateChatCompletion(ctx, chatRequest(req))
	if err != nil {
		return nil, o.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	choice := resp.Choices[0]
	return &llm.Message{
		ID:         resp.ID,
		Model:      resp.Model,
		Role:       "assistant",
		Content:    []llm.ContentBlock{{Type: llm.BlockText, Text: choice.Message.Content}},
		StopReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (o *OpenAI) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	cr := chatRequest(req)
	cr.Stream = true
	cr.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	s, err := o.client.CreateChatCompletionStream(ctx, cr)
	if err != nil {
		return nil, o.wrap(err)
	}
	return &openAIStream{s: s, o: o, msg: llm.Message{Model: req.Model, Role: "assistant"}}, nil
}

// wrap turns 4xx API errors (other than throttling) into permanent errors.
func (o *OpenAI) wrap(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classify(&APIError{Provider: o.Name(), Status: apiErr.HTTPStatusCode, Body: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return classify(&APIError{Provider: o.Name(), Status: reqErr.HTTPStatusCode, Body: http.StatusText(reqErr.HTTPStatusCode)})
	}
	return fmt.Errorf("openai: %w", err)
}

type openAIStream struct {
	s    *openai.ChatCompletionStream
	o    *OpenAI
	msg  llm.Message
	text strings.Builder
	cur  string
	err  error
	done bool
}

func (s *openAIStream) Next() bool {
	for !s.done && s.err == nil {
		resp, err := s.s.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			break
		}
		if err != nil {
			s.err = s.o.wrap(err)
			break
		}
		if resp.ID != "" {
			s.msg.ID = resp.ID
		}
		if resp.Model != "" {
			s.msg.Model = resp.Model
		}
		if resp.Usage != nil {
			s.msg.Usage = llm.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if fr := resp.Choices[0].FinishReason; fr != "" {
			s.msg.StopReason = string(fr)
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			s.cur = delta
			s.text.WriteString(delta)
			return true
		}
	}
	return false
}

func (s *openAIStream) Text() string { return s.cur }
func (s *openAIStream) Err() error   { return s.err }
func (s *openAIStream) Close() error { return s.s.Close() }

func (s *openAIStream) FinalMessage() (*llm.Message, error) {
	for s.Next() {
	}
	if s.err != nil {
		return nil, s.err
	}
	out := s.msg
	out.Content = []llm.ContentBlock{{Type: llm.BlockText, Text: s.text.String()}}
	return &out, nil
}

var _ llm.Client = (*OpenAI)(nil)
