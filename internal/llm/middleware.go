package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware decorates a Client to inject cross-cutting concerns
// (retries, logging, tracing).
type Middleware func(Client) Client

// Wrap applies middlewares in left-to-right order.
// Example: Wrap(inner, A, B) => A(B(inner))
func Wrap(inner Client, mws ...Middleware) Client {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// -------- Retry with exponential backoff --------

// RetryAfterHinter is implemented by errors that carry a provider-requested wait.
type RetryAfterHinter interface {
	RetryAfter() time.Duration
}

// Retry retries Create and the opening of a Stream up to maxAttempts with exponential
// backoff starting at baseDelay. Errors already surfaced by an open stream are not
// retried. PermanentError and context cancellation stop immediately.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Client) Client {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Client
	max  int
	base time.Duration
}

func (r *retrying) Name() string { return r.next.Name() }
func (r *retrying) Close() error { return r.next.Close() }

func (r *retrying) Create(ctx context.Context, req Request) (*Message, error) {
	return retry(ctx, r, func() (*Message, error) { return r.next.Create(ctx, req) })
}

func (r *retrying) Stream(ctx context.Context, req Request) (Stream, error) {
	return retry(ctx, r, func() (Stream, error) { return r.next.Stream(ctx, req) })
}

func retry[T any](ctx context.Context, r *retrying, call func() (T, error)) (T, error) {
	var (
		zero T
		last error
	)
	for i := 0; i < r.max; i++ {
		out, err := call()
		if err == nil {
			return out, nil
		}
		// If it's a permanent error, do not retry.
		var pErr *PermanentError
		if errors.As(err, &pErr) {
			return zero, err
		}
		last = err
		if i == r.max-1 {
			break
		}
		wait := r.base * time.Duration(1<<i)
		var hint RetryAfterHinter
		if errors.As(err, &hint) && hint.RetryAfter() > wait {
			wait = hint.RetryAfter()
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, last
}

// -------- Logging --------

// WithLogging logs request size, latency and errors. A nil logger uses slog.Default().
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Client) Client {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next Client
	log  *slog.Logger
}

func (l *logging) Name() string { return l.next.Name() }
func (l *logging) Close() error { return l.next.Close() }

func (l *logging) Create(ctx context.Context, req Request) (*Message, error) {
	start := time.Now()
	l.log.Debug("llm request", "client", l.next.Name(), "model", req.Model, "bytes", requestSize(req))
	msg, err := l.next.Create(ctx, req)
	if err != nil {
		l.log.Warn("llm error", "client", l.next.Name(), "elapsed", time.Since(start), "error", err)
		return nil, err
	}
	l.log.Debug("llm response", "client", l.next.Name(), "elapsed", time.Since(start),
		"input_tokens", msg.Usage.InputTokens, "output_tokens", msg.Usage.OutputTokens)
	return msg, nil
}

func (l *logging) Stream(ctx context.Context, req Request) (Stream, error) {
	l.log.Debug("llm stream", "client", l.next.Name(), "model", req.Model, "bytes", requestSize(req))
	s, err := l.next.Stream(ctx, req)
	if err != nil {
		l.log.Warn("llm stream error", "client", l.next.Name(), "error", err)
	}
	return s, err
}

func requestSize(req Request) int {
	n := len(req.System)
	for _, m := range req.Messages {
		for _, c := range m.Content {
			n += len(c.Text)
		}
	}
	return n
}

// -------- Tracing --------

// WithTracing opens a span per Create and per Stream. A stream's span ends when the
// stream is closed. A nil tracer uses the global provider.
func WithTracing(tracer trace.Tracer) Middleware {
	if tracer == nil {
		tracer = otel.Tracer("specforge/llm")
	}
	return func(next Client) Client {
		return &traced{next: next, tracer: tracer}
	}
}

type traced struct {
	next   Client
	tracer trace.Tracer
}

func (t *traced) Name() string { return t.next.Name() }
func (t *traced) Close() error { return t.next.Close() }

func (t *traced) start(ctx context.Context, op string, req Request) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "llm "+op, trace.WithAttributes(
		attribute.String("llm.client", t.next.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.max_tokens", req.MaxTokens),
	))
}

func (t *traced) Create(ctx context.Context, req Request) (*Message, error) {
	ctx, span := t.start(ctx, "create", req)
	defer span.End()
	msg, err := t.next.Create(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", msg.Usage.InputTokens),
		attribute.Int("llm.output_tokens", msg.Usage.OutputTokens),
	)
	return msg, nil
}

func (t *traced) Stream(ctx context.Context, req Request) (Stream, error) {
	ctx, span := t.start(ctx, "stream", req)
	s, err := t.next.Stream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	return &tracedStream{Stream: s, span: span}, nil
}

type tracedStream struct {
	Stream
	span   trace.Span
	chunks int
	ended  bool
}

func (s *tracedStream) Next() bool {
	ok := s.Stream.Next()
	if ok {
		s.chunks++
	}
	return ok
}

func (s *tracedStream) Close() error {
	err := s.Stream.Close()
	if !s.ended {
		s.ended = true
		s.span.SetAttributes(attribute.Int("llm.chunks", s.chunks))
		if serr := s.Stream.Err(); serr != nil {
			s.span.RecordError(serr)
			s.span.SetStatus(codes.Error, serr.Error())
		}
		s.span.End()
	}
	return err
}
