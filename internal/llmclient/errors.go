package llmclient

import (
	"fmt"
	"net/http"
	"time"

	"specforge/internal/llm"
)

// APIError is a non-2xx provider response.
type APIError struct {
	Provider string
	Status   int
	Body     string
	Limits   RateLimitHeaders
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
}

// RetryAfter lets llm.Retry honor provider throttling signals.
func (e *APIError) RetryAfter() time.Duration { return e.Limits.NextWait() }

// classify wraps client errors that no retry can fix in llm.PermanentError.
func classify(err *APIError) error {
	switch {
	case err.Status == http.StatusTooManyRequests,
		err.Status == http.StatusRequestTimeout,
		err.Status == http.StatusConflict,
		err.Status >= 500:
		return err
	case err.Status >= 400:
		return llm.NewPermanentError(err)
	}
	return err
}

var _ llm.RetryAfterHinter = (*APIError)(nil)
