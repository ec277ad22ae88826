package resilience

import (
	"time"

	"github.com/osint-labs/viraltrace/internal/model"
)

// FailedFetch is a platform fetch that exhausted its retries and was
// parked for a later attempt. A re-trace of the same session hits the
// fetch cache for everything that succeeded, so replaying the queue is
// cheap.
type FailedFetch struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	Platform     model.Platform `json:"platform"`
	Ref          string         `json:"ref"`
	Error        string         `json:"error"`
	ErrorType    string         `json:"error_type"` // "transient" or "permanent"
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	NextRetryAt  time.Time      `json:"next_retry_at"`
	CreatedAt    time.Time      `json:"created_at"`
	LastFailedAt time.Time      `json:"last_failed_at"`
}

// FailedFetchFilter selects entries when draining the queue.
type FailedFetchFilter struct {
	Platform  model.Platform `json:"platform,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has retry attempts left.
func (f *FailedFetch) CanRetry() bool {
	return f.RetryCount < f.MaxRetries
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
