package resilience

import (
	"time"
)

// Error classes recorded on dead-letter entries.
const (
	ErrorTransient = "transient"
	ErrorPermanent = "permanent"
)

// DLQEntry is a provider whose validation failed and may be retried.
type DLQEntry struct {
	ID           string    `json:"id"`
	ProviderID   int64     `json:"provider_id"`
	RunID        string    `json:"run_id"`
	Error        string    `json:"error"`
	ErrorType    string    `json:"error_type"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	NextRetryAt  time.Time `json:"next_retry_at"`
	CreatedAt    time.Time `json:"created_at"`
	LastFailedAt time.Time `json:"last_failed_at"`
}

// DLQFilter selects due entries.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry reports whether the entry has retries left.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// ClassifyError returns ErrorTransient or ErrorPermanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTransient
	}
	return ErrorPermanent
}

// dlqBackoff schedules DLQ retries: 1m, 2m, 4m ... capped at 6h, no jitter.
var dlqBackoff = Policy{Base: time.Minute, Max: 6 * time.Hour, Factor: 2}

// NextRetryAt returns when an entry that has failed retryCount times should
// be tried again.
func NextRetryAt(now time.Time, retryCount int) time.Time {
	return now.Add(dlqBackoff.Delay(retryCount))
}
