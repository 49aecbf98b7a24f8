// Package retry decides what happens to a work item after a failed delivery.
package retry

import (
	"context"
	"errors"

	"github.com/bissquit/fieldsync/internal/domain"
)

// DefaultMaxRetries is the attempt ceiling shared by all kinds.
const DefaultMaxRetries = 3

// Policy holds the retry ceiling.
type Policy struct {
	MaxRetries int
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: DefaultMaxRetries}
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	Retry      bool
	NextStatus domain.SyncStatus
}

// Decide returns the next state for an item that failed with retryCount
// previous failures. The caller increments the stored retry count.
func Decide(retryCount, maxRetries int) Decision {
	if retryCount+1 >= maxRetries {
		return Decision{Retry: false, NextStatus: domain.SyncStatusFailed}
	}
	return Decision{Retry: true, NextStatus: domain.SyncStatusPending}
}

// Decide applies the policy ceiling to retryCount.
func (p Policy) Decide(retryCount int) Decision {
	ceiling := p.MaxRetries
	if ceiling <= 0 {
		ceiling = DefaultMaxRetries
	}
	return Decide(retryCount, ceiling)
}

// Fail is the decision for errors that must not be retried.
func Fail() Decision {
	return Decision{Retry: false, NextStatus: domain.SyncStatusFailed}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	// Default: retry unknown errors
	return true
}

// IsCanceled reports whether the attempt was abandoned rather than failed.
// An expired deadline is a failure and returns false.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
