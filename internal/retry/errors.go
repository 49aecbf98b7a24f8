package retry

import "fmt"

// PermanentError indicates a failure that will not go away on retry.
type PermanentError struct {
	Code    int
	Message string
	Err     error
}

func (e *PermanentError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code > 0 {
		return fmt.Sprintf("permanent error %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("permanent error: %s", msg)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

func (e *PermanentError) Unwrap() error { return e.Err }

// RetryableError indicates a temporary failure.
type RetryableError struct {
	Code    int
	Message string
	Err     error
}

func (e *RetryableError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code > 0 {
		return fmt.Sprintf("temporary error %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("temporary error: %s", msg)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }

func (e *RetryableError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable error.
func Permanent(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// Temporary wraps err as a retryable error.
func Temporary(err error) *RetryableError {
	return &RetryableError{Err: err}
}
