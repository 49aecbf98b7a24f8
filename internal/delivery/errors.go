package delivery

import (
	"fmt"
	"net/http"
)

// HTTPError is a non-2xx response from the remote service.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether a later attempt may succeed. Rejected
// credentials are retried because the token may be refreshed meanwhile.
func (e *HTTPError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusUnauthorized,
		http.StatusForbidden:
		return true
	}
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode < 400
}
