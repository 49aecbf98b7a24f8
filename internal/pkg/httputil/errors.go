package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/fieldsync/internal/pkg/ctxlog"
)

// ErrorMapping maps an error matched with errors.Is to a response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // err.Error() when empty
}

// contextMappings apply after the caller's mappings.
var contextMappings = []ErrorMapping{
	{Error: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Message: "request timed out"},
	{Error: context.Canceled, Status: http.StatusServiceUnavailable, Message: "request canceled"},
}

// HandleError writes the response of the first mapping err matches.
// Unmatched errors are logged and answered with 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	if m, ok := match(err, mappings); ok {
		writeMapped(ctx, w, err, m)
		return
	}
	if m, ok := match(err, contextMappings); ok {
		writeMapped(ctx, w, err, m)
		return
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}

func match(err error, mappings []ErrorMapping) (ErrorMapping, bool) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			return m, true
		}
	}
	return ErrorMapping{}, false
}

func writeMapped(ctx context.Context, w http.ResponseWriter, err error, m ErrorMapping) {
	if m.Status >= http.StatusInternalServerError {
		ctxlog.FromContext(ctx).Warn("request failed", "status", m.Status, "error", err)
	}
	msg := m.Message
	if msg == "" {
		msg = err.Error()
	}
	Error(w, m.Status, msg)
}
