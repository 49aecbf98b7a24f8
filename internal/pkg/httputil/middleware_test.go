package httputil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func TestTokenAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusNoContent},
		{"missing header", "secret", "", http.StatusUnauthorized},
		{"wrong scheme", "secret", "Basic secret", http.StatusUnauthorized},
		{"no scheme", "secret", "secret", http.StatusUnauthorized},
		{"wrong token", "secret", "Bearer nope", http.StatusUnauthorized},
		{"valid", "secret", "Bearer secret", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/pending", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			TokenAuthMiddleware(tt.token)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	h := CORSMiddleware([]string{"http://localhost:5173"})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sync", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
}

func TestCORSMiddleware_UnknownOrigin(t *testing.T) {
	h := CORSMiddleware([]string{"http://localhost:5173"})(http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pending", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleError(t *testing.T) {
	errKnown := errors.New("known")
	mappings := []ErrorMapping{{Error: errKnown, Status: http.StatusConflict, Message: "conflict"}}

	rec := httptest.NewRecorder()
	HandleError(context.Background(), rec, errors.Join(errKnown), mappings)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"error":{"message":"conflict"}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	HandleError(context.Background(), rec, errors.New("boom"), mappings)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleError_ContextErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "deadline", err: fmt.Errorf("deliver: %w", context.DeadlineExceeded), wantStatus: http.StatusGatewayTimeout},
		{name: "canceled", err: context.Canceled, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleError(context.Background(), rec, tt.err, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestValidationError(t *testing.T) {
	type request struct {
		MotherID string `validate:"required"`
		Message  string `validate:"max=3"`
	}
	err := validator.New().Struct(request{Message: "too long"})

	rec := httptest.NewRecorder()
	ValidationError(rec, fmt.Errorf("invalid payload: %w", err))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":{"message":"validation error","details":[
		{"field":"MotherID","message":"required"},
		{"field":"Message","message":"max","param":"3"}
	]}}`, rec.Body.String())

	rec = httptest.NewRecorder()
	ValidationError(rec, errors.New("bad json"))
	assert.JSONEq(t, `{"error":{"message":"validation error","details":"bad json"}}`, rec.Body.String())
}
