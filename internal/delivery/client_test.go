package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/fieldsync/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Config{}, nil)
	require.NoError(t, err)

	assert.Equal(t, defaultTimeout, c.config.Timeout)
	assert.Equal(t, defaultUserAgent, c.config.UserAgent)
	assert.Equal(t, defaultTimeout, c.httpClient.Timeout)
}

func TestClient_Resolve(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "https://api.example.org/v1"}, nil)
	require.NoError(t, err)

	tests := []struct {
		target string
		want   string
	}{
		{"/forms", "https://api.example.org/v1/forms"},
		{"chats?x=1", "https://api.example.org/v1/chats?x=1"},
		{"https://other.example.org/upload", "https://other.example.org/upload"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := c.Resolve(tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = c.Resolve("")
	assert.False(t, retry.IsRetryable(err))

	bare, err := NewClient(Config{}, nil)
	require.NoError(t, err)
	_, err = bare.Resolve("/forms")
	assert.False(t, retry.IsRetryable(err))
}

func TestClient_PostJSON_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chats", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "key-1", r.Header.Get(HeaderIdempotencyKey))
		assert.NotEmpty(t, r.Header.Get(HeaderCorrelationID))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello", body["message"])

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL}, StaticToken("secret"))
	require.NoError(t, err)

	err = c.PostJSON(context.Background(), "/chats", "key-1", map[string]string{"message": "hello"})
	assert.NoError(t, err)
}

func TestClient_PostJSON_NoCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL}, StaticToken(""))
	require.NoError(t, err)
	assert.NoError(t, c.PostJSON(context.Background(), "/forms", "", map[string]string{}))
}

type failingCreds struct{}

func (failingCreds) Token(context.Context) (string, error) { return "", errors.New("store closed") }

func TestClient_CredentialErrorSendsUnauthenticated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL}, failingCreds{})
	require.NoError(t, err)
	assert.NoError(t, c.PostJSON(context.Background(), "/forms", "", map[string]string{}))
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		message   string
	}{
		{"bad request", http.StatusBadRequest, `{"error":"invalid form"}`, false, "invalid form"},
		{"not found", http.StatusNotFound, "", false, ""},
		{"conflict", http.StatusConflict, `{"message":"duplicate"}`, false, "duplicate"},
		{"unprocessable", http.StatusUnprocessableEntity, "bad data", false, "bad data"},
		{"unauthorized", http.StatusUnauthorized, "", true, ""},
		{"forbidden", http.StatusForbidden, "", true, ""},
		{"timeout", http.StatusRequestTimeout, "", true, ""},
		{"rate limited", http.StatusTooManyRequests, "", true, ""},
		{"server error", http.StatusInternalServerError, "oops", true, "oops"},
		{"bad gateway", http.StatusBadGateway, "", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			c, err := NewClient(Config{BaseURL: server.URL}, nil)
			require.NoError(t, err)

			err = c.PostJSON(context.Background(), "/forms", "", map[string]string{})
			require.Error(t, err)

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.status, httpErr.StatusCode)
			assert.Equal(t, tt.message, httpErr.Message)
			assert.Equal(t, tt.retryable, retry.IsRetryable(err))
		})
	}
}

func TestClient_NetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c, err := NewClient(Config{BaseURL: url}, nil)
	require.NoError(t, err)

	err = c.PostJSON(context.Background(), "/forms", "", map[string]string{})
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
	assert.False(t, retry.IsCanceled(err))
	assert.Contains(t, err.Error(), "temporary error: send request")
}

func TestClient_CancelledContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	// Runs before Close, which waits for the handler.
	defer close(release)

	c, err := NewClient(Config{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err = c.PostJSON(ctx, "/forms", "", map[string]string{})
	require.Error(t, err)
	assert.True(t, retry.IsCanceled(err))
}

func TestClient_TimeoutIsFailureNotCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL, Timeout: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	err = c.PostJSON(context.Background(), "/forms", "", map[string]string{})
	require.Error(t, err)
	assert.False(t, retry.IsCanceled(err))
	assert.True(t, retry.IsRetryable(err))
}

func TestClient_RedirectIsNotFollowed(t *testing.T) {
	var followed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/forms", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/moved", http.StatusFound)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		followed.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		target string
	}{
		{"relative target", "/forms"},
		{"absolute target", server.URL + "/forms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.PostJSON(context.Background(), tt.target, "key-1", map[string]string{"a": "b"})
			require.Error(t, err)

			var httpErr *HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, http.StatusFound, httpErr.StatusCode)
			assert.True(t, retry.IsRetryable(err))
			assert.False(t, followed.Load())
		})
	}
}

func TestClient_PostMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "42", r.FormValue("mother_id"))
		assert.Equal(t, "ultrasound", r.FormValue("document_type"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()

		content, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "scan.png", header.Filename)
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))
		assert.Equal(t, []byte("PNGDATA"), content)

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c, err := NewClient(Config{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	err = c.PostMultipart(context.Background(), "/documents", "doc-1",
		File{Name: "scan.png", MediaType: "image/png", Content: []byte("PNGDATA")},
		map[string]string{"mother_id": "42", "document_type": "ultrasound"},
	)
	assert.NoError(t, err)
}
