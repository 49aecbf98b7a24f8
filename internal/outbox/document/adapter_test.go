package document

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bissquit/fieldsync/internal/delivery"
	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdapter_Defaults(t *testing.T) {
	a := NewAdapter(Config{}, nil)
	assert.Equal(t, defaultTarget, a.config.Target)
	assert.Equal(t, defaultFileField, a.config.FileField)
	assert.Equal(t, domain.KindDocument, a.Kind())
}

func TestAdapter_Deliver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/uploads", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "42", r.FormValue("mother_id"))
		assert.Equal(t, "ultrasound", r.FormValue("document_type"))
		assert.Equal(t, "doc-1", r.FormValue("client_id"))

		f, h, err := r.FormFile("upload")
		require.NoError(t, err)
		defer func() { _ = f.Close() }()
		content, err := io.ReadAll(f)
		require.NoError(t, err)

		assert.Equal(t, "scan.jpg", h.Filename)
		assert.Equal(t, []byte{0xff, 0xd8, 0xff}, content)

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := delivery.NewClient(delivery.Config{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	a := NewAdapter(Config{Target: "/uploads", FileField: "upload"}, client)
	err = a.Deliver(context.Background(), domain.WorkItem{
		ClientID: "doc-1",
		Kind:     domain.KindDocument,
		Payload: &domain.DocumentPayload{
			MotherID:     "42",
			DocumentType: "ultrasound",
			Name:         "scan.jpg",
			MediaType:    "image/jpeg",
			Content:      []byte{0xff, 0xd8, 0xff},
		},
	})
	assert.NoError(t, err)
}

type nopUploader struct{ called bool }

func (u *nopUploader) PostMultipart(context.Context, string, string, delivery.File, map[string]string) error {
	u.called = true
	return nil
}

func TestAdapter_EmptyContentIsPermanent(t *testing.T) {
	u := &nopUploader{}
	a := NewAdapter(Config{}, u)

	err := a.Deliver(context.Background(), domain.WorkItem{
		Kind:    domain.KindDocument,
		Payload: &domain.DocumentPayload{MotherID: "1", DocumentType: "x", Name: "a"},
	})
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
	assert.ErrorIs(t, err, errDocumentEmpty)
	assert.Equal(t, "permanent error: document has no content", err.Error())
	assert.False(t, u.called)
}

func TestAdapter_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := delivery.NewClient(delivery.Config{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	err = NewAdapter(Config{}, client).Deliver(context.Background(), domain.WorkItem{
		Kind:    domain.KindDocument,
		Payload: &domain.DocumentPayload{MotherID: "1", DocumentType: "x", Name: "a", Content: []byte("x")},
	})
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
}
