package form

import (
	"context"
	"encoding/json"
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
	assert.Equal(t, domain.KindForm, a.Kind())
}

func TestAdapter_Deliver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forms/vitals", r.URL.Path)
		assert.Equal(t, "client-1", r.Header.Get(delivery.HeaderIdempotencyKey))

		var body request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "vitals", body.FormType)
		assert.Equal(t, "42", body.MotherID)
		assert.Equal(t, "client-1", body.ClientID)
		assert.Equal(t, "120/80", body.Data["bp"])

		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client, err := delivery.NewClient(delivery.Config{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	a := NewAdapter(Config{}, client)
	err = a.Deliver(context.Background(), domain.WorkItem{
		ClientID: "client-1",
		Kind:     domain.KindForm,
		Target:   "/forms/vitals",
		Payload: &domain.FormPayload{
			FormType: "vitals",
			MotherID: "42",
			Data:     map[string]any{"bp": "120/80"},
		},
	})
	assert.NoError(t, err)
}

type recordingPoster struct {
	target string
}

func (p *recordingPoster) PostJSON(_ context.Context, target, _ string, _ any) error {
	p.target = target
	return nil
}

func TestAdapter_DefaultTarget(t *testing.T) {
	poster := &recordingPoster{}
	a := NewAdapter(Config{Target: "/api/forms"}, poster)

	err := a.Deliver(context.Background(), domain.WorkItem{
		Kind:    domain.KindForm,
		Payload: &domain.FormPayload{FormType: "registration", MotherID: "1", Data: map[string]any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/forms", poster.target)
}

func TestAdapter_WrongPayloadIsPermanent(t *testing.T) {
	a := NewAdapter(Config{}, &recordingPoster{})

	err := a.Deliver(context.Background(), domain.WorkItem{
		Kind:    domain.KindForm,
		Payload: &domain.ChatPayload{MotherID: "1", Message: "hi"},
	})
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
	assert.ErrorIs(t, err, domain.ErrPayloadMismatch)
	assert.Equal(t, "permanent error: form adapter: payload type mismatch", err.Error())
}
