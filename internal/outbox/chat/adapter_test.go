package chat

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

func TestAdapter_Deliver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, defaultTarget, r.URL.Path)

		var body request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "42", body.MotherID)
		assert.Equal(t, "hello", body.Message)

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := delivery.NewClient(delivery.Config{BaseURL: server.URL}, nil)
	require.NoError(t, err)

	a := NewAdapter(Config{}, client)
	assert.Equal(t, domain.KindChat, a.Kind())

	err = a.Deliver(context.Background(), domain.WorkItem{
		ClientID: "c-1",
		Kind:     domain.KindChat,
		Payload:  &domain.ChatPayload{MotherID: "42", Message: "hello"},
	})
	assert.NoError(t, err)
}

type capturePoster struct {
	body request
}

func (p *capturePoster) PostJSON(_ context.Context, _, _ string, body any) error {
	p.body = body.(request)
	return nil
}

func TestAdapter_NormalizesMessage(t *testing.T) {
	poster := &capturePoster{}
	a := NewAdapter(Config{}, poster)

	// "e" followed by a combining acute accent.
	decomposed := "cafe\u0301"
	err := a.Deliver(context.Background(), domain.WorkItem{
		Kind:    domain.KindChat,
		Payload: &domain.ChatPayload{MotherID: "7", Message: decomposed},
	})
	require.NoError(t, err)
	assert.Equal(t, "caf\u00e9", poster.body.Message)
}

func TestAdapter_WrongPayloadIsPermanent(t *testing.T) {
	a := NewAdapter(Config{}, &capturePoster{})

	err := a.Deliver(context.Background(), domain.WorkItem{Kind: domain.KindChat})
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
}
