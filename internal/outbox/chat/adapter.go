// Package chat delivers chat messages.
package chat

import (
	"context"
	"fmt"

	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/retry"
	"golang.org/x/text/unicode/norm"
)

const defaultTarget = "/chats"

// Poster sends JSON bodies to the remote service.
type Poster interface {
	PostJSON(ctx context.Context, target, idempotencyKey string, body any) error
}

// Config holds chat adapter configuration.
type Config struct {
	Target string
}

// Adapter implements outbox.Adapter for chat messages.
type Adapter struct {
	config Config
	poster Poster
}

// NewAdapter creates a chat adapter.
func NewAdapter(config Config, poster Poster) *Adapter {
	if config.Target == "" {
		config.Target = defaultTarget
	}
	return &Adapter{config: config, poster: poster}
}

// Kind returns domain.KindChat.
func (a *Adapter) Kind() domain.Kind {
	return domain.KindChat
}

type request struct {
	MotherID string `json:"mother_id"`
	Message  string `json:"message"`
	ClientID string `json:"client_id"`
}

// Deliver posts the message. Text is sent in NFC so that the same message
// typed on different keyboards compares equal on the server.
func (a *Adapter) Deliver(ctx context.Context, item domain.WorkItem) error {
	p, err := domain.PayloadAs[*domain.ChatPayload](item)
	if err != nil {
		return retry.Permanent(fmt.Errorf("chat adapter: %w", err))
	}

	target := item.Target
	if target == "" {
		target = a.config.Target
	}

	return a.poster.PostJSON(ctx, target, item.ClientID, request{
		MotherID: p.MotherID,
		Message:  norm.NFC.String(p.Message),
		ClientID: item.ClientID,
	})
}
