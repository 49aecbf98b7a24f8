// Package form delivers clinical form submissions.
package form

import (
	"context"
	"fmt"

	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/retry"
)

const defaultTarget = "/forms"

// Poster sends JSON bodies to the remote service.
type Poster interface {
	PostJSON(ctx context.Context, target, idempotencyKey string, body any) error
}

// Config holds form adapter configuration.
type Config struct {
	Target string // used when the item carries no target
}

// Adapter implements outbox.Adapter for forms.
type Adapter struct {
	config Config
	poster Poster
}

// NewAdapter creates a form adapter.
func NewAdapter(config Config, poster Poster) *Adapter {
	if config.Target == "" {
		config.Target = defaultTarget
	}
	return &Adapter{config: config, poster: poster}
}

// Kind returns domain.KindForm.
func (a *Adapter) Kind() domain.Kind {
	return domain.KindForm
}

type request struct {
	FormType string         `json:"form_type"`
	MotherID string         `json:"mother_id"`
	Data     map[string]any `json:"data"`
	ClientID string         `json:"client_id"`
}

// Deliver posts the form to its target.
func (a *Adapter) Deliver(ctx context.Context, item domain.WorkItem) error {
	p, err := domain.PayloadAs[*domain.FormPayload](item)
	if err != nil {
		return retry.Permanent(fmt.Errorf("form adapter: %w", err))
	}

	target := item.Target
	if target == "" {
		target = a.config.Target
	}

	return a.poster.PostJSON(ctx, target, item.ClientID, request{
		FormType: p.FormType,
		MotherID: p.MotherID,
		Data:     p.Data,
		ClientID: item.ClientID,
	})
}
