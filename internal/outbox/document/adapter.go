// Package document uploads files with their owner and classification.
package document

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/fieldsync/internal/delivery"
	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/retry"
)

var errDocumentEmpty = errors.New("document has no content")

const (
	defaultTarget    = "/documents"
	defaultFileField = "file"
)

// Uploader sends multipart uploads to the remote service.
type Uploader interface {
	PostMultipart(ctx context.Context, target, idempotencyKey string, file delivery.File, fields map[string]string) error
}

// Config holds document adapter configuration.
type Config struct {
	Target    string
	FileField string // multipart field holding the file
}

// Adapter implements outbox.Adapter for documents.
type Adapter struct {
	config   Config
	uploader Uploader
}

// NewAdapter creates a document adapter.
func NewAdapter(config Config, uploader Uploader) *Adapter {
	if config.Target == "" {
		config.Target = defaultTarget
	}
	if config.FileField == "" {
		config.FileField = defaultFileField
	}
	return &Adapter{config: config, uploader: uploader}
}

// Kind returns domain.KindDocument.
func (a *Adapter) Kind() domain.Kind {
	return domain.KindDocument
}

// Deliver uploads the document.
func (a *Adapter) Deliver(ctx context.Context, item domain.WorkItem) error {
	p, err := domain.PayloadAs[*domain.DocumentPayload](item)
	if err != nil {
		return retry.Permanent(fmt.Errorf("document adapter: %w", err))
	}
	if len(p.Content) == 0 {
		return retry.Permanent(errDocumentEmpty)
	}

	target := item.Target
	if target == "" {
		target = a.config.Target
	}

	return a.uploader.PostMultipart(ctx, target, item.ClientID,
		delivery.File{
			FieldName: a.config.FileField,
			Name:      p.Name,
			MediaType: p.MediaType,
			Content:   p.Content,
		},
		map[string]string{
			"mother_id":     p.MotherID,
			"document_type": p.DocumentType,
			"client_id":     item.ClientID,
		},
	)
}
