package domain

import (
	"errors"
	"time"
)

// Kind identifies the domain a work item belongs to.
type Kind string

// Work item kinds.
const (
	KindForm     Kind = "form"
	KindChat     Kind = "chat"
	KindDocument Kind = "document"
)

// Kinds returns all kinds in drain order.
func Kinds() []Kind {
	return []Kind{KindForm, KindChat, KindDocument}
}

// IsValid checks if the kind is known.
func (k Kind) IsValid() bool {
	return k == KindForm || k == KindChat || k == KindDocument
}

// SyncStatus is the delivery state of a stored work item.
// A delivered item is deleted, so there is no "synced" status.
type SyncStatus string

// Sync statuses.
const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusFailed  SyncStatus = "failed"
)

// IsValid checks if the status is known.
func (s SyncStatus) IsValid() bool {
	return s == SyncStatusPending || s == SyncStatusFailed
}

// ErrPayloadMismatch is returned when a payload does not have the expected type.
var ErrPayloadMismatch = errors.New("payload type mismatch")

// WorkItem is a write that has not reached the remote service yet.
type WorkItem struct {
	ID         int64      `json:"id"`
	ClientID   string     `json:"client_id"`
	Kind       Kind       `json:"kind"`
	Payload    Payload    `json:"payload"`
	Target     string     `json:"target"`
	CreatedAt  time.Time  `json:"created_at"`
	SyncStatus SyncStatus `json:"sync_status"`
	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
}

// PayloadAs returns the item payload as P.
func PayloadAs[P Payload](item WorkItem) (P, error) {
	p, ok := item.Payload.(P)
	if !ok {
		var zero P
		return zero, ErrPayloadMismatch
	}
	return p, nil
}
