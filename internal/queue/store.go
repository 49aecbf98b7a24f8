// Package queue defines the durable store that holds undelivered work items.
package queue

import (
	"context"
	"time"
)

// Store is a versioned store of named collections. Every call is atomic
// and results are returned in primary key order.
type Store interface {
	// AddItem inserts rec and returns its generated id. rec.ID is ignored.
	AddItem(ctx context.Context, c Collection, rec *Record) (int64, error)
	GetItem(ctx context.Context, c Collection, id int64) (*Record, error)
	GetAllItems(ctx context.Context, c Collection) ([]Record, error)
	GetItemsByIndex(ctx context.Context, c Collection, index Index, value any) ([]Record, error)
	CountByIndex(ctx context.Context, c Collection, index Index, value any) (int, error)
	// UpdateItem writes rec under rec.ID, inserting it when missing.
	UpdateItem(ctx context.Context, c Collection, rec *Record) error
	DeleteItem(ctx context.Context, c Collection, id int64) error
	ClearStore(ctx context.Context, c Collection) error
	GetCount(ctx context.Context, c Collection) (int, error)
	SchemaVersion(ctx context.Context) (uint, error)
	Close() error
}

// Record is the stored shape shared by all collections.
type Record struct {
	ID         int64
	Kind       string
	ClientID   string
	Key        string
	Payload    []byte
	Target     string
	CreatedAt  time.Time
	SyncStatus string
	RetryCount int
	LastError  string
}
