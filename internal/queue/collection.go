package queue

import (
	"fmt"
	"reflect"
	"time"

	"github.com/bissquit/fieldsync/internal/domain"
)

// Collection names a group of records.
type Collection string

// Collections.
const (
	CollectionForms     Collection = "pendingForms"
	CollectionChats     Collection = "pendingChats"
	CollectionDocuments Collection = "pendingDocuments"
	CollectionCache     Collection = "cachedData"
	CollectionJournal   Collection = "syncQueue"
)

// Index names a secondary index of a collection.
type Index string

// Indexes.
const (
	IndexSyncStatus Index = "syncStatus"
	IndexTimestamp  Index = "timestamp"
	IndexFormType   Index = "formType"
	IndexMotherID   Index = "motherId"
	IndexKey        Index = "key"
)

type collectionSchema struct {
	table   string
	indexes map[Index]string
}

var schemas = map[Collection]collectionSchema{
	CollectionForms: {
		table: "pending_forms",
		indexes: map[Index]string{
			IndexFormType:   "index_key",
			IndexTimestamp:  "created_at",
			IndexSyncStatus: "sync_status",
		},
	},
	CollectionChats: {
		table: "pending_chats",
		indexes: map[Index]string{
			IndexMotherID:   "index_key",
			IndexTimestamp:  "created_at",
			IndexSyncStatus: "sync_status",
		},
	},
	CollectionDocuments: {
		table: "pending_documents",
		indexes: map[Index]string{
			IndexMotherID:   "index_key",
			IndexTimestamp:  "created_at",
			IndexSyncStatus: "sync_status",
		},
	},
	CollectionCache: {
		table: "cached_data",
		indexes: map[Index]string{
			IndexKey:       "index_key",
			IndexTimestamp: "created_at",
		},
	},
	CollectionJournal: {
		table: "sync_queue",
		indexes: map[Index]string{
			IndexTimestamp:  "created_at",
			IndexSyncStatus: "sync_status",
		},
	},
}

// Collections returns all known collections.
func Collections() []Collection {
	return []Collection{
		CollectionForms,
		CollectionChats,
		CollectionDocuments,
		CollectionCache,
		CollectionJournal,
	}
}

// CollectionFor returns the pending collection of kind.
func CollectionFor(kind domain.Kind) (Collection, error) {
	switch kind {
	case domain.KindForm:
		return CollectionForms, nil
	case domain.KindChat:
		return CollectionChats, nil
	case domain.KindDocument:
		return CollectionDocuments, nil
	}
	return "", fmt.Errorf("%w: no collection for kind %q", ErrUnknownCollection, kind)
}

// Table returns the backing table name.
func (c Collection) Table() (string, error) {
	s, ok := schemas[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	return s.table, nil
}

// Column returns the table column that backs index.
func (c Collection) Column(index Index) (string, error) {
	s, ok := schemas[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, c)
	}
	col, ok := s.indexes[index]
	if !ok {
		return "", fmt.Errorf("%w: %q on %q", ErrUnknownIndex, index, c)
	}
	return col, nil
}

// NormalizeValue converts named string types to string so that index
// lookups bind the same way on every backend.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case string, time.Time, int, int64:
		return t
	case fmt.Stringer:
		return t.String()
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return v
}
