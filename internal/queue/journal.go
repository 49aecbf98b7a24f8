package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bissquit/fieldsync/internal/domain"
)

// Journal statuses of finished drains.
const (
	JournalComplete = "complete"
	JournalError    = "error"
)

// JournalEntry records one finished drain in the syncQueue collection.
type JournalEntry struct {
	ID     int64             `json:"id"`
	Status string            `json:"status"`
	Report domain.SyncReport `json:"report"`
	Error  string            `json:"error,omitempty"`
	At     time.Time         `json:"at"`
}

type journalPayload struct {
	Report domain.SyncReport `json:"report"`
	Error  string            `json:"error,omitempty"`
}

// AppendJournal adds entry and drops the oldest entries beyond limit.
// A non-positive limit keeps everything.
func AppendJournal(ctx context.Context, s Store, entry JournalEntry, limit int) (int64, error) {
	payload, err := json.Marshal(journalPayload{Report: entry.Report, Error: entry.Error})
	if err != nil {
		return 0, fmt.Errorf("encode journal entry: %w", err)
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	id, err := s.AddItem(ctx, CollectionJournal, &Record{
		Payload:    payload,
		CreatedAt:  entry.At,
		SyncStatus: entry.Status,
	})
	if err != nil {
		return 0, err
	}

	if limit <= 0 {
		return id, nil
	}

	all, err := s.GetAllItems(ctx, CollectionJournal)
	if err != nil {
		return id, err
	}
	for i := 0; i < len(all)-limit; i++ {
		if err := s.DeleteItem(ctx, CollectionJournal, all[i].ID); err != nil {
			return id, err
		}
	}
	return id, nil
}

// ListJournal returns up to limit entries, newest first.
func ListJournal(ctx context.Context, s Store, limit int) ([]JournalEntry, error) {
	all, err := s.GetAllItems(ctx, CollectionJournal)
	if err != nil {
		return nil, err
	}

	entries := make([]JournalEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) == limit {
			break
		}
		rec := all[i]
		var p journalPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: journal %d: %v", ErrCorruptRecord, rec.ID, err)
		}
		entries = append(entries, JournalEntry{
			ID:     rec.ID,
			Status: rec.SyncStatus,
			Report: p.Report,
			Error:  p.Error,
			At:     rec.CreatedAt,
		})
	}
	return entries, nil
}
