// Package memory provides a non-durable queue.Store for tests and
// ephemeral runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/fieldsync/internal/queue"
)

// SchemaVersion matches the latest migration of the durable backends.
const SchemaVersion uint = 1

// Store keeps records in maps guarded by a mutex.
type Store struct {
	mu      sync.RWMutex
	nextID  map[queue.Collection]int64
	records map[queue.Collection]map[int64]queue.Record
	closed  bool
}

// New creates an empty store with every collection present.
func New() *Store {
	s := &Store{
		nextID:  make(map[queue.Collection]int64),
		records: make(map[queue.Collection]map[int64]queue.Record),
	}
	for _, c := range queue.Collections() {
		s.records[c] = make(map[int64]queue.Record)
	}
	return s
}

func (s *Store) collection(op string, c queue.Collection) (map[int64]queue.Record, error) {
	if s.closed {
		return nil, &queue.Error{Op: op, Collection: c, Err: errClosed}
	}
	if _, err := c.Table(); err != nil {
		return nil, err
	}
	return s.records[c], nil
}

// AddItem inserts rec and returns its id.
func (s *Store) AddItem(_ context.Context, c queue.Collection, rec *queue.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.collection("add", c)
	if err != nil {
		return 0, err
	}
	s.nextID[c]++
	stored := clone(*rec)
	stored.ID = s.nextID[c]
	recs[stored.ID] = stored
	return stored.ID, nil
}

// GetItem returns the record with id.
func (s *Store) GetItem(_ context.Context, c queue.Collection, id int64) (*queue.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.collection("get", c)
	if err != nil {
		return nil, err
	}
	rec, ok := recs[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	out := clone(rec)
	return &out, nil
}

// GetAllItems returns every record in id order.
func (s *Store) GetAllItems(_ context.Context, c queue.Collection) ([]queue.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.collection("list", c)
	if err != nil {
		return nil, err
	}
	return sorted(recs, func(queue.Record) bool { return true }), nil
}

// GetItemsByIndex returns records whose index equals value, in id order.
func (s *Store) GetItemsByIndex(_ context.Context, c queue.Collection, index queue.Index, value any) ([]queue.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.collection("query", c)
	if err != nil {
		return nil, err
	}
	match, err := matcher(c, index, value)
	if err != nil {
		return nil, err
	}
	return sorted(recs, match), nil
}

// CountByIndex counts records whose index equals value.
func (s *Store) CountByIndex(ctx context.Context, c queue.Collection, index queue.Index, value any) (int, error) {
	recs, err := s.GetItemsByIndex(ctx, c, index, value)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// UpdateItem stores rec under rec.ID.
func (s *Store) UpdateItem(_ context.Context, c queue.Collection, rec *queue.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.collection("update", c)
	if err != nil {
		return err
	}
	recs[rec.ID] = clone(*rec)
	if rec.ID > s.nextID[c] {
		s.nextID[c] = rec.ID
	}
	return nil
}

// DeleteItem removes the record with id. Missing ids are ignored.
func (s *Store) DeleteItem(_ context.Context, c queue.Collection, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.collection("delete", c)
	if err != nil {
		return err
	}
	delete(recs, id)
	return nil
}

// ClearStore removes every record of c.
func (s *Store) ClearStore(_ context.Context, c queue.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.collection("clear", c); err != nil {
		return err
	}
	s.records[c] = make(map[int64]queue.Record)
	return nil
}

// GetCount returns the number of records in c.
func (s *Store) GetCount(_ context.Context, c queue.Collection) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.collection("count", c)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// SchemaVersion returns SchemaVersion.
func (s *Store) SchemaVersion(context.Context) (uint, error) {
	return SchemaVersion, nil
}

// Close marks the store closed. Later calls fail with queue.ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func matcher(c queue.Collection, index queue.Index, value any) (func(queue.Record) bool, error) {
	col, err := c.Column(index)
	if err != nil {
		return nil, err
	}
	v := queue.NormalizeValue(value)

	switch col {
	case "index_key":
		return func(r queue.Record) bool { return r.Key == v }, nil
	case "sync_status":
		return func(r queue.Record) bool { return r.SyncStatus == v }, nil
	default:
		ts, _ := v.(time.Time)
		return func(r queue.Record) bool { return r.CreatedAt.Equal(ts) }, nil
	}
}

func sorted(recs map[int64]queue.Record, keep func(queue.Record) bool) []queue.Record {
	out := make([]queue.Record, 0, len(recs))
	for _, r := range recs {
		if keep(r) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func clone(r queue.Record) queue.Record {
	if r.Payload != nil {
		r.Payload = append([]byte(nil), r.Payload...)
	}
	return r
}
