// Package statusbus broadcasts queue and sync events to interested listeners.
package statusbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/fieldsync/internal/domain"
)

// EventType identifies a status event.
type EventType string

// Event types.
const (
	EventQueued       EventType = "queued"
	EventSyncStarted  EventType = "sync_started"
	EventItemSynced   EventType = "item_synced"
	EventItemFailed   EventType = "item_failed"
	EventSyncComplete EventType = "sync_complete"
	EventSyncError    EventType = "sync_error"
)

// Event is a single status notification. Fields not relevant to the
// event type are left zero.
type Event struct {
	Type      EventType          `json:"type"`
	Kind      domain.Kind        `json:"kind,omitempty"`
	ItemID    int64              `json:"item_id,omitempty"`
	ClientID  string             `json:"client_id,omitempty"`
	Immediate bool               `json:"immediate,omitempty"`
	Terminal  bool               `json:"terminal,omitempty"`
	Error     string             `json:"error,omitempty"`
	Report    *domain.SyncReport `json:"report,omitempty"`
	At        time.Time          `json:"at"`
}

// Handler receives events. It runs on the publisher's goroutine.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous publish/subscribe hub. It keeps no history.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
	logger *slog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{logger: slog.Default()}
}

// Subscribe registers handler and returns a function that removes it.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every current listener in subscription order.
// A panicking listener is logged and skipped.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, event)
	}
}

func (b *Bus) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("status listener panicked",
				"event", event.Type,
				"subscriber", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(event)
}

// Len returns the number of listeners.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
