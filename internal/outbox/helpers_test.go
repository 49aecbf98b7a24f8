package outbox

import (
	"context"
	"sync"
	"testing"

	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/network"
	"github.com/bissquit/fieldsync/internal/queue/memory"
	"github.com/bissquit/fieldsync/internal/statusbus"
)

type fakeAdapter struct {
	kind domain.Kind

	mu      sync.Mutex
	items   []domain.WorkItem
	deliver func(ctx context.Context, item domain.WorkItem) error
}

func newFakeAdapter(kind domain.Kind) *fakeAdapter {
	return &fakeAdapter{kind: kind}
}

func (a *fakeAdapter) Kind() domain.Kind { return a.kind }

func (a *fakeAdapter) Deliver(ctx context.Context, item domain.WorkItem) error {
	a.mu.Lock()
	a.items = append(a.items, item)
	fn := a.deliver
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, item)
	}
	return nil
}

func (a *fakeAdapter) delivered() []domain.WorkItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.WorkItem, len(a.items))
	copy(out, a.items)
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []statusbus.Event
}

func (r *eventRecorder) handle(e statusbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []statusbus.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]statusbus.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) last(t statusbus.EventType) (statusbus.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return statusbus.Event{}, false
}

type fixture struct {
	store    *memory.Store
	monitor  *network.Monitor
	bus      *statusbus.Bus
	events   *eventRecorder
	forms    *fakeAdapter
	chats    *fakeAdapter
	docs     *fakeAdapter
	outbox   *Outbox
	sync     *Orchestrator
	registry *Registry
}

func newFixture(t *testing.T, online bool, config Config) *fixture {
	t.Helper()

	f := &fixture{
		store:   memory.New(),
		monitor: network.NewMonitor(network.Config{InitialOnline: online}, nil),
		bus:     statusbus.New(),
		events:  &eventRecorder{},
		forms:   newFakeAdapter(domain.KindForm),
		chats:   newFakeAdapter(domain.KindChat),
		docs:    newFakeAdapter(domain.KindDocument),
	}
	f.bus.Subscribe(f.events.handle)
	f.registry = NewRegistry(f.forms, f.chats, f.docs)
	f.outbox = NewOutbox(config, f.store, f.registry, f.monitor, f.bus)
	f.sync = NewOrchestrator(config, f.store, f.registry, f.monitor, f.bus)

	t.Cleanup(func() { _ = f.store.Close() })
	return f
}

func chatPayload(message string) *domain.ChatPayload {
	return &domain.ChatPayload{MotherID: "42", Message: message}
}
