package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/network"
	"github.com/bissquit/fieldsync/internal/queue"
	"github.com/bissquit/fieldsync/internal/retry"
	"github.com/bissquit/fieldsync/internal/statusbus"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config contains outbox and drain configuration.
type Config struct {
	DeliveryTimeout time.Duration
	MaxRetries      int
	RateLimit       float64       // deliveries per second during a drain, 0 means unlimited
	JournalSize     int           // finished drains kept in the journal
	Interval        time.Duration // periodic drain while online, 0 disables it
}

// DefaultConfig returns default outbox configuration.
func DefaultConfig() Config {
	return Config{
		DeliveryTimeout: 30 * time.Second,
		MaxRetries:      retry.DefaultPolicy().MaxRetries,
		JournalSize:     50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.JournalSize == 0 {
		c.JournalSize = d.JournalSize
	}
	return c
}

// Connectivity reports and announces the network state.
type Connectivity interface {
	IsOnline() bool
	Subscribe(fn network.Listener) (unsubscribe func())
}

// Publisher receives status events.
type Publisher interface {
	Publish(event statusbus.Event)
}

// SaveStatus is the outcome of a save.
type SaveStatus string

// Save outcomes.
const (
	SaveDelivered SaveStatus = "delivered"
	SaveQueued    SaveStatus = "queued"
)

// SaveResult describes where a saved payload ended up. ID is set only
// for queued items.
type SaveResult struct {
	Status   SaveStatus  `json:"status"`
	Kind     domain.Kind `json:"kind"`
	ID       int64       `json:"id,omitempty"`
	ClientID string      `json:"client_id"`
}

// Outbox accepts writes, delivering them at once when possible and
// queueing them otherwise.
type Outbox struct {
	config   Config
	store    queue.Store
	registry *Registry
	network  Connectivity
	bus      Publisher
	validate *validator.Validate
	now      func() time.Time
}

// NewOutbox creates an outbox.
func NewOutbox(config Config, store queue.Store, registry *Registry, network Connectivity, bus Publisher) *Outbox {
	return &Outbox{
		config:   config.withDefaults(),
		store:    store,
		registry: registry,
		network:  network,
		bus:      bus,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SaveForm saves a form submission.
func (o *Outbox) SaveForm(ctx context.Context, form *domain.FormPayload, target string) (SaveResult, error) {
	return o.Save(ctx, form, target)
}

// SaveChat saves a chat message.
func (o *Outbox) SaveChat(ctx context.Context, chat *domain.ChatPayload, target string) (SaveResult, error) {
	return o.Save(ctx, chat, target)
}

// SaveDocument saves a document upload.
func (o *Outbox) SaveDocument(ctx context.Context, doc *domain.DocumentPayload, target string) (SaveResult, error) {
	if doc == nil {
		return o.Save(ctx, nil, target)
	}
	stored := *doc
	if stored.Size == 0 {
		stored.Size = int64(len(stored.Content))
	}
	return o.Save(ctx, &stored, target)
}

// Save delivers payload when online and queues it otherwise or when the
// attempt fails. A failed delivery is not an error; a failed store
// write is.
func (o *Outbox) Save(ctx context.Context, payload domain.Payload, target string) (SaveResult, error) {
	if payload == nil {
		return SaveResult{}, fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if err := o.validate.Struct(payload); err != nil {
		return SaveResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	kind := payload.Kind()
	adapter, ok := o.registry.Get(kind)
	if !ok {
		return SaveResult{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	item := domain.WorkItem{
		ClientID:   uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		Target:     target,
		CreatedAt:  o.now(),
		SyncStatus: domain.SyncStatusPending,
	}

	if o.network.IsOnline() {
		attemptCtx, cancel := context.WithTimeout(ctx, o.config.DeliveryTimeout)
		err := deliver(attemptCtx, adapter, item, pathImmediate)
		cancel()
		if err == nil {
			o.bus.Publish(statusbus.Event{
				Type:      statusbus.EventItemSynced,
				Kind:      kind,
				ClientID:  item.ClientID,
				Immediate: true,
			})
			return SaveResult{Status: SaveDelivered, Kind: kind, ClientID: item.ClientID}, nil
		}
		slog.Warn("immediate delivery failed, queueing",
			"kind", kind,
			"client_id", item.ClientID,
			"error", err,
		)
	}

	rec, err := queue.EncodeWorkItem(&item)
	if err != nil {
		return SaveResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	c, err := queue.CollectionFor(kind)
	if err != nil {
		return SaveResult{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	// The caller may have given up while the attempt ran; the write must
	// still land.
	id, err := o.store.AddItem(context.WithoutCancel(ctx), c, rec)
	if err != nil {
		return SaveResult{}, fmt.Errorf("queue %s item: %w", kind, err)
	}

	recordItemQueued(kind)
	slog.Info("work item queued", "kind", kind, "item_id", id, "client_id", item.ClientID)

	o.bus.Publish(statusbus.Event{
		Type:     statusbus.EventQueued,
		Kind:     kind,
		ItemID:   id,
		ClientID: item.ClientID,
	})

	return SaveResult{Status: SaveQueued, Kind: kind, ID: id, ClientID: item.ClientID}, nil
}

func deliver(ctx context.Context, adapter Adapter, item domain.WorkItem, path string) error {
	start := time.Now()
	err := adapter.Deliver(ctx, item)

	result := "success"
	switch {
	case err == nil:
	case retry.IsCanceled(err):
		result = "canceled"
	case retry.IsRetryable(err):
		result = "retryable"
	default:
		result = "permanent"
	}
	recordDelivery(item.Kind, path, result, time.Since(start))
	return err
}
