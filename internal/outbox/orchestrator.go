package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/bissquit/fieldsync/internal/network"
	"github.com/bissquit/fieldsync/internal/pkg/ctxlog"
	"github.com/bissquit/fieldsync/internal/queue"
	"github.com/bissquit/fieldsync/internal/retry"
	"github.com/bissquit/fieldsync/internal/statusbus"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Orchestrator drains the queue. At most one drain runs at a time.
type Orchestrator struct {
	config   Config
	store    queue.Store
	registry *Registry
	network  Connectivity
	bus      Publisher
	policy   retry.Policy
	now      func() time.Time

	syncInProgress atomic.Bool

	mu          sync.Mutex
	stopped     bool
	unsubscribe func()
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(config Config, store queue.Store, registry *Registry, network Connectivity, bus Publisher) *Orchestrator {
	config = config.withDefaults()
	return &Orchestrator{
		config:   config,
		store:    store,
		registry: registry,
		network:  network,
		bus:      bus,
		policy:   retry.Policy{MaxRetries: config.MaxRetries},
		now:      func() time.Time { return time.Now().UTC() },
		stopCh:   make(chan struct{}),
	}
}

// Start drains on every transition to online, once at start when already
// online, and on the configured interval.
func (o *Orchestrator) Start(ctx context.Context) {
	slog.Info("starting sync orchestrator",
		"max_retries", o.config.MaxRetries,
		"delivery_timeout", o.config.DeliveryTimeout,
		"interval", o.config.Interval,
	)

	unsubscribe := o.network.Subscribe(func(t network.Transition) {
		if t.Online {
			o.trigger(ctx, "online")
		}
	})
	o.mu.Lock()
	o.unsubscribe = unsubscribe
	o.mu.Unlock()

	if o.network.IsOnline() {
		o.trigger(ctx, "startup")
	}

	if o.config.Interval > 0 {
		o.wg.Add(1)
		go o.run(ctx)
	}
}

// Stop unsubscribes from the monitor and waits for running drains.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		unsubscribe := o.unsubscribe
		o.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		close(o.stopCh)
	})
	o.wg.Wait()
	slog.Info("sync orchestrator stopped")
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			if o.network.IsOnline() {
				o.drainLogged(ctx, "interval")
			}
		}
	}
}

func (o *Orchestrator) trigger(ctx context.Context, reason string) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.drainLogged(ctx, reason)
	}()
}

func (o *Orchestrator) drainLogged(ctx context.Context, reason string) {
	slog.Debug("drain triggered", "reason", reason)
	if _, err := o.SyncAllPending(ctx); err != nil {
		slog.Error("drain failed", "reason", reason, "error", err)
	}
}

// IsSyncing reports whether a drain is running.
func (o *Orchestrator) IsSyncing() bool {
	return o.syncInProgress.Load()
}

// SyncAllPending delivers every pending item of every kind. A call made
// while another drain runs returns at once with Skipped set.
func (o *Orchestrator) SyncAllPending(ctx context.Context) (domain.SyncReport, error) {
	if !o.syncInProgress.CompareAndSwap(false, true) {
		ctxlog.FromContext(ctx).Info("sync already in progress, skipping")
		recordDrain("skipped")
		return domain.SyncReport{Skipped: true}, nil
	}
	defer o.syncInProgress.Store(false)

	ctx = ctxlog.With(ctx, "drain_id", uuid.NewString())
	log := ctxlog.FromContext(ctx)

	report := domain.SyncReport{StartedAt: o.now()}
	o.bus.Publish(statusbus.Event{Type: statusbus.EventSyncStarted})

	err := o.drain(ctx, &report)
	report.FinishedAt = o.now()

	entry := queue.JournalEntry{Status: queue.JournalComplete, Report: report, At: report.FinishedAt}
	if err != nil {
		entry.Status = queue.JournalError
		entry.Error = err.Error()
	}
	if _, jerr := queue.AppendJournal(context.WithoutCancel(ctx), o.store, entry, o.config.JournalSize); jerr != nil {
		log.Warn("failed to record drain", "error", jerr)
	}
	o.refreshQueueStats(context.WithoutCancel(ctx))

	totals := report.Totals()
	if err != nil {
		recordDrain("error")
		log.Error("drain finished with errors",
			"synced", totals.Synced,
			"failed", totals.Failed,
			"error", err,
		)
		o.bus.Publish(statusbus.Event{
			Type:   statusbus.EventSyncError,
			Error:  err.Error(),
			Report: &report,
		})
		return report, err
	}

	recordDrain("complete")
	log.Info("drain complete",
		"synced", totals.Synced,
		"failed", totals.Failed,
		"total", totals.Total,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	o.bus.Publish(statusbus.Event{Type: statusbus.EventSyncComplete, Report: &report})
	return report, nil
}

func (o *Orchestrator) drain(ctx context.Context, report *domain.SyncReport) (err error) {
	log := ctxlog.FromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("drain panicked", "panic", r)
			err = fmt.Errorf("%w: %v", ErrDrainPanic, r)
		}
	}()

	var limiter *rate.Limiter
	if o.config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.config.RateLimit), 1)
	}

	var errs []error
	for _, kind := range o.registry.Kinds() {
		adapter, _ := o.registry.Get(kind)
		if err := o.drainKind(ctx, adapter, limiter, report.For(kind)); err != nil {
			if ctx.Err() != nil {
				errs = append(errs, err)
				break
			}
			errs = append(errs, fmt.Errorf("drain %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) drainKind(ctx context.Context, adapter Adapter, limiter *rate.Limiter, dr *domain.DomainReport) error {
	log := ctxlog.FromContext(ctx)
	kind := adapter.Kind()

	c, err := queue.CollectionFor(kind)
	if err != nil {
		return err
	}

	recs, err := o.store.GetItemsByIndex(ctx, c, queue.IndexSyncStatus, domain.SyncStatusPending)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	log.Debug("draining", "kind", kind, "count", len(recs))

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := o.processItem(ctx, adapter, c, &recs[i], dr); err != nil {
			return err
		}
	}
	return nil
}

// processItem returns an error only when the drain must stop.
func (o *Orchestrator) processItem(ctx context.Context, adapter Adapter, c queue.Collection, rec *queue.Record, dr *domain.DomainReport) error {
	log := ctxlog.FromContext(ctx)

	item, err := queue.DecodeWorkItem(*rec)
	if err != nil {
		log.Error("undecodable work item", "kind", adapter.Kind(), "item_id", rec.ID, "error", err)
		o.markFailed(ctx, adapter.Kind(), c, rec, err, retry.Fail(), dr)
		return nil
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.config.DeliveryTimeout)
	err = deliver(attemptCtx, adapter, *item, pathDrain)
	cancel()

	if err == nil {
		if derr := o.store.DeleteItem(context.WithoutCancel(ctx), c, item.ID); derr != nil {
			// Left in place, the item is delivered again on the next drain
			// under the same idempotency key.
			log.Error("failed to remove delivered item", "kind", item.Kind, "item_id", item.ID, "error", derr)
		}
		dr.Synced++
		dr.Total++
		log.Debug("work item synced", "kind", item.Kind, "item_id", item.ID)
		o.bus.Publish(statusbus.Event{
			Type:     statusbus.EventItemSynced,
			Kind:     item.Kind,
			ItemID:   item.ID,
			ClientID: item.ClientID,
		})
		return nil
	}

	// The attempt was abandoned with the drain: leave the item as it was.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	decision := o.policy.Decide(item.RetryCount)
	if !retry.IsRetryable(err) {
		decision = retry.Fail()
	}
	o.markFailed(ctx, item.Kind, c, rec, err, decision, dr)
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, kind domain.Kind, c queue.Collection, rec *queue.Record, cause error, decision retry.Decision, dr *domain.DomainReport) {
	log := ctxlog.FromContext(ctx)

	rec.RetryCount++
	rec.LastError = cause.Error()
	rec.SyncStatus = string(decision.NextStatus)

	if err := o.store.UpdateItem(context.WithoutCancel(ctx), c, rec); err != nil {
		log.Error("failed to record delivery failure", "kind", kind, "item_id", rec.ID, "error", err)
	}

	dr.Failed++
	dr.Total++

	logFn := log.Warn
	if !decision.Retry {
		logFn = log.Error
	}
	logFn("work item delivery failed",
		"kind", kind,
		"item_id", rec.ID,
		"retry_count", rec.RetryCount,
		"status", rec.SyncStatus,
		"error", cause,
	)

	o.bus.Publish(statusbus.Event{
		Type:     statusbus.EventItemFailed,
		Kind:     kind,
		ItemID:   rec.ID,
		ClientID: rec.ClientID,
		Terminal: !decision.Retry,
		Error:    cause.Error(),
	})
}

// PendingCount returns the number of items waiting for delivery per kind.
func (o *Orchestrator) PendingCount(ctx context.Context) (domain.PendingCount, error) {
	var count domain.PendingCount
	for _, kind := range domain.Kinds() {
		c, err := queue.CollectionFor(kind)
		if err != nil {
			return domain.PendingCount{}, err
		}

		pending, err := o.store.CountByIndex(ctx, c, queue.IndexSyncStatus, domain.SyncStatusPending)
		if err != nil {
			return domain.PendingCount{}, fmt.Errorf("count pending %s: %w", kind, err)
		}
		failed, err := o.store.CountByIndex(ctx, c, queue.IndexSyncStatus, domain.SyncStatusFailed)
		if err != nil {
			return domain.PendingCount{}, fmt.Errorf("count failed %s: %w", kind, err)
		}

		switch kind {
		case domain.KindForm:
			count.Forms = pending
		case domain.KindChat:
			count.Chats = pending
		case domain.KindDocument:
			count.Documents = pending
		}
		count.Total += pending
		count.Failed += failed
	}
	return count, nil
}

func (o *Orchestrator) refreshQueueStats(ctx context.Context) {
	count, err := o.PendingCount(ctx)
	if err != nil {
		slog.Warn("failed to refresh queue stats", "error", err)
		return
	}
	RecordQueueStats(count)
}

// Items returns the stored items of kind, oldest first. Undecodable
// records are skipped.
func (o *Orchestrator) Items(ctx context.Context, kind domain.Kind) ([]domain.WorkItem, error) {
	c, err := queue.CollectionFor(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	recs, err := o.store.GetAllItems(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("list %s items: %w", kind, err)
	}

	items := make([]domain.WorkItem, 0, len(recs))
	for _, rec := range recs {
		item, err := queue.DecodeWorkItem(rec)
		if err != nil {
			slog.Warn("skipping undecodable work item", "kind", kind, "item_id", rec.ID, "error", err)
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

// History returns up to limit finished drains, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]queue.JournalEntry, error) {
	return queue.ListJournal(ctx, o.store, limit)
}
