package outbox

import (
	"time"

	"github.com/bissquit/fieldsync/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fieldsync"

// Delivery paths.
const (
	pathImmediate = "immediate"
	pathDrain     = "drain"
)

var (
	itemsQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "items_queued_total",
			Help:      "Total work items written to the local queue",
		},
		[]string{"kind"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "deliveries_total",
			Help:      "Total delivery attempts by path and result",
		},
		[]string{"kind", "path", "result"},
	)

	deliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "delivery_duration_seconds",
			Help:      "Time to deliver a work item",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "queue_size",
			Help:      "Number of stored work items by kind and status",
		},
		[]string{"kind", "status"},
	)

	drains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "drains_total",
			Help:      "Total drains by result",
		},
		[]string{"result"},
	)
)

func recordItemQueued(kind domain.Kind) {
	itemsQueued.WithLabelValues(string(kind)).Inc()
}

func recordDelivery(kind domain.Kind, path, result string, duration time.Duration) {
	deliveries.WithLabelValues(string(kind), path, result).Inc()
	deliveryDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func recordDrain(result string) {
	drains.WithLabelValues(result).Inc()
}

// RecordQueueStats updates queue size metrics. Failed items are not split
// by kind.
func RecordQueueStats(count domain.PendingCount) {
	queueSize.WithLabelValues(string(domain.KindForm), "pending").Set(float64(count.Forms))
	queueSize.WithLabelValues(string(domain.KindChat), "pending").Set(float64(count.Chats))
	queueSize.WithLabelValues(string(domain.KindDocument), "pending").Set(float64(count.Documents))
	queueSize.WithLabelValues("all", "failed").Set(float64(count.Failed))
}
