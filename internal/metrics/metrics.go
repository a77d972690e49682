package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts push events consumed by the reconciliation
	// loop, labelled by event type and entity.
	EventsIngested *prometheus.CounterVec

	// Reconciliations counts pending operations resolved by an
	// authoritative event, labelled by the strategy that matched.
	Reconciliations *prometheus.CounterVec

	// SendTimeouts counts pending operations failed by the deadline.
	SendTimeouts prometheus.Counter

	// SendRejections counts sends synchronously refused by the backend.
	SendRejections prometheus.Counter

	// QueueDrops counts events discarded because the ingest queue was full.
	QueueDrops prometheus.Counter

	// Resubscribes counts subscription rebuilds (resume or scope change).
	Resubscribes prometheus.Counter

	// PendingOperations tracks currently unresolved optimistic writes.
	PendingOperations prometheus.Gauge
)

var initOnce sync.Once

// Init registers all Prometheus metrics. Safe to call multiple times; only
// the first call registers. Must be called before the engine starts.
func Init() {
	initOnce.Do(func() {
		f := promauto.With(prometheus.DefaultRegisterer)

		EventsIngested = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_service_events_ingested_total",
				Help: "Push events consumed by the reconciliation loop",
			},
			[]string{"type", "entity"},
		)
		Reconciliations = f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_service_reconciliations_total",
				Help: "Pending sends resolved by an authoritative event",
			},
			[]string{"strategy"},
		)
		SendTimeouts = f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_service_send_timeouts_total",
			Help: "Pending sends failed by the reconciliation deadline",
		})
		SendRejections = f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_service_send_rejections_total",
			Help: "Sends synchronously rejected by the backend",
		})
		QueueDrops = f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_service_queue_drops_total",
			Help: "Events discarded because the ingest queue was full",
		})
		Resubscribes = f.NewCounter(prometheus.CounterOpts{
			Name: "inbox_service_resubscribes_total",
			Help: "Subscription rebuilds after resume or scope change",
		})
		PendingOperations = f.NewGauge(prometheus.GaugeOpts{
			Name: "inbox_service_pending_operations",
			Help: "Currently unresolved optimistic writes",
		})
	})
}
