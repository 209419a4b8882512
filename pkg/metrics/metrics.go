package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FreeCount and BorrowedCount track live pool cardinality: the engine
// adjusts them on every committed borrow, return and submit, and the admin
// stats handler resets them from the Store each time it is read.
var (
	FreeCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_free_count",
			Help: "Number of items currently available in the freelist",
		},
	)

	BorrowedCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pool_borrowed_count",
			Help: "Number of items currently borrowed",
		},
	)
)

// LeakedItems counts items lost from the pool: a compensating freelist_add
// that failed after an aborted borrow, or a freelist_add that failed after
// a return had already removed the borrow. Per the spec this is the only
// failure mode that can silently shrink the pool, so it must be visible.
var LeakedItems = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "pool_leaked_items_total",
		Help: "Items lost because re-adding them to the freelist after an aborted borrow or a return failed",
	},
)

// SubscriberOutcomes counts dispatcher verdicts per event kind, subscriber
// name and outcome (success or failure; a timeout counts as a failure).
var SubscriberOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pool_subscriber_outcomes_total",
		Help: "Subscriber dispatch outcomes by event kind, subscriber name and outcome",
	},
	[]string{"event_kind", "subscriber", "outcome"},
)

// OperationsByState tracks the live Operation Registry population.
var OperationsByState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "pool_operations_by_state",
		Help: "Number of tracked operations by state",
	},
	[]string{"state"},
)

// DispatchLatency records how long a full subscriber fan-out (including any
// async polling) takes to reach a verdict, by event kind.
var DispatchLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pool_dispatch_latency_seconds",
		Help:    "Latency to reach a dispatcher verdict for an event",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"event_kind"},
)

func init() {
	prometheus.MustRegister(
		FreeCount,
		BorrowedCount,
		LeakedItems,
		SubscriberOutcomes,
		OperationsByState,
		DispatchLatency,
	)
}
