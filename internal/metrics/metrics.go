// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReplayCheckedTotal counts encrypted MPDUs that went through the PN comparator
	ReplayCheckedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlanrx_replay_checked_total",
			Help: "Total number of MPDUs checked for PN replay",
		},
		[]string{"cipher"},
	)

	// ReplayDropsTotal counts MPDUs dropped as replays
	ReplayDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlanrx_replay_drops_total",
			Help: "Total number of MPDUs dropped by the replay guard",
		},
		[]string{"cipher", "direction"},
	)

	// DispatchEnqueuedTotal counts batches accepted into a worker queue
	DispatchEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlanrx_dispatch_enqueued_total",
			Help: "Total number of batches enqueued to dispatch workers",
		},
		[]string{"ring"},
	)

	// DispatchDropsTotal counts MPDUs dropped at the dispatch boundary
	DispatchDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlanrx_dispatch_drops_total",
			Help: "Total number of MPDUs dropped before delivery",
		},
		[]string{"ring", "reason"},
	)

	// DispatchDeliveredTotal counts MPDUs delivered to the network stack
	DispatchDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlanrx_dispatch_delivered_total",
			Help: "Total number of MPDUs delivered to the network stack",
		},
		[]string{"ring"},
	)

	// DispatchFlushesTotal counts coalescer flushes by reason
	DispatchFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlanrx_dispatch_flushes_total",
			Help: "Total number of coalescer flushes",
		},
		[]string{"ring", "reason"},
	)

	// DispatchQueueDepth tracks the current worker queue length
	DispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wlanrx_dispatch_queue_depth",
			Help: "Current number of batches waiting in a worker queue",
		},
		[]string{"ring"},
	)

	// DispatchGROSegments tracks how many MPDUs were merged per delivery
	DispatchGROSegments = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wlanrx_dispatch_gro_segments",
			Help:    "Number of MPDUs coalesced into one delivery",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1, 2, 4, ..., 128
		},
		[]string{"ring"},
	)

	// RingFill tracks buffers currently posted to the producer
	RingFill = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wlanrx_ring_fill",
			Help: "Number of receive buffers posted to the producer",
		},
	)

	// RingReplenishDebt tracks buffers owed after allocation failures
	RingReplenishDebt = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wlanrx_ring_replenish_debt",
			Help: "Number of receive buffers owed to the ring after allocation failures",
		},
	)

	// RingAllocFailuresTotal counts failed buffer allocations
	RingAllocFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wlanrx_ring_alloc_failures_total",
			Help: "Total number of receive buffer allocation failures",
		},
	)

	// ThreadState tracks worker lifecycle (one series per state, 1 = current)
	ThreadState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wlanrx_thread_state",
			Help: "Current lifecycle state of receive workers (1 = active state)",
		},
		[]string{"worker", "state"},
	)

	// NotifyEventsTotal counts replay events handed to the publisher by outcome
	NotifyEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wlanrx_notify_events_total",
			Help: "Total number of replay events by publish result",
		},
		[]string{"result"},
	)

	// SuspendedDropsTotal counts MPDUs dropped by the orchestrator while suspended
	SuspendedDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wlanrx_suspended_drops_total",
			Help: "Total number of MPDUs dropped because the receive path was suspended",
		},
	)
)

var threadStates = []string{"invalid", "running", "suspending", "suspended"}

// SetThreadState flips the state series of a worker so exactly one is 1.
func SetThreadState(worker, state string) {
	for _, s := range threadStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ThreadState.WithLabelValues(worker, s).Set(v)
	}
}
