// Package metrics provides the Prometheus collector set for HyperStack,
// following the grounding codebase's infrastructure/metrics package: one
// Metrics struct of collectors, built once via NewWithRegistry and handed to
// the VM, projector and WebSocket gateway. Every counter that tracks a per-event VM outcome
// (spec.md §7) is labeled by entity, per SPEC_FULL.md §C.5.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every HyperStack collector.
type Metrics struct {
	// VM (C3) — §7 error taxonomy. The failure/drop/eviction/expiry
	// counters are labeled by entity; EventsProcessed and
	// EventProcessingTime are labeled by event_type.
	TransformFailures   *prometheus.CounterVec
	ComputeFailures     *prometheus.CounterVec
	ResolverMisses      *prometheus.CounterVec
	PendingExpired      *prometheus.CounterVec
	PendingEvicted      *prometheus.CounterVec
	CapacityExceeded    *prometheus.CounterVec
	CapacityEvictions   *prometheus.CounterVec
	HandlerInternalErrs *prometheus.CounterVec
	MutationsEmitted    *prometheus.CounterVec
	EventsProcessed     *prometheus.CounterVec
	EventProcessingTime *prometheus.HistogramVec
	PendingQueueDepth   *prometheus.GaugeVec
	StateTableSize      *prometheus.GaugeVec

	// Scheduler (C4).
	ScheduledCallbacksPending prometheus.Gauge
	ResolverFetchFailures     *prometheus.CounterVec
	ResolverFetchDuration     *prometheus.HistogramVec

	// Projector (C5).
	FramesPublished  *prometheus.CounterVec
	ProjectorLatency prometheus.Histogram

	// Bus (C6).
	BusBroadcastDepth *prometheus.GaugeVec
	BusPublishErrors  *prometheus.CounterVec

	// WebSocket gateway (C7).
	SubscriberBackpressured prometheus.Counter
	ConnectedClients        prometheus.Gauge
	ActiveSubscriptions     prometheus.Gauge
	SnapshotsSent           prometheus.Counter

	// Source (C9).
	SourceReconnects prometheus.Counter
	HighestSlot      prometheus.Gauge

	// Process info.
	ServiceInfo *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer
// (nil skips registration, useful in tests that build multiple instances).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransformFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_transform_failures_total",
			Help: "Transform (Base58/Hex/ToString/ToNumber) failures, field coerced to null.",
		}, []string{"entity", "field"}),
		ComputeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_compute_failures_total",
			Help: "Computed-expression evaluation failures, field coerced to null.",
		}, []string{"entity", "field"}),
		ResolverMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_resolver_misses_total",
			Help: "Events with no resolvable primary key (dropped, or queued for a reverse lookup).",
		}, []string{"entity", "event_type"}),
		PendingExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_pending_expired_total",
			Help: "Pending updates dropped: aged out (retry budget or staleness timer) or discarded with an evicted record.",
		}, []string{"entity"}),
		PendingEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_pending_evicted_total",
			Help: "Pending updates evicted oldest-first under queue caps.",
		}, []string{"entity"}),
		CapacityExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_capacity_exceeded_total",
			Help: "Record admissions that found the state table full and LRU-evicted a record; the event is still applied.",
		}, []string{"entity"}),
		CapacityEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_capacity_evictions_total",
			Help: "Records LRU-evicted from the state table on admission pressure.",
		}, []string{"entity"}),
		HandlerInternalErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_handler_internal_errors_total",
			Help: "Unexpected internal errors during process_event; event abandoned atomically.",
		}, []string{"entity"}),
		MutationsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_mutations_emitted_total",
			Help: "Mutations emitted by the VM.",
		}, []string{"entity"}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_events_processed_total",
			Help: "Events handed to process_event.",
		}, []string{"event_type"}),
		EventProcessingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hyperstack_event_processing_seconds",
			Help:    "process_event wall time.",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .025, .05},
		}, []string{"event_type"}),
		PendingQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperstack_pending_queue_depth",
			Help: "Current number of queued pending updates.",
		}, []string{"entity"}),
		StateTableSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperstack_state_table_size",
			Help: "Current number of records held for an entity.",
		}, []string{"entity"}),

		ScheduledCallbacksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperstack_scheduled_callbacks_pending",
			Help: "Slot-scheduler callbacks awaiting a future slot.",
		}),
		ResolverFetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_resolver_fetch_failures_total",
			Help: "URL-resolver fetch failures.",
		}, []string{"entity"}),
		ResolverFetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hyperstack_resolver_fetch_seconds",
			Help:    "URL-resolver fetch duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"entity"}),

		FramesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_frames_published_total",
			Help: "Frames published to the bus.",
		}, []string{"mode", "view"}),
		ProjectorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hyperstack_projector_latency_seconds",
			Help:    "Time to turn one mutation into its published frames.",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01},
		}),

		BusBroadcastDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperstack_bus_broadcast_depth",
			Help: "Buffered messages waiting in a view's broadcast channel.",
		}, []string{"view"}),
		BusPublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hyperstack_bus_publish_errors_total",
			Help: "Redis pub/sub publish failures (local delivery still happens).",
		}, []string{"view"}),

		SubscriberBackpressured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperstack_subscriber_backpressured_total",
			Help: "Clients disconnected for being too slow to drain their queue.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperstack_connected_clients",
			Help: "Currently connected WebSocket clients.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperstack_active_subscriptions",
			Help: "Currently active (view,key) subscriptions across all clients.",
		}),
		SnapshotsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperstack_snapshots_sent_total",
			Help: "Snapshot frames sent on subscription open.",
		}),

		SourceReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hyperstack_source_reconnects_total",
			Help: "Upstream source reconnect attempts.",
		}),
		HighestSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hyperstack_highest_slot",
			Help: "Highest slot committed by the VM.",
		}),

		ServiceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hyperstack_service_info",
			Help: "Static service build info.",
		}, []string{"version", "environment"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.TransformFailures, m.ComputeFailures, m.ResolverMisses, m.PendingExpired,
			m.PendingEvicted, m.CapacityExceeded, m.CapacityEvictions, m.HandlerInternalErrs,
			m.MutationsEmitted, m.EventsProcessed, m.EventProcessingTime, m.PendingQueueDepth,
			m.StateTableSize, m.ScheduledCallbacksPending, m.ResolverFetchFailures,
			m.ResolverFetchDuration, m.FramesPublished, m.ProjectorLatency, m.BusBroadcastDepth,
			m.BusPublishErrors, m.SubscriberBackpressured, m.ConnectedClients,
			m.ActiveSubscriptions, m.SnapshotsSent, m.SourceReconnects, m.HighestSlot,
			m.ServiceInfo,
		)
	}

	return m
}

// RecordEvent records one process_event call's outcome.
func (m *Metrics) RecordEvent(eventType string, dur time.Duration) {
	m.EventsProcessed.WithLabelValues(eventType).Inc()
	m.EventProcessingTime.WithLabelValues(eventType).Observe(dur.Seconds())
}
