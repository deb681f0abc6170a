// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// EventsIngested counts accepted normalized messages by sender and category.
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_ingested_total",
			Help: "Normalized messages accepted by the ingestion pipeline",
		},
		[]string{"sender", "category"},
	)

	// EventsRejected counts rejected inbound payloads by reason.
	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_rejected_total",
			Help: "Inbound payloads rejected before storage",
		},
		[]string{"reason"},
	)

	// TierOperations counts storage tier attempts.
	TierOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_storage_tier_operations_total",
			Help: "Storage tier attempts by tier, operation and result",
		},
		[]string{"tier", "op", "result"},
	)

	// TierDuration tracks storage tier attempt latency.
	TierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_storage_tier_duration_seconds",
			Help:    "Storage tier attempt duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"tier", "op"},
	)

	// StorageUnavailable counts operations where every tier failed.
	StorageUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_storage_unavailable_total",
			Help: "Storage operations that failed on every tier",
		},
		[]string{"op"},
	)

	// MemoryConversations tracks conversations held by the memory tier.
	MemoryConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_memory_conversations",
			Help: "Conversations held in the in-process memory tier",
		},
	)

	// StatusTransitions counts queue transitions.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_status_transitions_total",
			Help: "Conversation queue transitions",
		},
		[]string{"from", "to", "result"},
	)

	// FanoutDelivered counts events handed to local subscribers.
	FanoutDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_fanout_delivered_total",
			Help: "Realtime events delivered to local subscribers",
		},
	)

	// FanoutDropped counts events dropped because a subscriber buffer was full.
	FanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_fanout_dropped_total",
			Help: "Realtime events dropped on full subscriber buffers",
		},
	)

	// StreamConnectionsActive tracks open SSE and WebSocket viewers.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_stream_connections_active",
			Help: "Number of active realtime viewer connections",
		},
		[]string{"transport"},
	)

	// EnrichmentTotal counts enrichment attempts by kind and result.
	EnrichmentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_enrichment_total",
			Help: "Enrichment attempts (translation, suggestions)",
		},
		[]string{"kind", "result"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTier records one storage tier attempt.
func RecordTier(tier, op string, err error, duration float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TierOperations.WithLabelValues(tier, op, result).Inc()
	TierDuration.WithLabelValues(tier, op).Observe(duration)
}

// IncrementStreamConnections increments the active viewer count.
func IncrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementStreamConnections decrements the active viewer count.
func DecrementStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}
