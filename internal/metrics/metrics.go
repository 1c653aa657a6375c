// Package metrics provides Prometheus instrumentation for the realtime
// layer. It exposes gauges for subscriber and connection counts, counters
// for event and receipt throughput, and histograms for write latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsBroadcast counts fan-out broadcasts, labeled by event kind.
	EventsBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_broadcast_total",
		Help: "Total number of events broadcast through the fan-out registry",
	}, []string{"kind"})

	// Subscribers tracks the current number of registered fan-out subscribers.
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_subscribers",
		Help: "Current number of registered fan-out subscribers",
	})

	// ConnectionTransitions counts connection state-machine transitions,
	// labeled by the state entered.
	ConnectionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connection_transitions_total",
		Help: "Total connection state transitions by resulting state",
	}, []string{"state"})

	// ReceiptsWritten counts read receipts persisted, labeled by reader type.
	ReceiptsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_receipts_written_total",
		Help: "Total read receipt records written",
	}, []string{"reader_type"})

	// ReceiptWriteErrors counts per-message receipt write failures that were
	// skipped under the batch continue-on-error policy.
	ReceiptWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_receipt_write_errors_total",
		Help: "Total per-message receipt write failures skipped in batches",
	})

	// ReceiptWriteLatency records the per-message read-modify-write latency.
	ReceiptWriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_receipt_write_latency_seconds",
		Help:    "Per-message receipt upsert latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// NotificationsFired counts notifications handed to the external
	// notifier, labeled by outcome: "fired", "suppressed", or "denied".
	NotificationsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_notifications_total",
		Help: "Notification decisions by outcome",
	}, []string{"outcome"})

	// GatewayConnections tracks the current number of WebSocket clients on
	// the delivery gateway.
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_gateway_connections",
		Help: "Current number of WebSocket gateway connections",
	})
)

func init() {
	prometheus.MustRegister(
		EventsBroadcast,
		Subscribers,
		ConnectionTransitions,
		ReceiptsWritten,
		ReceiptWriteErrors,
		ReceiptWriteLatency,
		NotificationsFired,
		GatewayConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
