// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Settlement metrics
	SettlementsTotal   *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	ReserveLevel       *prometheus.GaugeVec
	JournalErrors      prometheus.Counter

	// Ingestion metrics
	EventsDecoded    *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	EventsDropped    prometheus.Counter
	QueueDepth       prometheus.Gauge
	ConnectionState  prometheus.Gauge
	ReconnectsTotal  prometheus.Counter
	ProbeFailures    prometheus.Counter
	LastEventSeen    prometheus.Gauge

	// Chain metrics
	ChainCallLatency *prometheus.HistogramVec
	TxSubmitted      *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "reserve_bridge"
	}

	return &Metrics{
		SettlementsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "Total number of settlements by side and status",
		}, []string{"side", "status"}),
		SettlementDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Settlement duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"side"}),
		ReserveLevel: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "reserve_level",
			Help:      "Last observed reserve amount by asset symbol",
		}, []string{"symbol"}),
		JournalErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "journal_errors_total",
			Help:      "Total number of failed settlement journal writes",
		}),

		EventsDecoded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_decoded_total",
			Help:      "Total number of order events decoded by side",
		}, []string{"side"}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "decode_errors_total",
			Help:      "Total number of events that failed to decode",
		}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "events_dropped_total",
			Help:      "Total number of decoded events dropped because the queue was full",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "queue_depth",
			Help:      "Current number of settlement requests waiting in the queue",
		}),
		ConnectionState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "connection_state",
			Help:      "Ingestor connection state (0=connecting, 1=subscribed, 2=degraded, 3=reconnecting)",
		}),
		ReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "reconnects_total",
			Help:      "Total number of reconnect attempts",
		}),
		ProbeFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "probe_failures_total",
			Help:      "Total number of failed liveness probes",
		}),
		LastEventSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "last_event_seen_timestamp",
			Help:      "Unix timestamp of the last decoded order event",
		}),

		ChainCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "call_latency_seconds",
			Help:      "Chain RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		TxSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "tx_submitted_total",
			Help:      "Total number of transactions submitted by operation",
		}, []string{"op"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSettlement records one settlement outcome.
func RecordSettlement(side, status string, durationSeconds float64) {
	DefaultMetrics.SettlementsTotal.WithLabelValues(side, status).Inc()
	DefaultMetrics.SettlementDuration.WithLabelValues(side).Observe(durationSeconds)
}

// UpdateReserveLevel updates the reserve gauge for a symbol.
func UpdateReserveLevel(symbol string, amount float64) {
	DefaultMetrics.ReserveLevel.WithLabelValues(symbol).Set(amount)
}

// RecordJournalError increments the journal error counter.
func RecordJournalError() {
	DefaultMetrics.JournalErrors.Inc()
}

// RecordEventDecoded records a successfully decoded order event.
func RecordEventDecoded(side string) {
	DefaultMetrics.EventsDecoded.WithLabelValues(side).Inc()
}

// RecordDecodeError increments the decode error counter.
func RecordDecodeError() {
	DefaultMetrics.DecodeErrors.Inc()
}

// RecordEventDropped increments the dropped event counter.
func RecordEventDropped() {
	DefaultMetrics.EventsDropped.Inc()
}

// UpdateQueueDepth updates the settlement queue depth gauge.
func UpdateQueueDepth(depth int) {
	DefaultMetrics.QueueDepth.Set(float64(depth))
}

// UpdateConnectionState updates the ingestor state gauge.
func UpdateConnectionState(state int) {
	DefaultMetrics.ConnectionState.Set(float64(state))
}

// RecordReconnect increments the reconnect counter.
func RecordReconnect() {
	DefaultMetrics.ReconnectsTotal.Inc()
}

// RecordProbeFailure increments the probe failure counter.
func RecordProbeFailure() {
	DefaultMetrics.ProbeFailures.Inc()
}

// RecordTxSubmitted records a submitted transaction.
func RecordTxSubmitted(op string) {
	DefaultMetrics.TxSubmitted.WithLabelValues(op).Inc()
}

// RecordChainCall records the latency of one chain RPC call.
func RecordChainCall(method string, durationSeconds float64) {
	DefaultMetrics.ChainCallLatency.WithLabelValues(method).Observe(durationSeconds)
}
