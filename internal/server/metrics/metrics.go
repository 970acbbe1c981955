// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncrelay_sessions_active",
			Help: "Number of registered client sessions",
		},
	)

	handshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncrelay_handshakes_total",
			Help: "Total number of handshakes by result",
		},
		[]string{"result"},
	)

	changesAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncrelay_changes_applied_total",
			Help: "Total number of changes applied to the storage root",
		},
		[]string{"kind", "result"},
	)

	changeBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncrelay_change_bytes_total",
			Help: "Total content bytes received in applied changes",
		},
	)

	broadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncrelay_broadcasts_total",
			Help: "Total number of per-session broadcast deliveries by result",
		},
		[]string{"result"},
	)

	protocolErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "syncrelay_protocol_errors_total",
			Help: "Total number of discarded malformed or unexpected messages",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// RecordHandshake records a handshake outcome ("ok", "failed", "error").
func RecordHandshake(result string) {
	handshakesTotal.WithLabelValues(result).Inc()
}

// RecordApply records a change applied (or rejected) by the relay.
func RecordApply(kind string, ok bool, bytes int) {
	result := "ok"
	if !ok {
		result = "error"
	}
	changesAppliedTotal.WithLabelValues(kind, result).Inc()
	if ok {
		changeBytesTotal.Add(float64(bytes))
	}
}

// RecordBroadcast records one delivery attempt to one session ("queued", "dropped").
func RecordBroadcast(result string) {
	broadcastsTotal.WithLabelValues(result).Inc()
}

func RecordProtocolError() {
	protocolErrorsTotal.Inc()
}
