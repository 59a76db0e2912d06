// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PayloadsNormalized counts wire payloads successfully normalized into
	// canonical events, by event type.
	PayloadsNormalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_wire_payloads_normalized_total",
		Help: "Wire payloads normalized into canonical events, by type.",
	}, []string{"type"})

	// PayloadsDropped counts payloads the normalizer or consumer discarded.
	PayloadsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_wire_payloads_dropped_total",
		Help: "Wire payloads dropped during normalization, by reason.",
	}, []string{"reason"})

	// StreamsStarted counts research streams opened against the backend.
	StreamsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_streams_started_total",
		Help: "Research streams opened against the backend.",
	})

	// StreamFailures counts connection-level stream failures, by error code.
	StreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_stream_failures_total",
		Help: "Connection-level stream failures, by synthetic error code.",
	}, []string{"code"})

	// ActiveSessions tracks live research sessions with an in-flight stream.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_active_sessions",
		Help: "Research sessions with an in-flight backend stream.",
	})

	// AttachedClients tracks websocket clients attached to live sessions.
	AttachedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_attached_ws_clients",
		Help: "Websocket clients attached to live research sessions.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
