// Package metrics provides Prometheus instrumentation for the order chat
// server: connection gauges, event and message counters, pipeline latency,
// offline queue traffic and registry failures.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orderchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EventsTotal counts inbound client events by type and outcome
	// ("ok" or an error code).
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderchat_events_total",
		Help: "Inbound client events by type and outcome",
	}, []string{"event", "outcome"})

	// MessagesTotal counts send attempts, labeled by outcome:
	// "sent", "moderated", "rejected", "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderchat_messages_total",
		Help: "Message send attempts by outcome",
	}, []string{"outcome"})

	// PipelineLatency records message pipeline latency in seconds.
	PipelineLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderchat_pipeline_latency_seconds",
		Help:    "Message pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"}) // op = "send", "edit", "mark_read"

	// OfflineQueued counts messages put on an offline queue.
	OfflineQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orderchat_offline_queued_total",
		Help: "Messages queued for offline recipients",
	})

	// OfflineDrained counts messages delivered from offline queues.
	OfflineDrained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orderchat_offline_drained_total",
		Help: "Queued messages delivered on reconnect",
	})

	// RegistryErrors counts swallowed session registry failures by operation.
	RegistryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orderchat_registry_errors_total",
		Help: "Session registry failures by operation",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		MessagesTotal,
		PipelineLatency,
		OfflineQueued,
		OfflineDrained,
		RegistryErrors,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
