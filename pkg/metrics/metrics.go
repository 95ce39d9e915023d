// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairelay_events_total",
			Help: "Inbound room events by how the relay handled them.",
		},
		[]string{"outcome"},
	)
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairelay_commands_total",
			Help: "Bot commands by name and result.",
		},
		[]string{"command", "result"},
	)
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cairelay_upstream_latency_seconds",
			Help:    "The latency of AI service operations, including time spent waiting for the gate.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"operation"},
	)
	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairelay_upstream_errors_total",
			Help: "AI service operations that returned an error.",
		},
		[]string{"operation"},
	)
	ExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cairelay_exports_total",
			Help: "Transcript exports by file extension.",
		},
		[]string{"extension"},
	)
	GateInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cairelay_gate_in_flight",
			Help: "AI service operations currently holding the gate.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsTotal,
		CommandsTotal,
		UpstreamLatency,
		UpstreamErrors,
		ExportsTotal,
		GateInFlight,
	)
}

// ObserveUpstream records one AI service operation that started at start.
func ObserveUpstream(operation string, start time.Time, err error) {
	UpstreamLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		UpstreamErrors.WithLabelValues(operation).Inc()
	}
}
