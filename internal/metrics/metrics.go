// Package metrics declares the process's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoomsActive is the current count of rooms with at least one connected
	// session.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sharify",
		Subsystem: "room",
		Name:      "active_total",
		Help:      "Number of rooms currently held open.",
	})

	// SessionsActive is the current count of connected WebSocket sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sharify",
		Subsystem: "session",
		Name:      "active_total",
		Help:      "Number of sessions currently connected across all rooms.",
	})

	// CommandsTotal counts dispatched commands by variant name and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sharify",
		Subsystem: "dispatch",
		Name:      "commands_total",
		Help:      "Commands processed by the dispatcher, by variant and outcome.",
	}, []string{"command", "outcome"})

	// RoomsReapedTotal counts rooms closed by the inactivity reaper.
	RoomsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sharify",
		Subsystem: "room",
		Name:      "reaped_total",
		Help:      "Rooms torn down by the inactivity reaper.",
	})

	// ProviderRequestsTotal counts outbound provider calls by endpoint and
	// outcome (ok, rate_limited, circuit_open, error).
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sharify",
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Outbound external-provider requests, by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// ProviderCircuitState reports the gobreaker state as a gauge: 0 closed,
	// 1 half-open, 2 open.
	ProviderCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sharify",
		Subsystem: "provider",
		Name:      "circuit_state",
		Help:      "Provider circuit breaker state: 0=closed 1=half-open 2=open.",
	})

	// WSMessageBytesTotal sums bytes sent over sessions, by direction.
	WSMessageBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sharify",
		Subsystem: "session",
		Name:      "message_bytes_total",
		Help:      "Bytes transferred over session connections, by direction.",
	}, []string{"direction"})

	// RateLimitExceeded counts requests rejected by the per-peer HTTP rate
	// limiter.
	RateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sharify",
		Subsystem: "httpapi",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by the per-peer rate limiter.",
	})

	// TracksQueueLength tracks current queue depth per room at sample time.
	TracksQueueLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sharify",
		Subsystem: "room",
		Name:      "tracks_queue_length",
		Help:      "Observed track queue length at mutation time.",
		Buckets:   []float64{0, 1, 5, 10, 20, 30, 40, 50},
	})
)
