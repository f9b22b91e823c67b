// Package metrics holds the prometheus collectors of the daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BinderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nutrilog",
		Subsystem: "binder",
		Name:      "transitions_total",
		Help:      "Session binder state transitions by target state.",
	}, []string{"state"})

	StaleResolutions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nutrilog",
		Subsystem: "binder",
		Name:      "stale_resolutions_total",
		Help:      "Tenant resolutions discarded because a newer session event superseded them.",
	})

	RemoteQueries = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nutrilog",
		Subsystem: "repository",
		Name:      "query_duration_seconds",
		Help:      "Tenant store operation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	RemoteQueryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nutrilog",
		Subsystem: "repository",
		Name:      "errors_total",
		Help:      "Failed tenant store operations.",
	}, []string{"op"})

	EstimationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nutrilog",
		Subsystem: "ml",
		Name:      "fallbacks_total",
		Help:      "Estimations answered with the placeholder result.",
	})

	SheetsFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nutrilog",
		Subsystem: "sheets",
		Name:      "append_failures_total",
		Help:      "Spreadsheet webhook appends that failed.",
	})
)
