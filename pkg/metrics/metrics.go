// Package metrics holds the prometheus instruments for the supervisor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LogsDropped counts entries dropped from slow subscribers' queues.
	LogsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debughost",
		Name:      "logs_dropped_total",
		Help:      "Log entries dropped because a subscription queue was full.",
	}, []string{"container"})

	// LogsCollected counts entries appended to ring buffers.
	LogsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debughost",
		Name:      "logs_collected_total",
		Help:      "Log entries read from container streams.",
	}, []string{"container"})

	// ProbeFailures counts failed health probes.
	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "debughost",
		Name:      "health_probe_failures_total",
		Help:      "Health probes that timed out, were refused, or returned non-2xx.",
	}, []string{"container"})

	// AutoRestarts counts unhealthy-driven restarts performed by the
	// lifecycle manager.
	AutoRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "debughost",
		Name:      "auto_restarts_total",
		Help:      "Restarts triggered by the health monitor.",
	})

	// Restarts counts caller-requested restarts.
	Restarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "debughost",
		Name:      "restarts_total",
		Help:      "Restart operations, counted once per restart rather than as stop plus start.",
	})

	// RunningProjects tracks projects currently in the running state.
	RunningProjects = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "debughost",
		Name:      "running_projects",
		Help:      "Projects currently running.",
	})
)
