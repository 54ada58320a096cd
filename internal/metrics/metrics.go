// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LifecycleOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paneld",
		Name:      "lifecycle_operations_total",
		Help:      "Sandbox lifecycle operations by action, tier and result.",
	}, []string{"action", "tier", "result"})

	SandboxesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paneld",
		Name:      "sandboxes_created_total",
		Help:      "Sandboxes created, by tier.",
	}, []string{"tier"})

	CommandsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paneld",
		Name:      "commands_rejected_total",
		Help:      "Commands blocked by the execution guard, by profile and rule.",
	}, []string{"profile", "rule"})

	CommandsExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paneld",
		Name:      "commands_executed_total",
		Help:      "Commands that ran, by profile and outcome.",
	}, []string{"profile", "outcome"})

	PathsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paneld",
		Name:      "paths_rejected_total",
		Help:      "File gateway paths rejected for escaping the panel root.",
	})

	PortsAllocated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paneld",
		Name:      "ports_allocated",
		Help:      "Ports currently assigned to panels.",
	})

	TerminalSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paneld",
		Name:      "terminal_sessions_active",
		Help:      "Open interactive terminal sessions.",
	})

	ProcessRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paneld",
		Name:      "process_crash_restarts_total",
		Help:      "Supervised processes restarted after exiting unexpectedly.",
	})
)

func init() {
	prometheus.MustRegister(
		LifecycleOps,
		SandboxesCreated,
		CommandsRejected,
		CommandsExecuted,
		PathsRejected,
		PortsAllocated,
		TerminalSessions,
		ProcessRestarts,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result labels an operation outcome.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
