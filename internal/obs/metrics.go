// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/exiv-ai/kernel/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kernel_events_dispatched_total",
		Help: "Total number of events handed to the registry for fan-out",
	})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_events_dropped_total",
		Help: "Total number of events dropped before dispatch",
	}, []string{"reason"})
	PluginCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_plugin_callbacks_total",
		Help: "Total number of plugin on_event invocations by outcome",
	}, []string{"plugin_id", "outcome"})
	PluginCallbackDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_plugin_callback_duration_seconds",
		Help:    "Histogram of per-plugin on_event durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"plugin_id"})
	PluginsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kernel_plugins_registered",
		Help: "Number of plugins currently registered",
	})
	CapabilityGrants = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_capability_grants_total",
		Help: "Total number of capability grant/revoke operations",
	}, []string{"permission", "action"})
	CascadeLimitReached = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kernel_cascade_limit_reached_total",
		Help: "Total number of events dropped for exceeding max cascade depth",
	})
	FitnessScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kernel_agent_fitness_score",
		Help: "Latest composite fitness score per agent",
	}, []string{"agent_id"})
	FitnessRollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_fitness_rollbacks_total",
		Help: "Total number of evolution rollbacks by trigger",
	}, []string{"agent_id", "trigger"})
	GenerationsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_generations_created_total",
		Help: "Total number of new agent generations recorded",
	}, []string{"agent_id"})
	BacklogDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kernel_backlog_depth",
		Help: "Current depth of an in-memory event queue",
	}, []string{"queue"})
	ToolInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_tool_invocations_total",
		Help: "Total number of agentic tool invocations by outcome",
	}, []string{"tool_name", "outcome"})
)

func init() {
	prometheus.MustRegister(
		EventsDispatched, EventsDropped, PluginCallbacks, PluginCallbackDuration,
		PluginsRegistered, CapabilityGrants, CascadeLimitReached,
		FitnessScore, FitnessRollbacks, GenerationsCreated, BacklogDepth, ToolInvocations,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Retained for compatibility; StartHTTPServer also registers
// health endpoints and is preferred for new wiring.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
