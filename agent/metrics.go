package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"corci.pub/agent/internal/builder"
	"corci.pub/agent/internal/events"
)

var (
	metricJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corci_agent_jobs_total",
			Help: "Total number of build jobs, by outcome.",
		},
		[]string{"outcome"},
	)

	metricBuildDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corci_agent_build_duration_seconds",
			Help:    "Duration of build sequences, from start to conclusion or failure.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"platform", "outcome"},
	)

	metricTransfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corci_agent_transfers_total",
			Help: "Total number of file transfers, by direction and result.",
		},
		[]string{"direction", "result"},
	)

	metricReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "corci_agent_reconnects_total",
			Help: "Total number of coordinator reconnect attempts.",
		},
	)
)

func init() {
	prometheus.MustRegister(metricJobs, metricBuildDuration, metricTransfers, metricReconnects)
}

// subscribeMetrics feeds the build metrics from the lifecycle events of bus.
func subscribeMetrics(bus *events.Bus) {
	bus.Subscribe(recordEvent,
		events.TaskHiredEvent,
		events.TaskConcludedEvent,
		events.TaskFailedEvent,
		events.TaskCancelledEvent,
		events.TransferEvent,
	)
}

func recordEvent(ctx context.Context, e events.Event) {
	switch e.Type {
	case events.TaskHiredEvent:
		metricJobs.WithLabelValues("hired").Inc()
	case events.TaskConcludedEvent:
		metricJobs.WithLabelValues("concluded").Inc()
		metricBuildDuration.WithLabelValues(e.Platform, "concluded").Observe(e.Duration.Seconds())
	case events.TaskFailedEvent:
		metricJobs.WithLabelValues("failed").Inc()
		if e.Duration > 0 {
			metricBuildDuration.WithLabelValues(e.Platform, "failed").Observe(e.Duration.Seconds())
		}
	case events.TaskCancelledEvent:
		metricJobs.WithLabelValues("cancelled").Inc()
	case events.TransferEvent:
		result := "error"
		if e.OK {
			result = "ok"
		}
		metricTransfers.WithLabelValues(e.Direction, result).Inc()
	}
}

// observeReconnect counts reconnect attempts of the coordinator session.
func observeReconnect(attempt int, delay time.Duration) {
	metricReconnects.Inc()
}

func newMetricsServer(addr string, agent *builder.Agent) *http.Server {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/status", newStatusHandler(agent))
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
