// Package metrics exposes Prometheus metrics for the state machines, the
// dispatcher and the data pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dataspace-hub/connector/internal/application/pipeline"
	"github.com/dataspace-hub/connector/internal/application/statemachine"
)

const namespace = "connector"

// Metrics owns a private registry so tests and multiple instances never clash.
type Metrics struct {
	registry *prometheus.Registry

	events           *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	pipelineRuns     *prometheus.CounterVec
	pipelineBytes    prometheus.Counter
	pipelineDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_machine_events_total",
			Help:      "State machine events by process, kind and resulting state.",
		}, []string{"process", "kind", "state"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Protocol messages sent to counterparties by type and result.",
		}, []string{"type", "result"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time to deliver a protocol message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Data pipeline runs by status.",
		}, []string{"status"}),
		pipelineBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_bytes_total",
			Help:      "Bytes moved by successful pipeline runs.",
		}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Duration of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.events,
		m.dispatches,
		m.dispatchDuration,
		m.pipelineRuns,
		m.pipelineBytes,
		m.pipelineDuration,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Notify implements statemachine.Listener.
func (m *Metrics) Notify(ev statemachine.Event) {
	state := ev.ToName
	if state == "" {
		state = "UNKNOWN"
	}
	m.events.WithLabelValues(ev.Process, string(ev.Kind), state).Inc()
}

// ObserveDispatch implements dispatcher.Observer.
func (m *Metrics) ObserveDispatch(msgType string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dispatches.WithLabelValues(msgType, result).Inc()
	m.dispatchDuration.WithLabelValues(msgType).Observe(elapsed.Seconds())
}

// ObservePipeline implements pipeline.Observer.
func (m *Metrics) ObservePipeline(status pipeline.Status, bytes int64, elapsed time.Duration) {
	m.pipelineRuns.WithLabelValues(string(status)).Inc()
	if status == pipeline.StatusSucceeded {
		m.pipelineBytes.Add(float64(bytes))
	}
	m.pipelineDuration.Observe(elapsed.Seconds())
}
