package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics receives executor measurements. PrometheusMetrics is the provided
// implementation; a nil Metrics disables collection.
type Metrics interface {
	TaskStarted()
	TaskFinished()
	RecordStepLatency(node string, latency time.Duration, status string)
	CheckpointSaved(source string)
	InterruptRaised(node string)
	StaleConflict()
}

// PrometheusMetrics collects graph execution metrics for Prometheus.
//
// Metrics exposed (all namespaced with "stepgraph_"):
//
//  1. inflight_tasks (gauge): node executions currently running.
//  2. step_latency_ms (histogram): node execution duration in milliseconds.
//     Labels: node, status (success/error/suspended/timeout).
//  3. checkpoints_total (counter): checkpoints written.
//     Labels: source (input/loop/resume/update).
//  4. interrupts_total (counter): interrupts raised.
//     Labels: node.
//  5. stale_conflicts_total (counter): appends rejected because another
//     writer advanced the thread first.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	r, _ := g.Compile(graph.WithStore(st), graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflight       prometheus.Gauge
	stepLatency    *prometheus.HistogramVec
	checkpoints    *prometheus.CounterVec
	interrupts     *prometheus.CounterVec
	staleConflicts prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the executor metrics on registry.
// A nil registry means prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepgraph",
			Name:      "inflight_tasks",
			Help:      "Node executions currently running",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepgraph",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node", "status"}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepgraph",
			Name:      "checkpoints_total",
			Help:      "Checkpoints written, by source",
		}, []string{"source"}),
		interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepgraph",
			Name:      "interrupts_total",
			Help:      "Interrupts raised, by node",
		}, []string{"node"}),
		staleConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stepgraph",
			Name:      "stale_conflicts_total",
			Help:      "Checkpoint appends rejected because the thread tip moved",
		}),
		enabled: true,
	}
}

func (pm *PrometheusMetrics) on() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// TaskStarted increments the in-flight gauge.
func (pm *PrometheusMetrics) TaskStarted() {
	if pm.on() {
		pm.inflight.Inc()
	}
}

// TaskFinished decrements the in-flight gauge.
func (pm *PrometheusMetrics) TaskFinished() {
	if pm.on() {
		pm.inflight.Dec()
	}
}

// RecordStepLatency observes one node execution.
func (pm *PrometheusMetrics) RecordStepLatency(node string, latency time.Duration, status string) {
	if pm.on() {
		pm.stepLatency.WithLabelValues(node, status).Observe(float64(latency.Milliseconds()))
	}
}

// CheckpointSaved counts a written checkpoint.
func (pm *PrometheusMetrics) CheckpointSaved(source string) {
	if pm.on() {
		pm.checkpoints.WithLabelValues(source).Inc()
	}
}

// InterruptRaised counts an interrupt raised by node.
func (pm *PrometheusMetrics) InterruptRaised(node string) {
	if pm.on() {
		pm.interrupts.WithLabelValues(node).Inc()
	}
}

// StaleConflict counts a rejected append.
func (pm *PrometheusMetrics) StaleConflict() {
	if pm.on() {
		pm.staleConflicts.Inc()
	}
}

// Disable stops recording. Registered collectors keep their values.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// nopMetrics is used when no Metrics is configured.
type nopMetrics struct{}

func (nopMetrics) TaskStarted() {}
func (nopMetrics) TaskFinished() {}
func (nopMetrics) RecordStepLatency(string, time.Duration, string) {}
func (nopMetrics) CheckpointSaved(string) {}
func (nopMetrics) InterruptRaised(string) {}
func (nopMetrics) StaleConflict() {}
