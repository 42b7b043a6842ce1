// Package metrics exposes recogpool's Prometheus instruments. Every process
// builds its own Registry; a nil *Metrics is valid and records nothing so
// components can run without an exporter.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one process
type Metrics struct {
	registry *prometheus.Registry

	queueDepth     *prometheus.GaugeVec
	poolInstances  *prometheus.GaugeVec
	maxInstances   prometheus.Gauge
	scaleActions   *prometheus.CounterVec
	cycleErrors    prometheus.Counter
	workerJobs     *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	dispatchResult *prometheus.CounterVec
	dispatchLat    prometheus.Histogram
	pendingWaiters prometheus.Gauge
	resultNotices  *prometheus.CounterVec
	hostCPU        prometheus.Gauge
	hostMemory     prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recogpool_queue_messages",
				Help: "Approximate number of job messages by visibility",
			},
			[]string{"state"},
		),
		poolInstances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "recogpool_pool_instances",
				Help: "Number of pool instances by state as last observed",
			},
			[]string{"state"},
		),
		maxInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recogpool_pool_max_instances",
			Help: "Configured ceiling on running instances",
		}),
		scaleActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recogpool_scale_instances_total",
				Help: "Instances started or stopped by the autoscaler",
			},
			[]string{"action"},
		),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recogpool_autoscaler_cycle_errors_total",
			Help: "Control cycles that failed to observe or act",
		}),
		workerJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recogpool_worker_jobs_total",
				Help: "Jobs handled by workers by outcome (success, sentinel, abandoned)",
			},
			[]string{"outcome"},
		),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recogpool_worker_job_duration_seconds",
			Help:    "Time from claim to acknowledgement",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		dispatchResult: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recogpool_dispatch_requests_total",
				Help: "Front door dispatches by result (matched, timeout, error)",
			},
			[]string{"result"},
		),
		dispatchLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recogpool_dispatch_latency_seconds",
			Help:    "Time from enqueue to correlated result",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		pendingWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recogpool_dispatch_pending_waiters",
			Help: "Callers currently waiting for a result",
		}),
		resultNotices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recogpool_result_notifications_total",
				Help: "Result notifications seen by the demultiplexer by disposition (matched, late, foreign, malformed)",
			},
			[]string{"disposition"},
		),
		hostCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recogpool_host_cpu_percent",
			Help: "Host CPU utilisation sampled by the worker",
		}),
		hostMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recogpool_host_memory_used_percent",
			Help: "Host memory utilisation sampled by the worker",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueDepth,
		m.poolInstances,
		m.maxInstances,
		m.scaleActions,
		m.cycleErrors,
		m.workerJobs,
		m.jobDuration,
		m.dispatchResult,
		m.dispatchLat,
		m.pendingWaiters,
		m.resultNotices,
		m.hostCPU,
		m.hostMemory,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePool records one control cycle's observation
func (m *Metrics) ObservePool(visible, inFlight, running, stopped, max int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("visible").Set(float64(visible))
	m.queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	m.poolInstances.WithLabelValues("running").Set(float64(running))
	m.poolInstances.WithLabelValues("stopped").Set(float64(stopped))
	m.maxInstances.Set(float64(max))
}

// ScaleAction counts n instances started or stopped
func (m *Metrics) ScaleAction(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.scaleActions.WithLabelValues(action).Add(float64(n))
}

// CycleError counts a failed control cycle
func (m *Metrics) CycleError() {
	if m == nil {
		return
	}
	m.cycleErrors.Inc()
}

// JobHandled counts a job by outcome and records its duration when acknowledged
func (m *Metrics) JobHandled(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.workerJobs.WithLabelValues(outcome).Inc()
	if outcome != "abandoned" {
		m.jobDuration.Observe(d.Seconds())
	}
}

// Dispatch counts a front door dispatch by result
func (m *Metrics) Dispatch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchResult.WithLabelValues(result).Inc()
	if result == "matched" {
		m.dispatchLat.Observe(d.Seconds())
	}
}

// Waiters sets the pending waiter count
func (m *Metrics) Waiters(n int) {
	if m == nil {
		return
	}
	m.pendingWaiters.Set(float64(n))
}

// ResultNotice counts a result notification by disposition
func (m *Metrics) ResultNotice(disposition string) {
	if m == nil {
		return
	}
	m.resultNotices.WithLabelValues(disposition).Inc()
}

// Host records sampled host utilisation
func (m *Metrics) Host(cpuPercent, memPercent float64) {
	if m == nil {
		return
	}
	m.hostCPU.Set(cpuPercent)
	m.hostMemory.Set(memPercent)
}
