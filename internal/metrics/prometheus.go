// Package metrics exposes the accelerator server's Prometheus metrics:
// worker queue depth and task outcomes, active streaming sessions,
// registry occupancy, per-transport request counts, and the host's own
// resource pressure (CPU, memory, load average) alongside them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Collector owns the server's metric instruments and their registry.
// Thread-safe: every instrument is a prometheus Gauge, Counter or *Vec,
// each of which is safe for concurrent use on its own.
type Collector struct {
	registry *prometheus.Registry

	queueDepth        prometheus.Gauge
	tasksProcessed    *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	queueOverflows    prometheus.Counter
	acceleratorBusy   prometheus.Gauge
	streamSessions    prometheus.Gauge
	streamChunks      *prometheus.CounterVec
	registrySize      prometheus.Gauge
	registryExpired   prometheus.Counter
	transportRequests *prometheus.CounterVec

	hostCPUPercent prometheus.Gauge
	hostMemPercent prometheus.Gauge
	hostLoad1      prometheus.Gauge
}

// NewCollector creates a Collector and registers every instrument with
// registry. If registry is nil, a new one is created.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "npud",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Number of tasks currently waiting in the worker queue",
		}),
		tasksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "npud",
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Total number of tasks the worker has finished, by outcome",
		}, []string{"outcome"}), // outcome: ok, error, aborted, timeout
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "npud",
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of a worker task from dequeue to completion",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"class"}), // class: instant, accelerator_queued, streaming
		queueOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "npud",
			Subsystem: "scheduler",
			Name:      "queue_overflows_total",
			Help:      "Total number of tasks rejected because the worker queue was full",
		}),
		acceleratorBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "npud",
			Subsystem: "accelerator",
			Name:      "busy",
			Help:      "Whether the accelerator is currently running a task (1) or idle (0)",
		}),
		streamSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "npud",
			Subsystem: "streaming",
			Name:      "active_sessions",
			Help:      "Number of streaming sessions currently open",
		}),
		streamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "npud",
			Subsystem: "streaming",
			Name:      "chunks_total",
			Help:      "Total number of chunks produced, by terminal state",
		}, []string{"state"}), // state: ok, aborted, error
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "npud",
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Number of async response entries currently held",
		}),
		registryExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "npud",
			Subsystem: "registry",
			Name:      "expired_total",
			Help:      "Total number of async response entries evicted by the TTL sweep",
		}),
		transportRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "npud",
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Total number of requests dispatched, by transport",
		}, []string{"transport"}),
		hostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "npud",
			Subsystem: "host",
			Name:      "cpu_percent",
			Help:      "Total host CPU utilisation percentage, sampled over the poll interval",
		}),
		hostMemPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "npud",
			Subsystem: "host",
			Name:      "memory_percent",
			Help:      "Host virtual memory utilisation percentage",
		}),
		hostLoad1: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "npud",
			Subsystem: "host",
			Name:      "load1",
			Help:      "Host 1-minute load average",
		}),
	}

	registry.MustRegister(
		c.queueDepth,
		c.tasksProcessed,
		c.taskDuration,
		c.queueOverflows,
		c.acceleratorBusy,
		c.streamSessions,
		c.streamChunks,
		c.registrySize,
		c.registryExpired,
		c.transportRequests,
		c.hostCPUPercent,
		c.hostMemPercent,
		c.hostLoad1,
	)

	return c
}

// Handler returns the HTTP handler to mount at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// SetQueueDepth records the worker queue's current length.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// RecordTask records a finished task's outcome and duration.
func (c *Collector) RecordTask(outcome, class string, durationSeconds float64) {
	c.tasksProcessed.WithLabelValues(outcome).Inc()
	c.taskDuration.WithLabelValues(class).Observe(durationSeconds)
}

// RecordQueueOverflow records a task rejected because the queue was full.
func (c *Collector) RecordQueueOverflow() {
	c.queueOverflows.Inc()
}

// SetAcceleratorBusy records whether the accelerator is running a task.
func (c *Collector) SetAcceleratorBusy(busy bool) {
	if busy {
		c.acceleratorBusy.Set(1)
		return
	}
	c.acceleratorBusy.Set(0)
}

// SetActiveStreamSessions records the current number of open sessions.
func (c *Collector) SetActiveStreamSessions(n int) {
	c.streamSessions.Set(float64(n))
}

// RecordStreamChunk records one chunk reaching its terminal state.
func (c *Collector) RecordStreamChunk(state string) {
	c.streamChunks.WithLabelValues(state).Inc()
}

// SetRegistrySize records the registry's current entry count.
func (c *Collector) SetRegistrySize(n int) {
	c.registrySize.Set(float64(n))
}

// RecordRegistryExpired records entries evicted by the TTL sweep.
func (c *Collector) RecordRegistryExpired(n int) {
	c.registryExpired.Add(float64(n))
}

// RecordTransportRequest records one dispatched request for a transport.
func (c *Collector) RecordTransportRequest(transport string) {
	c.transportRequests.WithLabelValues(transport).Inc()
}

// SampleHost refreshes the host resource gauges from a single
// point-in-time read of CPU, memory, and load average. Errors from any
// one gopsutil call don't block the others — a sensor unsupported on the
// host platform (e.g. load average on Windows) just leaves its gauge at
// its last value.
func (c *Collector) SampleHost() {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		c.hostCPUPercent.Set(percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		c.hostMemPercent.Set(vm.UsedPercent)
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		c.hostLoad1.Set(avg.Load1)
	}
}
