// Package metrics exposes export progress as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/airframesio/table-exporter/cmd/exporter"
	"github.com/airframesio/table-exporter/cmd/planner"
)

// Namespace prefixes every metric name
const Namespace = "table_exporter"

// Collector records exporter callbacks into its own registry. It implements exporter.Observer.
type Collector struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	activeJobs    prometheus.Gauge
	tables        *prometheus.CounterVec
	plannedChunks *prometheus.CounterVec
	chunks        *prometheus.CounterVec
	chunkDuration prometheus.Histogram
	chunkAttempts prometheus.Histogram
	rows          prometheus.Counter
	bytes         prometheus.Counter

	mu      sync.Mutex
	running map[string]struct{}
}

var _ exporter.Observer = (*Collector)(nil)

// NewCollector registers the exporter metrics. A nil registry gets a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		running:  make(map[string]struct{}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_total",
			Help:      "Export jobs that reached a terminal status.",
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "jobs_running",
			Help:      "Export jobs currently running.",
		}),
		tables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tables_total",
			Help:      "Tables that reached a terminal status.",
		}, []string{"status"}),
		plannedChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "planned_chunks_total",
			Help:      "Chunks planned, by partitioning strategy.",
		}, []string{"strategy"}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "chunks_total",
			Help:      "Finished chunks by outcome.",
		}, []string{"status"}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Wall time of dispatched chunks.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}),
		chunkAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "chunk_connect_attempts",
			Help:      "Connection attempts per dispatched chunk.",
			Buckets:   []float64{1, 2, 3, 5, 10},
		}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rows_exported_total",
			Help:      "Rows written to chunk files.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bytes_written_total",
			Help:      "Bytes written to chunk files.",
		}),
	}

	registry.MustRegister(
		c.jobs, c.activeJobs, c.tables, c.plannedChunks,
		c.chunks, c.chunkDuration, c.chunkAttempts, c.rows, c.bytes,
	)
	return c
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) JobStatusChanged(jobID string, status exporter.JobStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, wasRunning := c.running[jobID]
	switch {
	case status == exporter.JobRunning && !wasRunning:
		c.running[jobID] = struct{}{}
		c.activeJobs.Inc()
	case status.Terminal():
		if wasRunning {
			delete(c.running, jobID)
			c.activeJobs.Dec()
		}
		c.jobs.WithLabelValues(string(status)).Inc()
	}
}

func (c *Collector) TableStatusChanged(_, _ string, status exporter.TableStatus) {
	switch status {
	case exporter.TableSucceeded, exporter.TablePartiallySucceeded, exporter.TableFailed, exporter.TableCancelled:
		c.tables.WithLabelValues(string(status)).Inc()
	}
}

func (c *Collector) TablePlanned(_, _ string, plan planner.Plan) {
	c.plannedChunks.WithLabelValues(string(plan.Strategy)).Add(float64(len(plan.Chunks)))
}

func (c *Collector) ChunkFinished(_, _ string, outcome exporter.ChunkOutcome) {
	c.chunks.WithLabelValues(string(outcome.Status)).Inc()
	if !outcome.Dispatched {
		return
	}
	c.chunkDuration.Observe(outcome.Duration.Seconds())
	c.chunkAttempts.Observe(float64(outcome.Attempts))
	if outcome.Success() {
		c.rows.Add(float64(outcome.Rows))
		c.bytes.Add(float64(outcome.Bytes))
	}
}
