package metrics

import (
	"net/http"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"
	"github.com/lawrence-idegy/commonsku-automation/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "commonsku"

// Collector collects and exposes metrics on its own registry
type Collector struct {
	registry       *prometheus.Registry
	exportsTotal   *prometheus.CounterVec
	retriesTotal   *prometheus.CounterVec
	exportDuration *prometheus.HistogramVec
	uploadsTotal   *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	batchesTotal   *prometheus.CounterVec
	batchTasks     *prometheus.GaugeVec
	batchRunning   prometheus.Gauge
}

// New creates a new metrics collector
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		exportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_exports_total",
				Help:      "Report tasks finished, by report type and outcome",
			},
			[]string{"type", "status"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_export_retries_total",
				Help:      "Export attempts retried after a failure",
			},
			[]string{"type"},
		),
		exportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_export_duration_seconds",
				Help:      "Time taken to export one report including retries",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"type"},
		),
		uploadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_uploads_total",
				Help:      "Report files sent to cloud storage, by outcome",
			},
			[]string{"status"},
		),
		uploadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_upload_bytes_total",
				Help:      "Total bytes uploaded to cloud storage",
			},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Batches finished, by final status",
			},
			[]string{"status"},
		),
		batchTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_tasks",
				Help:      "Tasks in the current batch, by status",
			},
			[]string{"status"},
		),
		batchRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_running",
				Help:      "1 while a batch is being driven",
			},
		),
	}

	c.registry.MustRegister(
		c.exportsTotal,
		c.retriesTotal,
		c.exportDuration,
		c.uploadsTotal,
		c.uploadBytes,
		c.batchesTotal,
		c.batchTasks,
		c.batchRunning,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// ObserveExport records a finished report task
func (c *Collector) ObserveExport(typ report.Type, status state.TaskStatus, duration time.Duration) {
	c.exportsTotal.WithLabelValues(string(typ), string(status)).Inc()
	c.exportDuration.WithLabelValues(string(typ)).Observe(duration.Seconds())
}

// IncSkipped counts a task skipped because its report was already exported
func (c *Collector) IncSkipped(typ report.Type) {
	c.exportsTotal.WithLabelValues(string(typ), "skipped").Inc()
}

// IncRetry counts one retried export attempt
func (c *Collector) IncRetry(typ report.Type) {
	c.retriesTotal.WithLabelValues(string(typ)).Inc()
}

// ObserveUpload records an upload outcome: uploaded, skipped or failed
func (c *Collector) ObserveUpload(status string, bytes int64) {
	c.uploadsTotal.WithLabelValues(status).Inc()
	if status == "uploaded" {
		c.uploadBytes.Add(float64(bytes))
	}
}

// SetProgress mirrors the tracker's task counts
func (c *Collector) SetProgress(p state.Progress) {
	c.batchTasks.WithLabelValues(string(state.StatusPending)).Set(float64(p.Pending))
	c.batchTasks.WithLabelValues(string(state.StatusInProgress)).Set(float64(p.InProgress))
	c.batchTasks.WithLabelValues(string(state.StatusCompleted)).Set(float64(p.Completed))
	c.batchTasks.WithLabelValues(string(state.StatusFailed)).Set(float64(p.Failed))
}

// BatchStarted marks a batch as running
func (c *Collector) BatchStarted() {
	c.batchRunning.Set(1)
}

// BatchFinished records the final batch status
func (c *Collector) BatchFinished(status state.BatchStatus) {
	c.batchRunning.Set(0)
	c.batchesTotal.WithLabelValues(string(status)).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
