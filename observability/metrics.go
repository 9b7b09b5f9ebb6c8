// Package observability wires the process-wide logger and the Prometheus
// collectors of the sync engine.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricesync"

// RunSample is what one finished sync run reports to the collectors.
type RunSample struct {
	Status       string // succeeded, skipped, failed
	Duration     time.Duration
	Processed    int
	Skipped      int
	Inserted     int
	Changed      int
	Snapshots    int
	Rotated      int64
	SharpChanges int
	Missing      int
	ItemsInDB    int
	DBSizeBytes  int64
	RatesLive    bool
}

// Metrics holds the sync collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	runs         *prometheus.CounterVec
	items        *prometheus.CounterVec
	duration     prometheus.Histogram
	snapshots    prometheus.Counter
	rotated      prometheus.Counter
	sharpChanges prometheus.Counter
	lastSuccess  prometheus.Gauge
	missing      prometheus.Gauge
	itemsInDB    prometheus.Gauge
	dbSize       prometheus.Gauge
	ratesLive    prometheus.Gauge
	running      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Sync runs by final status.",
		}, []string{"status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "items_total",
			Help: "Feed records by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Wall time of sync runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_written_total",
			Help: "Snapshots appended.",
		}),
		rotated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshots_rotated_total",
			Help: "Snapshots deleted by retention.",
		}),
		sharpChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sharp_changes_total",
			Help: "Price moves at or above the alert threshold.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_success_timestamp_seconds",
			Help: "Unix time of the last succeeded or skipped run.",
		}),
		missing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "missing_items",
			Help: "SKUs staged as missing after the last run.",
		}),
		itemsInDB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "items_in_db",
			Help: "Rows in the items table.",
		}),
		dbSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "db_size_bytes",
			Help: "Database size on disk including WAL.",
		}),
		ratesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rates_live",
			Help: "1 when the last run used live exchange rates, 0 for the fallback table.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_in_progress",
			Help: "1 while a sync run is in progress.",
		}),
	}
	reg.MustRegister(m.runs, m.items, m.duration, m.snapshots, m.rotated,
		m.sharpChanges, m.lastSuccess, m.missing, m.itemsInDB, m.dbSize,
		m.ratesLive, m.running)
	return m
}

// RunStarted marks a run in progress.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.running.Set(1)
}

// RunFinished records a finished run.
func (m *Metrics) RunFinished(s RunSample) {
	if m == nil {
		return
	}
	m.running.Set(0)
	m.runs.WithLabelValues(s.Status).Inc()
	m.duration.Observe(s.Duration.Seconds())
	if s.Status == "failed" {
		return
	}

	m.lastSuccess.SetToCurrentTime()
	m.items.WithLabelValues("new").Add(float64(s.Inserted))
	m.items.WithLabelValues("changed").Add(float64(s.Changed))
	m.items.WithLabelValues("unchanged").Add(float64(s.Processed - s.Inserted - s.Changed))
	m.items.WithLabelValues("skipped").Add(float64(s.Skipped))
	m.snapshots.Add(float64(s.Snapshots))
	m.rotated.Add(float64(s.Rotated))
	m.sharpChanges.Add(float64(s.SharpChanges))
	m.missing.Set(float64(s.Missing))
	m.itemsInDB.Set(float64(s.ItemsInDB))
	m.dbSize.Set(float64(s.DBSizeBytes))
	if s.RatesLive {
		m.ratesLive.Set(1)
	} else {
		m.ratesLive.Set(0)
	}
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
