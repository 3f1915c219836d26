package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ipsix/knockscan/internal/report"
)

const namespace = "knockscan"

// Recorder owns a private registry so tests and multiple daemons in one
// process never collide on the default one.
type Recorder struct {
	registry    *prometheus.Registry
	up          prometheus.Gauge
	scans       prometheus.Counter
	items       *prometheus.GaugeVec
	flagged     prometheus.Gauge
	newItems    prometheus.Gauge
	diagnostics prometheus.Gauge
	lastScan    prometheus.Gauge
	duration    prometheus.Histogram
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "up",
			Help: "Whether the daemon is running.",
		}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scans_completed_total",
			Help: "Completed scans since start.",
		}),
		items: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_scan_items",
			Help: "Items per category in the last completed scan.",
		}, []string{"category"}),
		flagged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_scan_flagged_items",
			Help: "Items flagged by the reputation service in the last scan.",
		}),
		newItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_scan_new_items",
			Help: "Items not present in the baseline in the last scan.",
		}),
		diagnostics: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_scan_diagnostics",
			Help: "Warnings recorded by the last scan.",
		}),
		lastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_scan_timestamp_seconds",
			Help: "Unix time the last scan report was generated.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "scan_duration_seconds",
			Help:    "Wall time of completed scans.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
	r.registry.MustRegister(r.up, r.scans, r.items, r.flagged, r.newItems, r.diagnostics, r.lastScan, r.duration)
	r.up.Set(1)
	return r
}

// Observe records a completed report. Its signature matches the
// orchestrator completion hook.
func (r *Recorder) Observe(_ context.Context, rep *report.ScanReport) error {
	if rep == nil {
		return nil
	}
	r.scans.Inc()
	r.items.Reset()
	for _, s := range rep.Sections {
		r.items.WithLabelValues(s.CategoryID).Set(float64(s.Total))
	}
	r.flagged.Set(float64(rep.Flagged))
	r.newItems.Set(float64(rep.New))
	r.diagnostics.Set(float64(len(rep.Diagnostics)))
	r.lastScan.Set(float64(rep.GeneratedAt.Unix()))
	if d, err := time.ParseDuration(rep.Duration); err == nil {
		r.duration.Observe(d.Seconds())
	}
	return nil
}

// GaugeFunc exposes a value sampled at scrape time, such as the number of
// reputation requests sent.
func (r *Recorder) GaugeFunc(name, help string, fn func() float64) error {
	return r.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
