// Package metrics exposes Prometheus metrics for watch sessions and reloads.
package metrics

import (
	"net/http"
	"time"

	"github.com/GoCodeAlone/funcwatch/watch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
	Path      string `yaml:"path" json:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Namespace: "funcwatch",
		Path:      "/metrics",
	}
}

// Collector wraps the Prometheus metrics of the engine. It satisfies
// watch.Observer and reload.Recorder.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	WatchEvents     *prometheus.CounterVec
	WatchErrors     *prometheus.CounterVec
	WatchSessions   prometheus.Gauge
	ReloadBatches   *prometheus.CounterVec
	ReloadDuration  prometheus.Histogram
	ReloadChanges   *prometheus.CounterVec
	Compiles        *prometheus.CounterVec
	CompileDuration prometheus.Histogram
	Functions       prometheus.Gauge
}

// New creates a Collector with its own Prometheus registry.
func New(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	ns, sub := cfg.Namespace, cfg.Subsystem

	c := &Collector{
		config:   cfg,
		registry: reg,
		WatchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "watch_events_total",
			Help:      "Accepted function file events by watch session and kind",
		}, []string{"session", "kind"}),
		WatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "watch_errors_total",
			Help:      "Errors reported by the filesystem watcher",
		}, []string{"session"}),
		WatchSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "watch_sessions_active",
			Help:      "Number of running watch sessions",
		}),
		ReloadBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "reload_batches_total",
			Help:      "Reload cycles by outcome",
		}, []string{"outcome"}),
		ReloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "reload_duration_seconds",
			Help:      "Time from snapshot to published table",
			Buckets:   prometheus.DefBuckets,
		}),
		ReloadChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "reload_changes_total",
			Help:      "Function changes applied to the active table",
		}, []string{"change"}),
		Compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "compiles_total",
			Help:      "Function compiles by status",
		}, []string{"status"}),
		CompileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "compile_duration_seconds",
			Help:      "Duration of single function compiles",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		Functions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "functions_loaded",
			Help:      "Functions in the active table",
		}),
	}

	reg.MustRegister(
		c.WatchEvents,
		c.WatchErrors,
		c.WatchSessions,
		c.ReloadBatches,
		c.ReloadDuration,
		c.ReloadChanges,
		c.Compiles,
		c.CompileDuration,
		c.Functions,
	)
	return c
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string { return c.config.Path }

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves the metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveEvent(session string, kind watch.Kind) {
	c.WatchEvents.WithLabelValues(session, kind.String()).Inc()
}

func (c *Collector) ObserveSessions(active int) {
	c.WatchSessions.Set(float64(active))
}

func (c *Collector) ObserveWatchError(session string) {
	c.WatchErrors.WithLabelValues(session).Inc()
}

// ObserveBatch records a finished reload cycle.
func (c *Collector) ObserveBatch(outcome string, d time.Duration, created, modified, deleted int) {
	c.ReloadBatches.WithLabelValues(outcome).Inc()
	c.ReloadDuration.Observe(d.Seconds())
	if created > 0 {
		c.ReloadChanges.WithLabelValues("created").Add(float64(created))
	}
	if modified > 0 {
		c.ReloadChanges.WithLabelValues("modified").Add(float64(modified))
	}
	if deleted > 0 {
		c.ReloadChanges.WithLabelValues("deleted").Add(float64(deleted))
	}
}

// ObserveCompile records one function compile.
func (c *Collector) ObserveCompile(status string, d time.Duration) {
	c.Compiles.WithLabelValues(status).Inc()
	c.CompileDuration.Observe(d.Seconds())
}

// ObserveTableSize records the size of the active table after a publish.
func (c *Collector) ObserveTableSize(n int) {
	c.Functions.Set(float64(n))
}
