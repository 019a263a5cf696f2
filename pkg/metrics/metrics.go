// Package metrics exposes the gateway's Prometheus collectors. All record
// functions are safe to call before Init; they are no-ops until the registry
// exists, so device code never has to check whether metrics are enabled.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectors struct {
	jobsTotal      *prometheus.CounterVec
	exchangesTotal *prometheus.CounterVec
	jobDuration    prometheus.Histogram
}

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
	col      *collectors
)

// Init creates the registry and collectors. Calling it twice is a no-op.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	col = &collectors{
		jobsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiscalgw_jobs_total",
				Help: "Terminal job outcomes by status",
			},
			[]string{"status"},
		),
		exchangesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fiscalgw_exchanges_total",
				Help: "Device protocol exchanges by result",
			},
			[]string{"result"},
		),
		jobDuration: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fiscalgw_job_duration_seconds",
				Help:    "Wall time of job executions",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60, 120},
			},
		),
	}
}

// Enabled reports whether Init has been called.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// Handler serves the /metrics endpoint. Returns 404s until Init is called.
func Handler() http.Handler {
	mu.RLock()
	reg := registry
	mu.RUnlock()
	if reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// JobFinished counts one terminal job outcome.
func JobFinished(status string) {
	mu.RLock()
	defer mu.RUnlock()
	if col != nil {
		col.jobsTotal.WithLabelValues(status).Inc()
	}
}

// ExchangeObserved counts one protocol exchange.
func ExchangeObserved(result string) {
	mu.RLock()
	defer mu.RUnlock()
	if col != nil {
		col.exchangesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveJobDuration records one job execution's wall time.
func ObserveJobDuration(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if col != nil {
		col.jobDuration.Observe(d.Seconds())
	}
}
