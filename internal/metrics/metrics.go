// Package metrics exports search and trial counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ciadpi-tray/autosearch/internal/evaluator"
	"github.com/ciadpi-tray/autosearch/internal/search"
)

// Search outcome labels.
const (
	OutcomeFound     = "found"
	OutcomeNotFound  = "not_found"
	OutcomeCancelled = "cancelled"
)

// Metrics holds the collectors. Each instance owns its registry so tests and
// embedders can create several.
type Metrics struct {
	registry *prometheus.Registry

	trialsTotal   *prometheus.CounterVec
	trialLatency  *prometheus.HistogramVec
	probeAttempts prometheus.Histogram
	searchesTotal *prometheus.CounterVec
	searchActive  prometheus.Gauge
	bestLatency   prometheus.Gauge
	lastTrialsRun prometheus.Gauge
}

var _ search.Observer = (*Metrics)(nil)

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		trialsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autosearch_trials_total",
			Help: "Trials run, by failure kind (none for successes)",
		}, []string{"kind"}),
		trialLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autosearch_trial_latency_seconds",
			Help:    "Probe latency per trial",
			Buckets: []float64{0.5, 1, 2, 3, 5, 8, 10, 15, 20},
		}, []string{"success"}),
		probeAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autosearch_probe_attempts",
			Help:    "HTTP attempts per probed trial",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		searchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autosearch_searches_total",
			Help: "Finished searches by outcome",
		}, []string{"outcome"}),
		searchActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "autosearch_search_active",
			Help: "1 while a search is running",
		}),
		bestLatency: f.NewGauge(prometheus.GaugeOpts{
			Name: "autosearch_best_latency_seconds",
			Help: "Latency of the best configuration found by the last successful search",
		}),
		lastTrialsRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "autosearch_last_search_trials",
			Help: "Trials run by the most recent search",
		}),
	}
}

// SearchStarted marks a search as active.
func (m *Metrics) SearchStarted() {
	m.searchActive.Set(1)
}

// TrialFinished records one trial outcome.
func (m *Metrics) TrialFinished(out evaluator.Outcome) {
	kind := string(out.Kind)
	if kind == "" {
		kind = string(evaluator.FailureNone)
	}
	m.trialsTotal.WithLabelValues(kind).Inc()
	if out.Kind == evaluator.FailureSpawn || out.Kind == evaluator.FailureBusy {
		return
	}
	success := "false"
	if out.Success {
		success = "true"
	}
	m.trialLatency.WithLabelValues(success).Observe(out.Latency.Seconds())
	if out.Attempts > 0 {
		m.probeAttempts.Observe(float64(out.Attempts))
	}
}

// SearchFinished records the terminal result.
func (m *Metrics) SearchFinished(res search.Result) {
	m.searchActive.Set(0)
	m.lastTrialsRun.Set(float64(res.TrialsRun))
	switch {
	case res.Cancelled:
		m.searchesTotal.WithLabelValues(OutcomeCancelled).Inc()
	case res.Found:
		m.searchesTotal.WithLabelValues(OutcomeFound).Inc()
	default:
		m.searchesTotal.WithLabelValues(OutcomeNotFound).Inc()
	}
	if res.Found {
		m.bestLatency.Set(res.Latency.Seconds())
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
