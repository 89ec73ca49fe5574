// Package metrics exposes this process's own Prometheus metrics: how the
// scrape, scoring, and selection loops are behaving, as opposed to the
// metrics this process scrapes from inference engines (see internal/scrape).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide metrics container.
type Metrics struct {
	registry *prometheus.Registry

	ScrapesTotal        *prometheus.CounterVec
	ScrapeDuration      *prometheus.HistogramVec
	FetchDuration       *prometheus.HistogramVec
	ScoreCalcDuration   *prometheus.HistogramVec
	SelectionsTotal     *prometheus.CounterVec
	SelectionsInFlight  *prometheus.GaugeVec
	PoolMembers         *prometheus.GaugeVec
	PoolFailures        *prometheus.CounterVec
	ConfigReloadsTotal  *prometheus.CounterVec
	ConfigReloadApplied prometheus.Gauge
	ServiceInfo         *prometheus.GaugeVec

	// Tracker counts in-flight selection requests per pool, for a gauge
	// client_golang's own instrumentation doesn't give us for free.
	Tracker *RequestTracker
}

var defaultMetrics *Metrics

// Init builds and registers the metrics container under the given
// namespace/subsystem, on a registry private to this call so repeated
// calls (one per test, for instance) never collide with a prior one.
func Init(namespace, subsystem string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,

		ScrapesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scrapes_total",
				Help:      "Total number of member metric scrapes, by pool and outcome",
			},
			[]string{"pool", "partition", "outcome"},
		),

		ScrapeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scrape_duration_seconds",
				Help:      "Duration of a pool's full member scrape sweep",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"pool", "partition"},
		),

		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "fetch_cycle_duration_seconds",
				Help:      "Duration of one membership-fetch cycle across all configured pools",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			nil,
		),

		ScoreCalcDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "score_calc_duration_seconds",
				Help:      "Duration of scoring all members of a pool",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
			[]string{"pool", "partition", "algorithm"},
		),

		SelectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "selections_total",
				Help:      "Total number of member selections, by pool and outcome",
			},
			[]string{"pool", "partition", "outcome"},
		),

		SelectionsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "selections_in_flight",
				Help:      "Number of selection requests currently being handled, by pool",
			},
			[]string{"pool"},
		),

		PoolMembers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pool_members",
				Help:      "Current number of registered members in a pool",
			},
			[]string{"pool", "partition"},
		),

		PoolFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "pool_fetch_failures_total",
				Help:      "Total membership fetch failures, by pool and classification",
			},
			[]string{"pool", "partition", "class"},
		),

		ConfigReloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "config_reloads_total",
				Help:      "Total configuration reload attempts, by outcome",
			},
			[]string{"outcome"},
		),

		ConfigReloadApplied: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "config_last_reload_timestamp_seconds",
				Help:      "Unix timestamp of the last successfully applied configuration reload",
			},
		),

		ServiceInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service build information",
			},
			[]string{"version"},
		),
	}
	m.Tracker = NewRequestTracker(m.SelectionsInFlight)
	registry.MustRegister(NewRuntimeCollector(namespace, subsystem))

	defaultMetrics = m
	return m
}

// Get returns the process-wide metrics container, initializing a default
// one if Init was never called.
func Get() *Metrics {
	if defaultMetrics == nil {
		return Init("llm_router", "")
	}
	return defaultMetrics
}

// RecordScrape records the outcome of one pool's scrape sweep.
func (m *Metrics) RecordScrape(pool, partition, outcome string, d time.Duration) {
	m.ScrapesTotal.WithLabelValues(pool, partition, outcome).Inc()
	m.ScrapeDuration.WithLabelValues(pool, partition).Observe(d.Seconds())
}

// RecordScoring records the duration of one pool's scoring pass.
func (m *Metrics) RecordScoring(pool, partition, algorithm string, d time.Duration) {
	m.ScoreCalcDuration.WithLabelValues(pool, partition, algorithm).Observe(d.Seconds())
}

// RecordSelection records the outcome of one selection request.
func (m *Metrics) RecordSelection(pool, partition, outcome string) {
	m.SelectionsTotal.WithLabelValues(pool, partition, outcome).Inc()
}

// SetPoolMembers sets the current member count gauge for a pool.
func (m *Metrics) SetPoolMembers(pool, partition string, count int) {
	m.PoolMembers.WithLabelValues(pool, partition).Set(float64(count))
}

// RecordFetchFailure records a membership fetch failure by classification
// ("serious" or "transient").
func (m *Metrics) RecordFetchFailure(pool, partition, class string) {
	m.PoolFailures.WithLabelValues(pool, partition, class).Inc()
}

// RecordReload records a config reload attempt outcome and, on success,
// stamps the applied-at gauge.
func (m *Metrics) RecordReload(outcome string, appliedAt time.Time) {
	m.ConfigReloadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "applied" {
		m.ConfigReloadApplied.Set(float64(appliedAt.Unix()))
	}
}

// SetServiceInfo stamps the build-info gauge.
func (m *Metrics) SetServiceInfo(version string) {
	m.ServiceInfo.WithLabelValues(version).Set(1)
}

// Handler returns the HTTP handler serving this process's /metrics page
// off the registry of the currently active Metrics container.
func Handler() http.Handler {
	return promhttp.HandlerFor(Get().registry, promhttp.HandlerOpts{})
}
