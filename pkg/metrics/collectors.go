package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RuntimeCollector exports Go runtime stats (goroutines, heap, GC) as a
// custom prometheus.Collector rather than histogram/counter fields, so
// values are read fresh on every scrape instead of polled on a timer.
type RuntimeCollector struct {
	goroutines *prometheus.Desc
	memAlloc   *prometheus.Desc
	memSys     *prometheus.Desc
	gcRuns     *prometheus.Desc
}

// NewRuntimeCollector builds a RuntimeCollector. Init registers it on the
// metrics container's private registry.
func NewRuntimeCollector(namespace, subsystem string) *RuntimeCollector {
	return &RuntimeCollector{
		goroutines: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_goroutines"),
			"Number of goroutines", nil, nil,
		),
		memAlloc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_memory_alloc_bytes"),
			"Bytes allocated and still in use", nil, nil,
		),
		memSys: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_memory_sys_bytes"),
			"Bytes obtained from the OS", nil, nil,
		),
		gcRuns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "runtime_gc_runs_total"),
			"Total number of completed GC cycles", nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.goroutines
	ch <- c.memAlloc
	ch <- c.memSys
	ch <- c.gcRuns
}

// Collect implements prometheus.Collector.
func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	ch <- prometheus.MustNewConstMetric(c.goroutines, prometheus.GaugeValue, float64(runtime.NumGoroutine()))
	ch <- prometheus.MustNewConstMetric(c.memAlloc, prometheus.GaugeValue, float64(stats.Alloc))
	ch <- prometheus.MustNewConstMetric(c.memSys, prometheus.GaugeValue, float64(stats.Sys))
	ch <- prometheus.MustNewConstMetric(c.gcRuns, prometheus.CounterValue, float64(stats.NumGC))
}

// RequestTracker tracks in-flight selection requests per pool, for a gauge
// that client_golang's own instrumentation doesn't give us for free.
type RequestTracker struct {
	mu       sync.Mutex
	active   map[string]int
	inFlight *prometheus.GaugeVec
}

// NewRequestTracker builds a RequestTracker backed by a GaugeVec labeled
// by pool.
func NewRequestTracker(inFlight *prometheus.GaugeVec) *RequestTracker {
	return &RequestTracker{active: make(map[string]int), inFlight: inFlight}
}

// Start marks the beginning of a request for pool.
func (t *RequestTracker) Start(pool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[pool]++
	t.inFlight.WithLabelValues(pool).Inc()
}

// End marks the completion of a request for pool.
func (t *RequestTracker) End(pool string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active[pool] > 0 {
		t.active[pool]--
		t.inFlight.WithLabelValues(pool).Dec()
	}
}

// Timer measures elapsed time against a labeled histogram.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer starts a Timer bound to one set of histogram label values.
func NewTimer(histogram *prometheus.HistogramVec, labels ...string) *Timer {
	return &Timer{start: time.Now(), observer: histogram.WithLabelValues(labels...)}
}

// ObserveDuration records the elapsed time since NewTimer and returns it.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.observer.Observe(d.Seconds())
	return d
}
