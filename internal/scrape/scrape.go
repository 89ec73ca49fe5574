// Package scrape runs the periodic metrics-collection loop: for every
// pool in the registry, fetch each member's Prometheus exposition-format
// endpoint in parallel, average same-named samples per metric, write the
// result onto the member, and trigger scoring for the pool.
package scrape

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/f5devcentral/llm-inference-lb/internal/registry"
	"github.com/f5devcentral/llm-inference-lb/pkg/logger"
	"github.com/f5devcentral/llm-inference-lb/pkg/metrics"
	"github.com/f5devcentral/llm-inference-lb/pkg/telemetry"
)

// engineMetricNames is the ENGINE_METRICS table: which Prometheus metric
// name carries each of the three scoring inputs, per engine type.
var engineMetricNames = map[registry.EngineType]struct {
	WaitingQueue, CacheUsage, RunningReq string
}{
	registry.EngineVLLM: {
		WaitingQueue: "vllm:num_requests_waiting",
		CacheUsage:   "vllm:gpu_cache_usage_perc",
		RunningReq:   "vllm:num_requests_running",
	},
	registry.EngineSGLang: {
		WaitingQueue: "sglang:num_queue_reqs",
		CacheUsage:   "sglang:token_usage",
		RunningReq:   "sglang:num_running_reqs",
	},
}

// MetricsConfig is a pool's scrape configuration.
type MetricsConfig struct {
	Schema         string
	Port           *int
	Path           string
	APIKey         string
	User, Password string
	Timeout        time.Duration
}

// ConfigFor resolves the scrape config for a pool key, or false if the
// pool is no longer configured.
type ConfigFor func(key registry.Key) (MetricsConfig, bool)

// ScoreFn is invoked synchronously once a pool's scrape sweep completes.
type ScoreFn func(pool *registry.Pool)

// Scraper drives the periodic per-pool, per-member metrics sweep.
type Scraper struct {
	reg        *registry.Registry
	interval   time.Duration
	configFor  ConfigFor
	onComplete ScoreFn
	httpClient *http.Client
}

// New builds a Scraper.
func New(reg *registry.Registry, interval time.Duration, configFor ConfigFor, onComplete ScoreFn) *Scraper {
	return &Scraper{
		reg:        reg,
		interval:   interval,
		configFor:  configFor,
		onComplete: onComplete,
		httpClient: &http.Client{},
	}
}

// Run drives the scrape loop on a ticker until ctx is cancelled. All pools
// are scraped in parallel with each other.
func (s *Scraper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAll(ctx)
		}
	}
}

func (s *Scraper) sweepAll(ctx context.Context) {
	pools := s.reg.List()
	var wg sync.WaitGroup
	for _, pool := range pools {
		wg.Add(1)
		go func(p *registry.Pool) {
			defer wg.Done()
			s.sweepPool(ctx, p)
		}(pool)
	}
	wg.Wait()
}

func (s *Scraper) sweepPool(ctx context.Context, pool *registry.Pool) {
	ctx, span := telemetry.StartSpan(ctx, "pool_scrape_then_score_sweep")
	defer span.End()

	cfg, ok := s.configFor(pool.Key)
	if !ok {
		return
	}
	members := pool.Members()
	if len(members) == 0 {
		return
	}

	start := time.Now()
	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(member *registry.Member) {
			defer wg.Done()
			s.scrapeMember(ctx, member, pool.EngineType(), cfg)
		}(m)
	}
	wg.Wait()
	metrics.Get().RecordScrape(pool.Key.Name, pool.Key.Partition, "completed", time.Since(start))

	if s.onComplete != nil {
		s.onComplete(pool)
	}
}

func (s *Scraper) scrapeMember(ctx context.Context, member *registry.Member, engine registry.EngineType, cfg MetricsConfig) {
	url := metricsURL(cfg.Schema, member.IP, resolvePort(cfg.Port, member.Port), cfg.Path)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		logger.Warn("building scrape request failed", "member", member.Key(), "error", err)
		member.ClearMetrics()
		return
	}
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	} else if cfg.User != "" && cfg.Password != "" {
		req.SetBasicAuth(cfg.User, cfg.Password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		logger.Warn("scrape request failed", "member", member.Key(), "url", url, "error", err)
		member.ClearMetrics()
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("scrape returned non-200", "member", member.Key(), "status", resp.StatusCode)
		member.ClearMetrics()
		return
	}

	families, err := parseExposition(resp.Body)
	if err != nil {
		logger.Warn("parsing scrape response failed", "member", member.Key(), "error", err)
		member.ClearMetrics()
		return
	}

	names, ok := engineMetricNames[engine]
	if !ok {
		logger.Warn("no metric names configured for engine type", "member", member.Key(), "engine", engine.String())
		member.ClearMetrics()
		return
	}

	metrics := registry.Metrics{}
	if avg, ok := averageSampleValue(families, names.WaitingQueue); ok {
		metrics.WaitingQueue, metrics.HasWaitingQueue = avg, true
	}
	if avg, ok := averageSampleValue(families, names.CacheUsage); ok {
		metrics.CacheUsage, metrics.HasCacheUsage = avg, true
	}
	if avg, ok := averageSampleValue(families, names.RunningReq); ok {
		metrics.RunningReq, metrics.HasRunningReq = avg, true
	}
	member.SetMetrics(metrics)
}

func resolvePort(poolPort *int, memberPort int) int {
	if poolPort != nil {
		return *poolPort
	}
	return memberPort
}

func metricsURL(schema, ip string, port int, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return schema + "://" + ip + ":" + strconv.Itoa(port) + path
}

// parseExposition decodes a Prometheus text-exposition format body into
// its metric families.
func parseExposition(body io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(bufio.NewReader(body))
}

// averageSampleValue computes the arithmetic mean across every sample of
// the named metric family (one pool member can expose several label
// combinations for the same metric name).
func averageSampleValue(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	mf, ok := families[name]
	if !ok {
		return 0, false
	}

	var sum float64
	var count int
	for _, metric := range mf.GetMetric() {
		switch {
		case metric.GetGauge() != nil:
			sum += metric.GetGauge().GetValue()
			count++
		case metric.GetCounter() != nil:
			sum += metric.GetCounter().GetValue()
			count++
		case metric.GetUntyped() != nil:
			sum += metric.GetUntyped().GetValue()
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}
