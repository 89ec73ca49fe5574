// Command router is the scoring-and-selection core of the request router:
// it fetches pool membership from the load balancer, scrapes member
// metrics, scores and selects among them, and serves the result over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/f5devcentral/llm-inference-lb/internal/api"
	"github.com/f5devcentral/llm-inference-lb/internal/fetch"
	"github.com/f5devcentral/llm-inference-lb/internal/lbclient"
	"github.com/f5devcentral/llm-inference-lb/internal/registry"
	"github.com/f5devcentral/llm-inference-lb/internal/reload"
	"github.com/f5devcentral/llm-inference-lb/internal/scoring"
	"github.com/f5devcentral/llm-inference-lb/internal/scrape"
	"github.com/f5devcentral/llm-inference-lb/pkg/config"
	"github.com/f5devcentral/llm-inference-lb/pkg/logger"
	"github.com/f5devcentral/llm-inference-lb/pkg/metrics"
	"github.com/f5devcentral/llm-inference-lb/pkg/telemetry"
)

const shutdownGracePeriod = 10 * time.Second

// buildVersion is stamped into the service_info metric; overridden at
// build time with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func main() {
	loader := config.NewLoader(os.Getenv("CONFIG_PATH"))
	cfg, warnings, err := loader.Load()
	if err != nil {
		logger.Init(logger.Config{Level: "error", Format: "json", Output: "stderr"})
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{Level: cfg.Global.LogLevel, Format: "json", Output: "stdout"})
	for _, w := range warnings {
		logger.Warn("configuration warning", "detail", w)
	}

	metrics.Init("llm_inference_lb", "router")
	metrics.Get().SetServiceInfo(buildVersion)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     true,
		ServiceName: "llm-inference-lb",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	}()

	reg := registry.New()

	var clientPtr atomic.Pointer[lbclient.Client]
	clientPtr.Store(lbclient.New(cfg.LoadBalancer.Host, cfg.LoadBalancer.Port, cfg.LoadBalancer.Username, cfg.LoadBalancer.Password, true))

	var current struct {
		mu   sync.RWMutex
		mode scoring.ModeConfig
	}
	current.mode = scoring.ModeConfig(cfg.Modes[0])
	activeMode := func() scoring.ModeConfig {
		current.mu.RLock()
		defer current.mu.RUnlock()
		return current.mode
	}

	var runLoops sync.Mutex
	fetchCancel := func() {}
	scrapeCancel := func() {}
	lastFetchInterval := cfg.Scheduler.PoolFetchIntervalSeconds

	var reloadController *reload.Controller
	configSnapshot := func() config.Config {
		if reloadController == nil {
			return *cfg
		}
		return reloadController.Current()
	}

	startFetch := func(intervalSeconds int) {
		runLoops.Lock()
		defer runLoops.Unlock()
		lastFetchInterval = intervalSeconds
		fetchCancel()
		loopCtx, cancel := context.WithCancel(ctx)
		fetchCancel = cancel
		f := fetch.New(clientPtr.Load(), reg, time.Duration(intervalSeconds)*time.Second, poolTargets(configSnapshot))
		go f.Run(loopCtx)
	}

	scoreFn := func(pool *registry.Pool) {
		mode := activeMode()
		start := time.Now()
		if err := scoring.Apply(pool, mode); err != nil {
			logger.Warn("scoring failed for pool", "pool", pool.Key.Name, "partition", pool.Key.Partition, "error", err)
		}
		metrics.Get().RecordScoring(pool.Key.Name, pool.Key.Partition, mode.Name, time.Since(start))
	}

	startScrape := func(intervalMS int) {
		runLoops.Lock()
		defer runLoops.Unlock()
		scrapeCancel()
		loopCtx, cancel := context.WithCancel(ctx)
		scrapeCancel = cancel
		s := scrape.New(reg, time.Duration(intervalMS)*time.Millisecond, scrapeConfigFor(configSnapshot), scoreFn)
		go s.Run(loopCtx)
	}

	startFetch(cfg.Scheduler.PoolFetchIntervalSeconds)
	startScrape(cfg.Scheduler.MetricsFetchIntervalMS)

	reloadController = reload.NewController(loader, reg, *cfg, reload.Hooks{
		SetLogLevel: func(level string) { logger.SetLevel(level) },
		RestartLBClient: func(lbCfg config.LoadBalancerConfig) {
			clientPtr.Store(lbclient.New(lbCfg.Host, lbCfg.Port, lbCfg.Username, lbCfg.Password, true))
			startFetch(lastFetchInterval)
		},
		RestartFetchLoop:  startFetch,
		RestartScrapeLoop: startScrape,
		SwapMode: func(mode config.ModeConfig) {
			current.mu.Lock()
			current.mode = scoring.ModeConfig{
				Name: mode.Name, WA: mode.WA, WB: mode.WB, WG: mode.WG,
				TransitionPoint: mode.TransitionPoint, Steepness: mode.Steepness,
			}
			current.mu.Unlock()
		},
		WarnAPIChange: func(oldHost string, oldPort int, newHost string, newPort int) {
			logger.Warn("api_host/api_port changed, requires restart to take effect", "old", fmt.Sprintf("%s:%d", oldHost, oldPort), "new", fmt.Sprintf("%s:%d", newHost, newPort))
		},
	})
	go reloadController.Run(ctx, time.Duration(cfg.Global.IntervalSeconds)*time.Second)

	server := api.NewServer(fmt.Sprintf("%s:%d", cfg.Global.APIHost, cfg.Global.APIPort), reg, activeMode)
	go func() {
		logger.Info("router listening", "addr", fmt.Sprintf("%s:%d", cfg.Global.APIHost, cfg.Global.APIPort))
		if err := server.ListenAndServe(); err != nil {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	fetchCancel()
	scrapeCancel()
	logger.Info("shutdown complete")
}

// poolTargets snapshots the configured pools into fetch.PoolTarget values.
// It reads through snapshot on every call (rather than closing over a
// fixed config) so the fetch loop observes pool additions/removals applied
// by a config reload.
func poolTargets(snapshot func() config.Config) func() []fetch.PoolTarget {
	return func() []fetch.PoolTarget {
		cfg := snapshot()
		targets := make([]fetch.PoolTarget, 0, len(cfg.Pools))
		for _, p := range cfg.Pools {
			targets = append(targets, fetch.PoolTarget{
				Key:        registry.Key{Name: p.Name, Partition: p.Partition},
				EngineType: registry.ParseEngineType(p.EngineType),
				Fallback: registry.Fallback{
					PoolFallback:                p.Fallback.PoolFallback,
					MemberRunningReqThreshold:   p.Fallback.MemberRunningReqThreshold,
					MemberWaitingQueueThreshold: p.Fallback.MemberWaitingQueueThreshold,
				},
			})
		}
		return targets
	}
}

// scrapeConfigFor resolves a pool's metrics scrape configuration by key. It
// reads through snapshot on every call so a reload's pool changes take
// effect on the scrape loop's next cycle.
func scrapeConfigFor(snapshot func() config.Config) scrape.ConfigFor {
	return func(key registry.Key) (scrape.MetricsConfig, bool) {
		cfg := snapshot()
		for _, p := range cfg.Pools {
			if p.Name != key.Name || p.Partition != key.Partition {
				continue
			}
			var port *int
			if p.Metrics.Port != 0 {
				port = &p.Metrics.Port
			}
			return scrape.MetricsConfig{
				Schema:   defaultString(p.Metrics.Schema, "http"),
				Port:     port,
				Path:     defaultString(p.Metrics.Path, "/metrics"),
				APIKey:   p.Metrics.APIKey,
				User:     p.Metrics.MetricUser,
				Password: p.Metrics.MetricPassword,
				Timeout:  time.Duration(p.Metrics.TimeoutSeconds) * time.Second,
			}, true
		}
		return scrape.MetricsConfig{}, false
	}
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
