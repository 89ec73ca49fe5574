// Package reload implements the configuration hot-reload controller: it
// samples the configuration file for changes, validates a parsed
// candidate before applying it, and diffs the candidate against the
// running configuration to decide, section by section, what can be
// swapped live versus what merely logs a restart warning.
package reload

import (
	"context"
	"crypto/sha256"
	"os"
	"time"

	"github.com/f5devcentral/llm-inference-lb/internal/registry"
	"github.com/f5devcentral/llm-inference-lb/pkg/config"
	"github.com/f5devcentral/llm-inference-lb/pkg/logger"
	"github.com/f5devcentral/llm-inference-lb/pkg/metrics"
)

// detector samples a file's mtime and content hash, reporting a change
// only once both differ from the last-seen baseline. The very first
// sample only establishes the baseline; it is never itself a change.
type detector struct {
	path        string
	initialized bool
	lastModTime time.Time
	lastHash    [sha256.Size]byte
}

func newDetector(path string) *detector {
	return &detector{path: path}
}

// sample reports whether the file changed since the last sample.
func (d *detector) sample() (bool, error) {
	info, err := os.Stat(d.path)
	if err != nil {
		return false, err
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		return false, err
	}
	hash := sha256.Sum256(data)
	modTime := info.ModTime()

	if !d.initialized {
		d.initialized = true
		d.lastModTime = modTime
		d.lastHash = hash
		return false, nil
	}

	if modTime.Equal(d.lastModTime) {
		return false, nil
	}
	if hash == d.lastHash {
		return false, nil
	}

	d.lastModTime = modTime
	d.lastHash = hash
	return true, nil
}

// Hooks are the side effects a successful reload triggers in the rest of
// the process. Each is optional; a nil hook is simply skipped.
type Hooks struct {
	SetLogLevel       func(level string)
	RestartLBClient   func(cfg config.LoadBalancerConfig)
	RestartFetchLoop  func(intervalSeconds int)
	RestartScrapeLoop func(intervalMS int)
	SwapMode          func(mode config.ModeConfig)
	WarnAPIChange     func(oldHost string, oldPort int, newHost string, newPort int)
}

// Controller owns the baseline detector and the currently-applied
// configuration, and drives the periodic reload check.
type Controller struct {
	loader   *config.Loader
	detector *detector
	reg      *registry.Registry
	hooks    Hooks

	current config.Config
}

// NewController builds a Controller that will poll loader.Path() and
// compare against initial.
func NewController(loader *config.Loader, reg *registry.Registry, initial config.Config, hooks Hooks) *Controller {
	c := &Controller{
		loader:   loader,
		detector: newDetector(loader.Path()),
		reg:      reg,
		hooks:    hooks,
		current:  initial,
	}
	// The file as it stands now is the baseline, so the first periodic
	// check can already report a change made after construction.
	_, _ = c.detector.sample()
	return c
}

// Current returns the last successfully applied configuration.
func (c *Controller) Current() config.Config {
	return c.current
}

// Run polls for configuration file changes every interval until ctx is
// cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAndReload()
		}
	}
}

func (c *Controller) checkAndReload() {
	changed, err := c.detector.sample()
	if err != nil {
		logger.Warn("configuration file stat/read failed during hot-reload check", "path", c.loader.Path(), "error", err)
		return
	}
	if !changed {
		return
	}

	newCfg, warnings, err := c.loader.Load()
	if err != nil {
		logger.Error("configuration reload aborted: validation failed, keeping running configuration", "error", err)
		metrics.Get().RecordReload("aborted", time.Now())
		return
	}
	for _, w := range warnings {
		logger.Warn("configuration reload warning", "detail", w)
	}

	c.apply(*newCfg)
}

// apply diffs newCfg against the running configuration and fires the
// appropriate hooks. It never fails: once validation passed, every
// section either applies cleanly or is restart-only and merely warns.
func (c *Controller) apply(newCfg config.Config) {
	old := c.current

	if old.Global.LogLevel != newCfg.Global.LogLevel && c.hooks.SetLogLevel != nil {
		c.hooks.SetLogLevel(newCfg.Global.LogLevel)
	}

	if old.LoadBalancer != newCfg.LoadBalancer && c.hooks.RestartLBClient != nil {
		c.hooks.RestartLBClient(newCfg.LoadBalancer)
	}

	if old.Scheduler.PoolFetchIntervalSeconds != newCfg.Scheduler.PoolFetchIntervalSeconds && c.hooks.RestartFetchLoop != nil {
		c.hooks.RestartFetchLoop(newCfg.Scheduler.PoolFetchIntervalSeconds)
	}
	if old.Scheduler.MetricsFetchIntervalMS != newCfg.Scheduler.MetricsFetchIntervalMS && c.hooks.RestartScrapeLoop != nil {
		c.hooks.RestartScrapeLoop(newCfg.Scheduler.MetricsFetchIntervalMS)
	}

	c.applyPoolDiff(old.Pools, newCfg.Pools)

	if len(newCfg.Modes) > 0 && (len(old.Modes) == 0 || old.Modes[0] != newCfg.Modes[0]) && c.hooks.SwapMode != nil {
		c.hooks.SwapMode(newCfg.Modes[0])
	}

	if (old.Global.APIHost != newCfg.Global.APIHost || old.Global.APIPort != newCfg.Global.APIPort) && c.hooks.WarnAPIChange != nil {
		c.hooks.WarnAPIChange(old.Global.APIHost, old.Global.APIPort, newCfg.Global.APIHost, newCfg.Global.APIPort)
	}

	c.current = newCfg
	logger.Info("configuration reload applied")
	metrics.Get().RecordReload("applied", time.Now())
}

func (c *Controller) applyPoolDiff(oldPools, newPools []config.PoolConfig) {
	newByKey := make(map[registry.Key]config.PoolConfig, len(newPools))
	for _, p := range newPools {
		newByKey[poolKey(p)] = p
	}
	oldByKey := make(map[registry.Key]config.PoolConfig, len(oldPools))
	for _, p := range oldPools {
		oldByKey[poolKey(p)] = p
	}

	for key, oldPool := range oldByKey {
		newPool, stillConfigured := newByKey[key]
		if !stillConfigured {
			continue // handled by the sweep below, guarded by consecutive_failures == 0
		}
		pool := c.reg.Get(key)
		if pool == nil {
			continue
		}
		if registry.ParseEngineType(oldPool.EngineType) != registry.ParseEngineType(newPool.EngineType) {
			pool.SetEngineType(registry.ParseEngineType(newPool.EngineType))
		}
		pool.SetFallback(registry.Fallback{
			PoolFallback:                newPool.Fallback.PoolFallback,
			MemberRunningReqThreshold:   newPool.Fallback.MemberRunningReqThreshold,
			MemberWaitingQueueThreshold: newPool.Fallback.MemberWaitingQueueThreshold,
		})
	}

	// Pools removed from configuration: only clean up entries with no
	// in-flight failure streak, so this never races the fetcher's own
	// failure-driven deletion.
	for _, pool := range c.reg.List() {
		if _, stillConfigured := newByKey[pool.Key]; stillConfigured {
			continue
		}
		if pool.ConsecutiveFailures() == 0 {
			c.reg.Delete(pool.Key)
		}
	}
}

func poolKey(p config.PoolConfig) registry.Key {
	return registry.Key{Name: p.Name, Partition: p.Partition}
}
