// Package config defines the router's configuration shape and its
// validation rules.
package config

import (
	"fmt"
	"strings"
)

// Config is the process-wide configuration.
type Config struct {
	Global       GlobalConfig       `koanf:"global"`
	LoadBalancer LoadBalancerConfig `koanf:"loadbalancer"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"`
	Modes        []ModeConfig       `koanf:"modes"`
	Pools        []PoolConfig       `koanf:"pools"`
}

// GlobalConfig holds process-wide knobs.
type GlobalConfig struct {
	IntervalSeconds int    `koanf:"interval"`
	LogLevel        string `koanf:"log_level"`
	APIHost         string `koanf:"api_host"`
	APIPort         int    `koanf:"api_port"`
}

// LoadBalancerConfig addresses the upstream iControl-REST load-balancer.
type LoadBalancerConfig struct {
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	PasswordEnv string `koanf:"password_env"`
}

// SchedulerConfig holds the two periodic-loop cadences.
type SchedulerConfig struct {
	PoolFetchIntervalSeconds int `koanf:"pool_fetch_interval_s"`
	MetricsFetchIntervalMS  int `koanf:"metrics_fetch_interval_ms"`
}

// ModeConfig is one named scoring-algorithm configuration.
// The first element of Config.Modes is the active algorithm.
type ModeConfig struct {
	Name           string  `koanf:"name"`
	WA             float64 `koanf:"w_a"`
	WB             float64 `koanf:"w_b"`
	WG             float64 `koanf:"w_g"`
	TransitionPoint float64 `koanf:"transition_point"`
	Steepness      float64 `koanf:"steepness"`
}

// MetricsConfig describes how to reach a pool's members' metrics endpoints.
type MetricsConfig struct {
	Schema            string `koanf:"schema"`
	Port              int    `koanf:"port"` // 0 means "use member's own port"
	Path              string `koanf:"path"`
	APIKey            string `koanf:"api_key"`
	MetricUser        string `koanf:"metric_user"`
	MetricPassword    string `koanf:"metric_password"`
	MetricPasswordEnv string `koanf:"metric_password_env"`
	TimeoutSeconds    int    `koanf:"timeout_s"`
}

// FallbackConfig holds per-pool fallback behavior.
type FallbackConfig struct {
	PoolFallback                bool     `koanf:"pool_fallback"`
	MemberRunningReqThreshold   *float64 `koanf:"member_running_req_threshold"`
	MemberWaitingQueueThreshold *float64 `koanf:"member_waiting_queue_threshold"`
}

// PoolConfig describes one configured pool.
type PoolConfig struct {
	Name       string         `koanf:"name"`
	Partition  string         `koanf:"partition"`
	EngineType string         `koanf:"engine_type"` // vllm, sglang
	Fallback   FallbackConfig `koanf:"fallback"`
	Metrics    MetricsConfig  `koanf:"metrics"`
}

var supportedModes = map[string]bool{
	"s1": true, "s1_enhanced": true, "s1_adaptive": true, "s1_ratio": true,
	"s1_precise": true, "s1_nonlinear": true, "s1_balanced": true,
	"s1_adaptive_distribution": true, "s1_advanced": true, "s1_dynamic_waiting": true,
	"s2": true, "s2_enhanced": true, "s2_ratio": true,
	"s2_precise": true, "s2_advanced": true, "s2_dynamic_waiting": true,
}

// IsSupportedMode reports whether name is one of the scoring algorithm
// names this router implements.
func IsSupportedMode(name string) bool { return supportedModes[name] }

// Validate checks mandatory invariants and normalizes an unsupported
// leading mode to "s1" with a warning.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []string

	if strings.TrimSpace(c.LoadBalancer.Host) == "" {
		errs = append(errs, "loadbalancer.host is required")
	}
	if len(c.Pools) == 0 {
		errs = append(errs, "at least one pool must be configured")
	}
	if c.Global.IntervalSeconds <= 0 {
		errs = append(errs, "global.interval must be > 0")
	}
	if c.Scheduler.PoolFetchIntervalSeconds <= 0 {
		errs = append(errs, "scheduler.pool_fetch_interval_s must be > 0")
	}
	if c.Scheduler.MetricsFetchIntervalMS <= 0 {
		errs = append(errs, "scheduler.metrics_fetch_interval_ms must be > 0")
	}

	if len(c.Modes) == 0 {
		c.Modes = []ModeConfig{{Name: "s1", WA: 0.5, WB: 0.5}}
	} else if !IsSupportedMode(c.Modes[0].Name) {
		warnings = append(warnings, fmt.Sprintf("unsupported mode %q, falling back to s1", c.Modes[0].Name))
		c.Modes[0].Name = "s1"
	}

	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		key := p.Name + "/" + p.Partition
		if seen[key] {
			errs = append(errs, fmt.Sprintf("duplicate pool %s", key))
		}
		seen[key] = true
	}

	if len(errs) > 0 {
		return warnings, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return warnings, nil
}

// Key returns the pool's (name, partition) registry key.
func (p PoolConfig) Key() string { return p.Name + "/" + p.Partition }
