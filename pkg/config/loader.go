package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "SCHEDULER_"

var defaults = map[string]any{
	"global.interval":                   60,
	"global.log_level":                  "info",
	"global.api_host":                   "0.0.0.0",
	"global.api_port":                   8080,
	"scheduler.pool_fetch_interval_s":    10,
	"scheduler.metrics_fetch_interval_ms": 1000,
}

// Loader loads and validates configuration from layered sources: in-code
// defaults, an optional YAML file, then environment overrides.
type Loader struct {
	path string
}

// NewLoader builds a Loader reading the YAML file at path. If path is empty,
// it falls back to $CONFIG_PATH, then "config/scheduler-config.yaml".
func NewLoader(path string) *Loader {
	if path == "" {
		if p := os.Getenv("CONFIG_PATH"); p != "" {
			path = p
		} else {
			path = "config/scheduler-config.yaml"
		}
	}
	return &Loader{path: path}
}

// Path returns the file path this loader reads.
func (l *Loader) Path() string { return l.path }

// Load reads, merges, and validates configuration. Validation warnings
// (e.g. an unsupported mode falling back to "s1") are returned alongside a
// successfully-loaded config rather than treated as errors.
func (l *Loader) Load() (*Config, []string, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, nil, fmt.Errorf("load defaults: %w", err)
	}

	if _, statErr := os.Stat(l.path); statErr == nil {
		if err := k.Load(file.Provider(l.path), yaml.Parser()); err != nil {
			return nil, nil, fmt.Errorf("load config file %s: %w", l.path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyTransform), nil); err != nil {
		return nil, nil, fmt.Errorf("load env overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	resolvePasswordEnvs(&cfg)

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return &cfg, warnings, nil
}

// envKeyTransform maps SCHEDULER_LOADBALANCER_HOST -> loadbalancer.host.
func envKeyTransform(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
}

// resolvePasswordEnvs resolves *_env indirection fields: when set, the
// named environment variable's value overrides the plaintext field.
func resolvePasswordEnvs(cfg *Config) {
	if cfg.LoadBalancer.PasswordEnv != "" {
		if v, ok := os.LookupEnv(cfg.LoadBalancer.PasswordEnv); ok {
			cfg.LoadBalancer.Password = v
		}
	}
	for i := range cfg.Pools {
		mc := &cfg.Pools[i].Metrics
		if mc.MetricPasswordEnv != "" {
			if v, ok := os.LookupEnv(mc.MetricPasswordEnv); ok {
				mc.MetricPassword = v
			}
		}
	}
}
