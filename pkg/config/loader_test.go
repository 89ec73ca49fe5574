package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderDefaultsOnly(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(filepath.Join(dir, "missing.yaml"))

	cfg, _, err := l.Load()
	require.Error(t, err) // no loadbalancer.host, no pools configured
	require.Nil(t, cfg)
}

func TestLoaderFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler-config.yaml")
	yamlBody := `
global:
  interval: 30
loadbalancer:
  host: lb.internal
scheduler:
  pool_fetch_interval_s: 5
  metrics_fetch_interval_ms: 500
pools:
  - name: pool-a
    partition: Common
    engine_type: vllm
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	l := NewLoader(path)
	cfg, warnings, err := l.Load()
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 30, cfg.Global.IntervalSeconds)
	assert.Equal(t, "lb.internal", cfg.LoadBalancer.Host)
	assert.Equal(t, 5, cfg.Scheduler.PoolFetchIntervalSeconds)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, "pool-a", cfg.Pools[0].Name)
}

func TestLoaderEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler-config.yaml")
	yamlBody := `
loadbalancer:
  host: lb.internal
pools:
  - name: pool-a
    partition: Common
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	t.Setenv("SCHEDULER_LOADBALANCER_HOST", "lb.override")
	t.Setenv("SCHEDULER_GLOBAL_INTERVAL", "99")

	l := NewLoader(path)
	cfg, _, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "lb.override", cfg.LoadBalancer.Host)
	assert.Equal(t, 99, cfg.Global.IntervalSeconds)
}

func TestLoaderPasswordEnvResolution(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler-config.yaml")
	yamlBody := `
loadbalancer:
  host: lb.internal
  password_env: LB_PASSWORD
pools:
  - name: pool-a
    partition: Common
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))
	t.Setenv("LB_PASSWORD", "s3cret")

	l := NewLoader(path)
	cfg, _, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.LoadBalancer.Password)
}

func TestNewLoaderResolvesConfigPathEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	t.Setenv("CONFIG_PATH", path)

	l := NewLoader("")
	assert.Equal(t, path, l.Path())
}
