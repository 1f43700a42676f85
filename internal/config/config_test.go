package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, "iot/data", cfg.MQTTReadingsTopic)
	assert.Equal(t, BackendPostgres, cfg.ValueBackend)
	assert.Equal(t, LockLocal, cfg.RuleLockMode)
	assert.Equal(t, 2*time.Second, cfg.ResolverTimeout)
	assert.Equal(t, time.Hour, cfg.LatestValueTTL)
	assert.Equal(t, "@every 30s", cfg.RuleRefreshSpec)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("RESOLVER_TIMEOUT", "250ms")
	t.Setenv("RULE_LOCK_MODE", "redis")
	t.Setenv("WORKER_CONCURRENCY", "12")

	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.ResolverTimeout)
	assert.Equal(t, LockRedis, cfg.RuleLockMode)
	assert.Equal(t, 12, cfg.WorkerConcurrency)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("VALUE_BACKEND", "cassandra")
	_, err := load(viper.New())
	assert.Error(t, err)
}

func TestValidate_InfluxNeedsURL(t *testing.T) {
	t.Setenv("VALUE_BACKEND", "influx")
	_, err := load(viper.New())
	assert.ErrorContains(t, err, "INFLUX_URL")

	t.Setenv("INFLUX_URL", "http://localhost:8086")
	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, BackendInflux, cfg.ValueBackend)
}

func TestValidate_RuleLockTTLCoversResolver(t *testing.T) {
	t.Setenv("RULE_LOCK_MODE", "redis")
	t.Setenv("RULE_LOCK_TTL", "2s")
	_, err := load(viper.New())
	assert.ErrorContains(t, err, "RULE_LOCK_TTL")

	t.Setenv("RULE_LOCK_TTL", "10s")
	cfg, err := load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 8*time.Second, cfg.RuleLockLease())

	t.Setenv("RULE_LOCK_MODE", "local")
	t.Setenv("RULE_LOCK_TTL", "1s")
	_, err = load(viper.New())
	assert.NoError(t, err)
}
