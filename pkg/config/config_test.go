package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyFillsDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "development", c.Environment)
	assert.Equal(t, 8080, c.Server.Port)
	assert.True(t, c.Server.CORS)
	assert.Equal(t, "info", c.Logger.Level)
	assert.True(t, c.Engine.AutoPropose)
	assert.Equal(t, 3, c.Lifecycle.MinObservations)
	assert.Equal(t, time.Minute, c.Optimizer.Interval)
	assert.Equal(t, "memory", c.Events.Store)
	assert.Equal(t, "dryrun", c.Executor.Mode)
	assert.Equal(t, 3, c.Executor.Retry.Attempts)
	assert.Equal(t, -1, c.Kafka.RequiredAcks)
	assert.Empty(t, c.Detection.Rules)
}

func TestParseOverridesAndRuleDefaults(t *testing.T) {
	c, err := Parse([]byte(`
environment: production
server:
  port: 9090
  cors: false
optimizer:
  interval: 30s
  scorer: sharpe
detection:
  rules:
    - name: breakout
    - name: price_above_ma
      enabled: false
      min_ratio: 1.1
`))
	require.NoError(t, err)

	assert.Equal(t, 9090, c.Server.Port)
	assert.False(t, c.Server.CORS)
	assert.Equal(t, 30*time.Second, c.Optimizer.Interval)
	assert.Equal(t, "sharpe", c.Optimizer.Scorer)

	require.Len(t, c.Detection.Rules, 2)
	assert.True(t, c.Detection.Rules[0].Enabled)
	assert.Equal(t, 20, c.Detection.Rules[0].Lookback)
	assert.False(t, c.Detection.Rules[1].Enabled)
	assert.Equal(t, 1.1, c.Detection.Rules[1].MinRatio)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown field":      "bogus: 1",
		"bad scorer":         "optimizer:\n  scorer: median",
		"bad rule":           "detection:\n  rules:\n    - name: moon",
		"kafka w/o brokers":  "kafka:\n  enabled: true\n  brokers: []",
		"consumer w/o kafka": "kafka:\n  consumer:\n    enabled: true",
		"http executor":      "executor:\n  mode: http",
		"feed w/o url":       "ingest:\n  feed:\n    enabled: true",
		"steps":              "optimizer:\n  initial_step: 0.001\n  min_step: 0.01",
		"breakout window":    "detection:\n  history_depth: 20\n  rules:\n    - name: breakout\n      lookback: 20",
		"breakout default":   "detection:\n  history_depth: 10\n  rules:\n    - name: breakout\n      lookback: 0",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestParseExpandsEnvReferences(t *testing.T) {
	t.Setenv("TEST_CH_PASSWORD", "s3cret")
	c, err := Parse([]byte("clickhouse:\n  password: ${TEST_CH_PASSWORD}\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", c.ClickHouse.Password)
}

func TestApplyEnv(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)

	env := map[string]string{
		"HTTP_PORT":     "9999",
		"KAFKA_BROKERS": "a:9092, b:9092,",
		"EXECUTOR_MODE": "http",
		"EXECUTOR_URL":  "http://exec.local",
		"LOG_LEVEL":     "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	require.NoError(t, c.applyEnv(lookup))

	assert.Equal(t, 9999, c.Server.Port)
	assert.Equal(t, []string{"a:9092", "b:9092"}, c.Kafka.Brokers)
	assert.Equal(t, "http", c.Executor.Mode)
	assert.Equal(t, "info", c.Logger.Level)
	require.NoError(t, c.Validate())

	env["HTTP_PORT"] = "eighty"
	assert.Error(t, c.applyEnv(lookup))
}

func TestLoadSampleConfig(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)
	assert.Len(t, c.Detection.Rules, 3)
	assert.Equal(t, "sqlite", c.Events.Store)
}

func TestLoadWithEnvReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("environment: test\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("EVENTS_STORE_TEST_MARKER=1\n"), 0o600))
	t.Chdir(dir)
	t.Setenv("EVENTS_STORE", "sqlite")

	c, err := LoadWithEnv("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "test", c.Environment)
	assert.Equal(t, "sqlite", c.Events.Store)
	assert.Equal(t, "1", os.Getenv("EVENTS_STORE_TEST_MARKER"))
	_ = os.Unsetenv("EVENTS_STORE_TEST_MARKER")
}

func TestParseBreakoutFitsHistoryDepth(t *testing.T) {
	c, err := Parse([]byte("detection:\n  history_depth: 21\n  rules:\n    - name: breakout\n      lookback: 20\n"))
	require.NoError(t, err)
	assert.Equal(t, 21, c.Detection.HistoryDepth)

	_, err = Parse([]byte("detection:\n  history_depth: 5\n  rules:\n    - name: breakout\n      lookback: 30\n      enabled: false\n"))
	require.NoError(t, err, "a disabled rule never reads history")
}
