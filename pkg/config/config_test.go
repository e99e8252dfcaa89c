package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jsndz/ackbus/pkg/deadletter"
	"github.com/jsndz/ackbus/pkg/surface"
	"github.com/jsndz/ackbus/pkg/types"
)

const sample = `
service: ackbus-test
envs: [dev, uat]
redis:
  addr: redis:6379
  dbMapping:
    uat: 2
stream:
  batchSize: 5
  block: 2s
  claimTimeout: 30s
scheduler:
  tickInterval: 1s
  initialDelay: 10s
  maxReminders: 4
  backoff:
    policy: exponential
    interval: 10s
    maxInterval: 5m
surface:
  provider: slack
  slack:
    token: from-file
    channels:
      dev: C1
      uat: C2
deadLetter:
  provider: kafka
  kafka:
    brokers: [kafka:9092]
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "ackbus-test", cfg.Service)
	assert.Equal(t, []types.Env{types.EnvDev, types.EnvUAT}, cfg.Envs)
	assert.Equal(t, 2*time.Second, cfg.Stream.Block)
	assert.Equal(t, 30*time.Second, cfg.Stream.ClaimTimeout)
	assert.Equal(t, 4, cfg.Scheduler.MaxReminders)
	assert.Equal(t, "exponential", cfg.Scheduler.Backoff.Policy)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.Backoff.MaxInterval)
	assert.Equal(t, "ackbus.deadletter", cfg.DeadLetter.Kafka.Topic)
	assert.Equal(t, "ackbus-redrive", cfg.DeadLetter.Kafka.GroupID)
	assert.Equal(t, "C2", cfg.Surface.Slack.Channels["uat"])

	assert.Equal(t, 2, cfg.RedisOptions(types.EnvUAT).DB)
	assert.Equal(t, 0, cfg.RedisOptions(types.EnvDev).DB)
	assert.True(t, cfg.HasEnv(types.EnvUAT))
	assert.False(t, cfg.HasEnv(types.EnvProd))
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, types.AllEnvs, cfg.Envs)
	assert.Equal(t, "log", cfg.Surface.Provider)
	assert.Equal(t, "redis", cfg.DeadLetter.Provider)
	assert.Equal(t, int64(10), cfg.Stream.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Stream.Block)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.InitialDelay)
	assert.Equal(t, 3, cfg.Scheduler.MaxReminders)
	assert.Equal(t, "fixed", cfg.Scheduler.Backoff.Policy)
	assert.Equal(t, ":3000", cfg.API.Addr)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("API_TOKEN", "tok")
	t.Setenv("REDIS_PASSWORD", "pw")
	t.Setenv("KAFKA_BROKER", "broker:9093")

	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, "xoxb-env", cfg.Surface.Slack.Token)
	assert.Equal(t, "tok", cfg.API.Token)
	assert.Equal(t, "pw", cfg.Redis.Password)
	assert.Equal(t, []string{"broker:9093"}, cfg.DeadLetter.Kafka.Brokers)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown env":        "envs: [staging]",
		"unknown db mapping": "redis: {dbMapping: {qa: 1}}",
		"unknown backoff":    "scheduler: {backoff: {policy: linear}}",
		"cap below interval": "scheduler: {backoff: {policy: exponential, interval: 1m, maxInterval: 10s}}",
		"slack without cfg":  "surface: {provider: slack}",
		"line without cfg":   "surface: {provider: line}",
		"unknown surface":    "surface: {provider: pager}",
		"kafka no brokers":   "deadLetter: {provider: kafka}",
		"unknown dlq":        "deadLetter: {provider: s3}",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "ackbus-test", cfg.Service)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildSurface(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)
	s, err := BuildSurface(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &surface.LogSurface{}, s)

	cfg, err = Parse([]byte(sample))
	require.NoError(t, err)
	s, err = BuildSurface(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "slack", s.Name())

	cfg, err = Parse([]byte("surface: {provider: line, line: {token: t, targets: {dev: Cdev}}}"))
	require.NoError(t, err)
	s, err = BuildSurface(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "line", s.Name())
	_, canResolve := s.(surface.Resolver)
	assert.True(t, canResolve)
}

func TestBuildDeadLetter(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)
	sink, err := BuildDeadLetter(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &deadletter.RedisSink{}, sink)

	cfg, err = Parse([]byte(sample))
	require.NoError(t, err)
	sink, err = BuildDeadLetter(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "kafka", sink.Name())
	assert.NoError(t, sink.Close())
}
