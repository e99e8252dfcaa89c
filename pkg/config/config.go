package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jsndz/ackbus/pkg/deadletter"
	"github.com/jsndz/ackbus/pkg/kafka"
	"github.com/jsndz/ackbus/pkg/surface"
	"github.com/jsndz/ackbus/pkg/types"
	"github.com/jsndz/ackbus/pkg/utils"
)

type Config struct {
	Service    string           `yaml:"service"`
	Envs       []types.Env      `yaml:"envs"`
	Redis      RedisConfig      `yaml:"redis"`
	Stream     StreamConfig     `yaml:"stream"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Surface    SurfaceConfig    `yaml:"surface"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	API        APIConfig        `yaml:"api"`
	Audit      AuditConfig      `yaml:"audit"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// DBMapping gives an environment its own logical database.
	DBMapping map[types.Env]int `yaml:"dbMapping,omitempty"`
}

type StreamConfig struct {
	Consumer     string        `yaml:"consumer"`
	BatchSize    int64         `yaml:"batchSize"`
	Block        time.Duration `yaml:"block"`
	ClaimTimeout time.Duration `yaml:"claimTimeout"`
}

type BackoffConfig struct {
	Policy      string        `yaml:"policy"`
	Interval    time.Duration `yaml:"interval"`
	MaxInterval time.Duration `yaml:"maxInterval"`
}

type SchedulerConfig struct {
	TickInterval      time.Duration `yaml:"tickInterval"`
	InitialDelay      time.Duration `yaml:"initialDelay"`
	MaxReminders      int           `yaml:"maxReminders"`
	BatchSize         int64         `yaml:"batchSize"`
	// LeaseTTL bounds how long one scheduler may hold a notification while
	// sending its reminder.
	LeaseTTL          time.Duration `yaml:"leaseTTL"`
	Backoff           BackoffConfig `yaml:"backoff"`
	ReminderTemplate  string        `yaml:"reminderTemplate"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
	ReconcileRepair   bool          `yaml:"reconcileRepair"`
}

type SurfaceConfig struct {
	Provider string                `yaml:"provider"`
	Slack    *surface.SlackSurface `yaml:"slack,omitempty"`
	Line     *surface.LineSurface  `yaml:"line,omitempty"`
}

type KafkaDeadLetterConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	// GroupID is the consumer group used to redrive letters.
	GroupID string `yaml:"groupId"`
	TLS     bool   `yaml:"tls"`
	CertDir string `yaml:"certDir"`
}

type RedisDeadLetterConfig struct {
	MaxLen int64 `yaml:"maxLen"`
}

type DeadLetterConfig struct {
	Provider string                 `yaml:"provider"`
	Kafka    *KafkaDeadLetterConfig `yaml:"kafka,omitempty"`
	Redis    *RedisDeadLetterConfig `yaml:"redis,omitempty"`
}

type APIConfig struct {
	Addr          string  `yaml:"addr"`
	Token         string  `yaml:"token"`
	SigningSecret string  `yaml:"signingSecret"`
	SlackSecret   string  `yaml:"slackSigningSecret"`
	RateLimit     float64 `yaml:"rateLimit"`
	Burst         int     `yaml:"burst"`
}

type AuditConfig struct {
	DSN string `yaml:"dsn"`
}

type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies environment overrides for secrets and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := utils.GetEnv(key); v != "" {
			*dst = v
		}
	}
	override(&c.Redis.Addr, "REDIS_ADDR")
	override(&c.Redis.Password, "REDIS_PASSWORD")
	override(&c.API.Token, "API_TOKEN")
	override(&c.API.SigningSecret, "API_SIGNING_SECRET")
	override(&c.API.SlackSecret, "SLACK_SIGNING_SECRET")
	override(&c.Audit.DSN, "AUDIT_DB")
	override(&c.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	override(&c.Stream.Consumer, "CONSUMER_NAME")
	override(&c.Metrics.Addr, "METRICS_ADDR")
	if c.Surface.Slack != nil {
		override(&c.Surface.Slack.Token, "SLACK_BOT_TOKEN")
	}
	if c.Surface.Line != nil {
		override(&c.Surface.Line.Token, "LINE_CHANNEL_ACCESS_TOKEN")
	}
	if c.DeadLetter.Kafka != nil {
		if v := utils.GetEnv("KAFKA_BROKER"); v != "" {
			c.DeadLetter.Kafka.Brokers = []string{v}
		}
	}
	if v := utils.GetEnv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
}

// Validate fills defaults and rejects settings the services cannot run with.
func (c *Config) Validate() error {
	if c.Service == "" {
		c.Service = "ackbus"
	}
	if len(c.Envs) == 0 {
		c.Envs = append([]types.Env(nil), types.AllEnvs...)
	}
	for i, env := range c.Envs {
		parsed, err := types.ParseEnv(string(env))
		if err != nil {
			return err
		}
		c.Envs[i] = parsed
	}
	for env := range c.Redis.DBMapping {
		if _, err := types.ParseEnv(string(env)); err != nil {
			return fmt.Errorf("redis dbMapping: %w", err)
		}
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.Stream.BatchSize <= 0 {
		c.Stream.BatchSize = 10
	}
	if c.Stream.Block <= 0 {
		c.Stream.Block = 5 * time.Second
	}
	if c.Stream.ClaimTimeout <= 0 {
		c.Stream.ClaimTimeout = time.Minute
	}

	s := &c.Scheduler
	if s.TickInterval <= 0 {
		s.TickInterval = 10 * time.Second
	}
	if s.InitialDelay <= 0 {
		s.InitialDelay = 10 * time.Second
	}
	if s.MaxReminders <= 0 {
		s.MaxReminders = 3
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 100
	}
	if s.LeaseTTL <= 0 {
		s.LeaseTTL = 30 * time.Second
	}
	if s.Backoff.Policy == "" {
		s.Backoff.Policy = "fixed"
	}
	if s.Backoff.Interval <= 0 {
		s.Backoff.Interval = 10 * time.Second
	}
	switch s.Backoff.Policy {
	case "fixed":
	case "exponential":
		if s.Backoff.MaxInterval <= 0 {
			s.Backoff.MaxInterval = time.Hour
		}
		if s.Backoff.MaxInterval < s.Backoff.Interval {
			return fmt.Errorf("backoff maxInterval %s is below interval %s", s.Backoff.MaxInterval, s.Backoff.Interval)
		}
	default:
		return fmt.Errorf("unsupported backoff policy: %s", s.Backoff.Policy)
	}
	if s.ReconcileInterval < 0 {
		return fmt.Errorf("reconcileInterval must not be negative")
	}

	switch c.Surface.Provider {
	case "":
		c.Surface.Provider = "log"
	case "log":
	case "slack":
		if c.Surface.Slack == nil {
			return fmt.Errorf("missing slack config for surface provider")
		}
	case "line":
		if c.Surface.Line == nil {
			return fmt.Errorf("missing line config for surface provider")
		}
	default:
		return fmt.Errorf("unsupported surface provider: %s", c.Surface.Provider)
	}

	switch c.DeadLetter.Provider {
	case "":
		c.DeadLetter.Provider = "redis"
	case "redis":
	case "kafka":
		if c.DeadLetter.Kafka == nil || len(c.DeadLetter.Kafka.Brokers) == 0 {
			return fmt.Errorf("missing kafka brokers for dead letter provider")
		}
		if c.DeadLetter.Kafka.Topic == "" {
			c.DeadLetter.Kafka.Topic = "ackbus.deadletter"
		}
		if c.DeadLetter.Kafka.GroupID == "" {
			c.DeadLetter.Kafka.GroupID = "ackbus-redrive"
		}
		if c.DeadLetter.Kafka.TLS && c.DeadLetter.Kafka.CertDir == "" {
			c.DeadLetter.Kafka.CertDir = os.TempDir()
		}
	default:
		return fmt.Errorf("unsupported dead letter provider: %s", c.DeadLetter.Provider)
	}

	if c.API.Addr == "" {
		c.API.Addr = ":3000"
	}
	if c.API.RateLimit <= 0 {
		c.API.RateLimit = 10
	}
	if c.API.Burst <= 0 {
		c.API.Burst = 20
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":3001"
	}
	return nil
}

func (c *Config) HasEnv(env types.Env) bool {
	for _, e := range c.Envs {
		if e == env {
			return true
		}
	}
	return false
}

// RedisOptions returns the connection options of one environment.
func (c *Config) RedisOptions(env types.Env) *redis.Options {
	db := c.Redis.DB
	if n, ok := c.Redis.DBMapping[env]; ok {
		db = n
	}
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       db,
	}
}

func BuildSurface(cfg *Config, logr *zap.Logger) (surface.Surface, error) {
	switch cfg.Surface.Provider {
	case "log":
		return surface.NewLogSurface(logr), nil
	case "slack":
		if cfg.Surface.Slack == nil {
			return nil, fmt.Errorf("missing slack config for surface provider")
		}
		return surface.NewSlackSurface(*cfg.Surface.Slack, logr)
	case "line":
		if cfg.Surface.Line == nil {
			return nil, fmt.Errorf("missing line config for surface provider")
		}
		return surface.NewLineSurface(*cfg.Surface.Line, logr)
	default:
		return nil, fmt.Errorf("unsupported surface provider: %s", cfg.Surface.Provider)
	}
}

func BuildDeadLetter(cfg *Config, clients map[types.Env]*redis.Client) (deadletter.Sink, error) {
	switch cfg.DeadLetter.Provider {
	case "redis":
		var maxLen int64
		if cfg.DeadLetter.Redis != nil {
			maxLen = cfg.DeadLetter.Redis.MaxLen
		}
		return deadletter.NewRedisSink(clients, maxLen), nil
	case "kafka":
		k := cfg.DeadLetter.Kafka
		if k == nil {
			return nil, fmt.Errorf("missing kafka config for dead letter provider")
		}
		if k.TLS {
			p, err := kafka.NewTLSProducer(k.Brokers, k.CertDir)
			if err != nil {
				return nil, err
			}
			sub, err := kafka.NewTLSConsumer(k.Topic, k.Brokers, k.GroupID, k.CertDir)
			if err != nil {
				_ = p.Close()
				return nil, err
			}
			return deadletter.NewKafkaSink(p, k.Topic).WithSubscriber(sub, 0), nil
		}
		sub := kafka.NewConsumer(k.Topic, k.Brokers, k.GroupID)
		return deadletter.NewKafkaSink(kafka.NewProducer(k.Brokers), k.Topic).WithSubscriber(sub, 0), nil
	default:
		return nil, fmt.Errorf("unsupported dead letter provider: %s", cfg.DeadLetter.Provider)
	}
}
