// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// EnvPrefix prefixes every environment override, e.g. SCHEDULER_SERVER_PORT.
const EnvPrefix = "SCHEDULER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig                `mapstructure:"server"`
	Auth         AuthConfig                  `mapstructure:"auth"`
	Queue        QueueConfig                 `mapstructure:"queue"`
	HTTP         HTTPConfig                  `mapstructure:"http"`
	Headless     HeadlessConfig              `mapstructure:"headless"`
	RateLimit    RateLimitConfig             `mapstructure:"rate_limit"`
	Storage      StorageConfig               `mapstructure:"storage"`
	Database     DatabaseConfig              `mapstructure:"database"`
	PubSub       PubSubConfig                `mapstructure:"pubsub"`
	Progress     ProgressConfig              `mapstructure:"progress"`
	Logging      LoggingConfig               `mapstructure:"logging"`
	Telemetry    TelemetryConfig             `mapstructure:"telemetry"`
	StandardJobs map[string]scrape.JobConfig `mapstructure:"standard_jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs the queue controller and its tick.
type QueueConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BatchDelay        time.Duration `mapstructure:"batch_delay"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	TickSpec          string        `mapstructure:"tick_spec"`
	StartPaused       bool          `mapstructure:"start_paused"`
}

// HTTPConfig configures the probe fetcher.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	IgnoreRobots   bool   `mapstructure:"ignore_robots"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
	MaxRawBytes    int    `mapstructure:"max_raw_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	MaxParallel       int    `mapstructure:"max_parallel"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
	SettleMillis      int    `mapstructure:"settle_ms"`
	WaitSelector      string `mapstructure:"wait_selector"`
	BodyThreshold     int    `mapstructure:"body_threshold"`
	MinTextLength     int    `mapstructure:"min_text_length"`
}

// RateLimitConfig configures per-domain token buckets.
type RateLimitConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	Domains      map[string]float64 `mapstructure:"domains"`
}

// Storage backends.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig selects where completed results are archived.
type StorageConfig struct {
	Backend      string `mapstructure:"backend"`
	Dir          string `mapstructure:"dir"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	VerifyBucket bool   `mapstructure:"verify_bucket"`
}

// DatabaseConfig controls the optional run history database. An empty DSN
// disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// Publisher backends.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// PubSubConfig selects where completion messages are published.
type PubSubConfig struct {
	Backend     string `mapstructure:"backend"`
	ProjectID   string `mapstructure:"project_id"`
	Topic       string `mapstructure:"topic"`
	VerifyTopic bool   `mapstructure:"verify_topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	for name, job := range cfg.StandardJobs {
		job.MaxRetriesProvided = v.IsSet("standard_jobs." + name + ".max_retries")
		cfg.StandardJobs[name] = job
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("queue.max_concurrent", 2)
	v.SetDefault("queue.retry_delay", "5s")
	v.SetDefault("queue.batch_delay", "2s")
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.tick_spec", "@every 15s")
	v.SetDefault("queue.start_paused", false)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "scrape-scheduler/0.1")
	v.SetDefault("http.ignore_robots", false)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.max_raw_bytes", 256<<10)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("headless.body_threshold", 2048)
	v.SetDefault("headless.min_text_length", 200)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("database.table", "job_runs")
	v.SetDefault("database.migrate", true)
	v.SetDefault("pubsub.backend", PublisherNone)
	v.SetDefault("pubsub.topic", "scrape-completions")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.MaxConcurrent <= 0 {
		return fmt.Errorf("queue.max_concurrent must be > 0")
	}
	if c.Queue.RetryDelay < 0 || c.Queue.BatchDelay < 0 {
		return fmt.Errorf("queue.retry_delay and queue.batch_delay must be >= 0")
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return fmt.Errorf("queue.default_max_retries must be >= 0")
	}
	if strings.TrimSpace(c.Queue.TickSpec) == "" {
		return fmt.Errorf("queue.tick_spec is required")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("rate_limit.default_rps must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return fmt.Errorf("storage.dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	switch c.PubSub.Backend {
	case PublisherNone, PublisherMemory:
	case PublisherPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("pubsub.backend %q is not one of none, memory, pubsub", c.PubSub.Backend)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	for name, job := range c.StandardJobs {
		if err := job.Validate(); err != nil {
			return fmt.Errorf("standard_jobs.%s: %w", name, err)
		}
	}
	return nil
}

// HTTPTimeout returns the probe fetch timeout.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// StandardJob returns a copy of the named template.
func (c Config) StandardJob(name string) (scrape.JobConfig, bool) {
	job, ok := c.StandardJobs[strings.ToLower(name)]
	if !ok {
		return scrape.JobConfig{}, false
	}
	return job.Clone(), true
}
