// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jobswipe/applyd/internal/autoapply"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Automation AutomationConfig `mapstructure:"automation"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs the remote queue client and the poller.
type QueueConfig struct {
	BaseURL              string  `mapstructure:"base_url"`
	APIKey               string  `mapstructure:"api_key"`
	DeviceID             string  `mapstructure:"device_id"`
	PollIntervalMs       int     `mapstructure:"poll_interval_ms"`
	PageSize             int     `mapstructure:"page_size"`
	MaxRetries           int     `mapstructure:"max_retries"`
	BackoffBaseMs        int     `mapstructure:"backoff_base_ms"`
	BackoffMultiplier    float64 `mapstructure:"backoff_multiplier"`
	BackoffMaxMs         int     `mapstructure:"backoff_max_ms"`
	RequestTimeoutSec    int     `mapstructure:"request_timeout_seconds"`
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"`
	AvgProcessingSeconds int     `mapstructure:"avg_processing_seconds"`
}

// AutomationConfig governs the orchestration pipeline.
type AutomationConfig struct {
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs"`
	MaxRetries        int    `mapstructure:"max_retries"`
	RetryDelayMs      int    `mapstructure:"retry_delay_ms"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	BurstLimit        int    `mapstructure:"burst_limit"`
	Mode              string `mapstructure:"mode"`
	CaptchaTimeoutSec int    `mapstructure:"captcha_timeout_seconds"`
}

// PoolConfig governs the worker process pool.
type PoolConfig struct {
	MaxWorkers          int      `mapstructure:"max_workers"`
	WorkerCommand       string   `mapstructure:"worker_command"`
	WorkerArgs          []string `mapstructure:"worker_args"`
	ScriptDir           string   `mapstructure:"script_dir"`
	ProcessTimeoutSec   int      `mapstructure:"process_timeout_seconds"`
	IdleTimeoutSec      int      `mapstructure:"idle_timeout_seconds"`
	ReadinessTimeoutSec int      `mapstructure:"readiness_timeout_seconds"`
	AcquireTimeoutSec   int      `mapstructure:"acquire_timeout_seconds"`
	CleanupIntervalSec  int      `mapstructure:"cleanup_interval_seconds"`
	Reuse               bool     `mapstructure:"reuse"`
}

// StorageConfig selects the screenshot artifact store.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig selects the automation log store.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("APPLYD")
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
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("queue.poll_interval_ms", 10000)
	v.SetDefault("queue.page_size", 20)
	v.SetDefault("queue.max_retries", 5)
	v.SetDefault("queue.backoff_base_ms", 1000)
	v.SetDefault("queue.backoff_multiplier", 2.0)
	v.SetDefault("queue.backoff_max_ms", 60000)
	v.SetDefault("queue.request_timeout_seconds", 15)
	v.SetDefault("queue.requests_per_second", 5.0)
	v.SetDefault("queue.avg_processing_seconds", 120)
	v.SetDefault("automation.max_concurrent_jobs", 3)
	v.SetDefault("automation.max_retries", 3)
	v.SetDefault("automation.retry_delay_ms", 5000)
	v.SetDefault("automation.requests_per_minute", 30)
	v.SetDefault("automation.burst_limit", 5)
	v.SetDefault("automation.mode", string(autoapply.ModeAdaptive))
	v.SetDefault("automation.captcha_timeout_seconds", 120)
	v.SetDefault("pool.max_workers", 3)
	v.SetDefault("pool.worker_command", "node")
	v.SetDefault("pool.script_dir", "scripts")
	v.SetDefault("pool.process_timeout_seconds", 300)
	v.SetDefault("pool.idle_timeout_seconds", 300)
	v.SetDefault("pool.readiness_timeout_seconds", 10)
	v.SetDefault("pool.acquire_timeout_seconds", 60)
	v.SetDefault("pool.cleanup_interval_seconds", 60)
	v.SetDefault("pool.reuse", true)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "artifacts")
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("storage.content_type", "image/png")
	v.SetDefault("db.provider", "memory")
	v.SetDefault("pubsub.provider", "noop")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.BaseURL == "" {
		return fmt.Errorf("queue.base_url is required")
	}
	if c.Queue.DeviceID == "" {
		return fmt.Errorf("queue.device_id is required")
	}
	if c.Automation.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("automation.max_concurrent_jobs must be > 0")
	}
	switch autoapply.ProcessingMode(c.Automation.Mode) {
	case autoapply.ModeHeadless, autoapply.ModeInteractive, autoapply.ModeAdaptive:
	default:
		return fmt.Errorf("automation.mode must be one of headless, interactive, adaptive")
	}
	if c.Pool.MaxWorkers <= 0 {
		return fmt.Errorf("pool.max_workers must be > 0")
	}
	if c.Pool.WorkerCommand == "" {
		return fmt.Errorf("pool.worker_command is required")
	}
	if c.DB.Provider == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required when db.provider is postgres")
	}
	if c.Storage.Provider == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket is required when storage.provider is gcs")
	}
	if c.PubSub.Provider == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub.provider is pubsub")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// PollInterval converts the poll interval knob into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMs) * time.Millisecond
}

// ProcessTimeout converts the pool process timeout into a duration.
func (c Config) ProcessTimeout() time.Duration {
	return time.Duration(c.Pool.ProcessTimeoutSec) * time.Second
}

// CaptchaGrace converts the captcha timeout extension into a duration.
func (c Config) CaptchaGrace() time.Duration {
	return time.Duration(c.Automation.CaptchaTimeoutSec) * time.Second
}
