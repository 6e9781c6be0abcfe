package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
queue:
  base_url: https://queue.jobswipe.dev
  device_id: device-42
  poll_interval_ms: 5000
  page_size: 10
  max_retries: 4
  backoff_base_ms: 500
  backoff_multiplier: 3.0
  backoff_max_ms: 30000
automation:
  max_concurrent_jobs: 2
  max_retries: 5
  retry_delay_ms: 2500
  requests_per_minute: 20
  burst_limit: 4
  mode: interactive
  captcha_timeout_seconds: 90
pool:
  max_workers: 5
  worker_command: python3
  worker_args: ["-u"]
  script_dir: automations
  process_timeout_seconds: 120
  idle_timeout_seconds: 60
  reuse: false
storage:
  provider: memory
db:
  provider: postgres
  dsn: postgres://applyd:pw@localhost:5432/applyd
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("server port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Queue.BaseURL != "https://queue.jobswipe.dev" {
		t.Errorf("queue base url = %q", cfg.Queue.BaseURL)
	}
	if cfg.Queue.DeviceID != "device-42" {
		t.Errorf("device id = %q", cfg.Queue.DeviceID)
	}
	if got := cfg.PollInterval(); got != 5*time.Second {
		t.Errorf("poll interval = %v, want 5s", got)
	}
	if cfg.Automation.MaxConcurrentJobs != 2 {
		t.Errorf("max concurrent = %d, want 2", cfg.Automation.MaxConcurrentJobs)
	}
	if cfg.Automation.Mode != "interactive" {
		t.Errorf("mode = %q, want interactive", cfg.Automation.Mode)
	}
	if got := cfg.CaptchaGrace(); got != 90*time.Second {
		t.Errorf("captcha grace = %v, want 90s", got)
	}
	if cfg.Pool.MaxWorkers != 5 {
		t.Errorf("max workers = %d, want 5", cfg.Pool.MaxWorkers)
	}
	if got := cfg.ProcessTimeout(); got != 120*time.Second {
		t.Errorf("process timeout = %v, want 120s", got)
	}
	if cfg.Pool.Reuse {
		t.Error("expected pooling disabled")
	}
	if cfg.DB.DSN == "" {
		t.Error("expected DSN to be set")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
queue:
  base_url: https://queue.jobswipe.dev
  device_id: dev-1
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.PollInterval(); got != 10*time.Second {
		t.Errorf("default poll interval = %v, want 10s", got)
	}
	if cfg.Automation.RequestsPerMinute != 30 {
		t.Errorf("default rpm = %d, want 30", cfg.Automation.RequestsPerMinute)
	}
	if cfg.Automation.BurstLimit != 5 {
		t.Errorf("default burst = %d, want 5", cfg.Automation.BurstLimit)
	}
	if cfg.Automation.Mode != "adaptive" {
		t.Errorf("default mode = %q, want adaptive", cfg.Automation.Mode)
	}
	if !cfg.Pool.Reuse {
		t.Error("expected pooling enabled by default")
	}
}

func TestValidateFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"missing base url", func(c *Config) { c.Queue.BaseURL = "" }, "queue.base_url"},
		{"missing device id", func(c *Config) { c.Queue.DeviceID = "" }, "queue.device_id"},
		{"bad mode", func(c *Config) { c.Automation.Mode = "turbo" }, "automation.mode"},
		{"zero workers", func(c *Config) { c.Pool.MaxWorkers = 0 }, "pool.max_workers"},
		{"postgres without dsn", func(c *Config) { c.DB.Provider = "postgres"; c.DB.DSN = "" }, "db.dsn"},
		{"gcs without bucket", func(c *Config) { c.Storage.Provider = "gcs" }, "storage.gcs_bucket"},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("error %q does not mention %q", err, tc.wantSub)
			}
		})
	}
}

func validConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Queue: QueueConfig{
			BaseURL:  "https://queue.jobswipe.dev",
			DeviceID: "dev-1",
		},
		Automation: AutomationConfig{
			MaxConcurrentJobs: 3,
			Mode:              "adaptive",
		},
		Pool: PoolConfig{
			MaxWorkers:    3,
			WorkerCommand: "node",
		},
	}
}
