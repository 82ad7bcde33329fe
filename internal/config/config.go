package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the send orchestration service.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SES       SESConfig       `yaml:"ses"`
	Sender    SenderConfig    `yaml:"sender"`
	Site      SiteConfig      `yaml:"site"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	LogLevel  string          `yaml:"log_level"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for distributed locking.
// Redis is optional; with no address configured the service falls back
// to PostgreSQL advisory locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds AWS SES API configuration.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SenderConfig is the outbound identity. A campaign run without a
// configured sender fails per-recipient rather than silently sending
// from an empty address.
type SenderConfig struct {
	FromName  string `yaml:"from_name"`
	FromEmail string `yaml:"from_email"`
	ReplyTo   string `yaml:"reply_to"`
}

// Configured reports whether the sender identity is usable.
func (c SenderConfig) Configured() bool { return c.FromEmail != "" }

// SiteConfig holds company settings exposed as merge tags plus the base
// URL for unsubscribe links and tracking pixels.
type SiteConfig struct {
	BaseURL        string `yaml:"base_url"`
	CompanyName    string `yaml:"company_name"`
	CompanyAddress string `yaml:"company_address"`
}

// WorkerConfig tunes the send worker pool.
type WorkerConfig struct {
	NumWorkers          int `yaml:"num_workers"`
	BatchSize           int `yaml:"batch_size"`
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	MaxAttempts         int `yaml:"max_attempts"`
	StaleClaimMinutes   int `yaml:"stale_claim_minutes"`
	RecoveryIntervalSec int `yaml:"recovery_interval_sec"`
}

// PollInterval returns the queue poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// SchedulerConfig tunes the scheduled-campaign poller.
type SchedulerConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// PollInterval returns the scheduler poll interval as a duration.
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// TrackingConfig holds the tracking HTTP service settings.
type TrackingConfig struct {
	Port int `yaml:"port"`
}

// Load reads and parses the configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.Site.CompanyName == "" {
		cfg.Site.CompanyName = "Your Company"
	}
	if cfg.Worker.NumWorkers == 0 {
		cfg.Worker.NumWorkers = 8
	}
	if cfg.Worker.BatchSize == 0 {
		cfg.Worker.BatchSize = 50
	}
	if cfg.Worker.PollIntervalMS == 0 {
		cfg.Worker.PollIntervalMS = 500
	}
	if cfg.Worker.MaxAttempts == 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Worker.StaleClaimMinutes == 0 {
		cfg.Worker.StaleClaimMinutes = 10
	}
	if cfg.Worker.RecoveryIntervalSec == 0 {
		cfg.Worker.RecoveryIntervalSec = 120
	}
	if cfg.Scheduler.PollIntervalSec == 0 {
		cfg.Scheduler.PollIntervalSec = 60
	}
	if cfg.Tracking.Port == 0 {
		cfg.Tracking.Port = 8081
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets
// can live in .env locally and in real env vars on the host.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SENDER_FROM_EMAIL"); v != "" {
		cfg.Sender.FromEmail = v
	}
	if v := os.Getenv("SENDER_FROM_NAME"); v != "" {
		cfg.Sender.FromName = v
	}
	if v := os.Getenv("SITE_BASE_URL"); v != "" {
		cfg.Site.BaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
