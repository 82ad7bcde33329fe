package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/campaigns
  max_open_conns: 40

redis:
  addr: localhost:6379

ses:
  access_key: AKIATEST
  secret_key: secret
  region: eu-west-1
  timeout_seconds: 45

sender:
  from_name: Acme News
  from_email: news@acme.example
  reply_to: support@acme.example

site:
  base_url: https://mail.acme.example
  company_name: Acme
  company_address: 1 Acme Way

worker:
  num_workers: 4
  batch_size: 25

tracking:
  port: 9090

log_level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/campaigns", cfg.Database.URL)
	assert.Equal(t, 40, cfg.Database.MaxOpenConns)
	assert.Equal(t, 5, cfg.Database.MaxIdleConns) // default

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "eu-west-1", cfg.SES.Region)
	assert.Equal(t, 45*time.Second, cfg.SES.Timeout())

	assert.Equal(t, "Acme News", cfg.Sender.FromName)
	assert.True(t, cfg.Sender.Configured())
	assert.Equal(t, "https://mail.acme.example", cfg.Site.BaseURL)

	assert.Equal(t, 4, cfg.Worker.NumWorkers)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, 9090, cfg.Tracking.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://localhost/campaigns
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.NumWorkers)
	assert.Equal(t, 50, cfg.Worker.BatchSize)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollInterval())
	assert.Equal(t, 10, cfg.Worker.StaleClaimMinutes)
	assert.Equal(t, time.Minute, cfg.Scheduler.PollInterval())
	assert.Equal(t, "us-east-1", cfg.SES.Region)
	assert.Equal(t, 8081, cfg.Tracking.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.Sender.Configured())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "database: [not: valid")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file/db
sender:
  from_email: file@acme.example
`)

	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("SENDER_FROM_EMAIL", "env@acme.example")
	t.Setenv("AWS_SES_REGION", "us-west-2")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, "env@acme.example", cfg.Sender.FromEmail)
	assert.Equal(t, "us-west-2", cfg.SES.Region)
	assert.Equal(t, "debug", cfg.LogLevel)
}
