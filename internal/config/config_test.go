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
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"

database:
  url: "postgres://localhost/dispatch?sslmode=disable"

dispatch:
  fallback_from_address: "noreply@example.com"
  unhealthy_after_failures: 4

queue:
  workers: 8
  max_retries: 5
  backoff_base_seconds: 10
  backoff_max_seconds: 600

claim:
  backend: "redis"
  lock_ttl_seconds: 60

redis:
  addr: "localhost:6379"

kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "noreply@example.com", cfg.Dispatch.FallbackFromAddress)
	assert.Equal(t, 4, cfg.Dispatch.UnhealthyAfterFailures)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Queue.BackoffBase())
	assert.Equal(t, 10*time.Minute, cfg.Queue.BackoffMax())
	assert.Equal(t, "redis", cfg.Claim.Backend)
	assert.Equal(t, time.Minute, cfg.Claim.LockTTL())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "email.delivery.outcomes", cfg.Kafka.Topic)

	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, "noreply@localhost.localdomain", cfg.Dispatch.FallbackFromAddress)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Queue.BackoffBase())
	assert.Equal(t, time.Hour, cfg.Queue.BackoffMax())
	assert.Equal(t, "postgres", cfg.Claim.Backend)
	assert.Equal(t, "us-west-2", cfg.SES.Region)
	assert.Equal(t, 587, cfg.SMTP.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Claim.Backend = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires database.url")

	cfg.Claim.Backend = "memory"
	cfg.Kafka.Enabled = true
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.brokers")

	cfg.Kafka.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8081\n")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("QUEUE_WORKERS", "12")
	t.Setenv("VAULT_ADDR", "http://vault:8200")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 12, cfg.Queue.Workers)
	assert.True(t, cfg.Vault.Enabled)
}

func TestSMTPConfig_AsProviderConfig(t *testing.T) {
	m := SMTPConfig{Host: "relay", Port: 2525, UseTLS: true, FromAddress: "ops@x.io"}.AsProviderConfig()
	assert.Equal(t, "relay", m["host"])
	assert.Equal(t, "2525", m["port"])
	assert.Equal(t, "true", m["use_tls"])
	assert.Equal(t, "ops@x.io", m["from_email"])
}
