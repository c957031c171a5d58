package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Queue    QueueConfig    `yaml:"queue"`
	Claim    ClaimConfig    `yaml:"claim"`
	Vault    VaultConfig    `yaml:"vault"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	SES      SESConfig      `yaml:"ses"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                   int      `yaml:"port"`
	Host                   string   `yaml:"host"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
	AllowedOrigins         []string `yaml:"allowed_origins"`
}

// GetHost returns the listen host. Containers listen on all interfaces.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// DatabaseConfig holds Postgres settings. An empty URL runs the engine on
// the in-memory store.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
	MigrationsDir   string `yaml:"migrations_dir"`
}

// RedisConfig holds Redis settings used for claim locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	File      string `yaml:"file"`
	Console   bool   `yaml:"console"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// DispatchConfig tunes provider selection and health tracking.
type DispatchConfig struct {
	FallbackFromAddress string `yaml:"fallback_from_address"`
	// Directory of YAML templates for template enqueues. Empty disables them.
	TemplatesDir string `yaml:"templates_dir"`
	// Consecutive failures before a provider is marked unhealthy.
	UnhealthyAfterFailures int `yaml:"unhealthy_after_failures"`
	// Consecutive failures before a provider is marked degraded.
	DegradedAfterFailures int `yaml:"degraded_after_failures"`
	// Tenant bounce/complaint ceilings enforced by the rate limiter.
	MaxBounceRate    float64 `yaml:"max_bounce_rate"`
	MaxComplaintRate float64 `yaml:"max_complaint_rate"`
}

// QueueConfig tunes the queue processor and worker pool.
type QueueConfig struct {
	Workers               int `yaml:"workers"`
	BatchSize             int `yaml:"batch_size"`
	PollIntervalMs        int `yaml:"poll_interval_ms"`
	MaxRetries            int `yaml:"max_retries"`
	BackoffBaseSeconds    int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds     int `yaml:"backoff_max_seconds"`
	StaleAfterMinutes     int `yaml:"stale_after_minutes"`
	RecoveryIntervalSecs  int `yaml:"recovery_interval_seconds"`
	RetentionDays         int `yaml:"retention_days"`
	CleanupIntervalMins   int `yaml:"cleanup_interval_minutes"`
	ProcessTimeoutSeconds int `yaml:"process_timeout_seconds"`
}

func (c QueueConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}
func (c QueueConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}
func (c QueueConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}
func (c QueueConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}
func (c QueueConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSecs) * time.Second
}
func (c QueueConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
func (c QueueConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMins) * time.Minute
}
func (c QueueConfig) ProcessTimeout() time.Duration {
	return time.Duration(c.ProcessTimeoutSeconds) * time.Second
}

// ClaimConfig selects the exclusive-claim backend.
type ClaimConfig struct {
	Backend        string `yaml:"backend"` // "postgres" or "redis"
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// LockTTL returns the claim lock lifetime.
func (c ClaimConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// VaultConfig points at the KV-v2 mount holding provider credentials.
type VaultConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Address         string `yaml:"address"`
	Token           string `yaml:"token"`
	Mount           string `yaml:"mount"`
	PathPrefix      string `yaml:"path_prefix"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// CacheTTL returns how long decrypted credentials are cached.
func (c VaultConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// KafkaConfig configures outcome event publishing.
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// SMTPConfig is the platform relay used by "internal" providers.
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	UseTLS      bool   `yaml:"use_tls"`
	FromAddress string `yaml:"from_address"`
}

// AsProviderConfig renders the relay as a provider credential map.
func (c SMTPConfig) AsProviderConfig() map[string]string {
	m := map[string]string{
		"host":     c.Host,
		"port":     strconv.Itoa(c.Port),
		"username": c.Username,
		"password": c.Password,
		"use_tls":  strconv.FormatBool(c.UseTLS),
	}
	if c.FromAddress != "" {
		m["from_email"] = c.FromAddress
	}
	return m
}

// SESConfig holds SES defaults applied when a provider omits them.
type SESConfig struct {
	Region         string `yaml:"region"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 15
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 300
	}
	if cfg.Database.MigrationsDir == "" {
		cfg.Database.MigrationsDir = "migrations"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Dispatch.FallbackFromAddress == "" {
		cfg.Dispatch.FallbackFromAddress = "noreply@localhost.localdomain"
	}
	if cfg.Dispatch.DegradedAfterFailures == 0 {
		cfg.Dispatch.DegradedAfterFailures = 3
	}
	if cfg.Dispatch.UnhealthyAfterFailures == 0 {
		cfg.Dispatch.UnhealthyAfterFailures = 5
	}
	if cfg.Dispatch.MaxBounceRate == 0 {
		cfg.Dispatch.MaxBounceRate = 0.10
	}
	if cfg.Dispatch.MaxComplaintRate == 0 {
		cfg.Dispatch.MaxComplaintRate = 0.005
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 4
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 25
	}
	if cfg.Queue.PollIntervalMs == 0 {
		cfg.Queue.PollIntervalMs = 1000
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.BackoffBaseSeconds == 0 {
		cfg.Queue.BackoffBaseSeconds = 30
	}
	if cfg.Queue.BackoffMaxSeconds == 0 {
		cfg.Queue.BackoffMaxSeconds = 3600
	}
	if cfg.Queue.StaleAfterMinutes == 0 {
		cfg.Queue.StaleAfterMinutes = 10
	}
	if cfg.Queue.RecoveryIntervalSecs == 0 {
		cfg.Queue.RecoveryIntervalSecs = 60
	}
	if cfg.Queue.RetentionDays == 0 {
		cfg.Queue.RetentionDays = 30
	}
	if cfg.Queue.CleanupIntervalMins == 0 {
		cfg.Queue.CleanupIntervalMins = 60
	}
	if cfg.Queue.ProcessTimeoutSeconds == 0 {
		cfg.Queue.ProcessTimeoutSeconds = 120
	}
	if cfg.Claim.Backend == "" {
		cfg.Claim.Backend = "postgres"
	}
	if cfg.Claim.LockTTLSeconds == 0 {
		cfg.Claim.LockTTLSeconds = 300
	}
	if cfg.Vault.Mount == "" {
		cfg.Vault.Mount = "secret"
	}
	if cfg.Vault.PathPrefix == "" {
		cfg.Vault.PathPrefix = "email-providers"
	}
	if cfg.Vault.CacheTTLSeconds == 0 {
		cfg.Vault.CacheTTLSeconds = 300
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "email.delivery.outcomes"
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = "dispatch-engine"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
}

// Validate rejects configurations the engine cannot run with.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	switch cfg.Claim.Backend {
	case "postgres":
		if cfg.Database.URL == "" {
			errs = append(errs, errors.New("claim.backend postgres requires database.url"))
		}
	case "redis":
		if !cfg.Redis.Enabled() {
			errs = append(errs, errors.New("claim.backend redis requires redis.addr"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("claim.backend %q must be postgres, redis or memory", cfg.Claim.Backend))
	}
	if cfg.Queue.BackoffMaxSeconds < cfg.Queue.BackoffBaseSeconds {
		errs = append(errs, errors.New("queue.backoff_max_seconds must be >= backoff_base_seconds"))
	}
	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, errors.New("queue.max_retries must not be negative"))
	}
	if cfg.Vault.Enabled && cfg.Vault.Address == "" {
		errs = append(errs, errors.New("vault.enabled requires vault.address"))
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.enabled requires kafka.brokers"))
	}
	if !strings.Contains(cfg.Dispatch.FallbackFromAddress, "@") {
		errs = append(errs, fmt.Errorf("dispatch.fallback_from_address %q is not an address", cfg.Dispatch.FallbackFromAddress))
	}
	return errors.Join(errs...)
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file is loaded first when present, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
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
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CLAIM_BACKEND"); v != "" {
		cfg.Claim.Backend = v
	}
	if v := os.Getenv("QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.Workers = n
		}
	}
	if v := os.Getenv("VAULT_ADDR"); v != "" {
		cfg.Vault.Address = v
		cfg.Vault.Enabled = true
	}
	if v := os.Getenv("VAULT_TOKEN"); v != "" {
		cfg.Vault.Token = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("TEMPLATES_DIR"); v != "" {
		cfg.Dispatch.TemplatesDir = v
	}
	if v := os.Getenv("FALLBACK_FROM_ADDRESS"); v != "" {
		cfg.Dispatch.FallbackFromAddress = v
	}

	return cfg, nil
}
