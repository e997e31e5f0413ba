package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	SES            SESConfig            `yaml:"ses"`
	Capacity       CapacityConfig       `yaml:"capacity"`
	Worker         WorkerConfig         `yaml:"worker"`
	Deliverability DeliverabilityConfig `yaml:"deliverability"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the bind address, accounting for container environments
// where binding to localhost would make the server unreachable.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis settings. Redis backs the send rate limiter and
// worker tick locks; when Addr is empty both fall back to Postgres-only
// operation.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds AWS SES credentials and sender identity
type SESConfig struct {
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Region         string `yaml:"region"`
	SenderEmail    string `yaml:"sender_email"`
	SenderName     string `yaml:"sender_name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Configured reports whether SES credentials are present. Without them the
// worker sends through the development transport (logs instead of delivering).
func (c SESConfig) Configured() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}

// CapacityConfig holds the send capacity model parameters
type CapacityConfig struct {
	// BaseHourlyRate is the unpenalized hourly send allowance used when a
	// project has none of its own.
	BaseHourlyRate int `yaml:"base_hourly_rate"`
	// BoostDurationMinutes is how long a capacity boost stays active.
	BoostDurationMinutes int `yaml:"boost_duration_minutes"`
	// BoostMultiplier scales the weekly rate while a boost is active.
	BoostMultiplier float64 `yaml:"boost_multiplier"`
	// MinPenaltyFactor floors the reputation penalty.
	MinPenaltyFactor float64 `yaml:"min_penalty_factor"`
	// SpamWeight is how many bounces one spam complaint counts as.
	SpamWeight float64 `yaml:"spam_weight"`
}

func (c CapacityConfig) BoostDuration() time.Duration {
	return time.Duration(c.BoostDurationMinutes) * time.Minute
}

// WorkerConfig holds the outbox worker pipeline settings
type WorkerConfig struct {
	TickIntervalSeconds   int `yaml:"tick_interval_seconds"`
	RenderBatchSize       int `yaml:"render_batch_size"`
	SendBatchSize         int `yaml:"send_batch_size"`
	StuckRenderMinutes    int `yaml:"stuck_render_minutes"`
	StuckSendMinutes      int `yaml:"stuck_send_minutes"`
	MaxSendRetries        int `yaml:"max_send_retries"`
	RetryBaseDelaySeconds int `yaml:"retry_base_delay_seconds"`
	SendConcurrency       int `yaml:"send_concurrency"`
}

func (c WorkerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

func (c WorkerConfig) StuckRenderTimeout() time.Duration {
	return time.Duration(c.StuckRenderMinutes) * time.Minute
}

func (c WorkerConfig) StuckSendTimeout() time.Duration {
	return time.Duration(c.StuckSendMinutes) * time.Minute
}

func (c WorkerConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds) * time.Second
}

// DeliverabilityConfig holds email verification provider settings
type DeliverabilityConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c DeliverabilityConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.Capacity.BaseHourlyRate == 0 {
		cfg.Capacity.BaseHourlyRate = 10000
	}
	if cfg.Capacity.BoostDurationMinutes == 0 {
		cfg.Capacity.BoostDurationMinutes = 60
	}
	if cfg.Capacity.BoostMultiplier == 0 {
		cfg.Capacity.BoostMultiplier = 4
	}
	if cfg.Capacity.MinPenaltyFactor == 0 {
		cfg.Capacity.MinPenaltyFactor = 0.1
	}
	if cfg.Capacity.SpamWeight == 0 {
		cfg.Capacity.SpamWeight = 50
	}
	if cfg.Worker.TickIntervalSeconds == 0 {
		cfg.Worker.TickIntervalSeconds = 1
	}
	if cfg.Worker.RenderBatchSize == 0 {
		cfg.Worker.RenderBatchSize = 50
	}
	if cfg.Worker.SendBatchSize == 0 {
		cfg.Worker.SendBatchSize = 100
	}
	if cfg.Worker.StuckRenderMinutes == 0 {
		cfg.Worker.StuckRenderMinutes = 20
	}
	if cfg.Worker.StuckSendMinutes == 0 {
		cfg.Worker.StuckSendMinutes = 20
	}
	if cfg.Worker.MaxSendRetries == 0 {
		cfg.Worker.MaxSendRetries = 5
	}
	if cfg.Worker.RetryBaseDelaySeconds == 0 {
		cfg.Worker.RetryBaseDelaySeconds = 20
	}
	if cfg.Worker.SendConcurrency == 0 {
		cfg.Worker.SendConcurrency = 10
	}
	if cfg.Deliverability.BaseURL == "" {
		cfg.Deliverability.BaseURL = "https://api.emailable.com/v1"
	}
	if cfg.Deliverability.TimeoutSeconds == 0 {
		cfg.Deliverability.TimeoutSeconds = 10
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads config from a YAML file, then overrides secrets and
// connection strings from environment variables (.env is honored).
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		// Environment-only deployments run without a config file.
		cfg = &Config{}
		applyDefaults(cfg)
	} else if err != nil {
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
	if v := os.Getenv("SES_SENDER_EMAIL"); v != "" {
		cfg.SES.SenderEmail = v
	}
	if v := os.Getenv("EMAILABLE_API_KEY"); v != "" {
		cfg.Deliverability.APIKey = v
		cfg.Deliverability.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg, nil
}
