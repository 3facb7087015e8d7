package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the email engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	SES      SESConfig      `yaml:"ses"`
	Engine   EngineConfig   `yaml:"engine"`
}

// ServerConfig holds HTTP server configuration for the unsubscribe/operator API.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the optional Redis settings used for job leadership locks.
// When disabled, the engine falls back to Postgres advisory locks.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// SESConfig holds AWS SES credentials for the default delivery transport.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EngineConfig holds email engine behavior settings.
type EngineConfig struct {
	// SigningSecret signs unsubscribe tokens. Required, never logged.
	SigningSecret string `yaml:"signing_secret"`
	// UnsubscribeBaseURL is prefixed to signed unsubscribe links in footers.
	UnsubscribeBaseURL string `yaml:"unsubscribe_base_url"`

	DefaultFromName  string `yaml:"default_from_name"`
	DefaultFromEmail string `yaml:"default_from_email"`

	SchedulerIntervalSeconds int `yaml:"scheduler_interval_seconds"`
	QueueIntervalSeconds     int `yaml:"queue_interval_seconds"`
	SchedulerBatchSize       int `yaml:"scheduler_batch_size"`
	QueueBatchSize           int `yaml:"queue_batch_size"`
	MaxSendAttempts          int `yaml:"max_send_attempts"`
}

// SchedulerInterval returns the scheduler tick interval as a duration.
func (c EngineConfig) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// QueueInterval returns the queue processor tick interval as a duration.
func (c EngineConfig) QueueInterval() time.Duration {
	return time.Duration(c.QueueIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file and applies defaults.
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
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Engine.SchedulerIntervalSeconds == 0 {
		cfg.Engine.SchedulerIntervalSeconds = 60
	}
	if cfg.Engine.QueueIntervalSeconds == 0 {
		cfg.Engine.QueueIntervalSeconds = 30
	}
	if cfg.Engine.SchedulerBatchSize == 0 {
		cfg.Engine.SchedulerBatchSize = 100
	}
	if cfg.Engine.QueueBatchSize == 0 {
		cfg.Engine.QueueBatchSize = 50
	}
	if cfg.Engine.MaxSendAttempts == 0 {
		cfg.Engine.MaxSendAttempts = 5
	}
	if cfg.Engine.DefaultFromName == "" {
		cfg.Engine.DefaultFromName = "PrimeHaul"
	}
	if cfg.Engine.DefaultFromEmail == "" {
		cfg.Engine.DefaultFromEmail = "noreply@primehaul.co.uk"
	}
	if cfg.Engine.UnsubscribeBaseURL == "" {
		cfg.Engine.UnsubscribeBaseURL = "/email/unsubscribe"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) before reading env vars, so secrets can
// live in .env locally and in real env vars on the host. A missing config
// file is not an error: defaults plus env vars are enough to run.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = &Config{}
		applyDefaults(cfg)
	} else if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if secret := os.Getenv("SIGNING_SECRET"); secret != "" {
		cfg.Engine.SigningSecret = secret
	}
	if baseURL := os.Getenv("UNSUBSCRIBE_BASE_URL"); baseURL != "" {
		cfg.Engine.UnsubscribeBaseURL = baseURL
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
		cfg.SES.Enabled = true
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}
	if v := os.Getenv("MAX_SEND_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxSendAttempts = n
		}
	}

	return cfg, nil
}
