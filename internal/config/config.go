// Package config loads service configuration from the environment, with an
// optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	Redis    RedisConfig    `yaml:"redis"`
	Funds    FundsConfig    `yaml:"funds"`
	LogLevel string         `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
}

type ServiceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" validate:"required"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gt=0,lt=65536"`
	GRPCPort        int           `yaml:"grpc_port" validate:"gt=0,lt=65536,nefield=Port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	RateLimit       int           `yaml:"rate_limit" validate:"gte=0"`
}

type DatabaseConfig struct {
	Host        string        `yaml:"host" validate:"required"`
	Port        int           `yaml:"port" validate:"gt=0"`
	User        string        `yaml:"user" validate:"required"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database" validate:"required"`
	SSLMode     string        `yaml:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns    int32         `yaml:"max_conns" validate:"gte=0"`
	MinConns    int32         `yaml:"min_conns" validate:"gte=0"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
	AutoMigrate bool          `yaml:"auto_migrate"`
}

// NATSConfig configures notification publishing. An empty URL disables it.
type NATSConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

// RedisConfig configures the cross-worker instance lock. An empty URL falls
// back to the database row lock alone.
type RedisConfig struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	LockTTL time.Duration `yaml:"lock_ttl"`
}

// FundsConfig points at the service owning financial holds.
type FundsConfig struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads the environment, overlays CONFIG_FILE when set, and validates.
func Load() (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-expense-approvals"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8086),
			GRPCPort:        getEnvInt("GRPC_PORT", 9086),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
			RateLimit:       getEnvInt("HTTP_RATE_LIMIT", 120),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", "postgres"),
			Database:    getEnv("DB_NAME", "expense_approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_TIME", 30*time.Minute),
			MaxIdleTime: getEnvDuration("DB_MAX_IDLE_TIME", 5*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
			AutoMigrate: getEnvBool("DB_AUTO_MIGRATE", false),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			LockTTL: getEnvDuration("REDIS_LOCK_TTL", 15*time.Second),
		},
		Funds: FundsConfig{
			BaseURL: getEnv("FUNDS_SERVICE_URL", ""),
			Timeout: getEnvDuration("FUNDS_SERVICE_TIMEOUT", 10*time.Second),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
