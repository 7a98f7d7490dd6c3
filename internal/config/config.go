// Package config loads runtime settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	RunModeAll    = "all"
	RunModeAPI    = "api"
	RunModeWorker = "worker"

	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	HTTPAddr    string
	RunMode     string
	StoreDriver string

	Database  DatabaseConfig
	AMQP      AMQPConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	Gateway   GatewayConfig
	Scheduler SchedulerConfig
	Logging   LoggingConfig
}

type DatabaseConfig struct {
	URL             string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns URL when set, otherwise builds one from the individual fields.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

type AMQPConfig struct {
	URL      string
	Prefetch int
}

type RedisConfig struct {
	URL       string
	KeyPrefix string
	LockTTL   time.Duration
}

type DispatchConfig struct {
	DefaultBatchSize      int
	DefaultBatchDelay     time.Duration
	DefaultMaxAttempts    int
	SendTimeout           time.Duration
	ClaimLease            time.Duration
	InFlightPoll          time.Duration
	InfraRetries          int
	InfraBackoff          time.Duration
	MaxUnavailableBatches int
}

type GatewayConfig struct {
	DefaultProvider string
	WhatsApp        WhatsAppConfig
	Sandbox         SandboxConfig
}

type WhatsAppConfig struct {
	BaseURL       string
	AccessToken   string
	PhoneNumberID string
	RatePerSecond int
	Timeout       time.Duration
}

type SandboxConfig struct {
	SuccessRate   float64
	TransientRate float64
	Latency       time.Duration
}

type SchedulerConfig struct {
	Enabled     bool
	PromoteSpec string
	SweepSpec   string
	Timezone    string
}

type LoggingConfig struct {
	Level       string
	Development bool
	File        string
	MaxSizeMB   int
	MaxBackups  int
}

// Load reads .env (if present) then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:    getEnvString("HTTP_ADDR", ":8080"),
		RunMode:     getEnvString("RUN_MODE", RunModeAll),
		StoreDriver: getEnvString("STORE_DRIVER", StoreDriverPostgres),
		Database: DatabaseConfig{
			URL:             getEnvString("DATABASE_URL", ""),
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			Name:            getEnvString("DB_NAME", "wasslchat"),
			SSLMode:         getEnvString("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		AMQP: AMQPConfig{
			URL:      getEnvString("AMQP_URL", ""),
			Prefetch: getEnvInt("AMQP_PREFETCH", 8),
		},
		Redis: RedisConfig{
			URL:       getEnvString("REDIS_URL", ""),
			KeyPrefix: getEnvString("REDIS_KEY_PREFIX", "wasslchat"),
			LockTTL:   getEnvDuration("REDIS_LOCK_TTL", 30*time.Second),
		},
		Dispatch: DispatchConfig{
			DefaultBatchSize:      getEnvInt("DISPATCH_BATCH_SIZE", 50),
			DefaultBatchDelay:     getEnvDuration("DISPATCH_BATCH_DELAY", time.Second),
			DefaultMaxAttempts:    getEnvInt("DISPATCH_MAX_ATTEMPTS", 3),
			SendTimeout:           getEnvDuration("DISPATCH_SEND_TIMEOUT", 30*time.Second),
			ClaimLease:            getEnvDuration("DISPATCH_CLAIM_LEASE", 5*time.Minute),
			InFlightPoll:          getEnvDuration("DISPATCH_INFLIGHT_POLL", 5*time.Second),
			InfraRetries:          getEnvInt("DISPATCH_INFRA_RETRIES", 3),
			InfraBackoff:          getEnvDuration("DISPATCH_INFRA_BACKOFF", 500*time.Millisecond),
			MaxUnavailableBatches: getEnvInt("DISPATCH_MAX_UNAVAILABLE_BATCHES", 5),
		},
		Gateway: GatewayConfig{
			DefaultProvider: getEnvString("GATEWAY_PROVIDER", "sandbox"),
			WhatsApp: WhatsAppConfig{
				BaseURL:       getEnvString("WHATSAPP_BASE_URL", "https://graph.facebook.com/v19.0"),
				AccessToken:   getEnvString("WHATSAPP_ACCESS_TOKEN", ""),
				PhoneNumberID: getEnvString("WHATSAPP_PHONE_NUMBER_ID", ""),
				RatePerSecond: getEnvInt("WHATSAPP_RATE_PER_SECOND", 20),
				Timeout:       getEnvDuration("WHATSAPP_TIMEOUT", 15*time.Second),
			},
			Sandbox: SandboxConfig{
				SuccessRate:   getEnvFloat("SANDBOX_SUCCESS_RATE", 0.9),
				TransientRate: getEnvFloat("SANDBOX_TRANSIENT_RATE", 0.05),
				Latency:       getEnvDuration("SANDBOX_LATENCY", 50*time.Millisecond),
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:     getEnvBool("SCHEDULER_ENABLED", true),
			PromoteSpec: getEnvString("SCHEDULER_PROMOTE_SPEC", "@every 30s"),
			SweepSpec:   getEnvString("SCHEDULER_SWEEP_SPEC", "@every 1m"),
			Timezone:    getEnvString("SCHEDULER_TIMEZONE", "UTC"),
		},
		Logging: LoggingConfig{
			Level:       getEnvString("LOG_LEVEL", "info"),
			Development: getEnvBool("LOG_DEVELOPMENT", false),
			File:        getEnvString("LOG_FILE", ""),
			MaxSizeMB:   getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups:  getEnvInt("LOG_MAX_BACKUPS", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate collects every configuration problem into one error.
func (c *Config) Validate() error {
	var errs []string

	switch c.RunMode {
	case RunModeAll, RunModeAPI, RunModeWorker:
	default:
		errs = append(errs, fmt.Sprintf("RUN_MODE must be one of: %s, %s, %s", RunModeAll, RunModeAPI, RunModeWorker))
	}
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		errs = append(errs, "STORE_DRIVER must be postgres or memory")
	}
	if c.StoreDriver == StoreDriverMemory && c.RunMode != RunModeAll {
		errs = append(errs, "STORE_DRIVER=memory requires RUN_MODE=all")
	}
	if c.RunMode != RunModeAll && c.AMQP.URL == "" {
		errs = append(errs, "AMQP_URL is required when api and worker run separately")
	}
	if c.Dispatch.DefaultBatchSize <= 0 || c.Dispatch.DefaultBatchSize > 1000 {
		errs = append(errs, "DISPATCH_BATCH_SIZE must be between 1 and 1000")
	}
	if c.Dispatch.DefaultMaxAttempts <= 0 || c.Dispatch.DefaultMaxAttempts > 10 {
		errs = append(errs, "DISPATCH_MAX_ATTEMPTS must be between 1 and 10")
	}
	if c.Dispatch.ClaimLease <= c.Dispatch.SendTimeout {
		errs = append(errs, "DISPATCH_CLAIM_LEASE must be longer than DISPATCH_SEND_TIMEOUT")
	}
	if c.Gateway.DefaultProvider == "whatsapp" {
		if c.Gateway.WhatsApp.AccessToken == "" {
			errs = append(errs, "WHATSAPP_ACCESS_TOKEN is required for the whatsapp provider")
		}
		if c.Gateway.WhatsApp.PhoneNumberID == "" {
			errs = append(errs, "WHATSAPP_PHONE_NUMBER_ID is required for the whatsapp provider")
		}
	}
	if r := c.Gateway.Sandbox.SuccessRate + c.Gateway.Sandbox.TransientRate; r < 0 || r > 1 {
		errs = append(errs, "SANDBOX_SUCCESS_RATE + SANDBOX_TRANSIENT_RATE must be within [0,1]")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("SCHEDULER_TIMEZONE is invalid: %v", err))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "LOG_LEVEL must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
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
