// Package config provides configuration management for Foreman.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
//
// Every engine tunable flows in through this single record at construction
// time; there are no process-wide knobs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Lease        LeaseConfig        `mapstructure:"lease"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Partials     PartialsConfig     `mapstructure:"partials"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
	StateMachine StateMachineConfig `mapstructure:"state_machine"`
	Query        QueryConfig        `mapstructure:"query"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Log          LogConfig          `mapstructure:"log"`
	River        RiverConfig        `mapstructure:"river"`
	Worker       WorkerConfig       `mapstructure:"worker"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains relational store settings. Driver "postgres" is the
// production path; "sqlite" runs the engine embedded (tests, cmd/seed).
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres or sqlite
	URL    string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	// Path is the sqlite file path (":memory:" for ephemeral runs).
	Path string `mapstructure:"path"`

	// Pool configuration, shared by gorm and River.
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// RedisConfig contains key-value lease backend settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LeaseConfig contains lease engine settings (§ lease.*).
type LeaseConfig struct {
	TTLSeconds            int    `mapstructure:"ttl_seconds"`
	HeartbeatEverySeconds int    `mapstructure:"heartbeat_every_seconds"`
	Backend               string `mapstructure:"backend"` // database or keyvalue

	// MaxPerAgent / MaxPerType cap active leases; 0 disables the cap.
	MaxPerAgent int `mapstructure:"max_per_agent"`
	MaxPerType  int `mapstructure:"max_per_type"`
}

// TTL returns the lease TTL as a duration.
func (c LeaseConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// RetryConfig contains item retry settings.
type RetryConfig struct {
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`
}

// IdempotencyConfig contains the dedupe guard settings.
type IdempotencyConfig struct {
	HeaderName string   `mapstructure:"header_name"`
	EnforceOn  []string `mapstructure:"enforce_on"`
}

// Enforced reports whether an operation tag is idempotency-guarded.
func (c IdempotencyConfig) Enforced(op string) bool {
	for _, tag := range c.EnforceOn {
		if tag == op {
			return true
		}
	}
	return false
}

// PartialsConfig contains incremental submission settings.
type PartialsConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	MaxPartsPerItem int  `mapstructure:"max_parts_per_item"`
	MaxPayloadBytes int  `mapstructure:"max_payload_bytes"`
}

// MaintenanceConfig contains the out-of-band sweep thresholds.
type MaintenanceConfig struct {
	DeadLetterAfterHours     int `mapstructure:"dead_letter_after_hours"`
	StaleOrderThresholdHours int `mapstructure:"stale_order_threshold_hours"`
}

// StateMachineConfig overrides the legal transition sets. Empty maps keep the
// built-in defaults (see statemachine.DefaultOrderTransitions).
type StateMachineConfig struct {
	OrderTransitions map[string][]string `mapstructure:"order_transitions"`
	ItemTransitions  map[string][]string `mapstructure:"item_transitions"`
}

// QueryConfig bounds the listOrders filter language.
type QueryConfig struct {
	MaxMetaDepth int `mapstructure:"max_meta_depth"`
	MaxPageSize  int `mapstructure:"max_page_size"`
}

// AuthConfig contains bearer token settings. An empty signing key runs the
// API open; callers are then identified only by the agent ids they present.
type AuthConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	Issuer     string        `mapstructure:"issuer"`
	ExpiresIn  time.Duration `mapstructure:"expires_in"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River queue settings (postgres mode only).
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	MaintenanceTickInterval     time.Duration `mapstructure:"maintenance_tick_interval"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize     int `mapstructure:"general_pool_size"`
	MaintenancePoolSize int `mapstructure:"maintenance_pool_size"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/foreman")

	// Environment variable override, no prefix: DATABASE_URL, SERVER_PORT,
	// LEASE_TTL_SECONDS, etc.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without touching files or the
// environment. Tests and embedded hosts start from here.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of defaults cannot fail; the shapes are static.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Lease.TTLSeconds <= 0 {
		return fmt.Errorf("lease.ttl_seconds must be positive")
	}
	if c.Lease.HeartbeatEverySeconds >= c.Lease.TTLSeconds {
		return fmt.Errorf("lease.heartbeat_every_seconds must be less than lease.ttl_seconds")
	}
	switch c.Lease.Backend {
	case "database", "keyvalue":
	default:
		return fmt.Errorf("lease.backend must be database or keyvalue, got %q", c.Lease.Backend)
	}
	if c.Retry.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("retry.default_max_attempts must be positive")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "foreman")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "foreman")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "foreman.db")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Redis (keyvalue lease backend)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Lease
	v.SetDefault("lease.ttl_seconds", 600)
	v.SetDefault("lease.heartbeat_every_seconds", 120)
	v.SetDefault("lease.backend", "database")
	v.SetDefault("lease.max_per_agent", 0)
	v.SetDefault("lease.max_per_type", 0)

	// Retry
	v.SetDefault("retry.default_max_attempts", 3)

	// Idempotency
	v.SetDefault("idempotency.header_name", "X-Idempotency-Key")
	v.SetDefault("idempotency.enforce_on", []string{
		"propose", "submit", "submit_part", "finalize", "approve", "reject",
	})

	// Partials
	v.SetDefault("partials.enabled", true)
	v.SetDefault("partials.max_parts_per_item", 100)
	v.SetDefault("partials.max_payload_bytes", 1048576)

	// Maintenance
	v.SetDefault("maintenance.dead_letter_after_hours", 48)
	v.SetDefault("maintenance.stale_order_threshold_hours", 24)

	// Query
	v.SetDefault("query.max_meta_depth", 5)
	v.SetDefault("query.max_page_size", 200)

	// Auth
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.issuer", "foreman")
	v.SetDefault("auth.expires_in", "24h")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.maintenance_tick_interval", "1m")
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker pool
	v.SetDefault("worker.general_pool_size", 100)
	v.SetDefault("worker.maintenance_pool_size", 10)
}
