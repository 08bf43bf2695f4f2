// Package config provides configuration management for devflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Runtime deployment modes. The mode selects the transport adapter wired into
// the runtime facade.
const (
	ModeLocalOnly          = "local-only"
	ModeRemoteEnabled      = "remote-enabled"
	ModeDistributedCluster = "distributed-cluster"
)

// Database drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all configuration sections for devflow.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Project   ProjectConfig   `mapstructure:"project"`
}

// ServerConfig holds HTTP server configuration for the execution node.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds task store configuration. Driver selects the backend:
// memory (default), sqlite, or postgres.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// RuntimeConfig holds transport adapter configuration.
type RuntimeConfig struct {
	Mode           string `mapstructure:"mode"`           // local-only, remote-enabled, distributed-cluster
	RemoteURL      string `mapstructure:"remoteUrl"`      // execution node base URL
	PollIntervalMs int    `mapstructure:"pollIntervalMs"` // remote stream poll interval
	RequestTimeout int    `mapstructure:"requestTimeout"` // remote HTTP timeout in seconds
	UserID         string `mapstructure:"userId"`
	DeviceID       string `mapstructure:"deviceId"`
}

// SecurityConfig holds session and audit configuration.
type SecurityConfig struct {
	SessionTTL   int `mapstructure:"sessionTtl"`   // in seconds
	AuditMaxSize int `mapstructure:"auditMaxSize"` // 0 means unbounded
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TelemetryConfig holds OpenTelemetry exporter configuration.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	ServiceName  string `mapstructure:"serviceName"`
}

// ProjectConfig holds project context directory configuration.
type ProjectConfig struct {
	ContextDir string `mapstructure:"contextDir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PollInterval returns the remote poll interval as a time.Duration.
func (r *RuntimeConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMs) * time.Millisecond
}

// RequestTimeoutDuration returns the remote request timeout as a time.Duration.
func (r *RuntimeConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

// SessionTTLDuration returns the session lifetime as a time.Duration.
func (s *SecurityConfig) SessionTTLDuration() time.Duration {
	return time.Duration(s.SessionTTL) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" for Kubernetes or production
// environments and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - memory store unless a driver is chosen
	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.path", "~/.devflow/devflow.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "devflow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "devflow")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "devflow-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Runtime defaults
	v.SetDefault("runtime.mode", ModeLocalOnly)
	v.SetDefault("runtime.remoteUrl", "http://localhost:8080")
	v.SetDefault("runtime.pollIntervalMs", 1000)
	v.SetDefault("runtime.requestTimeout", 30)
	v.SetDefault("runtime.userId", "")
	v.SetDefault("runtime.deviceId", "")

	// Security defaults - 24 hour sessions, unbounded audit log
	v.SetDefault("security.sessionTtl", 86400)
	v.SetDefault("security.auditMaxSize", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Telemetry defaults - empty endpoint means tracing is a no-op
	v.SetDefault("telemetry.otlpEndpoint", "")
	v.SetDefault("telemetry.serviceName", "devflow")

	// Project defaults
	v.SetDefault("project.contextDir", ".devflow")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DEVFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.devflow/, or /etc/devflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DEVFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("runtime.remoteUrl", "DEVFLOW_RUNTIME_REMOTE_URL")
	_ = v.BindEnv("runtime.pollIntervalMs", "DEVFLOW_RUNTIME_POLL_INTERVAL_MS")
	_ = v.BindEnv("runtime.requestTimeout", "DEVFLOW_RUNTIME_REQUEST_TIMEOUT")
	_ = v.BindEnv("database.dbName", "DEVFLOW_DATABASE_DB_NAME")
	_ = v.BindEnv("telemetry.otlpEndpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "DEVFLOW_TELEMETRY_OTLP_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.devflow")
	}
	v.AddConfigPath("/etc/devflow/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	switch cfg.Runtime.Mode {
	case ModeLocalOnly, ModeRemoteEnabled, ModeDistributedCluster:
	default:
		errs = append(errs, "runtime.mode must be one of: local-only, remote-enabled, distributed-cluster")
	}
	if cfg.Runtime.Mode != ModeLocalOnly && cfg.Runtime.RemoteURL == "" {
		errs = append(errs, "runtime.remoteUrl is required unless runtime.mode is local-only")
	}
	if cfg.Runtime.PollIntervalMs <= 0 {
		errs = append(errs, "runtime.pollIntervalMs must be positive")
	}
	if cfg.Runtime.RequestTimeout <= 0 {
		errs = append(errs, "runtime.requestTimeout must be positive")
	}

	if cfg.Security.SessionTTL <= 0 {
		errs = append(errs, "security.sessionTtl must be positive")
	}
	if cfg.Security.AuditMaxSize < 0 {
		errs = append(errs, "security.auditMaxSize must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Project.ContextDir == "" {
		errs = append(errs, "project.contextDir must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
