// Package config provides configuration management for agentd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vibedev/agentd/internal/common/logger"
)

// Config holds all configuration sections for agentd.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Session   SessionConfig        `mapstructure:"session"`
	Runtime   RuntimeConfig        `mapstructure:"runtime"`
	Database  DatabaseConfig       `mapstructure:"database"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Workspace WorkspaceConfig      `mapstructure:"workspace"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SessionConfig holds session orchestration configuration.
type SessionConfig struct {
	// MaxConcurrent is the admission ceiling: the maximum number of sessions
	// in pending or running status at any time.
	MaxConcurrent int `mapstructure:"maxConcurrent"`

	// Timeout is the per-session run timeout in seconds. A run that does not
	// reach a terminal status in time is cancelled and marked failed.
	Timeout int `mapstructure:"timeout"`

	// HeartbeatInterval is the stream heartbeat period in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`

	// EventBufferSize is the per-session replay buffer capacity. Oldest
	// events are evicted once the buffer is full.
	EventBufferSize int `mapstructure:"eventBufferSize"`

	// RecoveryPollInterval is how often a recovered session without a live
	// event feed polls the runtime for its outcome, in seconds.
	RecoveryPollInterval int `mapstructure:"recoveryPollInterval"`
}

// RuntimeConfig holds the external agent runtime connection configuration.
type RuntimeConfig struct {
	BaseURL        string `mapstructure:"baseUrl"`
	Token          string `mapstructure:"token"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds, control-plane calls
}

// DatabaseConfig holds the durable session store configuration.
// An empty host selects the in-memory store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkspaceConfig holds the workspace directory sessions operate on.
// Readiness fails when the directory is not accessible.
type WorkspaceConfig struct {
	Dir string `mapstructure:"dir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutDuration returns the session timeout as a time.Duration.
func (s *SessionConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// HeartbeatDuration returns the heartbeat interval as a time.Duration.
func (s *SessionConfig) HeartbeatDuration() time.Duration {
	return time.Duration(s.HeartbeatInterval) * time.Second
}

// RecoveryPollDuration returns the recovery poll interval as a time.Duration.
func (s *SessionConfig) RecoveryPollDuration() time.Duration {
	return time.Duration(s.RecoveryPollInterval) * time.Second
}

// RequestTimeoutDuration returns the runtime request timeout as a time.Duration.
func (r *RuntimeConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

// DSN returns the Postgres connection string for the durable store.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3003)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Session defaults
	v.SetDefault("session.maxConcurrent", 5)
	v.SetDefault("session.timeout", 3600)
	v.SetDefault("session.heartbeatInterval", 30)
	v.SetDefault("session.eventBufferSize", 1000)
	v.SetDefault("session.recoveryPollInterval", 5)

	// Runtime defaults
	v.SetDefault("runtime.baseUrl", "http://localhost:4096")
	v.SetDefault("runtime.token", "")
	v.SetDefault("runtime.requestTimeout", 30)

	// Database defaults - empty host means use the in-memory store
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "agentd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentd")
	v.SetDefault("nats.maxReconnects", 10)

	// Workspace defaults
	v.SetDefault("workspace.dir", "/workspace")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTD with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("session.maxConcurrent", "AGENTD_SESSION_MAX_CONCURRENT", "MAX_CONCURRENT_SESSIONS")
	_ = v.BindEnv("session.timeout", "AGENTD_SESSION_TIMEOUT", "SESSION_TIMEOUT")
	_ = v.BindEnv("session.heartbeatInterval", "AGENTD_SESSION_HEARTBEAT_INTERVAL")
	_ = v.BindEnv("session.eventBufferSize", "AGENTD_SESSION_EVENT_BUFFER_SIZE")
	_ = v.BindEnv("runtime.baseUrl", "AGENTD_RUNTIME_BASE_URL")
	_ = v.BindEnv("runtime.requestTimeout", "AGENTD_RUNTIME_REQUEST_TIMEOUT")
	_ = v.BindEnv("workspace.dir", "AGENTD_WORKSPACE_DIR", "WORKSPACE_DIR")
	_ = v.BindEnv("logging.outputPath", "AGENTD_LOGGING_OUTPUT_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentd/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Session.MaxConcurrent <= 0 {
		errs = append(errs, "session.maxConcurrent must be positive")
	}
	if cfg.Session.Timeout <= 0 {
		errs = append(errs, "session.timeout must be positive")
	}
	if cfg.Session.HeartbeatInterval <= 0 {
		errs = append(errs, "session.heartbeatInterval must be positive")
	}
	if cfg.Session.EventBufferSize <= 0 {
		errs = append(errs, "session.eventBufferSize must be positive")
	}
	if cfg.Session.RecoveryPollInterval <= 0 {
		errs = append(errs, "session.recoveryPollInterval must be positive")
	}
	if cfg.Runtime.BaseURL == "" {
		errs = append(errs, "runtime.baseUrl is required")
	}
	if cfg.Workspace.Dir == "" {
		errs = append(errs, "workspace.dir is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
