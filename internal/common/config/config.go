// Package config provides configuration management for the VectorMesh
// control plane. It supports loading from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration. An empty host
// selects the embedded SQLite store; Driver may force "postgres" or "sqlite".
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// NATSConfig holds NATS messaging configuration. Empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GatewayConfig holds remote-agent gateway tuning.
type GatewayConfig struct {
	HeartbeatTimeout int `mapstructure:"heartbeatTimeout"` // seconds a session may go silent
	SweepInterval    int `mapstructure:"sweepInterval"`    // seconds between sweeper passes
	MaxRetries       int `mapstructure:"maxRetries"`       // command re-dispatch attempts
	RetryDelay       int `mapstructure:"retryDelay"`       // seconds; linear backoff step
	ResponseTimeout  int `mapstructure:"responseTimeout"`  // seconds to await command responses
}

// AdmissionConfig holds tier overrides keyed by tenant id. Each entry may
// raise or lower the tier defaults for that tenant. TenantsFile points at an
// optional YAML file of overrides, merged over the inline entries so tenant
// assignments can be managed separately from the main config.
type AdmissionConfig struct {
	Tenants     map[string]TenantOverride `mapstructure:"tenants"`
	TenantsFile string                    `mapstructure:"tenantsFile"`
}

// TenantOverride pins a tenant to a tier and optionally overrides its limits.
type TenantOverride struct {
	Tier              string `mapstructure:"tier" yaml:"tier"`
	MaxConcurrentJobs int    `mapstructure:"maxConcurrentJobs" yaml:"maxConcurrentJobs"`
	MaxJobsPerHour    int    `mapstructure:"maxJobsPerHour" yaml:"maxJobsPerHour"`
}

// SandboxConfig holds expression sandbox limits.
type SandboxConfig struct {
	Timeout int `mapstructure:"timeout"` // seconds per evaluation
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatTimeoutDuration returns the heartbeat timeout as a time.Duration.
func (g *GatewayConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(g.HeartbeatTimeout) * time.Second
}

// SweepIntervalDuration returns the sweep interval as a time.Duration.
func (g *GatewayConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(g.SweepInterval) * time.Second
}

// RetryDelayDuration returns the retry delay as a time.Duration.
func (g *GatewayConfig) RetryDelayDuration() time.Duration {
	return time.Duration(g.RetryDelay) * time.Second
}

// ResponseTimeoutDuration returns the response timeout as a time.Duration.
func (g *GatewayConfig) ResponseTimeoutDuration() time.Duration {
	return time.Duration(g.ResponseTimeout) * time.Second
}

// TimeoutDuration returns the sandbox timeout as a time.Duration.
func (s *SandboxConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("VMC_ENV"); env == "production" || env == "prod" {
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

	// Database defaults - empty host means embedded SQLite
	v.SetDefault("database.driver", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "vectormesh")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "vectormesh")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.sqlitePath", "vectormesh.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "vectormesh-control-plane")
	v.SetDefault("nats.maxReconnects", 10)

	// Gateway defaults
	v.SetDefault("gateway.heartbeatTimeout", 90)
	v.SetDefault("gateway.sweepInterval", 30)
	v.SetDefault("gateway.maxRetries", 3)
	v.SetDefault("gateway.retryDelay", 5)
	v.SetDefault("gateway.responseTimeout", 30)

	// Sandbox defaults
	v.SetDefault("sandbox.timeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix VMC_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("VMC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vectormesh/")

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

	if err := loadTenantOverrides(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadTenantOverrides merges the tenant override file, when configured, over
// the inline admission entries.
func loadTenantOverrides(cfg *Config) error {
	if cfg.Admission.TenantsFile == "" {
		return nil
	}
	raw, err := os.ReadFile(cfg.Admission.TenantsFile)
	if err != nil {
		return fmt.Errorf("error reading tenant overrides file: %w", err)
	}
	var overrides map[string]TenantOverride
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return fmt.Errorf("error parsing tenant overrides file: %w", err)
	}
	if cfg.Admission.Tenants == nil {
		cfg.Admission.Tenants = make(map[string]TenantOverride, len(overrides))
	}
	for tenant, override := range overrides {
		cfg.Admission.Tenants[tenant] = override
	}
	return nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (SQLite otherwise)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Gateway.HeartbeatTimeout <= 0 {
		errs = append(errs, "gateway.heartbeatTimeout must be positive")
	}
	if cfg.Gateway.MaxRetries < 0 {
		errs = append(errs, "gateway.maxRetries must not be negative")
	}
	if cfg.Sandbox.Timeout <= 0 {
		errs = append(errs, "sandbox.timeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// UseSQLite reports whether the embedded SQLite store should be used.
func (d *DatabaseConfig) UseSQLite() bool {
	if d.Driver == "sqlite" {
		return true
	}
	return d.Driver == "" && d.Host == ""
}
