package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the device lease coordinator.
// It is loaded from a YAML file and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Inventory InventoryConfig `yaml:"inventory"`
	Lease     LeaseConfig     `yaml:"lease"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServiceConfig identifies this coordinator instance.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// InventoryConfig describes how to reach the remote inventory service.
type InventoryConfig struct {
	BaseURL string `yaml:"base_url"`
	// Token is sent as a bearer token on every request when non-empty.
	Token   string      `yaml:"token"`
	Timeout int         `yaml:"timeout"` // seconds, per request
	Retry   RetryConfig `yaml:"retry"`
}

// RetryConfig bounds local retries of transient inventory failures.
// There is no on/off switch: Attempts == 1 means a single try.
type RetryConfig struct {
	Attempts       int     `yaml:"attempts"`
	InitialBackoff int     `yaml:"initial_backoff_ms"`
	MaxBackoff     int     `yaml:"max_backoff_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	Jitter         float64 `yaml:"jitter"`
}

// LeaseConfig sets duration limits for leases handed out to runners.
type LeaseConfig struct {
	DefaultDuration int `yaml:"default_duration_minutes"`
	MinDuration     int `yaml:"min_duration_minutes"`
	MaxDuration     int `yaml:"max_duration_minutes"`
}

// MonitorConfig drives the expiry monitor.
type MonitorConfig struct {
	SweepInterval     int `yaml:"sweep_interval"`     // seconds
	ReconcileInterval int `yaml:"reconcile_interval"` // seconds
	GraceWindow       int `yaml:"grace_window"`       // seconds before expiry
	RenewExtension    int `yaml:"renew_extension_minutes"`
	HeartbeatTimeout  int `yaml:"heartbeat_timeout"` // seconds, 0 disables
	Concurrency       int `yaml:"concurrency"`
}

// CatalogConfig lists the devices this coordinator may hand out.
type CatalogConfig struct {
	Devices         []string `yaml:"devices"`
	RefreshSchedule string   `yaml:"refresh_schedule"`
	Concurrency     int      `yaml:"concurrency"`
}

// DatabaseConfig contains SQLite settings for the lease journal.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains reconnection behaviour settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains InfluxDB connection settings for lease telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the lease event stream.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JSON Web Token settings. The token subject is the
// holder identity used for leases.
type JWTConfig struct {
	Secret   string `yaml:"secret"`
	TokenTTL int    `yaml:"token_ttl"` // minutes
}

// Load reads configuration from a YAML file, applies defaults and
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "devicelease-01",
			Name: "Device Lease Coordinator",
		},
		Inventory: InventoryConfig{
			Timeout: 10,
			Retry: RetryConfig{
				Attempts:       3,
				InitialBackoff: 200,
				MaxBackoff:     5000,
				Multiplier:     2,
				Jitter:         0.2,
			},
		},
		Lease: LeaseConfig{
			DefaultDuration: 30,
			MinDuration:     2,
			MaxDuration:     240,
		},
		Monitor: MonitorConfig{
			SweepInterval:     15,
			ReconcileInterval: 60,
			GraceWindow:       60,
			RenewExtension:    10,
			HeartbeatTimeout:  0,
			Concurrency:       8,
		},
		Catalog: CatalogConfig{
			RefreshSchedule: "@every 5m",
			Concurrency:     8,
		},
		Database: DatabaseConfig{
			Path:        "./data/devicelease.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "devicelease",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 120, // acquire may block for the full retry budget
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				TokenTTL: 720,
			},
		},
	}
}

// applyEnvOverrides applies DEVLEASE_* environment variables on top of the
// file configuration. Secrets should be supplied this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEVLEASE_INVENTORY_URL"); v != "" {
		cfg.Inventory.BaseURL = v
	}
	if v := os.Getenv("DEVLEASE_INVENTORY_TOKEN"); v != "" {
		cfg.Inventory.Token = v
	}
	if v := os.Getenv("DEVLEASE_CATALOG_DEVICES"); v != "" {
		cfg.Catalog.Devices = splitList(v)
	}

	if v := os.Getenv("DEVLEASE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("DEVLEASE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("DEVLEASE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("DEVLEASE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("DEVLEASE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("DEVLEASE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("DEVLEASE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("DEVLEASE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that the configuration is usable.
// It collects every problem rather than stopping at the first one.
func (c *Config) Validate() error { //nolint:gocyclo // flat list of independent checks
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Inventory.BaseURL == "" {
		errs = append(errs, "inventory.base_url is required (set DEVLEASE_INVENTORY_URL environment variable)")
	}
	if c.Inventory.Timeout <= 0 {
		errs = append(errs, "inventory.timeout must be positive")
	}
	if c.Inventory.Retry.Attempts < 1 {
		errs = append(errs, "inventory.retry.attempts must be at least 1")
	}
	if c.Inventory.Retry.Multiplier < 1 {
		errs = append(errs, "inventory.retry.multiplier must be at least 1")
	}
	if c.Inventory.Retry.Jitter < 0 || c.Inventory.Retry.Jitter >= 1 {
		errs = append(errs, "inventory.retry.jitter must be in [0, 1)")
	}

	if c.Lease.MinDuration < 1 {
		errs = append(errs, "lease.min_duration_minutes must be at least 1")
	}
	if c.Lease.MaxDuration < c.Lease.MinDuration {
		errs = append(errs, "lease.max_duration_minutes must not be below lease.min_duration_minutes")
	}
	if c.Lease.DefaultDuration < c.Lease.MinDuration || c.Lease.DefaultDuration > c.Lease.MaxDuration {
		errs = append(errs, "lease.default_duration_minutes must lie within [min, max]")
	}

	minLease := time.Duration(c.Lease.MinDuration) * time.Minute
	if c.Monitor.SweepInterval <= 0 {
		errs = append(errs, "monitor.sweep_interval must be positive")
	} else if c.SweepInterval() >= minLease {
		errs = append(errs, "monitor.sweep_interval must be shorter than lease.min_duration_minutes")
	}
	if c.Monitor.ReconcileInterval < c.Monitor.SweepInterval {
		errs = append(errs, "monitor.reconcile_interval must not be shorter than monitor.sweep_interval")
	}
	if c.Monitor.GraceWindow < 0 || c.GraceWindow() >= minLease {
		errs = append(errs, "monitor.grace_window must be non-negative and shorter than lease.min_duration_minutes")
	}
	if c.Monitor.RenewExtension < 1 {
		errs = append(errs, "monitor.renew_extension_minutes must be at least 1")
	} else if time.Duration(c.Monitor.RenewExtension)*time.Minute <= c.GraceWindow()+c.SweepInterval() {
		// Otherwise a renewed lease is still inside the grace window at the
		// next sweep and is extended again.
		errs = append(errs, "monitor.renew_extension_minutes must exceed monitor.grace_window plus monitor.sweep_interval")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set DEVLEASE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RequestTimeout returns the per-request inventory timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Inventory.Timeout) * time.Second
}

// SweepInterval returns the expiry monitor sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Monitor.SweepInterval) * time.Second
}

// ReconcileInterval returns the reconciliation interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Monitor.ReconcileInterval) * time.Second
}

// GraceWindow returns how long before expiry the monitor renews in-use leases.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.Monitor.GraceWindow) * time.Second
}

// HeartbeatTimeout returns the holder heartbeat timeout, zero when disabled.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Monitor.HeartbeatTimeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
