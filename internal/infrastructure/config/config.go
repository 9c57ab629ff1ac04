package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
)

// Config is the root configuration structure for the persistence host.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	Persistence PersistenceConfig `yaml:"persistence"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Admin       AdminConfig       `yaml:"admin"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains relational store connection settings.
type DatabaseConfig struct {
	// Driver is the database/sql driver name: sqlite3, sqlite or pgx.
	Driver string `yaml:"driver"`

	// URL is a file path for the SQLite drivers and a postgres:// URL for pgx.
	URL string `yaml:"url"`

	User     string `yaml:"user"`
	Password string `yaml:"password"`

	MinIdleConnections    int `yaml:"min_idle_connections"`
	MaxIdleConnections    int `yaml:"max_idle_connections"`
	MaxOpenConnections    int `yaml:"max_open_connections"`
	MaxPreparedStatements int `yaml:"max_prepared_statements"`

	// BusyTimeout is the maximum time to wait for a SQLite lock (seconds).
	BusyTimeout int  `yaml:"busy_timeout"`
	WALMode     bool `yaml:"wal_mode"`

	// Migrate applies embedded schema migrations at startup.
	Migrate bool `yaml:"migrate"`
}

// PersistenceConfig contains settings for the unit-of-work core.
type PersistenceConfig struct {
	// NotifyChanges publishes committed change sets over MQTT.
	NotifyChanges bool `yaml:"notify_changes"`

	// ChangeTopic overrides the default change-set topic.
	ChangeTopic string `yaml:"change_topic"`

	// RecordChanges writes committed change sets to the change_log table.
	RecordChanges bool `yaml:"record_changes"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// AdminConfig contains the health/metrics HTTP server settings.
type AdminConfig struct {
	Enabled  bool               `yaml:"enabled"`
	Host     string             `yaml:"host"`
	Port     int                `yaml:"port"`
	Timeouts AdminTimeoutConfig `yaml:"timeouts"`
}

// AdminTimeoutConfig contains HTTP timeout settings (seconds).
type AdminTimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment overrides.
//
// The loading process:
//  1. Start with default values
//  2. Override with values from the YAML file
//  3. Override with environment variables (GRAYLOGIC_* prefix)
//  4. Validate the final configuration
//
// Environment variable format: GRAYLOGIC_{SECTION}_{KEY}
// For example: GRAYLOGIC_DATABASE_URL, GRAYLOGIC_ADMIN_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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
// Pool sizing defaults match the historical db.conf values (5/20/20).
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Driver:                database.DriverSQLite3,
			URL:                   "./data/graylogic.db",
			MinIdleConnections:    database.DefaultMinIdleConnections,
			MaxIdleConnections:    database.DefaultMaxIdleConnections,
			MaxPreparedStatements: database.DefaultMaxPreparedStatements,
			BusyTimeout:           5,
			WALMode:               true,
			Migrate:               true,
		},
		Persistence: PersistenceConfig{
			RecordChanges: true,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-persistence",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9090,
			Timeouts: AdminTimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database (credentials should always come from the environment)
	if v := os.Getenv("GRAYLOGIC_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("GRAYLOGIC_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("GRAYLOGIC_DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("GRAYLOGIC_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// Admin
	if v := os.Getenv("GRAYLOGIC_ADMIN_HOST"); v != "" {
		cfg.Admin.Host = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Database validation
	switch c.Database.Driver {
	case database.DriverSQLite3, database.DriverSQLite:
	case database.DriverPostgres:
		if c.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver (set GRAYLOGIC_DATABASE_USER)")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite3, sqlite, pgx)", c.Database.Driver))
	}
	if c.Database.URL == "" {
		errs = append(errs, "database.url is required")
	}
	if c.Database.MinIdleConnections < 0 || c.Database.MaxIdleConnections < 0 {
		errs = append(errs, "database idle connection limits must not be negative")
	}
	if c.Database.MaxIdleConnections < c.Database.MinIdleConnections {
		errs = append(errs, "database.max_idle_connections must be >= database.min_idle_connections")
	}
	if c.Database.MaxPreparedStatements < 0 {
		errs = append(errs, "database.max_prepared_statements must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Persistence.NotifyChanges && !c.MQTT.Enabled {
		errs = append(errs, "persistence.notify_changes requires mqtt.enabled")
	}

	// Admin validation
	if c.Admin.Enabled && (c.Admin.Port < 1 || c.Admin.Port > 65535) {
		errs = append(errs, "admin.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DatabaseOptions maps the database section onto the pool configuration.
func (c *Config) DatabaseOptions() database.Config {
	return database.Config{
		Driver:                c.Database.Driver,
		URL:                   c.Database.URL,
		User:                  c.Database.User,
		Password:              c.Database.Password,
		MinIdleConnections:    c.Database.MinIdleConnections,
		MaxIdleConnections:    c.Database.MaxIdleConnections,
		MaxOpenConnections:    c.Database.MaxOpenConnections,
		MaxPreparedStatements: c.Database.MaxPreparedStatements,
		BusyTimeout:           c.Database.BusyTimeout,
		WALMode:               c.Database.WALMode,
	}
}

// GetReadTimeout returns the admin read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.Admin.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the admin write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Admin.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the admin idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Admin.Timeouts.Idle) * time.Second
}
