package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/database"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
database:
  driver: "sqlite3"
  url: "/tmp/test.db"
  min_idle_connections: 2
  max_idle_connections: 4
  max_prepared_statements: 8
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
admin:
  enabled: true
  port: 9191
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.URL != "/tmp/test.db" {
		t.Errorf("Database.URL = %q, want %q", cfg.Database.URL, "/tmp/test.db")
	}
	if cfg.Database.MaxPreparedStatements != 8 {
		t.Errorf("Database.MaxPreparedStatements = %d, want 8", cfg.Database.MaxPreparedStatements)
	}
	if cfg.Admin.Port != 9191 {
		t.Errorf("Admin.Port = %d, want 9191", cfg.Admin.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
database:
  driver: "oracle"
  url: "/tmp/test.db"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for unsupported driver, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config { return defaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: true,
		},
		{
			name:    "missing database url",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: true,
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "mysql" },
			wantErr: true,
		},
		{
			name: "postgres without user",
			mutate: func(c *Config) {
				c.Database.Driver = database.DriverPostgres
				c.Database.URL = "postgres://db.local/graylogic"
			},
			wantErr: true,
		},
		{
			name: "postgres with user",
			mutate: func(c *Config) {
				c.Database.Driver = database.DriverPostgres
				c.Database.URL = "postgres://db.local/graylogic"
				c.Database.User = "graylogic"
			},
			wantErr: false,
		},
		{
			name: "max idle below min idle",
			mutate: func(c *Config) {
				c.Database.MinIdleConnections = 10
				c.Database.MaxIdleConnections = 2
			},
			wantErr: true,
		},
		{
			name:    "negative prepared statements",
			mutate:  func(c *Config) { c.Database.MaxPreparedStatements = -1 },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "notifications without mqtt",
			mutate:  func(c *Config) { c.Persistence.NotifyChanges = true },
			wantErr: true,
		},
		{
			name:    "invalid admin port",
			mutate:  func(c *Config) { c.Admin.Port = 70000 },
			wantErr: true,
		},
		{
			name: "admin port ignored when disabled",
			mutate: func(c *Config) {
				c.Admin.Enabled = false
				c.Admin.Port = 0
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		Admin: AdminConfig{
			Timeouts: AdminTimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_DATABASE_DRIVER", "pgx")
	t.Setenv("GRAYLOGIC_DATABASE_URL", "postgres://db.local/graylogic")
	t.Setenv("GRAYLOGIC_DATABASE_USER", "graylogic")
	t.Setenv("GRAYLOGIC_DATABASE_PASSWORD", "s3cret")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_ADMIN_HOST", "192.168.1.1")

	applyEnvOverrides(cfg)

	if cfg.Database.Driver != "pgx" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "pgx")
	}
	if cfg.Database.URL != "postgres://db.local/graylogic" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if cfg.Database.User != "graylogic" || cfg.Database.Password != "s3cret" {
		t.Errorf("Database credentials = %q/%q", cfg.Database.User, cfg.Database.Password)
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if cfg.Admin.Host != "192.168.1.1" {
		t.Errorf("Admin.Host = %q, want %q", cfg.Admin.Host, "192.168.1.1")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Database.MinIdleConnections != 5 {
		t.Errorf("MinIdleConnections = %d, want 5", cfg.Database.MinIdleConnections)
	}
	if cfg.Database.MaxIdleConnections != 20 {
		t.Errorf("MaxIdleConnections = %d, want 20", cfg.Database.MaxIdleConnections)
	}
	if cfg.Database.MaxPreparedStatements != 20 {
		t.Errorf("MaxPreparedStatements = %d, want 20", cfg.Database.MaxPreparedStatements)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if !cfg.Persistence.RecordChanges || cfg.Persistence.NotifyChanges {
		t.Errorf("Persistence = %+v, want recording on and notifications off", cfg.Persistence)
	}
}

func TestDatabaseOptions(t *testing.T) {
	cfg := defaultConfig()
	cfg.Database.User = "svc"

	opts := cfg.DatabaseOptions()
	if opts.Driver != cfg.Database.Driver || opts.URL != cfg.Database.URL {
		t.Errorf("DatabaseOptions() driver/url = %q/%q", opts.Driver, opts.URL)
	}
	if opts.User != "svc" {
		t.Errorf("DatabaseOptions().User = %q, want svc", opts.User)
	}
	if opts.MaxPreparedStatements != cfg.Database.MaxPreparedStatements {
		t.Errorf("DatabaseOptions().MaxPreparedStatements = %d", opts.MaxPreparedStatements)
	}
}
