package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
router:
  host: "10.254.1.2"
  port: 50000
  default_fade_time: 50
devices:
  color_modes:
    "1.2.1.14": "xy"
    "1.2.1.15": "none"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  enabled: true
  host: "0.0.0.0"
  port: 8080
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

	if cfg.Router.Host != "10.254.1.2" {
		t.Errorf("Router.Host = %q, want %q", cfg.Router.Host, "10.254.1.2")
	}

	if cfg.Router.DefaultFadeTime != 50 {
		t.Errorf("Router.DefaultFadeTime = %d, want 50", cfg.Router.DefaultFadeTime)
	}

	if cfg.Devices.ColorModes["1.2.1.14"] != "xy" {
		t.Errorf("ColorModes[1.2.1.14] = %q, want %q", cfg.Devices.ColorModes["1.2.1.14"], "xy")
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
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
router:
  host: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty router.host, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Router:   RouterConfig{Host: "10.254.1.2", Port: 50000},
			Database: DatabaseConfig{Path: "/data/helvard.db"},
			MQTT:     MQTTConfig{QoS: 1},
			API:      APIConfig{Enabled: true, Port: 8080},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing router host",
			mutate:  func(c *Config) { c.Router.Host = "" },
			wantErr: true,
		},
		{
			name:    "invalid router port",
			mutate:  func(c *Config) { c.Router.Port = 0 },
			wantErr: true,
		},
		{
			name:    "negative fade time",
			mutate:  func(c *Config) { c.Router.DefaultFadeTime = -1 },
			wantErr: true,
		},
		{
			name: "invalid color mode",
			mutate: func(c *Config) {
				c.Devices.ColorModes = map[string]string{"1.2.3.4": "rgb"}
			},
			wantErr: true,
		},
		{
			name: "valid color modes",
			mutate: func(c *Config) {
				c.Devices.ColorModes = map[string]string{
					"1.2.3.4": "xy",
					"1.2.3.5": "mireds",
					"1.2.3.6": "none",
				}
			},
			wantErr: false,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "negative history retention",
			mutate:  func(c *Config) { c.Database.HistoryRetentionDays = -1 },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid API port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
		},
		{
			name: "API port ignored when disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
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
		Router: RouterConfig{
			ConnectTimeout: 10,
			QueryTimeout:   5,
		},
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetConnectTimeout().Seconds(); got != 10 {
		t.Errorf("GetConnectTimeout() = %v, want 10", got)
	}

	if got := cfg.GetQueryTimeout().Seconds(); got != 5 {
		t.Errorf("GetQueryTimeout() = %v, want 5", got)
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

	// Set environment variables
	t.Setenv("HELVARD_ROUTER_HOST", "10.254.1.2")
	t.Setenv("HELVARD_ROUTER_PORT", "50001")
	t.Setenv("HELVARD_DATABASE_PATH", "/custom/path.db")
	t.Setenv("HELVARD_MQTT_HOST", "mqtt.example.com")
	t.Setenv("HELVARD_MQTT_USERNAME", "testuser")
	t.Setenv("HELVARD_MQTT_PASSWORD", "testpass")
	t.Setenv("HELVARD_API_HOST", "192.168.1.1")
	t.Setenv("HELVARD_INFLUXDB_TOKEN", "secret-token")

	applyEnvOverrides(cfg)

	if cfg.Router.Host != "10.254.1.2" {
		t.Errorf("Router.Host = %q, want %q", cfg.Router.Host, "10.254.1.2")
	}

	if cfg.Router.Port != 50001 {
		t.Errorf("Router.Port = %d, want 50001", cfg.Router.Port)
	}

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
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

	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}

	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Router.Port != 50000 {
		t.Errorf("defaultConfig Router.Port = %d, want 50000", cfg.Router.Port)
	}

	if cfg.Router.DefaultFadeTime != 100 {
		t.Errorf("defaultConfig Router.DefaultFadeTime = %d, want 100", cfg.Router.DefaultFadeTime)
	}

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.MQTT.TopicPrefix != "helvard" {
		t.Errorf("defaultConfig MQTT.TopicPrefix = %q, want %q", cfg.MQTT.TopicPrefix, "helvard")
	}

	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
