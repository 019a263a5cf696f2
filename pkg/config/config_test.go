package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8019 {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Queue.PollInterval != time.Second || cfg.Queue.JobTimeout != 15*time.Second {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Queue.MaxRetries != 1 || cfg.Queue.BatchSize != 10 {
		t.Errorf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.MQTT.Enabled || cfg.MQTT.QoS != 1 || cfg.MQTT.TopicPrefix != "fiscal" {
		t.Errorf("mqtt defaults = %+v", cfg.MQTT)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %s", cfg.ShutdownTimeout)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
  format: json
server:
  port: 9090
database:
  type: sqlite
  sqlite:
    path: ` + filepath.Join(dir, "gw.db") + `
queue:
  poll_interval: 250ms
  job_timeout: 5s
mqtt:
  enabled: true
  broker_url: tcp://localhost:1883
  topic_prefix: pos
dry_run: true
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("level not normalized: %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("format = %q", cfg.Logging.Format)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Queue.PollInterval != 250*time.Millisecond {
		t.Errorf("poll interval = %s", cfg.Queue.PollInterval)
	}
	if cfg.Queue.JobTimeout != 5*time.Second {
		t.Errorf("job timeout = %s", cfg.Queue.JobTimeout)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.TopicPrefix != "pos" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if !cfg.DryRun {
		t.Error("dry_run not loaded")
	}
	// Unset sections keep their defaults.
	if cfg.Queue.MaxRetries != 1 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8019 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "VERBOSE" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.BrokerURL = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Server.Port = 9999
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %o", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Errorf("port after round trip = %d", loaded.Server.Port)
	}
}
