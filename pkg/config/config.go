// Package config loads the gateway configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/datecs-gw/fiscalgw/pkg/controlplane/store"
)

// Config represents the gateway configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (FISCALGW_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Server configures the REST listener
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Database configures the control plane database (SQLite or PostgreSQL).
	// This is the persistent store for the printer fleet, jobs and logs.
	Database store.Config `mapstructure:"database" yaml:"database"`

	// Queue tunes the job dispatcher
	Queue QueueConfig `mapstructure:"queue" yaml:"queue"`

	// MQTT configures the optional broker bridge
	MQTT MQTTConfig `mapstructure:"mqtt" yaml:"mqtt"`

	// Metrics contains Prometheus metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// DryRun forces every device operation into dry-run mode, gateway-wide
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the REST listener.
type ServerConfig struct {
	// Host is the bind address. Default: 127.0.0.1, the gateway is a local
	// service.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the HTTP port. Default: 8019
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// QueueConfig tunes the job dispatcher.
type QueueConfig struct {
	// PollInterval is the queue scan period. Default: 1s
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"omitempty,gt=0" yaml:"poll_interval"`

	// JobTimeout bounds one job execution. Default: 15s
	JobTimeout time.Duration `mapstructure:"job_timeout" validate:"omitempty,gt=0" yaml:"job_timeout"`

	// MaxRetries is how many times a failed execution is requeued. Default: 1
	MaxRetries int `mapstructure:"max_retries" validate:"min=0" yaml:"max_retries"`

	// BatchSize caps the jobs claimed per poll. Default: 10
	BatchSize int `mapstructure:"batch_size" validate:"min=0" yaml:"batch_size"`
}

// MQTTConfig configures the optional broker bridge.
type MQTTConfig struct {
	// Enabled controls whether the bridge connects at startup
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// BrokerURL is the broker address, e.g. tcp://localhost:1883
	BrokerURL string `mapstructure:"broker_url" yaml:"broker_url"`

	ClientID string `mapstructure:"client_id" yaml:"client_id,omitempty"`
	Username string `mapstructure:"username" yaml:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`

	// QoS is the publish and subscribe quality of service. Default: 1
	QoS byte `mapstructure:"qos" validate:"max=2" yaml:"qos"`

	KeepAlive time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`

	// TopicPrefix roots the topic tree. Default: "fiscal"
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`

	// ResultWait bounds the wait for a job result before the bridge reports
	// the job as still pending. Default: 30s
	ResultWait time.Duration `mapstructure:"result_wait" yaml:"result_wait"`
}

// MetricsConfig configures Prometheus metrics exposure on /metrics.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 0600: the file may carry broker credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file
// settings. Environment variables use the FISCALGW_ prefix, for example
// FISCALGW_LOGGING_LEVEL=DEBUG or FISCALGW_MQTT_BROKER_URL.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("FISCALGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook converts config-file strings like "30s" or "5m" to
// time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fiscalgw")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "fiscalgw")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
