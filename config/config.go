// Package config loads tempo's configuration from file and environment
// using Viper. File format is TOML; every key can be overridden through a
// TEMPO_-prefixed environment variable (dots become underscores).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full tempo daemon configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Logs      LogsConfig      `mapstructure:"logs"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the reconciliation loop.
type SchedulerConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// Interval returns the tick interval as a duration.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// WorkerConfig configures the in-process worker pool.
type WorkerConfig struct {
	Workers        int `mapstructure:"workers"`
	PollIntervalMS int `mapstructure:"poll_interval_ms"`
}

// PollInterval returns the queue poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// LogsConfig bounds run log reads.
type LogsConfig struct {
	MaxResults int `mapstructure:"max_results"`
	BatchSize  int `mapstructure:"batch_size"`
}

// NotifyConfig configures run notifications.
type NotifyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Sender  string `mapstructure:"sender"` // "log" for now; SMTP settings would hang off here
}

// SetDefaults configures default values for all options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "tempo.db")

	v.SetDefault("scheduler.interval_seconds", 1)

	v.SetDefault("worker.workers", 4)
	v.SetDefault("worker.poll_interval_ms", 500)

	v.SetDefault("logs.max_results", 500)
	v.SetDefault("logs.batch_size", 100)

	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.sender", "log")
}

// Load reads configuration from the default locations: ./tempo.toml, then
// $HOME/.config/tempo/tempo.toml, with environment overrides on top. A
// missing file is fine; defaults apply.
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("tempo")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "tempo"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return unmarshal(v)
}

// LoadFromFile reads configuration from an explicit path.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return unmarshal(v)
}

// LoadWithViper loads configuration from a prepared Viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TEMPO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
