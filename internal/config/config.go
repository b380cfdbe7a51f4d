// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int `mapstructure:"http_port"`

	// Database
	DatabaseURL string `mapstructure:"database_url"`

	// Worker transport
	WorkerURL     string        `mapstructure:"worker_url"`
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`

	// Scheduling
	MaxParallel  int  `mapstructure:"max_parallel"`
	TestsEnabled bool `mapstructure:"tests_enabled"`

	// Routing
	TransitionTablePath string `mapstructure:"transition_table_path"`
	OverridePolicyPath  string `mapstructure:"override_policy_path"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("database_url", "file:foreman.db?mode=rwc&_journal_mode=WAL&_busy_timeout=5000")
	v.SetDefault("worker_url", "http://localhost:8090")
	v.SetDefault("worker_timeout", 5*time.Minute)
	v.SetDefault("max_parallel", 4)
	v.SetDefault("tests_enabled", true)
	v.SetDefault("transition_table_path", "")
	v.SetDefault("override_policy_path", "")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from an optional YAML file plus FOREMAN_*
// environment variables. A missing file is fine; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("foreman")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.foreman")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.MaxParallel <= 0 {
		return nil, fmt.Errorf("max_parallel must be positive, got %d", cfg.MaxParallel)
	}
	return &cfg, nil
}
