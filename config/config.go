// Package config loads the broker's runtime configuration from
// .relaybridge/config.yaml, environment variables, and built-in
// defaults, writing a default file on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

const (
	configDirName  = ".relaybridge"
	configFileName = "config"
	envPrefix      = "RELAYBRIDGE"
)

// Config is the broker's full set of recognized runtime options.
type Config struct {
	ListenAddress     string        `mapstructure:"listen_address"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessWindow    time.Duration `mapstructure:"liveness_window"`
	ResponseWait      time.Duration `mapstructure:"response_wait"`
	AcquireWait       time.Duration `mapstructure:"acquire_wait"`
	LogLevel          string        `mapstructure:"log_level"`
	// APIKeys seeds the rate limiter's per-key token balances at
	// startup, keyed by the bearer token callers present.
	APIKeys map[string]int `mapstructure:"api_keys"`
}

// Default returns the built-in defaults for every option.
func Default() *Config {
	return &Config{
		ListenAddress:     ":8080",
		MaxWorkers:        0,
		HeartbeatInterval: 25 * time.Second,
		LivenessWindow:    30 * time.Second,
		ResponseWait:      120 * time.Second,
		AcquireWait:       10 * time.Second,
		LogLevel:          "info",
		APIKeys:           map[string]int{},
	}
}

// Load reads configuration from projectDir/.relaybridge/config.yaml,
// falling back to defaults and environment variables (RELAYBRIDGE_*).
// A default config file is written on first run when none exists.
func Load(projectDir string) (*Config, error) {
	configDir := filepath.Join(projectDir, configDirName)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	defaults := Default()
	setDefaults(v, defaults)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			configPath := filepath.Join(configDir, configFileName+".yaml")
			if err := WriteDefault(configPath); err != nil {
				return nil, fmt.Errorf("writing default config: %w", err)
			}
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("reading newly written config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// WriteDefault writes the built-in defaults to path in YAML form.
func WriteDefault(path string) error {
	v := viper.New()
	setDefaults(v, Default())
	return v.WriteConfigAs(path)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("listen_address", cfg.ListenAddress)
	v.SetDefault("max_workers", cfg.MaxWorkers)
	v.SetDefault("heartbeat_interval", cfg.HeartbeatInterval)
	v.SetDefault("liveness_window", cfg.LivenessWindow)
	v.SetDefault("response_wait", cfg.ResponseWait)
	v.SetDefault("acquire_wait", cfg.AcquireWait)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("api_keys", cfg.APIKeys)
}
