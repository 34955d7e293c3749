// Package config loads the studyroom client configuration from an optional
// YAML file with STUDYROOM_* environment overrides on top.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds everything the client needs to join a room.
type Config struct {
	HTTPBase string `yaml:"http_base" envconfig:"HTTP_BASE"`
	WSBase   string `yaml:"ws_base" envconfig:"WS_BASE"`
	NATSURL  string `yaml:"nats_url" envconfig:"NATS_URL"`
	DataDir  string `yaml:"data_dir" envconfig:"DATA_DIR"`

	FocusMinutes int `yaml:"focus_minutes" envconfig:"FOCUS_MINUTES"`
	BreakMinutes int `yaml:"break_minutes" envconfig:"BREAK_MINUTES"`

	LogLevel string `yaml:"log_level" envconfig:"LOG_LEVEL"`
}

func defaults() Config {
	return Config{
		HTTPBase:     "http://localhost:8080",
		WSBase:       "ws://localhost:8080",
		NATSURL:      "nats://localhost:4222",
		DataDir:      "./data",
		FocusMinutes: 25,
		BreakMinutes: 5,
		LogLevel:     "info",
	}
}

// Load starts from the defaults, merges the YAML file at path when it
// exists, then applies environment overrides on top. An empty path skips
// the file step entirely.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine, defaults and env carry it.
		case err != nil:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	// Environment wins over the file. Without default tags envconfig only
	// touches fields whose variables are actually set.
	if err := envconfig.Process("STUDYROOM", &cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPBase == "" {
		return fmt.Errorf("http_base must not be empty")
	}
	if c.WSBase == "" {
		return fmt.Errorf("ws_base must not be empty")
	}
	if c.FocusMinutes <= 0 || c.BreakMinutes <= 0 {
		return fmt.Errorf("timer lengths must be positive, got focus=%d break=%d", c.FocusMinutes, c.BreakMinutes)
	}
	return nil
}
