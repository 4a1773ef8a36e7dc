// Package config loads server configuration from an optional YAML file
// with environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs to start.
type Config struct {
	ListenAddr    string        `yaml:"listen_addr"`
	RedisAddr     string        `yaml:"redis_addr"`
	EncryptionKey string        `yaml:"encryption_key"`
	Environment   string        `yaml:"environment"`
	OnlineTTL     time.Duration `yaml:"online_ttl"`
	RoomTTL       time.Duration `yaml:"room_ttl"`
	PostLimit     int           `yaml:"post_limit"`
	PostWindow    time.Duration `yaml:"post_window"`
	MaxConns      int           `yaml:"max_conns"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:  ":3002",
		RedisAddr:   "localhost:6379",
		Environment: "production",
		OnlineTTL:   24 * time.Hour,
		RoomTTL:     10 * time.Minute,
		PostLimit:   20,
		PostWindow:  time.Minute,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption key cannot be empty")
	}
	if c.PostLimit < 0 {
		return fmt.Errorf("post limit cannot be negative")
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("max connections cannot be negative")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout cannot be negative")
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
