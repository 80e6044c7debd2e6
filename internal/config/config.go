// Package config loads the service configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all service settings.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Market struct {
		// MinPrice and MaxPrice bound every submitted price,
		// currency minor units.
		MinPrice uint64 `yaml:"min_price"`
		MaxPrice uint64 `yaml:"max_price"`
		// AutoSMP recomputes the SMP after every accepted bid.
		AutoSMP bool `yaml:"auto_smp"`
	} `yaml:"market"`

	Storage struct {
		DatabaseURL string `yaml:"database_url"`
		RedisURL    string `yaml:"redis_url"`
		CacheTTLSec int    `yaml:"cache_ttl_sec"`
	} `yaml:"storage"`

	Registry struct {
		// SeedFile is a YAML file of registered suppliers/consumers used
		// when the external registry service is not wired in.
		SeedFile string `yaml:"seed_file"`
	} `yaml:"registry"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Market.MaxPrice = 1000
	cfg.Storage.CacheTTLSec = 30
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads the YAML file at path (skipped when empty) and applies env
// overrides PORT, DATABASE_URL and REDIS_URL on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}

	if cfg.Market.MaxPrice <= cfg.Market.MinPrice {
		return nil, fmt.Errorf("config: max_price %d must exceed min_price %d",
			cfg.Market.MaxPrice, cfg.Market.MinPrice)
	}
	return cfg, nil
}
