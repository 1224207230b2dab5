// Package config loads the engine's YAML configuration with environment
// variable overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the ledger engine.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
	Risk    Risk    `yaml:"risk"`
	Engine  Engine  `yaml:"engine"`
}

// Server holds network listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Storage selects the persistence backends. An empty DatabaseURL runs
// the engine on the in-memory store (development and tests).
type Storage struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Risk holds the margin evaluator's policy parameters.
type Risk struct {
	MaintenanceRatio      string `yaml:"maintenance_ratio"`       // default "1.0"
	AutoLiquidationRatio  string `yaml:"auto_liquidation_ratio"`  // default "1.25"
	DefaultMaintenancePct string `yaml:"default_maintenance_pct"` // default "0.15"
}

// Engine holds core engine parameters.
type Engine struct {
	// ScopeWait bounds how long a mutation waits for its account scope
	// before failing with a concurrency conflict.
	ScopeWait Duration `yaml:"scope_wait"`
}

// Duration decodes YAML duration strings like "500ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Load reads the YAML configuration file at the given path, parses it,
// and applies environment variable overrides. A missing file is not an
// error: defaults plus environment variables apply.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:  Server{Host: "0.0.0.0", Port: 8080},
		Logging: Logging{Level: "info", Format: "json"},
		Risk: Risk{
			MaintenanceRatio:      "1.0",
			AutoLiquidationRatio:  "1.25",
			DefaultMaintenancePct: "0.15",
		},
		Engine: Engine{ScopeWait: Duration(2 * time.Second)},
	}
}

// applyEnvOverrides checks well-known environment variables and
// overrides the corresponding fields when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MAINTENANCE_RATIO"); v != "" {
		cfg.Risk.MaintenanceRatio = v
	}
	if v := os.Getenv("AUTO_LIQUIDATION_RATIO"); v != "" {
		cfg.Risk.AutoLiquidationRatio = v
	}
}
