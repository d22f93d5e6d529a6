// Package config loads engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

// Config is the engine configuration
type Config struct {
	Solver  SolverConfig  `yaml:"solver"`
	Logging LoggingConfig `yaml:"logging"`
}

// Duration parses YAML strings like "30s" or "2m"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, internalerr.ErrInvalidConfig)
	}
	*d = Duration(parsed)
	return nil
}

// SolverConfig bounds and shapes the search
type SolverConfig struct {
	// MaxSteps bounds search iterations; zero means unbounded.
	MaxSteps int64 `yaml:"max_steps"`

	// Timeout bounds the whole solve; zero means none. Cancellation
	// is polled between propagation rounds.
	Timeout Duration `yaml:"timeout"`

	// PortfolioWorkers runs that many solver instances in parallel
	// with different branch-order seeds; values below two mean a
	// single-threaded solve.
	PortfolioWorkers int `yaml:"portfolio_workers"`
}

// LoggingConfig controls engine logging
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Solver: SolverConfig{
			PortfolioWorkers: 1,
		},
		Logging: LoggingConfig{Level: "error"},
	}
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honor
func (c Config) Validate() error {
	if c.Solver.MaxSteps < 0 {
		return fmt.Errorf("solver.max_steps must not be negative: %w", internalerr.ErrInvalidConfig)
	}
	if c.Solver.Timeout < 0 {
		return fmt.Errorf("solver.timeout must not be negative: %w", internalerr.ErrInvalidConfig)
	}
	if c.Solver.PortfolioWorkers < 0 {
		return fmt.Errorf("solver.portfolio_workers must not be negative: %w", internalerr.ErrInvalidConfig)
	}
	if c.Logging.Level != "" {
		if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %v: %w", err, internalerr.ErrInvalidConfig)
		}
	}
	return nil
}
