// Package config reads idpool settings from the environment, optionally
// seeded from .env files. Process environment always wins over file values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds every runtime knob of the pool.
type Config struct {
	// Backend selection and connection
	Store       string `env:"IDPOOL_STORE" envDefault:"memory"`
	PostgresDSN string `env:"IDPOOL_PG_DSN"`
	RedisURL    string `env:"IDPOOL_REDIS_URL"`
	RedisPrefix string `env:"IDPOOL_REDIS_PREFIX" envDefault:"idpool:"`

	// Allocator
	LowWaterMark       int           `env:"IDPOOL_LOW_WATER_MARK" envDefault:"1000"`
	LeaseTimeout       time.Duration `env:"IDPOOL_LEASE_TIMEOUT" envDefault:"15m"`
	GenerationAttempts int           `env:"IDPOOL_GENERATION_ATTEMPTS" envDefault:"5"`
	SuffixMax          int           `env:"IDPOOL_ID_SUFFIX_MAX" envDefault:"999"`
	ReplenishRPS       float64       `env:"IDPOOL_REPLENISH_RPS" envDefault:"0"` // 0 disables throttling

	// Numeric generator placement
	NumericShard  uint8 `env:"IDPOOL_NUMERIC_SHARD" envDefault:"0"`
	NumericWorker uint8 `env:"IDPOOL_NUMERIC_WORKER" envDefault:"0"`

	LogLevel string `env:"IDPOOL_LOG_LEVEL" envDefault:"info"`
}

// Load reads files (".env" when none are given; a missing default file is
// fine) underneath the process environment and validates the result.
func Load(files ...string) (*Config, error) {
	fromFiles := map[string]string{}
	if len(files) == 0 {
		m, err := godotenv.Read(".env")
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read .env: %w", err)
		}
		if err == nil {
			fromFiles = m
		}
	} else {
		m, err := godotenv.Read(files...)
		if err != nil {
			return nil, fmt.Errorf("config: read env files: %w", err)
		}
		fromFiles = m
	}
	for k, v := range env.ToMap(os.Environ()) {
		fromFiles[k] = v
	}
	return parse(fromFiles)
}

func parse(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("IDPOOL_PG_DSN is required for the postgres store"))
		}
	case StoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("IDPOOL_REDIS_URL is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("IDPOOL_STORE %q is not one of memory, postgres, redis", c.Store))
	}
	if c.LowWaterMark < 0 {
		errs = append(errs, errors.New("IDPOOL_LOW_WATER_MARK must not be negative"))
	}
	if c.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("IDPOOL_LEASE_TIMEOUT must be positive"))
	}
	if c.GenerationAttempts <= 0 {
		errs = append(errs, errors.New("IDPOOL_GENERATION_ATTEMPTS must be positive"))
	}
	if c.SuffixMax < 0 {
		errs = append(errs, errors.New("IDPOOL_ID_SUFFIX_MAX must not be negative"))
	}
	if c.ReplenishRPS < 0 {
		errs = append(errs, errors.New("IDPOOL_REPLENISH_RPS must not be negative"))
	}
	if c.NumericShard > 31 || c.NumericWorker > 31 {
		errs = append(errs, errors.New("IDPOOL_NUMERIC_SHARD and IDPOOL_NUMERIC_WORKER must be in 0..31"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
