// Package config loads the engine configuration from a YAML file, a .env
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Ticker   TickerConfig   `yaml:"ticker"`
	Storage  StorageConfig  `yaml:"storage"`
	Limits   LimitsConfig   `yaml:"limits"`
	Accounts AccountsConfig `yaml:"accounts"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// TickerConfig sets the price refresh and settlement sweep periods.
type TickerConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"` // e.g. 50ms
	SweepInterval   time.Duration `yaml:"sweep_interval"`   // e.g. 200ms
}

// StorageConfig controls where snapshots are persisted.
type StorageConfig struct {
	Driver         string        `yaml:"driver"`           // memory | sqlite | postgres
	DSN            string        `yaml:"dsn"`              // SQLite file path or PostgreSQL URL
	RedisURL       string        `yaml:"redis_url"`        // optional read-through cache
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	FlushPerSecond float64       `yaml:"flush_per_second"` // snapshot flush rate limit
}

// LimitsConfig holds trade validation limits. Zero stake limits disable
// the corresponding check.
type LimitsConfig struct {
	MaxStakePerAsset   decimal.Decimal `yaml:"max_stake_per_asset"`
	MaxCorrelatedStake decimal.Decimal `yaml:"max_correlated_stake"`
	MinStake           decimal.Decimal `yaml:"min_stake"`
}

// AccountsConfig controls new-user accounts.
type AccountsConfig struct {
	DemoStartingBalance decimal.Decimal `yaml:"demo_starting_balance"`
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path and the .env file if present. A missing
// config file is not an error: defaults and the environment apply.
func Load(path string) (*Config, error) {
	// Load .env if present; a missing file is fine.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides replaces values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.Driver = DriverSQLite
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = DriverPostgres
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults fills every unset value.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Ticker.RefreshInterval <= 0 {
		cfg.Ticker.RefreshInterval = 50 * time.Millisecond
	}
	if cfg.Ticker.SweepInterval <= 0 {
		cfg.Ticker.SweepInterval = 200 * time.Millisecond
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverMemory
	}
	if cfg.Storage.Driver == DriverSQLite && cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "otc-engine.db"
	}
	if cfg.Storage.CacheTTL <= 0 {
		cfg.Storage.CacheTTL = 30 * time.Second
	}
	if cfg.Storage.FlushPerSecond <= 0 {
		cfg.Storage.FlushPerSecond = 4
	}
	if cfg.Limits.MaxStakePerAsset.IsZero() {
		cfg.Limits.MaxStakePerAsset = decimal.NewFromInt(5000)
	}
	if cfg.Limits.MaxCorrelatedStake.IsZero() {
		cfg.Limits.MaxCorrelatedStake = decimal.NewFromInt(20000)
	}
	if cfg.Limits.MinStake.IsZero() {
		cfg.Limits.MinStake = decimal.NewFromInt(1)
	}
	if cfg.Accounts.DemoStartingBalance.IsZero() {
		cfg.Accounts.DemoStartingBalance = decimal.NewFromInt(10000)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Limits.MinStake.IsNegative() || c.Limits.MaxStakePerAsset.IsNegative() || c.Limits.MaxCorrelatedStake.IsNegative() {
		return errors.New("stake limits must not be negative")
	}
	if c.Accounts.DemoStartingBalance.IsNegative() {
		return errors.New("accounts.demo_starting_balance must not be negative")
	}
	return nil
}

// NewLogger builds the process logger. JSON is the default format.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if c.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
