// Package config loads application configuration from defaults, an optional
// YAML file and LANEQUEUE_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels: LANEQUEUE_DATABASE__MAX_OPEN_CONNS.
const EnvPrefix = "LANEQUEUE_"

// Storage drivers.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config is the application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Storage    StorageConfig    `koanf:"storage"`
	Log        LogConfig        `koanf:"log"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// StorageConfig selects the queue storage backend.
type StorageConfig struct {
	Driver string `koanf:"driver"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DispatcherConfig contains queue dispatcher settings.
type DispatcherConfig struct {
	Enabled        bool          `koanf:"enabled"`
	NumWorkers     int           `koanf:"num_workers"`
	BatchSize      int           `koanf:"batch_size"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	ClaimRate      float64       `koanf:"claim_rate"`
	ClaimBurst     int           `koanf:"claim_burst"`
	MaxRetries     int           `koanf:"max_retries"`
	HandlerTimeout time.Duration `koanf:"handler_timeout"`
	SaveAttempts   int           `koanf:"save_attempts"`
	SaveBackoff    time.Duration `koanf:"save_backoff"`
}

// MetricsConfig contains background metrics collection settings.
type MetricsConfig struct {
	QueueStatsInterval time.Duration `koanf:"queue_stats_interval"`
}

// Default returns built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Storage: StorageConfig{
			Driver: StorageDriverPostgres,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Dispatcher: DispatcherConfig{
			Enabled:        true,
			NumWorkers:     2,
			BatchSize:      10,
			PollInterval:   1 * time.Second,
			ClaimBurst:     1,
			MaxRetries:     3,
			HandlerTimeout: 5 * time.Minute,
			SaveAttempts:   5,
			SaveBackoff:    200 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			QueueStatsInterval: 15 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envKey maps LANEQUEUE_DATABASE__MAX_OPEN_CONNS to database.max_open_conns.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case StorageDriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres storage driver"))
		}
	case StorageDriverMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be %q or %q, got %q",
			StorageDriverPostgres, StorageDriverMemory, c.Storage.Driver))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	if c.Dispatcher.Enabled {
		if c.Dispatcher.NumWorkers <= 0 {
			errs = append(errs, errors.New("dispatcher.num_workers must be positive"))
		}
		if c.Dispatcher.BatchSize <= 0 {
			errs = append(errs, errors.New("dispatcher.batch_size must be positive"))
		}
		if c.Dispatcher.PollInterval <= 0 {
			errs = append(errs, errors.New("dispatcher.poll_interval must be positive"))
		}
		if c.Dispatcher.ClaimRate < 0 {
			errs = append(errs, errors.New("dispatcher.claim_rate must not be negative"))
		}
		if c.Dispatcher.MaxRetries < 0 {
			errs = append(errs, errors.New("dispatcher.max_retries must not be negative"))
		}
		if c.Dispatcher.SaveAttempts <= 0 {
			errs = append(errs, errors.New("dispatcher.save_attempts must be positive"))
		}
	}

	if c.Metrics.QueueStatsInterval <= 0 {
		errs = append(errs, errors.New("metrics.queue_stats_interval must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
