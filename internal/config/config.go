// Package config loads service configuration from a YAML file overlaid with
// STATECACHE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "STATECACHE_"

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Engine    EngineConfig    `yaml:"engine" envPrefix:"ENGINE_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	AdminKey        string        `yaml:"admin_key" env:"ADMIN_KEY"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	HistoryLimit    int           `yaml:"history_limit" env:"HISTORY_LIMIT"`
}

// CacheConfig selects the fast store. Backend is "memory" or "redis".
type CacheConfig struct {
	Backend   string `yaml:"backend" env:"BACKEND"`
	Addr      string `yaml:"addr" env:"ADDR"`
	Username  string `yaml:"username" env:"USERNAME"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// StoreConfig selects the durable store. Driver is "sqlite3" or "postgres";
// for sqlite3 the DSN is a file path.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// AuthConfig selects how tokens are verified. Mode is "token" (users
// table), "jwt", or "none".
type AuthConfig struct {
	Mode      string        `yaml:"mode" env:"MODE"`
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer string        `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	JWTLeeway time.Duration `yaml:"jwt_leeway" env:"JWT_LEEWAY"`
}

type EngineConfig struct {
	StoreTimeout    time.Duration `yaml:"store_timeout" env:"STORE_TIMEOUT"`
	RetryAttempts   uint          `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInitial    time.Duration `yaml:"retry_initial" env:"RETRY_INITIAL"`
	RetryMax        time.Duration `yaml:"retry_max" env:"RETRY_MAX"`
	SeedFromDurable bool          `yaml:"seed_from_durable" env:"SEED_FROM_DURABLE"`
	SchemaFile      string        `yaml:"schema_file" env:"SCHEMA_FILE"`
}

// LogConfig configures slog. Format is "text" or "json".
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig enables OTLP trace export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the configuration used when nothing overrides it: an
// in-memory cache, a local SQLite file and users-table tokens.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ShutdownTimeout: 10 * time.Second,
			HistoryLimit:    50,
		},
		Cache: CacheConfig{
			Backend:   "memory",
			Addr:      "localhost:6379",
			KeyPrefix: "gs:",
		},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    "statecache.db",
		},
		Auth: AuthConfig{
			Mode: "token",
		},
		Engine: EngineConfig{
			StoreTimeout:  3 * time.Second,
			RetryAttempts: 4,
			RetryInitial:  50 * time.Millisecond,
			RetryMax:      time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "statecache",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty), and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so a misspelt option is not silently
// ignored.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ParseEnv overlays STATECACHE_* variables onto target. Unset variables
// leave fields unchanged.
func ParseEnv(target *Config) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Addr == "" {
		add("server.addr is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		add("server.shutdown_timeout must not be negative")
	}
	if c.Server.HistoryLimit <= 0 {
		add("server.history_limit must be positive, got %d", c.Server.HistoryLimit)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Addr == "" {
			add("cache.addr is required for the redis backend")
		}
	default:
		add("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}

	switch c.Store.Driver {
	case "sqlite3", "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required")
		}
	default:
		add("store.driver must be sqlite3 or postgres, got %q", c.Store.Driver)
	}

	switch c.Auth.Mode {
	case "token", "none":
	case "jwt":
		if len(c.Auth.JWTSecret) < 32 {
			add("auth.jwt_secret must be at least 32 bytes in jwt mode")
		}
	default:
		add("auth.mode must be token, jwt or none, got %q", c.Auth.Mode)
	}

	if c.Engine.StoreTimeout < 0 {
		add("engine.store_timeout must not be negative")
	}
	if c.Engine.RetryAttempts == 0 {
		add("engine.retry_attempts must be at least 1")
	}
	if c.Engine.RetryInitial < 0 || c.Engine.RetryMax < c.Engine.RetryInitial {
		add("engine.retry_initial must be between 0 and engine.retry_max")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return errors.Join(errs...)
}
