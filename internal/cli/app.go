package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vannguyen-14/client-matino/internal/auth"
	"github.com/vannguyen-14/client-matino/internal/cache"
	"github.com/vannguyen-14/client-matino/internal/config"
	"github.com/vannguyen-14/client-matino/internal/engine"
	"github.com/vannguyen-14/client-matino/internal/schema"
	"github.com/vannguyen-14/client-matino/internal/store"
)

// app is everything a command needs, built from configuration.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	store  *store.Store
	fast   cache.Store
	engine *engine.Engine
}

// loadConfig reads --config and the environment. Errors are command errors.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. --verbose forces debug level.
func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openApp opens the durable store and the cache and builds the engine.
// The caller must Close the result.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	logger.Debug("opening durable store", "driver", cfg.Store.Driver)
	st, err := store.OpenDriver(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open durable store", err)
	}

	fast, err := openCache(ctx, cfg.Cache)
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open cache", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, fast: fast}

	verifier, err := buildVerifier(cfg.Auth, st)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to configure auth", err)
	}

	engineOpts := []engine.Option{
		engine.WithVerifier(verifier),
		engine.WithStoreTimeout(cfg.Engine.StoreTimeout),
		engine.WithRetry(engine.RetryPolicy{
			Attempts: cfg.Engine.RetryAttempts,
			Initial:  cfg.Engine.RetryInitial,
			Max:      cfg.Engine.RetryMax,
		}),
		engine.WithSeedFromDurable(cfg.Engine.SeedFromDurable),
		engine.WithLogger(logger),
	}
	if cfg.Engine.SchemaFile != "" {
		v, err := schema.Load(cfg.Engine.SchemaFile)
		if err != nil {
			a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to load state schema", err)
		}
		logger.Info("state schema loaded", "schema", v.Name())
		engineOpts = append(engineOpts, engine.WithValidator(v))
	}

	a.engine = engine.New(fast, st, engineOpts...)
	logger.Debug("engine ready",
		"cache", cfg.Cache.Backend,
		"store", cfg.Store.Driver,
		"auth", cfg.Auth.Mode,
	)
	return a, nil
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "memory":
		return cache.NewMemory(), nil
	case "redis":
		return cache.DialRedis(ctx, cache.RedisOptions{
			Addr:      cfg.Addr,
			Username:  cfg.Username,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func buildVerifier(cfg config.AuthConfig, st *store.Store) (auth.Verifier, error) {
	switch cfg.Mode {
	case "token":
		return auth.NewTokenTable(st), nil
	case "jwt":
		return newJWT(cfg)
	case "none":
		return auth.AllowAll, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

func newJWT(cfg config.AuthConfig) (*auth.JWT, error) {
	var opts []auth.JWTOption
	if cfg.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTLeeway > 0 {
		opts = append(opts, auth.WithLeeway(cfg.JWTLeeway))
	}
	return auth.NewJWT([]byte(cfg.JWTSecret), opts...)
}

// Close releases the cache and the durable store.
func (a *app) Close() error {
	var errs []error
	if a.fast != nil {
		if err := a.fast.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// withApp loads configuration, opens the app for the duration of fn and
// closes it afterwards. Logs go to the command's error stream.
func withApp(ctx context.Context, opts *RootOptions, stderr io.Writer, fn func(*app) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, opts.Verbose, stderr)

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Error("error closing stores", "error", closeErr)
		}
	}()
	return fn(a)
}
