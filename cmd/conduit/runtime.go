package main

import (
	"context"
	"fmt"

	"github.com/conduit-llm/conduit/pkg/cache"
	"github.com/conduit-llm/conduit/pkg/conduit"
	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/dbpool"
	"github.com/conduit-llm/conduit/pkg/engine"
	"github.com/conduit-llm/conduit/pkg/llms"
	"github.com/conduit-llm/conduit/pkg/logger"
	"github.com/conduit-llm/conduit/pkg/middleware"
	"github.com/conduit-llm/conduit/pkg/model"
	"github.com/conduit-llm/conduit/pkg/observability"
	"github.com/conduit-llm/conduit/pkg/odometer"
	"github.com/conduit-llm/conduit/pkg/session"
)

// GenerationFlags are shared between run and batch.
type GenerationFlags struct {
	Model       string   `short:"m" help:"Model name (e.g. gpt-4o-mini, claude-sonnet-4-0, llama3.1)."`
	System      string   `help:"System prompt."`
	Temperature *float64 `help:"Sampling temperature."`
	MaxTokens   int      `name:"max-tokens" help:"Max tokens for generation."`
	Remote      bool     `help:"Route calls through the configured remote provider."`

	NoCache   bool   `name:"no-cache" help:"Bypass the response cache."`
	Verbosity string `help:"Feedback level (silent, progress, summary, detailed, complete, debug)." default:"progress"`
	Observe   bool   `help:"Enable OTLP tracing and Prometheus metrics."`
}

// runtimeEnv holds everything a generation command needs, wired once per
// invocation.
type runtimeEnv struct {
	cfg      *config.Config
	store    *llms.ModelStore
	registry *odometer.Registry
	conduit  *conduit.Conduit
	params   *config.GenerationParams
	options  *config.Options

	cleanupLog func()
}

// buildRuntime assembles the model, middleware chain, persistence and
// telemetry from config plus flags. The cache and the durable odometer are
// advisory: failing to open them logs a warning and continues. A configured
// but unreachable session database is a hard persistence failure.
func buildRuntime(ctx context.Context, cli *CLI, flags *GenerationFlags, persist bool) (*runtimeEnv, error) {
	cfg, cleanupLog, err := loadConfig(cli)
	if err != nil {
		return nil, err
	}

	params := cfg.Params.Clone()
	if flags.Model != "" {
		params.Model = flags.Model
	}
	if params.Model == "" {
		params.Model = "gpt-4o-mini"
	}
	if flags.System != "" {
		params.System = flags.System
	}
	if flags.Temperature != nil {
		params.Temperature = flags.Temperature
	}
	if flags.MaxTokens > 0 {
		params.MaxTokens = flags.MaxTokens
	}

	options := cfg.Options
	options.Verbosity = config.ParseVerbosity(flags.Verbosity)
	options.SetDefaults()

	if flags.Observe {
		if _, err := observability.InitGlobalTracer(ctx, observability.TracerConfig{Enabled: true}); err != nil {
			logger.GetLogger().Warn("tracing disabled", "error", err)
		}
		observability.SetGlobalMetrics(observability.NewPrometheusMetrics(nil))
	}

	store := llms.NewModelStore(cfg.Models)
	mode := llms.ModeSync
	if flags.Remote {
		mode = llms.ModeRemote
	}
	m, err := model.New(params.Model, store, mode)
	if err != nil {
		return nil, err
	}

	chainOpts := []middleware.Option{
		middleware.WithProvider(string(m.Provider())),
		middleware.WithTokenCounter(m.Tokenize),
	}
	if !flags.NoCache {
		path := options.CachePath
		if path == "" {
			path = cache.DefaultPath()
		}
		if responseCache, err := cache.Open(path); err != nil {
			logger.GetLogger().Warn("cache disabled", "path", path, "error", err)
		} else {
			chainOpts = append(chainOpts, middleware.WithCache(responseCache))
		}
	}

	var durable *odometer.SQLOdometer
	if databaseConfigured(&cfg.Database) {
		if db, err := dbpool.Get(&cfg.Database); err != nil {
			logger.GetLogger().Warn("usage log disabled", "error", err)
		} else if durable, err = odometer.NewSQLOdometer(db, cfg.Database.DriverName()); err != nil {
			logger.GetLogger().Warn("usage log disabled", "error", err)
		}
	}
	registry := odometer.NewRegistry(nil, durable, store)
	chainOpts = append(chainOpts, middleware.WithTelemetry(registry))

	conduitOpts := []conduit.Option{conduit.WithTelemetry(registry)}
	if persist && databaseConfigured(&cfg.Database) {
		repo, err := session.Open(&cfg.Database, options.ProjectName)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", conduit.ErrPersistence, err)
		}
		conduitOpts = append(conduitOpts, conduit.WithRepository(repo))
	}

	eng := engine.New(m, engine.WithChain(middleware.New(chainOpts...)))
	return &runtimeEnv{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		conduit:    conduit.New(eng, conduitOpts...),
		params:     params,
		options:    &options,
		cleanupLog: cleanupLog,
	}, nil
}

// Close flushes telemetry and releases clients and pools.
func (e *runtimeEnv) Close(ctx context.Context) {
	if err := e.registry.Shutdown(ctx); err != nil {
		logger.GetLogger().Warn("telemetry flush failed", "error", err)
	}
	e.store.Close()
	dbpool.Shutdown()
	e.cleanupLog()
}

func databaseConfigured(cfg *config.DatabaseConfig) bool {
	return cfg.Dsn != "" || cfg.Name != "" || cfg.Path != ""
}
