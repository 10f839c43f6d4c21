package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Chative-core-poc-v1/turnflow/internal/agent/cache"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/llm"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/model"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/observers"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/pipeline"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/prompts"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/repo"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/stages"
	"github.com/Chative-core-poc-v1/turnflow/internal/agent/variables"
	"github.com/Chative-core-poc-v1/turnflow/internal/core"
	"github.com/Chative-core-poc-v1/turnflow/internal/observability"
	"github.com/Chative-core-poc-v1/turnflow/internal/transport/httpapi"
	logx "github.com/Chative-core-poc-v1/turnflow/pkg/logger"
	pkgpostgres "github.com/Chative-core-poc-v1/turnflow/pkg/postgres"
	pkgredis "github.com/Chative-core-poc-v1/turnflow/pkg/redis"
)

const shutdownTimeout = 10 * time.Second

// AppConfig defines all configurable parameters of the service, sourced from
// environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	// Infrastructure
	Redis    pkgredis.Config
	Postgres pkgpostgres.Config
	// FixturesPath seeds an in-process store when no Postgres URL is set.
	FixturesPath string `envconfig:"FIXTURES_PATH"`

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	// Pipeline configs
	Classifier model.ClassifierModelConfig
	Response   model.ResponseModelConfig
	Gateway    model.GatewayConfig
	Pipeline   model.PipelineConfig
	Cache      model.CacheConfig

	BusinessAttributes []string `envconfig:"BUSINESS_ATTRIBUTES"`
	UserAttributes     []string `envconfig:"USER_ATTRIBUTES"`

	HTTP             httpapi.Config
	MetricsNamespace string `envconfig:"METRICS_NAMESPACE" default:"turnflow"`
}

func main() {
	logx.Init()
	if err := godotenv.Load(".env"); err != nil {
		logx.Warn().Err(err).Msg("could not load .env file")
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		logx.Fatal().Err(err).Msg("failed to process environment config")
	}
	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(cfg.Environment), Level: cfg.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logx.Fatal().Err(err).Msg("turnflow stopped")
	}
	logx.Info().Msg("turnflow stopped")
}

func run(ctx context.Context, cfg AppConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := observability.NewMetrics(cfg.MetricsNamespace, reg)
	if err != nil {
		return err
	}

	rdb, err := cfg.Redis.New()
	if err != nil {
		return fmt.Errorf("initialise redis: %w", err)
	}
	defer rdb.Close()
	logx.Info().Msg("connected to redis")
	layer := cache.NewLayer(cache.NewRedisClient(rdb), cfg.Cache, cache.WithObserver(metrics))

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := variables.NewRegistry(
		variables.WithStrict(cfg.Pipeline.StrictVariables),
		variables.WithCacheSize(cfg.Cache.VariableCacheSize),
	)
	if err := variables.RegisterBuiltins(registry); err != nil {
		return err
	}
	if err := variables.RegisterAttributes(registry, "business", cfg.BusinessAttributes...); err != nil {
		return err
	}
	if err := variables.RegisterAttributes(registry, "user", cfg.UserAttributes...); err != nil {
		return err
	}
	renderer := prompts.NewRenderer(registry, layer)

	chatModels, err := llm.NewChatModels(ctx, llm.ChatModelConfig{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Classifier: &cfg.Classifier,
		Response:   &cfg.Response,
	})
	if err != nil {
		return err
	}
	gateway := llm.NewGateway(chatModels.Models(), cfg.Gateway,
		llm.WithCallbacks(observers.NewAllCallbacks()),
		llm.WithObserver(metrics),
	)

	p, err := pipeline.New(pipeline.Deps{
		Store:    store,
		Cache:    layer,
		Renderer: renderer,
		Resolver: stages.NewResolver(layer, renderer, gateway, stages.WithObserver(metrics)),
		Gateway:  gateway,
	}, cfg.Pipeline, pipeline.WithObserver(metrics))
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(cfg.HTTP, p, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore connects to Postgres when configured, otherwise serves from an
// in-process store seeded with fixtures.
func openStore(ctx context.Context, cfg AppConfig) (model.Store, func(), error) {
	if cfg.Postgres.URL != "" {
		pool, err := cfg.Postgres.New(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialise postgres: %w", err)
		}
		store, err := repo.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logx.Info().Msg("connected to postgres")
		return store, pool.Close, nil
	}

	store := repo.NewMemoryStore()
	if cfg.FixturesPath != "" {
		fixtures, err := repo.LoadFixtures(cfg.FixturesPath)
		if err != nil {
			return nil, nil, err
		}
		store.Seed(fixtures)
	}
	logx.Warn().Str("fixtures", cfg.FixturesPath).Msg("POSTGRES_URL not set; using in-memory store")
	return store, func() {}, nil
}
