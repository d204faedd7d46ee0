package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/swiftmile/featureserve/internal/cache"
	"github.com/swiftmile/featureserve/internal/catalog"
	"github.com/swiftmile/featureserve/internal/derive"
	"github.com/swiftmile/featureserve/internal/engine"
	"github.com/swiftmile/featureserve/internal/monitoring"
	"github.com/swiftmile/featureserve/internal/registry"
	"github.com/swiftmile/featureserve/internal/resilience"
	"github.com/swiftmile/featureserve/internal/router"
	"github.com/swiftmile/featureserve/internal/source"
)

// engineEnv holds the initialized registry, clients, cache, and engine
// needed by the serve/resolve commands.
type engineEnv struct {
	Registry  *registry.Registry
	Engine    *engine.Engine
	Collector *monitoring.Collector
	Checker   *monitoring.Checker
	clients   map[string]source.Client
	local     *cache.Local
	redis     *cache.Redis
}

// Close releases source connections and stops the cache janitor.
func (e *engineEnv) Close() {
	for id, c := range e.clients {
		if err := c.Close(); err != nil {
			zap.L().Warn("close source", zap.String("source", id), zap.Error(err))
		}
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.local != nil {
		e.local.Close()
	}
}

// loadRegistry builds the registry from the configured definitions file,
// falling back to the built-in last-mile catalog.
func loadRegistry() (*registry.Registry, error) {
	if cfg.Engine.DefinitionsPath != "" {
		reg, err := registry.LoadFile(cfg.Engine.DefinitionsPath)
		if err != nil {
			return nil, eris.Wrap(err, "load definitions")
		}
		zap.L().Info("definitions loaded",
			zap.String("path", cfg.Engine.DefinitionsPath),
			zap.Int("features", len(reg.Features())),
		)
		return reg, nil
	}
	return registry.New(catalog.Definitions())
}

// initEngine sets up sources, cache tiers, routing, and monitoring, and
// assembles the engine. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}

	collector := monitoring.NewCollector()

	clients := make(map[string]source.Client)
	closeAll := func() {
		for _, c := range clients {
			_ = c.Close()
		}
	}

	if cfg.Sources.Operational.URL != "" {
		pg, err := source.NewPostgres(ctx, catalog.SourceOperational, source.PostgresConfig{
			URL:      cfg.Sources.Operational.URL,
			MaxConns: cfg.Sources.Operational.MaxConns,
			MinConns: cfg.Sources.Operational.MinConns,
		}, collector)
		if err != nil {
			return nil, eris.Wrap(err, "connect operational store")
		}
		clients[catalog.SourceOperational] = pg
	}

	if cfg.Sources.Analytical.DSN != "" {
		bq, err := source.NewAnalytical(catalog.SourceAnalytical, source.AnalyticalConfig{
			DSN:              cfg.Sources.Analytical.DSN,
			QueriesPerSecond: cfg.Sources.Analytical.QueriesPerSecond,
		}, collector)
		if err != nil {
			closeAll()
			return nil, eris.Wrap(err, "open analytical warehouse")
		}
		clients[catalog.SourceAnalytical] = bq
	}

	emb, err := source.NewEmbedded(catalog.SourceEmbedded, cfg.Sources.Embedded.Path, collector)
	if err != nil {
		closeAll()
		return nil, eris.Wrap(err, "open embedded store")
	}
	clients[catalog.SourceEmbedded] = emb

	breakers := resilience.NewSourceBreakers(resilience.BreakerConfig{})
	rt, err := router.New(reg, clients, breakers)
	if err != nil {
		closeAll()
		return nil, err
	}

	local := cache.NewLocal(cfg.Cache.Local.MaxEntries, cfg.Cache.Local.SweepInterval)
	var store cache.Cache = local
	var redisCache *cache.Redis
	if cfg.Cache.Redis.Addr != "" {
		redisCache, err = cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			// The shared tier is an optimization; resolution works without it.
			zap.L().Warn("redis cache unavailable, running on local tier only", zap.Error(err))
		} else {
			store = cache.NewTiered(local, redisCache)
			zap.L().Info("tiered cache enabled", zap.String("redis", cfg.Cache.Redis.Addr))
		}
	}

	collector.WithCache(store.Stats).WithBreakers(breakers)

	proc := derive.NewProcessor(catalog.Rules())
	eng := engine.New(reg, rt, proc, store, collector, cfg.Engine.RequestTimeout)

	alerter := monitoring.NewAlerter(monitoring.AlerterConfig{
		WebhookURL:             cfg.Monitoring.WebhookURL,
		FallbackRateThreshold:  cfg.Monitoring.FallbackRateThreshold,
		DefaultedRateThreshold: cfg.Monitoring.DefaultedRateThreshold,
	})
	checker := monitoring.NewChecker(collector, alerter, clients, cfg.Monitoring.CheckInterval)

	zap.L().Info("engine initialized",
		zap.Int("features", len(reg.Features())),
		zap.Int("sources", len(clients)),
	)

	return &engineEnv{
		Registry:  reg,
		Engine:    eng,
		Collector: collector,
		Checker:   checker,
		clients:   clients,
		local:     local,
		redis:     redisCache,
	}, nil
}
