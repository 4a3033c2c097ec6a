// Package bootstrap wires configuration into stores, upstream clients and
// services. Both the HTTP server and the operator CLI start from here.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pricelens/backend/config"
	"github.com/pricelens/backend/internal/domain"
	"github.com/pricelens/backend/internal/infrastructure/llm"
	"github.com/pricelens/backend/internal/infrastructure/search"
	"github.com/pricelens/backend/internal/infrastructure/store"
	"github.com/pricelens/backend/internal/logger"
	"github.com/pricelens/backend/internal/usecase"
)

// App holds the wired services
type App struct {
	Store    domain.Store
	Cache    *usecase.ResultCache
	Resolver *usecase.ResolutionService
	Prices   *usecase.PriceService
	Shopping *usecase.ShoppingListService
	Janitor  *usecase.CacheJanitor
}

// New opens the configured store and builds every service on top of it
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	clock := domain.SystemClock{}
	cache := usecase.NewResultCache(st, clock, cfg.Resolver.CacheTTL)

	// interfaces stay nil unless a key is configured, which disables the tier
	var model domain.LanguageModel
	if cfg.LLM.APIKey != "" {
		model = llm.NewClient(llm.Config{
			APIKey:            cfg.LLM.APIKey,
			BaseURL:           cfg.LLM.BaseURL,
			Model:             cfg.LLM.Model,
			Timeout:           cfg.LLM.Timeout,
			RequestsPerSecond: cfg.LLM.RequestsPerSecond,
			Burst:             cfg.LLM.Burst,
			MaxRetries:        cfg.LLM.MaxRetries,
		})
	}
	var searcher domain.WebSearcher
	if cfg.Search.APIKey != "" {
		searcher = search.NewClient(search.Config{
			APIKey:            cfg.Search.APIKey,
			BaseURL:           cfg.Search.BaseURL,
			Timeout:           cfg.Search.Timeout,
			RequestsPerSecond: cfg.Search.RequestsPerSecond,
			Burst:             cfg.Search.Burst,
			MaxRetries:        cfg.Search.MaxRetries,
		})
	}

	semantic := usecase.NewSemanticMatcher(model, cfg.Resolver.SemanticMaxCandidates)
	web := usecase.NewWebPriceFetcher(searcher, model, st, cache, clock, usecase.WebFetchConfig{
		Lang:              cfg.Search.Lang,
		Country:           cfg.Search.Country,
		ResultLimit:       cfg.Search.Limit,
		MaxChars:          cfg.Search.MaxChars,
		Chains:            cfg.Resolver.Chains,
		MaxPlausiblePrice: cfg.Resolver.MaxPlausiblePriceILS,
		Acceptance:        cfg.Resolver.WebAcceptance,
	})

	resolver := usecase.NewResolutionService(st, cache, semantic, web, usecase.ResolverPolicy{
		FuzzyAcceptance:        cfg.Resolver.FuzzyAcceptance,
		SemanticAcceptance:     cfg.Resolver.SemanticAcceptance,
		CandidateLimit:         cfg.Resolver.CandidateLimit,
		EnableSemantic:         cfg.Resolver.EnableSemantic,
		EnableWebFetch:         cfg.Resolver.EnableWebFetch,
		SkipFallbacksWhenEmpty: cfg.Resolver.SkipFallbacksWhenEmpty,
		BatchConcurrency:       cfg.Resolver.BatchConcurrency,
		EnableDebugLogging:     cfg.Log.Debug,
	})

	logger.InfoCtx(ctx, "resolver configured",
		zap.String("store", cfg.Store.Type),
		zap.Bool("semantic", cfg.Resolver.EnableSemantic && semantic.Enabled()),
		zap.Bool("web_fetch", cfg.Resolver.EnableWebFetch && web.Enabled()),
		zap.Duration("cache_ttl", cache.TTL()),
	)

	return &App{
		Store:    st,
		Cache:    cache,
		Resolver: resolver,
		Prices:   usecase.NewPriceService(st, clock),
		Shopping: usecase.NewShoppingListService(resolver, clock),
		Janitor:  usecase.NewCacheJanitor(cache, cfg.Cache.PurgeInterval),
	}, nil
}

// OpenStore opens the store named by cfg.Type
func OpenStore(ctx context.Context, cfg config.StoreConfig) (domain.Store, error) {
	switch cfg.Type {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		st, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := store.NewPostgresStore(ctx, store.PostgresConfig{
			DSN:             cfg.Postgres.DSN(),
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
			AutoMigrate:     cfg.Postgres.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

// Close releases the store
func (a *App) Close() error {
	a.Janitor.Stop()
	return a.Store.Close()
}
