package pipeline

import (
	"context"
	"fmt"
	"strings"

	"roster-sync/internal/cache"
	"roster-sync/internal/config"
	"roster-sync/internal/database"
	"roster-sync/internal/database/postgres"
	"roster-sync/internal/logging"
	"roster-sync/internal/pool"
	"roster-sync/internal/retry"
	"roster-sync/internal/scraper"
	"roster-sync/internal/source"
	"roster-sync/internal/ws"

	"github.com/rs/zerolog"
)

// Build wires a production pipeline from configuration: a pgx connection
// pool, the configured cache backend and both renderers.
func Build(cfg *config.Config, workerID int, sources func() []source.Source, events ws.Publisher, log zerolog.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	dialer, err := postgres.NewDialer(cfg.Database)
	if err != nil {
		return nil, err
	}
	db, err := pool.New(pool.Options[database.Conn]{
		Max: cfg.Database.MaxConnections,
		New: dialer.Dial,
		Close: func(ctx context.Context, c database.Conn) error {
			return c.Close(ctx)
		},
		Healthy: connHealthy,
		Logger:  logging.Component(log, "pool"),
	})
	if err != nil {
		return nil, err
	}

	closers := []func(ctx context.Context) error{db.Close}

	var store cache.Store
	switch strings.ToLower(cfg.Cache.Backend) {
	case "redis":
		rs := cache.NewRedisStore(cache.RedisOptions{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			WorkerID: workerID,
		}, logging.Component(log, "cache"))
		closers = append(closers, func(context.Context) error { return rs.Close() })
		store = rs
	default:
		store = cache.NewMemoryStore()
	}

	router := scraper.Router{
		Browser: scraper.NewBrowser(scraper.BrowserOptions{
			NavigationTimeout: cfg.Scrape.NavigationTimeout,
			ElementTimeout:    cfg.Scrape.ElementTimeout,
			ExecPath:          cfg.Scrape.ChromePath,
		}, logging.Component(log, "browser")),
		Static: scraper.NewStatic(cfg.Scrape.StaticTimeout, cfg.Scrape.StaticUserAgent, logging.Component(log, "static")),
	}

	return New(Deps{
		Sources: sources,
		Scraper: router,
		DB:      db,
		Cache:   cache.New(store, cfg.Cache.TTL, cache.WithLogger(logging.Component(log, "cache"))),
		Events:  events,
		Log:     log,
		Closers: closers,
	}, Options{
		WorkerID:         workerID,
		MaxConcurrent:    cfg.Scrape.MaxConcurrent,
		BatchSize:        cfg.Scrape.BatchSize,
		PersistBatchSize: cfg.Scrape.PersistBatchSize,
		Retry: retry.Options{
			MaxRetries:     cfg.Scrape.MaxRetries,
			BaseDelay:      cfg.Scrape.RetryBaseDelay,
			MaxDelay:       cfg.Scrape.RetryMaxDelay,
			RateLimitDelay: cfg.Scrape.RateLimitDelay,
		},
		HealthInterval: cfg.Health.Interval,
	})
}

func connHealthy(c database.Conn) bool {
	if cc, ok := c.(interface{ IsClosed() bool }); ok {
		return !cc.IsClosed()
	}
	return true
}
