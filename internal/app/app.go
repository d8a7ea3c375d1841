// Package app wires configuration into the long-lived collaborators both
// binaries share.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/stealth-crawler/internal/config"
	"github.com/maltedev/stealth-crawler/internal/crawl"
	"github.com/maltedev/stealth-crawler/internal/database"
	"github.com/maltedev/stealth-crawler/internal/events"
	"github.com/maltedev/stealth-crawler/internal/jobs"
	"github.com/maltedev/stealth-crawler/internal/proxy"
	"github.com/maltedev/stealth-crawler/internal/source"
	"github.com/maltedev/stealth-crawler/internal/storage"
)

// App holds what a crawl needs: proxies, transports, sinks and the
// optional database and Redis connections.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Proxies     *proxy.Pool
	Definitions []source.Definition
	Transports  *jobs.TransportFactory
	Results     *storage.ResultStore
	Sink        crawl.Sink

	DB        *database.DB
	Runs      *database.RunRepository
	Redis     *redis.Client
	Publisher *events.Publisher
}

// New builds the App. Results always go to the results directory; a
// configured database adds the run table and its outbox, and Redis without
// a database publishes run events directly.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	defs, err := source.LoadDefinitions(cfg.Crawler.SourcesFile)
	if err != nil {
		return nil, err
	}
	a.Definitions = defs

	a.Proxies = proxy.New(cfg.Proxy.URLs,
		proxy.WithMinHealthScore(cfg.Proxy.MinHealthScore),
		proxy.WithCooldown(cfg.Proxy.Cooldown),
		proxy.WithLogger(logger))
	if a.Proxies.Size() == 0 {
		logger.Warn("no proxies configured, fetching directly")
	}

	a.Transports = &jobs.TransportFactory{Config: cfg, Proxies: a.Proxies, Logger: logger}

	a.Results, err = storage.NewResultStore(cfg.Storage.ResultsDir)
	if err != nil {
		return nil, err
	}
	sinks := crawl.MultiSink{a.Results}

	if cfg.Database.Enabled() {
		a.DB, err = database.New(ctx, database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := a.DB.EnsureSchema(ctx); err != nil {
			a.Close()
			return nil, err
		}
		a.Runs = database.NewRunRepository(a.DB, cfg.Redis.Stream, logger)
		sinks = append(sinks, a.Runs)
	}

	if cfg.Redis.Enabled() {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.Publisher = events.NewPublisher(a.Redis, cfg.Redis.Stream, logger)
		if a.DB == nil {
			sinks = append(sinks, a.Publisher)
		}
	}

	a.Sink = sinks
	return a, nil
}

func (a *App) Runner() *jobs.Runner {
	return jobs.NewRunner(a.Transports, a.Sink, a.Config.Crawler.MaxConcurrent, a.Logger)
}

// Relay returns the outbox relay, or nil unless both the database and Redis
// are configured.
func (a *App) Relay() *database.Relay {
	if a.DB == nil || a.Publisher == nil {
		return nil
	}
	return database.NewRelay(a.DB, a.Publisher, a.Logger, database.RelayConfig{})
}

func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		a.DB.Close()
	}
	return errors.Join(errs...)
}
