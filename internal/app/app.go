// Package app wires the OCR engine services from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paperless-ai/ocr-engine/internal/batch"
	"github.com/paperless-ai/ocr-engine/internal/cache"
	"github.com/paperless-ai/ocr-engine/internal/config"
	"github.com/paperless-ai/ocr-engine/internal/events"
	"github.com/paperless-ai/ocr-engine/internal/observability"
	"github.com/paperless-ai/ocr-engine/internal/ocr"
	"github.com/paperless-ai/ocr-engine/internal/paperless"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

// App holds every long-lived service of a running engine.
type App struct {
	Config      *config.Config
	Logger      *observability.Logger
	DB          *sql.DB
	Store       *storage.OutcomeStore
	Cache       cache.Backend
	Paperless   *paperless.Client
	Source      *paperless.CachedSource
	Worker      *ocr.Client
	Broadcaster *events.Broadcaster
	Relay       *events.RedisRelay
	Controller  *batch.Controller
	Registry    *prometheus.Registry
	Metrics     *observability.Metrics
}

// StoreConfig maps the database section onto storage options.
func StoreConfig(cfg *config.Config) storage.OpenConfig {
	return storage.OpenConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.DatabaseDSN(),
		JournalMode:     cfg.Database.SQLite.JournalMode,
		BusyTimeout:     cfg.Database.SQLite.BusyTimeout,
		MaxOpenConns:    cfg.Database.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Database.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.Postgres.ConnMaxLifetime,
	}
}

// OpenStore opens the database, applies pending migrations and returns the outcome store.
func OpenStore(ctx context.Context, cfg *config.Config) (*sql.DB, *storage.OutcomeStore, error) {
	db, err := storage.Open(ctx, StoreConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	if err := storage.Migrate(ctx, db, cfg.Database.Driver); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, storage.NewOutcomeStore(db), nil
}

// New builds the full service graph. Close releases it.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	db, store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open outcome store: %w", err)
	}
	a.DB, a.Store = db, store

	// Markers left by a process that died mid-item are not outcomes.
	if n, err := store.PurgeProcessingMarkers(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("purge processing markers: %w", err)
	} else if n > 0 {
		logger.Warn().Int64("purged", n).Msg("Removed stale processing markers")
	}
	// Likewise no session from a previous process can still be running.
	if n, err := store.FailStaleSessions(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("fail stale sessions: %w", err)
	} else if n > 0 {
		logger.Warn().Int64("sessions", n).Msg("Marked interrupted sessions as failed")
	}

	a.Cache, err = cache.New(cache.Options{
		Driver:     cfg.Cache.Driver,
		MaxEntries: cfg.Cache.MaxEntries,
		Redis: cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	a.Paperless, err = paperless.NewClient(paperless.Config{
		BaseURL:  cfg.Paperless.URL,
		Token:    cfg.Paperless.Token,
		Timeout:  cfg.Paperless.Timeout,
		PageSize: cfg.Paperless.PageSize,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create paperless client: %w", err)
	}
	a.Source = paperless.NewCachedSource(a.Paperless, a.Cache, cfg.Cache.TTL, logger.WithOperation("paperless"))

	a.Worker, err = ocr.NewClient(ocr.Config{
		BaseURL:        cfg.OCR.URL,
		HealthTimeout:  cfg.OCR.HealthTimeout,
		RequestTimeout: cfg.OCR.RequestTimeout,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create ocr client: %w", err)
	}

	if cfg.Observability.MetricsEnabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = observability.NewMetrics(a.Registry)
	}

	opts := []events.Option{
		events.WithBuffer(cfg.Events.SubscriberBuffer),
		events.WithLogger(logger.WithOperation("events")),
		events.WithMetrics(a.Metrics),
	}
	if cfg.Events.RedisRelay {
		a.Relay = events.NewRedisRelay(a.Cache, cfg.Events.RedisChannel, logger.WithOperation("relay"))
		opts = append(opts, events.WithRelay(a.Relay))
	}
	a.Broadcaster = events.NewBroadcaster(opts...)

	pause := cfg.Batch.ItemPause
	if pause == 0 {
		pause = -1
	}
	a.Controller = batch.NewController(a.Store, a.Source, a.Worker, a.Broadcaster, batch.Options{
		ItemPause: pause,
		Logger:    logger,
		Metrics:   a.Metrics,
	})

	return a, nil
}

// EventsHandler returns the SSE handler bound to the controller status.
func (a *App) EventsHandler() http.Handler {
	return events.NewHandler(a.Broadcaster, func() interface{} {
		return a.Controller.Status()
	}, a.Config.Events.Keepalive, a.Logger.WithOperation("sse"))
}

// MetricsHandler returns the Prometheus exposition handler, or nil when metrics are off.
func (a *App) MetricsHandler() http.Handler {
	if a.Registry == nil {
		return nil
	}
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
}

// Ready reports whether the database is reachable.
func (a *App) Ready(ctx context.Context) error {
	return a.DB.PingContext(ctx)
}

// Shutdown stops a running batch and waits for it to settle within ctx.
func (a *App) Shutdown(ctx context.Context) {
	if a.Controller == nil {
		return
	}
	if a.Controller.Stop() {
		a.Logger.Info().Msg("Stopping running batch")
	}
	if _, err := a.Controller.Wait(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("Batch did not stop before shutdown deadline")
	}
}

// Close releases every resource opened by New.
func (a *App) Close() {
	if a.Broadcaster != nil {
		a.Broadcaster.Close()
	}
	if a.Relay != nil {
		a.Relay.Close()
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
