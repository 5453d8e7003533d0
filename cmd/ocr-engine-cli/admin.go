package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/paperless-ai/ocr-engine/internal/app"
	"github.com/paperless-ai/ocr-engine/internal/cache"
	"github.com/paperless-ai/ocr-engine/internal/ocr"
	"github.com/paperless-ai/ocr-engine/internal/paperless"
	"github.com/paperless-ai/ocr-engine/internal/storage"
)

// healthCheck is the outcome of one dependency probe.
type healthCheck struct {
	Name    string `json:"name"`
	Target  string `json:"target"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

func newHealthCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check database, cache, archive and OCR worker connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			spinner := NewSpinner("Checking dependencies...")
			spinner.Start()
			checks := runHealthChecks(ctx)
			spinner.Stop()

			healthy := true
			for _, c := range checks {
				healthy = healthy && c.Healthy
			}

			if outputJSON {
				if err := printJSON(map[string]interface{}{"healthy": healthy, "checks": checks}); err != nil {
					return err
				}
			} else {
				ui := NewUI(false, noColor)
				for _, c := range checks {
					if c.Healthy {
						ui.Success("%-9s %s (%s)", c.Name, c.Target, c.Latency)
					} else {
						ui.Error("%-9s %s: %s", c.Name, c.Target, c.Error)
					}
				}
			}
			if !healthy {
				return fmt.Errorf("one or more dependencies are unhealthy")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall timeout for all checks")
	return cmd
}

// runHealthChecks probes every dependency without mutating state.
func runHealthChecks(ctx context.Context) []healthCheck {
	probe := func(name, target string, fn func() error) healthCheck {
		start := time.Now()
		err := fn()
		c := healthCheck{Name: name, Target: target, Healthy: err == nil, Latency: FormatDuration(time.Since(start))}
		if err != nil {
			c.Error = err.Error()
		}
		return c
	}

	checks := []healthCheck{
		probe("database", cfg.Database.Driver, func() error {
			db, err := storage.Open(ctx, app.StoreConfig(cfg))
			if err != nil {
				return err
			}
			defer db.Close()
			return db.PingContext(ctx)
		}),
		probe("cache", cfg.Cache.Driver, func() error {
			c, err := cache.New(cacheOptions())
			if err != nil {
				return err
			}
			return c.Close()
		}),
		probe("paperless", cfg.Paperless.URL, func() error {
			client, err := paperless.NewClient(paperless.Config{
				BaseURL: cfg.Paperless.URL,
				Token:   cfg.Paperless.Token,
				Timeout: cfg.Paperless.Timeout,
			})
			if err != nil {
				return err
			}
			return client.Ping(ctx)
		}),
		probe("ocr", cfg.OCR.URL, func() error {
			worker, err := ocr.NewClient(ocr.Config{
				BaseURL:        cfg.OCR.URL,
				HealthTimeout:  cfg.OCR.HealthTimeout,
				RequestTimeout: cfg.OCR.RequestTimeout,
			})
			if err != nil {
				return err
			}
			if !worker.HealthCheck(ctx) {
				return fmt.Errorf("worker did not answer /health")
			}
			return nil
		}),
	}
	return checks
}

func newMigrateCmd() *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := storage.Open(ctx, app.StoreConfig(cfg))
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			ui := NewUI(outputJSON, noColor)
			mgr := storage.NewMigrationManager(db, cfg.Database.Driver)
			status, err := mgr.CheckMigrations(ctx)
			if err != nil {
				return err
			}

			if statusOnly {
				if outputJSON {
					return printJSON(status)
				}
				ui.Section("Migrations")
				ui.KeyValue("Total", status.Total)
				ui.KeyValue("Applied", len(status.Applied))
				ui.KeyValue("Pending", len(status.Pending))
				for _, name := range status.Pending {
					ui.Info("pending: %s", name)
				}
				return nil
			}

			if status.UpToDate {
				ui.Success("Database schema is up to date (%d migrations)", status.Total)
				return nil
			}
			if err := mgr.RunMigrations(ctx, status); err != nil {
				return err
			}
			if outputJSON {
				return printJSON(map[string]interface{}{"applied": status.Pending})
			}
			ui.Success("Applied %d migrations", len(status.Pending))
			return nil
		},
	}

	cmd.Flags().BoolVar(&statusOnly, "status", false, "only report migration status")
	return cmd
}

// cacheOptions maps the cache section onto backend options.
func cacheOptions() cache.Options {
	return cache.Options{
		Driver:     cfg.Cache.Driver,
		MaxEntries: cfg.Cache.MaxEntries,
		Redis: cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		},
	}
}
