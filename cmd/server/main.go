package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hooklinehq/hookline/internal/api"
	"github.com/hooklinehq/hookline/internal/config"
	"github.com/hooklinehq/hookline/internal/entitycache"
	"github.com/hooklinehq/hookline/internal/eventstore"
	"github.com/hooklinehq/hookline/internal/external"
	"github.com/hooklinehq/hookline/internal/fetch"
	"github.com/hooklinehq/hookline/internal/fetchdedup"
	"github.com/hooklinehq/hookline/internal/ingest"
	"github.com/hooklinehq/hookline/internal/matcher"
	"github.com/hooklinehq/hookline/internal/run"
	"github.com/hooklinehq/hookline/internal/runtime"
	"github.com/hooklinehq/hookline/internal/schedule"
	"github.com/hooklinehq/hookline/internal/store"
	"github.com/hooklinehq/hookline/internal/unit"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to YAML config")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	conf, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// ── Database ─────────────────────────────────────────────────────────────
	db, err := store.Open(store.Config{
		Path:          conf.Database.Path,
		BusyTimeoutMs: conf.Database.BusyTimeoutMs,
	})
	if err != nil {
		slog.Error("failed to open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("failed to migrate database", "err", err)
		os.Exit(1)
	}

	// ── Repositories and stores ──────────────────────────────────────────────
	units := unit.NewRepository(db.DB)
	runs := run.NewRepository(db.DB)
	events := eventstore.New(db.DB, conf.TTL.Event)
	entities := entitycache.New(db.DB, conf.TTL.Entity)
	fingerprints := fetchdedup.New(db.DB, conf.TTL.Fingerprint)

	// ── External collaborators ───────────────────────────────────────────────
	bridge := external.NewClient(conf.External.BaseURL, conf.External.Timeout)

	// ── Seed file ────────────────────────────────────────────────────────────
	if conf.SeedFile != "" {
		seeder := unit.NewSeedLoader(conf.SeedFile, units)
		n, err := seeder.Load(ctx)
		if err != nil {
			slog.Error("failed to load seed file", "err", err)
			os.Exit(1)
		}
		slog.Info("seed units loaded", "count", n)

		stopWatch, err := seeder.Watch(ctx)
		if err != nil {
			slog.Warn("seed watcher unavailable (hot-reload disabled)", "err", err)
		} else {
			defer stopWatch()
		}
	}

	// ── Engine ───────────────────────────────────────────────────────────────
	fetcher := fetch.New(fingerprints, entities, bridge)
	executor := runtime.New(ctx, runs, units, fetcher, bridge, bridge, bridge, runtime.Config{
		Workers:    conf.Engine.Workers,
		QueueDepth: conf.Engine.QueueDepth,
	})
	match := matcher.New(units, runs, bridge)
	pipeline := ingest.New(events, match, executor)

	// ── Background loops ─────────────────────────────────────────────────────
	sweeper := runtime.NewSweeper(runs, executor, conf.Engine.SweepInterval, conf.Engine.SweepBatch)
	go sweeper.Run(ctx)

	ticker := schedule.NewTicker(units, pipeline)
	go ticker.Run(ctx)

	go janitor(ctx, db, conf.Engine.JanitorPeriod)

	// ── HTTP server ──────────────────────────────────────────────────────────
	handler := api.New(pipeline, units, runs, entities, executor)
	srv := &http.Server{
		Addr:         conf.ListenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", conf.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop background loops
	executor.Shutdown()
	slog.Info("goodbye")
}

// janitor periodically deletes expired rows from the TTL tables.
func janitor(ctx context.Context, db *store.DB, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := db.PurgeExpired(ctx, time.Now())
			if err != nil {
				slog.Warn("ttl purge failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("ttl purge", "rows", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
