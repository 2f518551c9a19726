package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-tracking/internal/config"
	httpapi "github.com/example/ride-tracking/internal/http"
	"github.com/example/ride-tracking/internal/ingest"
	"github.com/example/ride-tracking/internal/logging"
	"github.com/example/ride-tracking/internal/relay"
	"github.com/example/ride-tracking/internal/storage"
)

func main() {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		slog.Error("invalid relay config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	deps := httpapi.Deps{Store: store, Logger: logger}
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		deps.Positions = storage.NewRedisPositions(rc, cfg.RedisGeoKey)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		deps.Locations = kp
	}

	hub := relay.NewHub(store, rc, logger)
	deps.Hub = hub
	go func() {
		if err := hub.Run(ctx); err != nil {
			logger.Error("redis bridge stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.HTTPAddr, "redis", rc != nil, "kafka", deps.Locations != nil)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			return
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("relay stopped")
}

// openStore uses Postgres when PG_DSN is set and falls back to memory otherwise.
func openStore(ctx context.Context, cfg config.RelayConfig, logger *slog.Logger) (storage.RideStore, func()) {
	if cfg.PGDSN == "" {
		logger.Info("using in-memory ride store")
		return storage.NewMemoryStore(), func() {}
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable, using in-memory ride store", "error", err)
		return storage.NewMemoryStore(), func() {}
	}
	if cfg.RunMigrations {
		migrate(ctx, ps, logger)
	}
	return ps, func() { _ = ps.Close() }
}

func migrate(ctx context.Context, ps *storage.PostgresStore, logger *slog.Logger) {
	name := filepath.Join("migrations", "001_create_rides.sql")
	b, err := os.ReadFile(name)
	if err != nil {
		logger.Error("migration read failed", "file", name, "error", err)
		return
	}
	if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
		logger.Error("migration failed", "file", name, "error", err)
		return
	}
	logger.Info("migration applied", "file", name)
}
