package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/material-dispatch/internal/config"
	"github.com/example/material-dispatch/internal/coordinator"
	"github.com/example/material-dispatch/internal/dispatch"
	"github.com/example/material-dispatch/internal/eta"
	"github.com/example/material-dispatch/internal/feed"
	"github.com/example/material-dispatch/internal/geo"
	httpapi "github.com/example/material-dispatch/internal/http"
	"github.com/example/material-dispatch/internal/ingest"
	"github.com/example/material-dispatch/internal/ledger"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/matcher"
	"github.com/example/material-dispatch/internal/payments"
	"github.com/example/material-dispatch/internal/storage"
)

type store interface {
	storage.TripStore
	storage.OfferStore
}

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewService("dispatch-api", cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server_exit", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		rdb   *redis.Client
		avail geo.Availability = geo.NewIndex()
		f     feed.Feed        = feed.NewBroker()
	)
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		avail = geo.NewRedisGeo(rdb, cfg.RedisGeoKey)
		f = feed.NewRedisFeed(rdb, logger)
	} else {
		logger.Warn("redis_not_configured", "fallback", "in-memory availability and feed")
	}

	var st store = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := migrate(ctx, pg.DB(), logger); err != nil {
				return err
			}
		}
		st = pg
	} else {
		logger.Warn("postgres_not_configured", "fallback", "in-memory store")
	}

	led := ledger.New(st, f, logger)

	ws := dispatch.NewWSRegistry()
	sinks := []dispatch.Notifier{ws}
	if cfg.FCMEndpoint != "" {
		sinks = append(sinks, dispatch.NewFCMNotifier(cfg.FCMEndpoint, cfg.FCMKey, pushTokens(avail)))
	}
	if cfg.WebhookEndpoint != "" {
		sinks = append(sinks, dispatch.NewWebhookNotifier(cfg.WebhookEndpoint))
	}

	var routing eta.Client
	if cfg.OSRMEndpoint != "" {
		routing = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	coord := coordinator.New(st, led, matcher.NewSelector(avail, cfg.Dispatch, logger),
		dispatch.NewFallbackNotifier(sinks...), cfg.Dispatch, logger)
	coord.ETA = eta.NewEstimator(routing, eta.NewCache(cfg.ETACacheTTL), cfg.DefaultSpeedMps, logger)

	var pay httpapi.Payments
	if cfg.StripeAPIKey != "" {
		sc := payments.NewStripeClient(cfg.StripeAPIKey)
		coord.Hooks = append(coord.Hooks, payments.NewHoldReleaser(sc, logger))
		pay = sc
	}

	var guard coordinator.Guard = coordinator.NewLocalGuard()
	if rdb != nil {
		rg, err := coordinator.NewRedisGuard(coordinator.NewRedisClient(rdb), cfg.Dispatch.GuardTTL)
		if err != nil {
			return err
		}
		guard = rg
	}
	sup := coordinator.NewSupervisor(coord, st, guard, logger)

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		prod := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer prod.Close()
		locations = prod
	}

	api := httpapi.NewServer(httpapi.Options{
		Trips:      st,
		Ledger:     led,
		Dispatcher: sup,
		Geo:        avail,
		Locations:  locations,
		WSReg:      ws,
		Payments:   pay,
		Logger:     logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch_api_listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_shutdown_failed", "error", err)
	}
	// running dispatches expire their open offers and leave trips pending
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatch_shutdown_incomplete", "active", sup.Active(), "error", err)
	}
	return nil
}

func pushTokens(avail geo.Availability) dispatch.TokenLookup {
	return func(ctx context.Context, driverID string) (string, error) {
		d, err := avail.Get(ctx, driverID)
		if err != nil {
			return "", err
		}
		return d.PushToken, nil
	}
}

func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	const name = "001_create_dispatch.sql"
	b, err := os.ReadFile(filepath.Join("migrations", name))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(mctx, string(b)); err != nil {
		return fmt.Errorf("apply %s: %w", name, err)
	}
	logger.Info("migration_applied", "name", name)
	return nil
}
