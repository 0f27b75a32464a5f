package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/material-dispatch/internal/config"
	"github.com/example/material-dispatch/internal/feed"
	"github.com/example/material-dispatch/internal/ingest"
	"github.com/example/material-dispatch/internal/ledger"
	"github.com/example/material-dispatch/internal/listener"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
	"github.com/example/material-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewService("driver-agent", cfg.LogLevel).With("driver_id", cfg.DriverID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres_open_failed", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	// without redis the listener runs on polling alone
	var f feed.Feed
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		f = feed.NewRedisFeed(rdb, logger)
	}

	a := &agent{
		driverID: cfg.DriverID,
		policy:   cfg.Policy,
		delay:    cfg.ResponseDelay,
		capacity: cfg.CapacityTons,
		loc:      models.Coord{Lat: cfg.Lat, Lon: cfg.Lon},
		listener: listener.New(ledger.New(pg, f, logger), cfg.PollInterval, logger),
		log:      logger,
	}
	a.listener.OnDismiss = func(offerID string, reason listener.DismissReason) {
		logger.Info("offer_closed", "offer_id", offerID, "reason", reason)
	}
	if len(cfg.KafkaBrokers) > 0 {
		prod := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer prod.Close()
		a.pub = prod
	}

	logger.Info("driver_agent_started", "policy", cfg.Policy, "capacity_tons", cfg.CapacityTons)
	if err := a.run(ctx, cfg.LocationInterval); err != nil {
		logger.Error("driver_agent_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("driver_agent_stopped")
}
