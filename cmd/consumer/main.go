package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/material-dispatch/internal/config"
	"github.com/example/material-dispatch/internal/geo"
	"github.com/example/material-dispatch/internal/ingest"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	storeUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_availability_updates_total",
		Help: "Total successful availability store updates",
	})
	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_availability_errors_total",
		Help: "Total availability store updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, storeUpdates, storeErrors)
}

// locationStore is the write side of the availability store.
type locationStore interface {
	Upsert(ctx context.Context, d models.Driver) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewService("location-consumer", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	store := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer_listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, store, logger)
	logger.Info("consumer_stopped")
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics_listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics_server_stopped", "error", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx ends, backing off on broker errors.
func consume(ctx context.Context, r messageReader, store locationStore, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka_read_failed", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		handleMessage(ctx, m, store, logger)
	}
}

func handleMessage(ctx context.Context, m kafka.Message, store locationStore, logger *slog.Logger) {
	msgsConsumed.Inc()
	d, err := ingest.DecodeLocation(m)
	if err != nil {
		msgsInvalid.Inc()
		logger.Warn("invalid_location_message", "offset", m.Offset, "error", err)
		return
	}
	if err := upsertWithRetry(ctx, store, d, 3, 200*time.Millisecond); err != nil {
		storeErrors.Inc()
		logger.Error("availability_update_failed", "driver_id", d.ID, "error", err)
		return
	}
	storeUpdates.Inc()
}

// upsertWithRetry writes d, retrying with doubling delay.
func upsertWithRetry(ctx context.Context, store locationStore, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.Upsert(ctx, d); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return errors.Join(err, ctx.Err())
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
