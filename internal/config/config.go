package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables (optionally seeded from a
// .env file) with defaults so the binary can run locally without setup.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"driver-locations"`

	PGDSN string `envconfig:"PG_DSN"`

	OSRMEndpoint    string        `envconfig:"OSRM_ENDPOINT"`
	ETACacheTTL     time.Duration `envconfig:"ETA_CACHE_TTL" default:"10m"`
	DefaultSpeedMps float64       `envconfig:"ETA_DEFAULT_SPEED_MPS" default:"10"`

	FCMEndpoint     string `envconfig:"FCM_ENDPOINT"`
	FCMKey          string `envconfig:"FCM_KEY"`
	WebhookEndpoint string `envconfig:"NOTIFY_WEBHOOK_ENDPOINT"`

	StripeAPIKey string `envconfig:"STRIPE_API_KEY"`

	Dispatch DispatchPolicy

	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	RunMigrations bool   `envconfig:"MIGRATE" default:"false"`
}

// DispatchPolicy holds the knobs of the sequential offer protocol.
type DispatchPolicy struct {
	OfferTimeout    time.Duration `envconfig:"DISPATCH_OFFER_TIMEOUT" default:"15s"`
	PollInterval    time.Duration `envconfig:"DISPATCH_POLL_INTERVAL" default:"5s"`
	MaxCandidates   int           `envconfig:"DISPATCH_MAX_CANDIDATES" default:"5"`
	SearchRadiusKm  float64       `envconfig:"DISPATCH_SEARCH_RADIUS_KM" default:"10"`
	FreshnessWindow time.Duration `envconfig:"DISPATCH_FRESHNESS_WINDOW" default:"5m"`
	NotifyTimeout   time.Duration `envconfig:"DISPATCH_NOTIFY_TIMEOUT" default:"3s"`
	GuardTTL        time.Duration `envconfig:"DISPATCH_GUARD_TTL" default:"10m"`
}

// DefaultDispatchPolicy returns the policy used when nothing is configured.
func DefaultDispatchPolicy() DispatchPolicy {
	return DispatchPolicy{
		OfferTimeout:    15 * time.Second,
		PollInterval:    5 * time.Second,
		MaxCandidates:   5,
		SearchRadiusKm:  10,
		FreshnessWindow: 5 * time.Minute,
		NotifyTimeout:   3 * time.Second,
		GuardTTL:        10 * time.Minute,
	}
}

func (p DispatchPolicy) Validate() error {
	var errs []error
	if p.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TIMEOUT must be > 0"))
	}
	if p.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_POLL_INTERVAL must be > 0"))
	}
	if p.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if p.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_KM must be > 0"))
	}
	if p.FreshnessWindow <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_FRESHNESS_WINDOW must be > 0"))
	}
	return errors.Join(errs...)
}

func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.KafkaBrokers = splitAndTrim(cfg.KafkaBrokers)
	return cfg, cfg.Dispatch.Validate()
}

// ConsumerConfig configures the driver-location ingest process.
type ConsumerConfig struct {
	MetricsAddr  string   `envconfig:"CONSUMER_METRICS_ADDR" default:":2112"`
	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"driver-locations"`
	KafkaGroup   string   `envconfig:"KAFKA_GROUP" default:"dispatch-location-consumer"`
	RedisAddr    string   `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisGeoKey  string   `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`
	LogLevel     string   `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.KafkaBrokers = splitAndTrim(cfg.KafkaBrokers)
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS must not be empty")
	}
	return cfg, nil
}

// AgentConfig configures a headless driver client.
type AgentConfig struct {
	DriverID     string        `envconfig:"AGENT_DRIVER_ID" required:"true"`
	PGDSN        string        `envconfig:"PG_DSN" required:"true"`
	RedisAddr    string        `envconfig:"REDIS_ADDR"`
	KafkaBrokers []string      `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string        `envconfig:"KAFKA_TOPIC" default:"driver-locations"`
	PollInterval time.Duration `envconfig:"DISPATCH_POLL_INTERVAL" default:"5s"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`

	// Policy is how the agent answers offers: accept, decline or ignore.
	Policy           string        `envconfig:"AGENT_POLICY" default:"accept"`
	ResponseDelay    time.Duration `envconfig:"AGENT_RESPONSE_DELAY" default:"1s"`
	CapacityTons     float64       `envconfig:"AGENT_CAPACITY_TONS" default:"20"`
	Lat              float64       `envconfig:"AGENT_LAT"`
	Lon              float64       `envconfig:"AGENT_LON"`
	LocationInterval time.Duration `envconfig:"AGENT_LOCATION_INTERVAL" default:"10s"`
}

func LoadAgentConfig() (AgentConfig, error) {
	loadDotEnv()
	var cfg AgentConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.KafkaBrokers = splitAndTrim(cfg.KafkaBrokers)
	cfg.Policy = strings.ToLower(cfg.Policy)

	var errs []error
	if cfg.PollInterval <= 0 {
		errs = append(errs, errors.New("DISPATCH_POLL_INTERVAL must be > 0"))
	}
	if cfg.LocationInterval <= 0 {
		errs = append(errs, errors.New("AGENT_LOCATION_INTERVAL must be > 0"))
	}
	switch cfg.Policy {
	case "accept", "decline", "ignore":
	default:
		errs = append(errs, fmt.Errorf("AGENT_POLICY %q must be accept, decline or ignore", cfg.Policy))
	}
	return cfg, errors.Join(errs...)
}

// loadDotEnv seeds the environment from ENV_FILE (default .env) when present.
// Variables already set in the environment win.
func loadDotEnv() {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

func splitAndTrim(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
