package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/material-dispatch/internal/geo"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
)

// Client is a routing backend returning drive time in seconds.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Naive ETA: straight-line distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h city speed for a loaded truck
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Estimator fills the estimated trip duration shown on an offer. It asks the
// routing backend first and falls back to the straight-line estimate, so it
// never fails.
type Estimator struct {
	Routing  Client
	Cache    *Cache
	SpeedMps float64
	Log      *slog.Logger
}

func NewEstimator(routing Client, cache *Cache, speedMps float64, log *slog.Logger) *Estimator {
	if log == nil {
		log = logging.Discard()
	}
	return &Estimator{Routing: routing, Cache: cache, SpeedMps: speedMps, Log: log}
}

// TripMinutes estimates the pickup-to-delivery drive in minutes.
func (e *Estimator) TripMinutes(ctx context.Context, pickup, delivery models.Coord) float64 {
	if e == nil {
		return EstimateSeconds(pickup, delivery, 0) / 60
	}
	if e.Cache != nil {
		if v, ok := e.Cache.Get(pickup, delivery); ok {
			return v / 60
		}
	}
	secs := -1.0
	if e.Routing != nil {
		v, err := e.Routing.EstimateSeconds(ctx, pickup, delivery)
		if err != nil {
			e.Log.Warn("eta_routing_failed", "error", err)
		} else {
			secs = v
		}
	}
	if secs < 0 {
		secs = EstimateSeconds(pickup, delivery, e.SpeedMps)
	}
	if e.Cache != nil {
		e.Cache.Set(pickup, delivery, secs)
	}
	return secs / 60
}
