package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/example/material-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Availability using Redis GEO commands plus a metadata
// hash per driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, metaKey(d.ID), metaFields(d))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo search: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, metaKey(g.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load driver metadata: %w", err)
	}

	out := make([]models.Driver, 0, len(res))
	for i, g := range res {
		d := driverFromMeta(g.Name, metas[i].Val())
		d.Loc = models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		if !d.Online {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *RedisGeo) Get(ctx context.Context, driverID string) (models.Driver, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, fmt.Errorf("load driver %s: %w", driverID, err)
	}
	if len(m) == 0 {
		return models.Driver{}, ErrDriverNotFound
	}
	d := driverFromMeta(driverID, m)
	if pos, err := r.client.GeoPos(ctx, r.key, driverID).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, nil
}

func metaFields(d models.Driver) map[string]interface{} {
	return map[string]interface{}{
		"online":        strconv.FormatBool(d.Online),
		"availability":  string(d.Availability),
		"capacity_tons": strconv.FormatFloat(d.CapacityTons, 'f', -1, 64),
		"push_token":    d.PushToken,
		"updated":       d.Updated.UTC().Format(time.RFC3339Nano),
	}
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id}
	d.Online = m["online"] == "true"
	d.Availability = models.Availability(m["availability"])
	if v, ok := m["capacity_tons"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.CapacityTons = f
		}
	}
	d.PushToken = m["push_token"]
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.Updated = ts
		}
	}
	return d
}

func metaKey(id string) string { return "driver:meta:" + id }
