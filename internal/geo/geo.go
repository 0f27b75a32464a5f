package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/material-dispatch/internal/models"
)

var ErrDriverNotFound = errors.New("driver not found")

// Availability is the shared driver location and availability store. Driver
// clients overwrite their own record; dispatch only reads it.
type Availability interface {
	Upsert(ctx context.Context, d models.Driver) error
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Driver, error)
	Get(ctx context.Context, driverID string) (models.Driver, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d.Updated.IsZero() {
		d.Updated = g.now()
	}
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.Driver{}, ErrDriverNotFound
	}
	return d, nil
}

// naive scan; in prod use the redis index or H3
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Driver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := Haversine(center.Lat, center.Lon, d.Loc.Lat, d.Loc.Lon)
		if radiusKm > 0 && dist > radiusKm*1000 {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].d.ID < arr[j].d.ID
		}
		return arr[i].dist < arr[j].dist
	})
	n := len(arr)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// DistanceKm is Haversine between two coordinates, in kilometers.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
