package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/material-dispatch/internal/config"
	"github.com/example/material-dispatch/internal/geo"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
	"github.com/example/material-dispatch/internal/observability"
)

type Geo interface {
	Nearby(ctx context.Context, center models.Coord, radiusKm float64, limit int) ([]models.Driver, error)
}

// Selector turns the availability store into an ordered candidate list for
// one pickup: eligible drivers only, nearest first, bounded in size.
type Selector struct {
	Geo             Geo
	RadiusKm        float64
	FreshnessWindow time.Duration
	MaxCandidates   int
	Logger          *slog.Logger
	Now             func() time.Time
}

func NewSelector(g Geo, policy config.DispatchPolicy, log *slog.Logger) *Selector {
	s := Selector{
		Geo:             g,
		RadiusKm:        policy.SearchRadiusKm,
		FreshnessWindow: policy.FreshnessWindow,
		MaxCandidates:   policy.MaxCandidates,
		Logger:          log,
		Now:             time.Now,
	}.withDefaults()
	return &s
}

// FindCandidates returns eligible drivers for a load, nearest first. An
// empty list is a normal outcome.
func (s *Selector) FindCandidates(ctx context.Context, pickup models.Coord, materialType string, weightTons float64) ([]models.Candidate, error) {
	// a copy: the selector is shared across concurrent dispatches
	e := s.withDefaults()
	// fetch without a limit: ineligible drivers near the pickup must not
	// crowd out eligible ones further away
	drivers, err := e.Geo.Nearby(ctx, pickup, e.RadiusKm, 0)
	if err != nil {
		return nil, err
	}
	now := e.Now()
	out := make([]models.Candidate, 0, len(drivers))
	for _, d := range drivers {
		if !eligible(d, weightTons, now, e.FreshnessWindow) {
			continue
		}
		dist := geo.DistanceKm(pickup, d.Loc)
		if dist > e.RadiusKm {
			continue
		}
		out = append(out, models.Candidate{Driver: d, DistanceKm: dist})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].Driver.ID < out[j].Driver.ID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if len(out) > e.MaxCandidates {
		out = out[:e.MaxCandidates]
	}
	observability.CandidatesFound.Observe(float64(len(out)))
	e.Logger.Debug("candidates_selected",
		"material_type", materialType,
		"weight_tons", weightTons,
		"scanned", len(drivers),
		"eligible", len(out),
	)
	return out, nil
}

func eligible(d models.Driver, weightTons float64, now time.Time, freshness time.Duration) bool {
	if !d.Online || d.Availability != models.Available {
		return false
	}
	if d.CapacityTons < weightTons {
		return false
	}
	return now.Sub(d.Updated) <= freshness
}

// withDefaults fills zero settings without touching the receiver.
func (s Selector) withDefaults() Selector {
	def := config.DefaultDispatchPolicy()
	if s.RadiusKm <= 0 {
		s.RadiusKm = def.SearchRadiusKm
	}
	if s.FreshnessWindow <= 0 {
		s.FreshnessWindow = def.FreshnessWindow
	}
	if s.MaxCandidates <= 0 {
		s.MaxCandidates = def.MaxCandidates
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Logger == nil {
		s.Logger = logging.Discard()
	}
	return s
}
