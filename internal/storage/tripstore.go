package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/material-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
	ErrNoDriver = errors.New("transition requires an assigned driver")
)

// TripTransition is a conditional status change: it applies only while the
// trip is still in From (and, when AssignedTo is set, assigned to that driver).
type TripTransition struct {
	ID         string
	From       models.TripStatus
	To         models.TripStatus
	DriverID   *string
	AssignedTo string
	// PaymentIntentID, when set, replaces the trip's payment hold.
	PaymentIntentID *string
	At              time.Time
}

// validate rejects moves into a driver-carrying status that neither assign
// a driver nor require the current one.
func (tr TripTransition) validate() error {
	if tr.To.HasDriver() && tr.DriverID == nil && tr.AssignedTo == "" {
		return fmt.Errorf("trip %s %s -> %s: %w", tr.ID, tr.From, tr.To, ErrNoDriver)
	}
	return nil
}

// TripStore defines persistence operations for trips.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	TransitionTrip(ctx context.Context, tr TripTransition) (bool, error)
}

// OfferTransition is the compare-and-swap primitive the whole protocol rests
// on. DriverID, when set, restricts the write to that driver's own offer.
type OfferTransition struct {
	ID       string
	DriverID string
	From     models.OfferStatus
	To       models.OfferStatus
	At       time.Time
}

type OfferFilter struct {
	TripID        string
	DriverID      string
	Status        models.OfferStatus
	DeadlineAfter time.Time
}

// OfferStore is the durable side of the ledger.
type OfferStore interface {
	InsertOffer(ctx context.Context, o *models.Offer) error
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	// CompareAndSwapOfferStatus returns the row after the write and true, or
	// false when the precondition no longer holds.
	CompareAndSwapOfferStatus(ctx context.Context, tr OfferTransition) (*models.Offer, bool, error)
	ListOffers(ctx context.Context, f OfferFilter) ([]models.Offer, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	trips  map[string]*models.Trip
	offers map[string]*models.Offer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*models.Trip), offers: make(map[string]*models.Offer)}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trips[t.ID]; ok {
		return ErrConflict
	}
	m.trips[t.ID] = cloneTrip(t)
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrip(t), nil
}

func (m *MemoryStore) TransitionTrip(_ context.Context, tr TripTransition) (bool, error) {
	if err := tr.validate(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tr.ID]
	if !ok || t.Status != tr.From {
		return false, nil
	}
	if tr.AssignedTo != "" && (t.AssignedDriverID == nil || *t.AssignedDriverID != tr.AssignedTo) {
		return false, nil
	}
	t.Status = tr.To
	if tr.DriverID != nil {
		d := *tr.DriverID
		t.AssignedDriverID = &d
	}
	if tr.PaymentIntentID != nil {
		t.PaymentIntentID = *tr.PaymentIntentID
	}
	t.UpdatedAt = stamp(tr.At)
	return true, nil
}

func (m *MemoryStore) InsertOffer(_ context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.offers[o.ID]; ok {
		return ErrConflict
	}
	m.offers[o.ID] = cloneOffer(o)
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOffer(o), nil
}

func (m *MemoryStore) CompareAndSwapOfferStatus(_ context.Context, tr OfferTransition) (*models.Offer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[tr.ID]
	if !ok || o.Status != tr.From {
		return nil, false, nil
	}
	if tr.DriverID != "" && o.DriverID != tr.DriverID {
		return nil, false, nil
	}
	if tr.To == models.OfferAccepted {
		// mirrors the partial unique index on offers(trip_id) where accepted
		for _, other := range m.offers {
			if other.TripID == o.TripID && other.Status == models.OfferAccepted {
				return nil, false, nil
			}
		}
	}
	o.Status = tr.To
	at := stamp(tr.At)
	o.RespondedAt = &at
	return cloneOffer(o), true, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, f OfferFilter) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Offer, 0)
	for _, o := range m.offers {
		if f.TripID != "" && o.TripID != f.TripID {
			continue
		}
		if f.DriverID != "" && o.DriverID != f.DriverID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if !f.DeadlineAfter.IsZero() && !o.AcceptanceDeadline.After(f.DeadlineAfter) {
			continue
		}
		out = append(out, *cloneOffer(o))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Attempt < out[j].Attempt
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneTrip(t *models.Trip) *models.Trip {
	c := *t
	if t.AssignedDriverID != nil {
		d := *t.AssignedDriverID
		c.AssignedDriverID = &d
	}
	return &c
}

func cloneOffer(o *models.Offer) *models.Offer {
	c := *o
	if o.RespondedAt != nil {
		r := *o.RespondedAt
		c.RespondedAt = &r
	}
	return &c
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
