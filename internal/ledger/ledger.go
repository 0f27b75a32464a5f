package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/material-dispatch/internal/feed"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
	"github.com/example/material-dispatch/internal/observability"
	"github.com/example/material-dispatch/internal/storage"
)

var ErrNoFeed = errors.New("no change feed configured")

// Ledger is the shared record of offers. Every successful write is followed
// by a best-effort change event; the write's result never depends on the feed.
type Ledger struct {
	store storage.OfferStore
	feed  feed.Feed
	log   *slog.Logger
	now   func() time.Time
}

func New(store storage.OfferStore, f feed.Feed, log *slog.Logger) *Ledger {
	if log == nil {
		log = logging.Discard()
	}
	return &Ledger{store: store, feed: f, log: log, now: time.Now}
}

func (l *Ledger) CreateOffer(ctx context.Context, o *models.Offer) error {
	if o.Status == "" {
		o.Status = models.OfferPending
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = l.now()
	}
	if err := l.store.InsertOffer(ctx, o); err != nil {
		return err
	}
	l.publish(ctx, models.OfferInserted, *o)
	return nil
}

// UpdateOfferStatus moves an offer from -> to only if it is still in from.
// It never fails loudly: false means someone else already resolved the offer
// or the store could not be reached.
func (l *Ledger) UpdateOfferStatus(ctx context.Context, id string, from, to models.OfferStatus) bool {
	return l.transition(ctx, storage.OfferTransition{ID: id, From: from, To: to, At: l.now()})
}

// Respond records a driver's own answer to a pending offer.
func (l *Ledger) Respond(ctx context.Context, offerID, driverID string, to models.OfferStatus) bool {
	if to != models.OfferAccepted && to != models.OfferDeclined {
		l.log.Warn("offer_respond_invalid_status", "offer_id", offerID, "driver_id", driverID, "status", to)
		return false
	}
	return l.transition(ctx, storage.OfferTransition{ID: offerID, DriverID: driverID, From: models.OfferPending, To: to, At: l.now()})
}

func (l *Ledger) transition(ctx context.Context, tr storage.OfferTransition) bool {
	o, ok, err := l.store.CompareAndSwapOfferStatus(ctx, tr)
	if err != nil {
		l.log.Error("offer_transition_failed", "offer_id", tr.ID, "from", tr.From, "to", tr.To, "error", err)
		return false
	}
	if !ok {
		l.log.Debug("offer_transition_rejected", "offer_id", tr.ID, "from", tr.From, "to", tr.To)
		return false
	}
	l.publish(ctx, models.OfferUpdated, *o)
	return true
}

func (l *Ledger) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	return l.store.GetOffer(ctx, id)
}

func (l *Ledger) OffersForTrip(ctx context.Context, tripID string) ([]models.Offer, error) {
	return l.store.ListOffers(ctx, storage.OfferFilter{TripID: tripID})
}

// PendingOffersForDriver lists the driver's offers that are still pending and
// not yet past their deadline.
func (l *Ledger) PendingOffersForDriver(ctx context.Context, driverID string) ([]models.Offer, error) {
	return l.store.ListOffers(ctx, storage.OfferFilter{DriverID: driverID, Status: models.OfferPending, DeadlineAfter: l.now()})
}

// OnOfferChange subscribes to offer events. Without a feed it fails with
// ErrNoFeed and callers fall back to polling.
func (l *Ledger) OnOfferChange(ctx context.Context, f feed.Filter) (*feed.Subscription, error) {
	if l.feed == nil {
		return nil, ErrNoFeed
	}
	return l.feed.Subscribe(ctx, f)
}

func (l *Ledger) publish(ctx context.Context, typ models.OfferEventType, o models.Offer) {
	if l.feed == nil {
		return
	}
	if err := l.feed.Publish(ctx, models.OfferEvent{Type: typ, Offer: o}); err != nil {
		observability.FeedPublishErrors.Inc()
		l.log.Warn("offer_event_publish_failed", "offer_id", o.ID, "type", typ, "error", err)
	}
}
