// Package coordinator runs the sequential offer protocol for ASAP trips: one
// pending offer at a time, nearest candidate first, until a driver accepts or
// the candidate list runs out.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/material-dispatch/internal/config"
	"github.com/example/material-dispatch/internal/dispatch"
	"github.com/example/material-dispatch/internal/feed"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
	"github.com/example/material-dispatch/internal/observability"
	"github.com/example/material-dispatch/internal/storage"
)

var (
	ErrTripNotFound   = errors.New("trip not found")
	ErrTripNotPending = errors.New("trip is not pending")
)

// writeTimeout bounds ledger writes made after the dispatch context is gone.
const writeTimeout = 3 * time.Second

// An accepted offer must end with the trip assigned, so transient store
// errors on that write are retried.
const (
	matchAttempts = 5
	matchBackoff  = 50 * time.Millisecond
)

type Selector interface {
	FindCandidates(ctx context.Context, pickup models.Coord, materialType string, weightTons float64) ([]models.Candidate, error)
}

// Ledger is the part of the offer ledger the coordinator writes to.
type Ledger interface {
	CreateOffer(ctx context.Context, o *models.Offer) error
	UpdateOfferStatus(ctx context.Context, id string, from, to models.OfferStatus) bool
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	OffersForTrip(ctx context.Context, tripID string) ([]models.Offer, error)
	OnOfferChange(ctx context.Context, f feed.Filter) (*feed.Subscription, error)
}

type DurationEstimator interface {
	TripMinutes(ctx context.Context, pickup, delivery models.Coord) float64
}

// OutcomeHook runs once a dispatch reaches a terminal outcome. It is the
// extension point for the customer-side retry flow, payments and reporting.
type OutcomeHook interface {
	OnOutcome(ctx context.Context, trip models.Trip, res models.DispatchResult)
}

type OutcomeFunc func(ctx context.Context, trip models.Trip, res models.DispatchResult)

func (f OutcomeFunc) OnOutcome(ctx context.Context, trip models.Trip, res models.DispatchResult) {
	f(ctx, trip, res)
}

type Coordinator struct {
	Trips    storage.TripStore
	Ledger   Ledger
	Selector Selector
	Notifier dispatch.Notifier
	ETA      DurationEstimator
	Policy   config.DispatchPolicy
	Hooks    []OutcomeHook
	Log      *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func New(trips storage.TripStore, l Ledger, sel Selector, n dispatch.Notifier, policy config.DispatchPolicy, log *slog.Logger) *Coordinator {
	if log == nil {
		log = logging.Discard()
	}
	if n == nil {
		n = dispatch.NopNotifier{}
	}
	return &Coordinator{
		Trips:    trips,
		Ledger:   l,
		Selector: sel,
		Notifier: n,
		Policy:   policy,
		Log:      log,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Dispatch runs the protocol for one trip and reports whether a driver was
// assigned. Only a missing or non-pending trip is an error.
func (c *Coordinator) Dispatch(ctx context.Context, tripID string) (bool, error) {
	res := c.Run(ctx, tripID)
	return res.Outcome == models.OutcomeMatched, res.Err
}

type step int

const (
	stepNext step = iota
	stepAccepted
	stepCancelled
)

// Run drives SELECTING -> OFFERING(i) -> MATCHED | EXHAUSTED for one trip.
// Cancelling ctx aborts the wait, expires the live offer and stops.
func (c *Coordinator) Run(ctx context.Context, tripID string) models.DispatchResult {
	start := c.Now()
	res := models.DispatchResult{TripID: tripID}
	log := c.Log.With("trip_id", tripID)

	trip, err := c.Trips.GetTrip(ctx, tripID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrTripNotFound, tripID)
		}
		res.Outcome, res.Err = models.OutcomeFailed, err
		log.Error("dispatch_load_trip_failed", "error", err)
		c.finish(ctx, models.Trip{ID: tripID}, res, start)
		return res
	}
	if trip.Status != models.TripPending {
		res.Outcome = models.OutcomeFailed
		res.Err = fmt.Errorf("%w: %s is %s", ErrTripNotPending, tripID, trip.Status)
		log.Warn("dispatch_trip_not_pending", "status", trip.Status)
		c.finish(ctx, *trip, res, start)
		return res
	}

	// a previous run may have seen the accept but failed to assign the trip
	if o, ok := c.acceptedOffer(ctx, tripID, log); ok {
		log.Info("dispatch_resume_accepted", "offer_id", o.ID, "driver_id", o.DriverID)
		res.Outcome, res.DriverID = c.match(ctx, trip.ID, o.DriverID)
		c.finish(ctx, *trip, res, start)
		return res
	}

	cands, err := c.Selector.FindCandidates(ctx, trip.Pickup, trip.MaterialType, trip.WeightTons)
	if err != nil {
		log.Error("dispatch_select_failed", "error", err)
		cands = nil
	}
	log.Info("dispatch_started", "candidates", len(cands))

	for i, cand := range cands {
		if ctx.Err() != nil || (i > 0 && !c.stillPending(ctx, tripID)) {
			res.Outcome = models.OutcomeCancelled
			c.finish(ctx, *trip, res, start)
			return res
		}
		st, made := c.offer(ctx, trip, cand, i+1)
		if made {
			res.OffersMade++
		}
		switch st {
		case stepAccepted:
			res.Outcome, res.DriverID = c.match(ctx, trip.ID, cand.Driver.ID)
			c.finish(ctx, *trip, res, start)
			return res
		case stepCancelled:
			res.Outcome = models.OutcomeCancelled
			c.finish(ctx, *trip, res, start)
			return res
		}
	}

	res.Outcome = c.exhaust(ctx, trip.ID)
	c.finish(ctx, *trip, res, start)
	return res
}

// offer makes one attempt at a candidate. made is false when the offer could
// not be written; that attempt counts as a decline.
func (c *Coordinator) offer(ctx context.Context, trip *models.Trip, cand models.Candidate, attempt int) (step, bool) {
	id := c.NewID()
	log := c.Log.With("trip_id", trip.ID, "offer_id", id, "driver_id", cand.Driver.ID, "attempt", attempt)

	// subscribe before the insert so the driver's answer cannot slip past us
	sub, err := c.Ledger.OnOfferChange(ctx, feed.Filter{OfferID: id})
	if err != nil {
		log.Warn("offer_subscribe_failed", "error", err)
	}
	defer sub.Close()

	var minutes float64
	if c.ETA != nil {
		minutes = c.ETA.TripMinutes(ctx, trip.Pickup, trip.Delivery)
	}
	// the deadline starts after the routing lookup
	now := c.Now()
	o := &models.Offer{
		ID:                   id,
		TripID:               trip.ID,
		DriverID:             cand.Driver.ID,
		Attempt:              attempt,
		PickupAddress:        trip.PickupAddress,
		DeliveryAddress:      trip.DeliveryAddress,
		MaterialType:         trip.MaterialType,
		WeightTons:           trip.WeightTons,
		QuotedPrice:          trip.QuotedPrice,
		EstimatedDurationMin: minutes,
		DistanceToPickupKm:   cand.DistanceKm,
		AcceptanceDeadline:   now.Add(c.Policy.OfferTimeout),
		Status:               models.OfferPending,
		CreatedAt:            now,
	}
	if err := c.Ledger.CreateOffer(ctx, o); err != nil {
		observability.OfferCreateFails.Inc()
		log.Error("offer_create_failed", "error", err)
		return stepNext, false
	}
	observability.OffersCreated.Inc()
	log.Info("offer_created", "deadline", o.AcceptanceDeadline)

	c.notify(ctx, *o)
	return c.await(ctx, o, sub, log), true
}

// await blocks until the offer is resolved. The feed is the fast path; the
// poll tick covers lost events and notices trips cancelled elsewhere; the
// deadline timer is the authority on expiry.
func (c *Coordinator) await(ctx context.Context, o *models.Offer, sub *feed.Subscription, log *slog.Logger) step {
	timer := time.NewTimer(c.Policy.OfferTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.Policy.PollInterval)
	defer ticker.Stop()
	events := sub.Events()

	for {
		select {
		case <-ctx.Done():
			return c.abandon(ctx, o, log)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if st, done := resolved(ev.Offer.Status); done {
				c.observed(ev.Offer.Status, log)
				return st
			}

		case <-ticker.C:
			cur, err := c.Ledger.GetOffer(ctx, o.ID)
			if err != nil {
				log.Warn("offer_poll_failed", "error", err)
			} else if st, done := resolved(cur.Status); done {
				c.observed(cur.Status, log)
				return st
			}
			if !c.stillPending(ctx, o.TripID) {
				log.Info("trip_left_pending")
				return c.abandon(ctx, o, log)
			}

		case <-timer.C:
			if c.Ledger.UpdateOfferStatus(ctx, o.ID, models.OfferPending, models.OfferExpired) {
				c.observed(models.OfferExpired, log)
				return stepNext
			}
			// the driver got there first; follow whichever write won
			cur, err := c.Ledger.GetOffer(ctx, o.ID)
			if err != nil {
				log.Error("offer_reread_failed", "error", err)
				return stepNext
			}
			st, done := resolved(cur.Status)
			if !done {
				log.Error("offer_expire_failed", "status", cur.Status)
				return stepNext
			}
			c.observed(cur.Status, log)
			return st
		}
	}
}

// abandon marks the live offer moot. An accept that already landed still
// wins and is returned so the caller can finish the match.
func (c *Coordinator) abandon(ctx context.Context, o *models.Offer, log *slog.Logger) step {
	wctx, cancel := detached(ctx)
	defer cancel()
	if c.Ledger.UpdateOfferStatus(wctx, o.ID, models.OfferPending, models.OfferExpired) {
		c.observed(models.OfferExpired, log)
		return stepCancelled
	}
	cur, err := c.Ledger.GetOffer(wctx, o.ID)
	if err == nil && cur.Status == models.OfferAccepted {
		c.observed(cur.Status, log)
		return stepAccepted
	}
	return stepCancelled
}

func resolved(s models.OfferStatus) (step, bool) {
	if !s.Terminal() {
		return stepNext, false
	}
	if s == models.OfferAccepted {
		return stepAccepted, true
	}
	return stepNext, true
}

func (c *Coordinator) observed(s models.OfferStatus, log *slog.Logger) {
	observability.OfferOutcomes.WithLabelValues(string(s)).Inc()
	log.Info("offer_resolved", "status", s)
}

func (c *Coordinator) notify(ctx context.Context, o models.Offer) {
	timeout := c.Policy.NotifyTimeout
	if timeout <= 0 {
		timeout = writeTimeout
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	go func() {
		defer cancel()
		if err := c.Notifier.Notify(nctx, o.DriverID, dispatch.OfferNotification(o)); err != nil {
			observability.NotifyFailures.Inc()
			c.Log.Warn("offer_notify_failed", "trip_id", o.TripID, "offer_id", o.ID, "driver_id", o.DriverID, "error", err)
		}
	}()
}

// match assigns the driver. It runs on detached contexts so an accept seen
// during cancellation is still recorded on the trip, and retries store
// errors; only a rejected transition means the trip was closed.
func (c *Coordinator) match(ctx context.Context, tripID, driverID string) (models.DispatchOutcome, string) {
	delay := matchBackoff
	for attempt := 1; ; attempt++ {
		ok, err := c.assign(ctx, tripID, driverID)
		if err == nil && ok {
			return models.OutcomeMatched, driverID
		}
		if err == nil {
			if c.assignedTo(ctx, tripID, driverID) {
				// an earlier attempt landed even though it reported an error
				return models.OutcomeMatched, driverID
			}
			c.Log.Warn("trip_match_rejected", "trip_id", tripID, "driver_id", driverID)
			return models.OutcomeCancelled, driverID
		}
		if attempt == matchAttempts {
			c.Log.Error("trip_match_failed", "trip_id", tripID, "driver_id", driverID, "attempts", attempt, "error", err)
			return models.OutcomeFailed, driverID
		}
		c.Log.Warn("trip_match_retry", "trip_id", tripID, "driver_id", driverID, "attempt", attempt, "error", err)
		time.Sleep(delay)
		delay *= 2
	}
}

func (c *Coordinator) assign(ctx context.Context, tripID, driverID string) (bool, error) {
	wctx, cancel := detached(ctx)
	defer cancel()
	return c.Trips.TransitionTrip(wctx, storage.TripTransition{
		ID: tripID, From: models.TripPending, To: models.TripMatched, DriverID: &driverID, At: c.Now(),
	})
}

func (c *Coordinator) assignedTo(ctx context.Context, tripID, driverID string) bool {
	wctx, cancel := detached(ctx)
	defer cancel()
	t, err := c.Trips.GetTrip(wctx, tripID)
	return err == nil && t.Status == models.TripMatched && t.AssignedDriverID != nil && *t.AssignedDriverID == driverID
}

// acceptedOffer finds an offer for the trip that a driver already won.
func (c *Coordinator) acceptedOffer(ctx context.Context, tripID string, log *slog.Logger) (models.Offer, bool) {
	offers, err := c.Ledger.OffersForTrip(ctx, tripID)
	if err != nil {
		log.Warn("dispatch_offer_history_failed", "error", err)
		return models.Offer{}, false
	}
	for _, o := range offers {
		if o.Status == models.OfferAccepted {
			return o, true
		}
	}
	return models.Offer{}, false
}

func (c *Coordinator) exhaust(ctx context.Context, tripID string) models.DispatchOutcome {
	wctx, cancel := detached(ctx)
	defer cancel()
	ok, err := c.Trips.TransitionTrip(wctx, storage.TripTransition{
		ID: tripID, From: models.TripPending, To: models.TripNoDriverAvailable, At: c.Now(),
	})
	if err != nil {
		c.Log.Error("trip_exhaust_failed", "trip_id", tripID, "error", err)
		return models.OutcomeFailed
	}
	if !ok {
		return models.OutcomeCancelled
	}
	return models.OutcomeExhausted
}

func (c *Coordinator) stillPending(ctx context.Context, tripID string) bool {
	t, err := c.Trips.GetTrip(ctx, tripID)
	if err != nil {
		// unknown is not cancelled; the deadline still bounds the wait
		return ctx.Err() == nil
	}
	return t.Status == models.TripPending
}

func (c *Coordinator) finish(ctx context.Context, trip models.Trip, res models.DispatchResult, start time.Time) {
	observability.DispatchOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	observability.DispatchDuration.Observe(c.Now().Sub(start).Seconds())
	c.Log.Info("dispatch_finished", "trip_id", res.TripID, "outcome", res.Outcome, "driver_id", res.DriverID, "offers", res.OffersMade)
	if len(c.Hooks) == 0 {
		return
	}
	hctx, cancel := detached(ctx)
	defer cancel()
	if cur, err := c.Trips.GetTrip(hctx, res.TripID); err == nil {
		trip = *cur
	}
	for _, h := range c.Hooks {
		h.OnOutcome(hctx, trip, res)
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
