package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/material-dispatch/internal/listener"
	"github.com/example/material-dispatch/internal/models"
)

const (
	actAccept  = "accept"
	actDecline = "decline"
	actIgnore  = "ignore"
)

type locationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

// agent is a headless driver: it answers offers by a fixed policy and keeps
// its availability record fresh.
type agent struct {
	driverID string
	policy   string
	delay    time.Duration
	capacity float64
	loc      models.Coord
	listener *listener.Listener
	pub      locationPublisher
	log      *slog.Logger

	mu   sync.Mutex
	busy bool
}

func (a *agent) decide(o models.Offer) string {
	if a.capacity > 0 && o.WeightTons > a.capacity {
		return actDecline
	}
	return a.policy
}

func (a *agent) onOffer(ctx context.Context) func(models.Offer) {
	return func(o models.Offer) {
		act := a.decide(o)
		a.log.Info("offer_received", "offer_id", o.ID, "trip_id", o.TripID,
			"weight_tons", o.WeightTons, "distance_km", o.DistanceToPickupKm, "action", act)
		if act == actIgnore {
			return
		}
		time.AfterFunc(a.delay, func() { a.respond(ctx, o, act) })
	}
}

func (a *agent) respond(ctx context.Context, o models.Offer, act string) {
	if ctx.Err() != nil {
		return
	}
	if act == actDecline {
		a.listener.Decline(ctx, o.ID)
		return
	}
	won, err := a.listener.Accept(ctx, o.ID)
	if err != nil {
		if !errors.Is(err, listener.ErrNotCurrent) {
			a.log.Warn("offer_accept_failed", "offer_id", o.ID, "error", err)
		}
		return
	}
	if !won {
		return
	}
	a.mu.Lock()
	a.busy = true
	a.mu.Unlock()
	a.publish(ctx)
}

func (a *agent) isBusy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

func (a *agent) publish(ctx context.Context) {
	if a.pub == nil {
		return
	}
	d := models.Driver{
		ID:           a.driverID,
		Loc:          a.loc,
		Online:       true,
		Availability: models.Available,
		CapacityTons: a.capacity,
	}
	if a.isBusy() {
		d.Availability = models.Busy
	}
	if err := a.pub.PublishLocation(ctx, d); err != nil && ctx.Err() == nil {
		a.log.Warn("location_publish_failed", "error", err)
	}
}

func (a *agent) start(ctx context.Context) error {
	return a.listener.Start(ctx, a.driverID, a.onOffer(ctx))
}

// run listens and heartbeats until ctx ends.
func (a *agent) run(ctx context.Context, interval time.Duration) error {
	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.listener.Stop()

	a.publish(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.publish(ctx)
		}
	}
}
