// Package listener is the driver side of the offer protocol. It merges the
// change feed and a polling fallback into one stream of observed offers and
// keeps exactly one decision in front of the driver.
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/material-dispatch/internal/feed"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
)

var (
	ErrAlreadyListening = errors.New("listener already started")
	ErrNotListening     = errors.New("listener not started")
	ErrNotCurrent       = errors.New("offer is not the current decision")
)

type DismissReason string

const (
	DismissReplaced    DismissReason = "replaced"
	DismissExpired     DismissReason = "expired"
	DismissUnavailable DismissReason = "unavailable"
	DismissDeclined    DismissReason = "declined"
	DismissAccepted    DismissReason = "accepted"
)

type Ledger interface {
	Respond(ctx context.Context, offerID, driverID string, to models.OfferStatus) bool
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	PendingOffersForDriver(ctx context.Context, driverID string) ([]models.Offer, error)
	OnOfferChange(ctx context.Context, f feed.Filter) (*feed.Subscription, error)
}

type Listener struct {
	ledger       Ledger
	pollInterval time.Duration
	log          *slog.Logger
	now          func() time.Time

	// OnDismiss is told whenever the current decision goes away.
	OnDismiss func(offerID string, reason DismissReason)

	mu       sync.Mutex
	driverID string
	onOffer  func(models.Offer)
	current  *models.Offer
	timer    *time.Timer
	seen     map[string]struct{}
	accepted map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(l Ledger, pollInterval time.Duration, log *slog.Logger) *Listener {
	if log == nil {
		log = logging.Discard()
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Listener{ledger: l, pollInterval: pollInterval, log: log, now: time.Now}
}

// Start listens for driverID's offers until ctx ends or Stop is called.
// onOffer is called once per surfaced offer.
func (l *Listener) Start(ctx context.Context, driverID string, onOffer func(models.Offer)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrAlreadyListening
	}
	lctx, cancel := context.WithCancel(ctx)
	sub, err := l.ledger.OnOfferChange(lctx, feed.Filter{DriverID: driverID})
	if err != nil {
		// polling alone still delivers every offer, only later
		l.log.Warn("listener_subscribe_failed", "driver_id", driverID, "error", err)
	}
	l.driverID = driverID
	l.onOffer = onOffer
	l.seen = make(map[string]struct{})
	l.accepted = make(map[string]struct{})
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.loop(lctx, sub, l.done)
	return nil
}

func (l *Listener) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	l.mu.Lock()
	l.clear()
	l.driverID = ""
	l.mu.Unlock()
}

func (l *Listener) loop(ctx context.Context, sub *feed.Subscription, done chan struct{}) {
	defer close(done)
	defer sub.Close()

	// the first poll catches offers created before the subscription attached
	l.poll(ctx)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.observe(ev.Offer)
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

func (l *Listener) poll(ctx context.Context) {
	l.mu.Lock()
	driverID := l.driverID
	l.mu.Unlock()

	offers, err := l.ledger.PendingOffersForDriver(ctx, driverID)
	if err != nil {
		if ctx.Err() == nil {
			l.log.Warn("listener_poll_failed", "driver_id", driverID, "error", err)
		}
		return
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].CreatedAt.Before(offers[j].CreatedAt) })

	if cur, ok := l.Current(); ok && !containsOffer(offers, cur.ID) {
		// resolved while its update event was lost
		if o, err := l.ledger.GetOffer(ctx, cur.ID); err == nil {
			l.observe(*o)
		}
	}
	for _, o := range offers {
		l.observe(o)
	}
}

func containsOffer(offers []models.Offer, id string) bool {
	for _, o := range offers {
		if o.ID == id {
			return true
		}
	}
	return false
}

// observe is the single transition function for both input streams.
func (l *Listener) observe(o models.Offer) {
	var notify []func()
	l.mu.Lock()
	if l.cancel == nil {
		l.mu.Unlock()
		return
	}
	if o.Status == models.OfferPending {
		notify = l.observePending(o)
	} else {
		l.seen[o.ID] = struct{}{}
		if l.current != nil && l.current.ID == o.ID {
			l.clear()
			notify = append(notify, l.dismissed(o.ID, reasonFor(o.Status)))
		}
	}
	l.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}

func (l *Listener) observePending(o models.Offer) []func() {
	if _, dup := l.seen[o.ID]; dup {
		return nil
	}
	if _, done := l.accepted[o.TripID]; done {
		return nil
	}
	l.seen[o.ID] = struct{}{}
	if o.IsExpired(l.now()) {
		return nil
	}
	var notify []func()
	if l.current != nil {
		if o.CreatedAt.Before(l.current.CreatedAt) {
			return nil
		}
		notify = append(notify, l.dismissed(l.current.ID, DismissReplaced))
		l.clear()
	}
	cur := o
	l.current = &cur
	id := o.ID
	l.timer = time.AfterFunc(o.AcceptanceDeadline.Sub(l.now()), func() { l.expireLocal(id) })
	l.log.Info("offer_surfaced", "driver_id", l.driverID, "offer_id", o.ID, "trip_id", o.TripID)
	if cb := l.onOffer; cb != nil {
		notify = append(notify, func() { cb(o) })
	}
	return notify
}

// expireLocal dismisses the card at its deadline. The ledger is left alone;
// the coordinator owns expiry.
func (l *Listener) expireLocal(offerID string) {
	l.mu.Lock()
	if l.current == nil || l.current.ID != offerID {
		l.mu.Unlock()
		return
	}
	l.clear()
	fn := l.dismissed(offerID, DismissExpired)
	l.mu.Unlock()
	fn()
}

// Accept only succeeds if the ledger still holds the offer as pending. On
// failure the offer is dismissed as unavailable and listening continues.
func (l *Listener) Accept(ctx context.Context, offerID string) (bool, error) {
	l.mu.Lock()
	if l.cancel == nil {
		l.mu.Unlock()
		return false, ErrNotListening
	}
	if l.current == nil || l.current.ID != offerID {
		l.mu.Unlock()
		return false, ErrNotCurrent
	}
	driverID, tripID := l.driverID, l.current.TripID
	l.mu.Unlock()

	ok := l.ledger.Respond(ctx, offerID, driverID, models.OfferAccepted)

	reason := DismissUnavailable
	l.mu.Lock()
	if ok {
		reason = DismissAccepted
		if l.accepted != nil {
			l.accepted[tripID] = struct{}{}
		}
	}
	var fn func()
	if l.current != nil && l.current.ID == offerID {
		l.clear()
		fn = l.dismissed(offerID, reason)
	}
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
	l.log.Info("offer_accept", "driver_id", driverID, "offer_id", offerID, "won", ok)
	return ok, nil
}

// Decline clears the decision locally whatever the ledger says; the
// coordinator's timeout covers a decline that never lands. Calling it again
// for the same offer has no further effect.
func (l *Listener) Decline(ctx context.Context, offerID string) bool {
	l.mu.Lock()
	driverID := l.driverID
	var fn func()
	if l.current != nil && l.current.ID == offerID {
		l.clear()
		fn = l.dismissed(offerID, DismissDeclined)
	}
	if l.seen != nil {
		l.seen[offerID] = struct{}{}
	}
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
	if driverID == "" {
		return false
	}
	ok := l.ledger.Respond(ctx, offerID, driverID, models.OfferDeclined)
	if !ok {
		l.log.Debug("offer_decline_not_recorded", "driver_id", driverID, "offer_id", offerID)
	}
	return ok
}

func (l *Listener) Current() (models.Offer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return models.Offer{}, false
	}
	return *l.current, true
}

// Remaining is the countdown shown on the offer card.
func (l *Listener) Remaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return 0
	}
	if d := l.current.AcceptanceDeadline.Sub(l.now()); d > 0 {
		return d
	}
	return 0
}

// clear drops the current decision. Callers hold l.mu.
func (l *Listener) clear() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.current = nil
}

func (l *Listener) dismissed(offerID string, reason DismissReason) func() {
	cb := l.OnDismiss
	driverID := l.driverID
	return func() {
		l.log.Info("offer_dismissed", "driver_id", driverID, "offer_id", offerID, "reason", reason)
		if cb != nil {
			cb(offerID, reason)
		}
	}
}

func reasonFor(s models.OfferStatus) DismissReason {
	switch s {
	case models.OfferAccepted:
		return DismissAccepted
	case models.OfferDeclined:
		return DismissDeclined
	}
	return DismissExpired
}
