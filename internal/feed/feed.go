// Package feed carries offer change notifications. Delivery is best-effort:
// events can arrive late, twice, or not at all, so consumers always pair a
// subscription with polling.
package feed

import (
	"context"
	"sync"

	"github.com/example/material-dispatch/internal/models"
)

// Filter selects events for one driver or one offer. A zero Filter matches
// everything.
type Filter struct {
	DriverID string
	OfferID  string
}

func (f Filter) Match(ev models.OfferEvent) bool {
	if f.OfferID != "" && ev.Offer.ID != f.OfferID {
		return false
	}
	if f.DriverID != "" && ev.Offer.DriverID != f.DriverID {
		return false
	}
	return true
}

type Feed interface {
	Publish(ctx context.Context, ev models.OfferEvent) error
	// Subscribe returns once the subscription is live; events published
	// after it returns are eligible for delivery.
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
}

type Subscription struct {
	events <-chan models.OfferEvent
	stop   func()
	once   sync.Once
}

func newSubscription(events <-chan models.OfferEvent, stop func()) *Subscription {
	return &Subscription{events: events, stop: stop}
}

// Events is closed after Close or when the subscribing context ends.
func (s *Subscription) Events() <-chan models.OfferEvent {
	if s == nil {
		return nil
	}
	return s.events
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.stop)
}

const subscriberBuffer = 32

// Broker is an in-process Feed. A slow subscriber loses events instead of
// blocking publishers.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*brokerSub
}

type brokerSub struct {
	filter Filter
	ch     chan models.OfferEvent
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*brokerSub)}
}

func (b *Broker) Publish(_ context.Context, ev models.OfferEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	s := &brokerSub{filter: f, ch: make(chan models.OfferEvent, subscriberBuffer)}
	b.subs[id] = s
	b.mu.Unlock()

	done := make(chan struct{})
	sub := newSubscription(s.ch, func() {
		close(done)
		b.mu.Lock()
		delete(b.subs, id)
		close(s.ch)
		b.mu.Unlock()
	})
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-done:
		}
	}()
	return sub, nil
}

// Subscribers reports the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
