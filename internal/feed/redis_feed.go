package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/material-dispatch/internal/models"
)

// RedisFeed fans offer events out over Redis Pub/Sub, one channel per
// driver and one per offer.
type RedisFeed struct {
	client *redis.Client
	prefix string
	log    *slog.Logger
}

func NewRedisFeed(client *redis.Client, log *slog.Logger) *RedisFeed {
	return &RedisFeed{client: client, prefix: "offers", log: log}
}

func (r *RedisFeed) driverChannel(id string) string { return fmt.Sprintf("%s:driver:%s", r.prefix, id) }
func (r *RedisFeed) offerChannel(id string) string  { return fmt.Sprintf("%s:offer:%s", r.prefix, id) }

func (r *RedisFeed) Publish(ctx context.Context, ev models.OfferEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode offer event: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Publish(ctx, r.driverChannel(ev.Offer.DriverID), b)
	pipe.Publish(ctx, r.offerChannel(ev.Offer.ID), b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish offer event: %w", err)
	}
	return nil
}

func (r *RedisFeed) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	var channel string
	switch {
	case f.OfferID != "":
		channel = r.offerChannel(f.OfferID)
	case f.DriverID != "":
		channel = r.driverChannel(f.DriverID)
	default:
		channel = r.prefix + ":driver:*"
	}

	var ps *redis.PubSub
	if f.OfferID == "" && f.DriverID == "" {
		ps = r.client.PSubscribe(ctx, channel)
	} else {
		ps = r.client.Subscribe(ctx, channel)
	}
	// wait for the subscribe confirmation so callers can write right after
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan models.OfferEvent, subscriberBuffer)
	done := make(chan struct{})
	msgs := ps.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.OfferEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					r.log.Warn("feed_decode_failed", "channel", m.Channel, "error", err)
					continue
				}
				if !f.Match(ev) {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	return newSubscription(out, func() {
		close(done)
		_ = ps.Close()
	}), nil
}
