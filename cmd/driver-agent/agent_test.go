package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/material-dispatch/internal/feed"
	"github.com/example/material-dispatch/internal/ledger"
	"github.com/example/material-dispatch/internal/listener"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
	"github.com/example/material-dispatch/internal/storage"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []models.Driver
}

func (p *recordingPublisher) PublishLocation(_ context.Context, d models.Driver) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, d)
	return nil
}

func (p *recordingPublisher) last() (models.Driver, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return models.Driver{}, false
	}
	return p.sent[len(p.sent)-1], true
}

func newAgent(t *testing.T, policy string) (*agent, *ledger.Ledger, *recordingPublisher) {
	t.Helper()
	led := ledger.New(storage.NewMemoryStore(), feed.NewBroker(), nil)
	pub := &recordingPublisher{}
	a := &agent{
		driverID: "d1",
		policy:   policy,
		capacity: 20,
		loc:      models.Coord{Lat: 40.7, Lon: -74},
		listener: listener.New(led, 20*time.Millisecond, nil),
		pub:      pub,
		log:      logging.Discard(),
	}
	t.Cleanup(a.listener.Stop)
	return a, led, pub
}

func createOffer(t *testing.T, led *ledger.Ledger, id string, weight float64) {
	t.Helper()
	require.NoError(t, led.CreateOffer(context.Background(), &models.Offer{
		ID: id, TripID: "t-" + id, DriverID: "d1", Attempt: 1, WeightTons: weight,
		AcceptanceDeadline: time.Now().Add(time.Minute),
	}))
}

func statusOf(t *testing.T, led *ledger.Ledger, id string) models.OfferStatus {
	t.Helper()
	o, err := led.GetOffer(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func TestAgentAcceptsAndGoesBusy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, led, pub := newAgent(t, actAccept)
	require.NoError(t, a.start(ctx))

	createOffer(t, led, "o1", 10)
	require.Eventually(t, func() bool { return statusOf(t, led, "o1") == models.OfferAccepted }, time.Second, 5*time.Millisecond)
	require.Eventually(t, a.isBusy, time.Second, 5*time.Millisecond)

	d, ok := pub.last()
	require.True(t, ok)
	assert.Equal(t, models.Busy, d.Availability)
	assert.Equal(t, "d1", d.ID)
}

func TestAgentDeclinesOverweightLoads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, led, _ := newAgent(t, actAccept)
	require.NoError(t, a.start(ctx))

	createOffer(t, led, "heavy", 35)
	require.Eventually(t, func() bool { return statusOf(t, led, "heavy") == models.OfferDeclined }, time.Second, 5*time.Millisecond)
	assert.False(t, a.isBusy())
}

func TestAgentDeclinePolicy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, led, _ := newAgent(t, actDecline)
	require.NoError(t, a.start(ctx))

	createOffer(t, led, "o1", 5)
	require.Eventually(t, func() bool { return statusOf(t, led, "o1") == models.OfferDeclined }, time.Second, 5*time.Millisecond)
}

func TestAgentIgnorePolicyLeavesOfferPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, led, _ := newAgent(t, actIgnore)
	require.NoError(t, a.start(ctx))

	createOffer(t, led, "o1", 5)
	require.Eventually(t, func() bool { _, ok := a.listener.Current(); return ok }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, models.OfferPending, statusOf(t, led, "o1"))
}

func TestAgentRunHeartbeats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a, _, pub := newAgent(t, actAccept)

	done := make(chan error, 1)
	go func() { done <- a.run(ctx, 10*time.Millisecond) }()
	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.sent) >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	d, _ := pub.last()
	assert.Equal(t, models.Available, d.Availability)
	assert.True(t, d.Online)
}
