package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/material-dispatch/internal/models"
	"github.com/example/material-dispatch/internal/storage"
)

type blockingRunner struct {
	started chan string
	release chan struct{}
	calls   int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan string, 8), release: make(chan struct{})}
}

func (r *blockingRunner) Run(ctx context.Context, tripID string) models.DispatchResult {
	atomic.AddInt32(&r.calls, 1)
	r.started <- tripID
	select {
	case <-r.release:
		return models.DispatchResult{TripID: tripID, Outcome: models.OutcomeMatched, DriverID: "d1"}
	case <-ctx.Done():
		return models.DispatchResult{TripID: tripID, Outcome: models.OutcomeCancelled}
	}
}

type runnerFunc func(ctx context.Context, tripID string) models.DispatchResult

func (f runnerFunc) Run(ctx context.Context, tripID string) models.DispatchResult { return f(ctx, tripID) }

func waitResult(t *testing.T, s *Supervisor, tripID string) models.DispatchResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, ok := s.Wait(ctx, tripID)
	require.True(t, ok, "no result for %s", tripID)
	return res
}

func started(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
		return ""
	}
}

func TestTriggerDispatchIgnoresDuplicates(t *testing.T) {
	r := newBlockingRunner()
	s := NewSupervisor(r, nil, nil, nil)

	require.True(t, s.TriggerDispatch("t1"))
	started(t, r)
	assert.False(t, s.TriggerDispatch("t1"))
	require.True(t, s.TriggerDispatch("t2"))
	started(t, r)
	assert.Equal(t, []string{"t1", "t2"}, s.Active())

	close(r.release)
	assert.Equal(t, models.OutcomeMatched, waitResult(t, s, "t1").Outcome)
	waitResult(t, s, "t2")
	assert.Empty(t, s.Active())

	// a finished trip may be dispatched again
	require.True(t, s.TriggerDispatch("t1"))
	waitResult(t, s, "t1")
	assert.Equal(t, int32(3), atomic.LoadInt32(&r.calls))
}

func TestCancelStopsRunningDispatch(t *testing.T) {
	r := newBlockingRunner()
	s := NewSupervisor(r, nil, nil, nil)

	require.True(t, s.TriggerDispatch("t1"))
	started(t, r)
	assert.True(t, s.Cancel("t1"))
	assert.Equal(t, models.OutcomeCancelled, waitResult(t, s, "t1").Outcome)
	assert.False(t, s.Cancel("t1"))
	assert.False(t, s.Cancel("unknown"))
}

func TestWaitUnknownTrip(t *testing.T) {
	s := NewSupervisor(newBlockingRunner(), nil, nil, nil)
	_, ok := s.Wait(context.Background(), "nope")
	assert.False(t, ok)
}

func TestPanicInDispatchIsContained(t *testing.T) {
	s := NewSupervisor(runnerFunc(func(context.Context, string) models.DispatchResult {
		panic("boom")
	}), nil, nil, nil)

	require.True(t, s.TriggerDispatch("t1"))
	res := waitResult(t, s, "t1")
	assert.Equal(t, models.OutcomeFailed, res.Outcome)
	assert.ErrorContains(t, res.Err, "boom")
	require.True(t, s.TriggerDispatch("t1"), "guard released after panic")
}

func TestGuardHeldElsewhere(t *testing.T) {
	g := NewLocalGuard()
	token, ok, err := g.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)

	r := newBlockingRunner()
	s := NewSupervisor(r, nil, g, nil)
	assert.False(t, s.TriggerDispatch("t1"))
	assert.Zero(t, atomic.LoadInt32(&r.calls))
	assert.Empty(t, s.Active())

	require.NoError(t, g.Release(context.Background(), "t1", token))
	assert.True(t, s.TriggerDispatch("t1"))
	close(r.release)
	waitResult(t, s, "t1")
}

func TestShutdownCancelsAndRefusesNewWork(t *testing.T) {
	r := newBlockingRunner()
	s := NewSupervisor(r, nil, nil, nil)
	require.True(t, s.TriggerDispatch("t1"))
	started(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	assert.Equal(t, models.OutcomeCancelled, waitResult(t, s, "t1").Outcome)
	assert.False(t, s.TriggerDispatch("t2"))
}

func TestRedispatchReopensExhaustedTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateTrip(ctx, &models.Trip{ID: "t1", Status: models.TripNoDriverAvailable}))
	s := NewSupervisor(runnerFunc(func(_ context.Context, id string) models.DispatchResult {
		return models.DispatchResult{TripID: id, Outcome: models.OutcomeExhausted}
	}), store, nil, nil)

	ok, err := s.Redispatch(ctx, "t1", "")
	require.NoError(t, err)
	assert.True(t, ok)
	waitResult(t, s, "t1")
	trip, err := store.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripPending, trip.Status)

	ok, err = s.Redispatch(ctx, "t1", "")
	require.NoError(t, err)
	assert.False(t, ok, "only exhausted trips reopen")
}

func TestRedispatchReplacesReleasedHold(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateTrip(ctx, &models.Trip{ID: "t1", Status: models.TripNoDriverAvailable, PaymentIntentID: "pi_old"}))
	require.NoError(t, store.CreateTrip(ctx, &models.Trip{ID: "t2", Status: models.TripNoDriverAvailable, PaymentIntentID: "pi_kept"}))
	s := NewSupervisor(runnerFunc(func(_ context.Context, id string) models.DispatchResult {
		return models.DispatchResult{TripID: id, Outcome: models.OutcomeExhausted}
	}), store, nil, nil)

	ok, err := s.Redispatch(ctx, "t1", "pi_new")
	require.NoError(t, err)
	require.True(t, ok)
	waitResult(t, s, "t1")
	trip, err := store.GetTrip(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "pi_new", trip.PaymentIntentID)

	ok, err = s.Redispatch(ctx, "t2", "")
	require.NoError(t, err)
	require.True(t, ok)
	waitResult(t, s, "t2")
	trip, err = store.GetTrip(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "pi_kept", trip.PaymentIntentID)
}

func TestSupervisorRunsCoordinator(t *testing.T) {
	h := newHarness(t, candidates("d1"))
	h.driver("d1", 5*time.Millisecond, models.OfferAccepted)
	s := NewSupervisor(h.coord, h.store, nil, nil)

	require.True(t, s.TriggerDispatch("t1"))
	res := waitResult(t, s, "t1")
	assert.Equal(t, models.OutcomeMatched, res.Outcome)
	assert.Equal(t, models.TripMatched, h.trip().Status)
}

func TestSupervisorCancelExpiresCoordinatorOffer(t *testing.T) {
	h := newHarness(t, candidates("d1"))
	s := NewSupervisor(h.coord, h.store, nil, nil)
	h.onOffer("d1", func(models.Offer) bool { return s.Cancel("t1") })

	require.True(t, s.TriggerDispatch("t1"))
	res := waitResult(t, s, "t1")
	assert.Equal(t, models.OutcomeCancelled, res.Outcome)
	require.Len(t, h.offers(), 1)
	assert.Equal(t, models.OfferExpired, h.offers()[0].Status)
}

func TestLocalGuard(t *testing.T) {
	ctx := context.Background()
	g := NewLocalGuard()
	token, ok, err := g.Acquire(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, _ = g.Acquire(ctx, "t1")
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, "t1", "someone-else"))
	_, ok, _ = g.Acquire(ctx, "t1")
	assert.False(t, ok, "wrong token must not release")

	require.NoError(t, g.Release(ctx, "t1", token))
	_, ok, _ = g.Acquire(ctx, "t1")
	assert.True(t, ok)
}

type fakeRedis struct {
	values map[string]string
	err    error
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	v, ok := f.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(f.values, k)
	}
	return nil
}

func TestRedisGuardAcquireRelease(t *testing.T) {
	ctx := context.Background()
	store := &fakeRedis{values: map[string]string{}}
	g, err := NewRedisGuard(store, time.Minute)
	require.NoError(t, err)

	token, ok, err := g.Acquire(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, token, store.values["dispatch:guard:t1"])

	_, ok, err = g.Acquire(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, "t1", "stale"))
	assert.Contains(t, store.values, "dispatch:guard:t1")

	require.NoError(t, g.Release(ctx, "t1", token))
	assert.NotContains(t, store.values, "dispatch:guard:t1")
	require.NoError(t, g.Release(ctx, "t1", token), "releasing a missing key is a no-op")
}

func TestRedisGuardErrors(t *testing.T) {
	_, err := NewRedisGuard(nil, time.Minute)
	assert.Error(t, err)
	_, err = NewRedisGuard(&fakeRedis{}, 0)
	assert.Error(t, err)

	g, err := NewRedisGuard(&fakeRedis{values: map[string]string{}, err: errors.New("conn refused")}, time.Minute)
	require.NoError(t, err)
	_, ok, err := g.Acquire(context.Background(), "t1")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "setnx")
}
