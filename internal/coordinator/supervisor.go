package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
	"github.com/example/material-dispatch/internal/observability"
	"github.com/example/material-dispatch/internal/storage"
)

var ErrAlreadyDispatching = errors.New("dispatch already running for trip")

const (
	guardTimeout = 2 * time.Second
	// finished tasks kept for Wait before they are pruned
	retainFinished = 1024
)

// Runner is one dispatch run; *Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, tripID string) models.DispatchResult
}

type task struct {
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	result   models.DispatchResult
	finished time.Time
}

func (t *task) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Supervisor owns one task per trip being dispatched. Triggers never block
// on the dispatch itself; failures are logged, not returned.
type Supervisor struct {
	runner Runner
	trips  storage.TripStore
	guard  Guard
	log    *slog.Logger

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

func NewSupervisor(r Runner, trips storage.TripStore, g Guard, log *slog.Logger) *Supervisor {
	if g == nil {
		g = NewLocalGuard()
	}
	if log == nil {
		log = logging.Discard()
	}
	base, stop := context.WithCancel(context.Background())
	return &Supervisor{runner: r, trips: trips, guard: g, log: log, base: base, stop: stop, tasks: make(map[string]*task)}
}

// TriggerDispatch starts dispatch for tripID in the background. It returns
// false when a dispatch for the trip is already running here or elsewhere.
func (s *Supervisor) TriggerDispatch(tripID string) bool {
	t, ok := s.reserve(tripID)
	if !ok {
		s.log.Info("dispatch_trigger_ignored", "trip_id", tripID, "reason", "running")
		return false
	}

	gctx, cancel := context.WithTimeout(s.base, guardTimeout)
	token, acquired, err := s.guard.Acquire(gctx, tripID)
	cancel()
	if err != nil || !acquired {
		s.log.Info("dispatch_trigger_ignored", "trip_id", tripID, "reason", "guard", "error", err)
		s.complete(tripID, t, models.DispatchResult{TripID: tripID, Outcome: models.OutcomeFailed, Err: ErrAlreadyDispatching}, true)
		return false
	}

	go s.run(tripID, t, token)
	return true
}

func (s *Supervisor) reserve(tripID string) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if t, ok := s.tasks[tripID]; ok && t.running() {
		return nil, false
	}
	ctx, cancel := context.WithCancel(s.base)
	t := &task{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.tasks[tripID] = t
	s.wg.Add(1)
	s.prune()
	return t, true
}

func (s *Supervisor) run(tripID string, t *task, token string) {
	observability.ActiveDispatches.Inc()
	defer observability.ActiveDispatches.Dec()

	res := s.safeRun(t.ctx, tripID)

	rctx, rcancel := context.WithTimeout(context.Background(), guardTimeout)
	if err := s.guard.Release(rctx, tripID, token); err != nil {
		s.log.Warn("dispatch_guard_release_failed", "trip_id", tripID, "error", err)
	}
	rcancel()

	s.complete(tripID, t, res, false)
}

func (s *Supervisor) safeRun(ctx context.Context, tripID string) (res models.DispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("dispatch_panic", "trip_id", tripID, "panic", r)
			res = models.DispatchResult{TripID: tripID, Outcome: models.OutcomeFailed, Err: fmt.Errorf("dispatch panic: %v", r)}
		}
	}()
	res = s.runner.Run(ctx, tripID)
	if res.Err != nil {
		s.log.Warn("dispatch_failed", "trip_id", tripID, "error", res.Err)
	}
	return res
}

func (s *Supervisor) complete(tripID string, t *task, res models.DispatchResult, drop bool) {
	s.mu.Lock()
	t.result = res
	t.finished = time.Now()
	if drop && s.tasks[tripID] == t {
		delete(s.tasks, tripID)
	}
	close(t.done)
	s.mu.Unlock()
	t.cancel()
	s.wg.Done()
}

// prune drops the oldest finished tasks once too many are retained. Callers
// hold s.mu.
func (s *Supervisor) prune() {
	if len(s.tasks) <= retainFinished {
		return
	}
	type entry struct {
		id string
		at time.Time
	}
	var done []entry
	for id, t := range s.tasks {
		if !t.running() {
			done = append(done, entry{id, t.finished})
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })
	for _, e := range done {
		if len(s.tasks) <= retainFinished {
			return
		}
		delete(s.tasks, e.id)
	}
}

// Cancel stops a running dispatch for tripID; its live offer is expired.
func (s *Supervisor) Cancel(tripID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[tripID]
	s.mu.Unlock()
	if !ok || !t.running() {
		return false
	}
	t.cancel()
	return true
}

// Wait blocks until the trip's latest dispatch ends. It reports false for
// trips this supervisor has no record of, or when ctx ends first.
func (s *Supervisor) Wait(ctx context.Context, tripID string) (models.DispatchResult, bool) {
	s.mu.Lock()
	t, ok := s.tasks[tripID]
	s.mu.Unlock()
	if !ok {
		return models.DispatchResult{}, false
	}
	select {
	case <-t.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return t.result, true
	case <-ctx.Done():
		return models.DispatchResult{}, false
	}
}

func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id, t := range s.tasks {
		if t.running() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Redispatch reopens a trip that ran out of drivers and dispatches it again.
// A non-empty paymentIntentID replaces the trip's hold, which was released
// when the previous dispatch was exhausted.
func (s *Supervisor) Redispatch(ctx context.Context, tripID, paymentIntentID string) (bool, error) {
	tr := storage.TripTransition{
		ID: tripID, From: models.TripNoDriverAvailable, To: models.TripPending, At: time.Now(),
	}
	if paymentIntentID != "" {
		tr.PaymentIntentID = &paymentIntentID
	}
	ok, err := s.trips.TransitionTrip(ctx, tr)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return s.TriggerDispatch(tripID), nil
}

// Shutdown stops accepting triggers, cancels running dispatches and waits
// for them to release their offers.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
