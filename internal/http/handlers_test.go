package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/material-dispatch/internal/dispatch"
	"github.com/example/material-dispatch/internal/feed"
	"github.com/example/material-dispatch/internal/geo"
	"github.com/example/material-dispatch/internal/ledger"
	"github.com/example/material-dispatch/internal/models"
	"github.com/example/material-dispatch/internal/storage"
)

type fakeDispatcher struct {
	mu          sync.Mutex
	triggered   []string
	cancelled   []string
	redispatch  []string
	triggerOK   bool
	idle        bool
	redispatchF func(id, paymentIntentID string) (bool, error)
}

func (f *fakeDispatcher) TriggerDispatch(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, id)
	return f.triggerOK
}

func (f *fakeDispatcher) Redispatch(_ context.Context, id, paymentIntentID string) (bool, error) {
	f.mu.Lock()
	f.redispatch = append(f.redispatch, id)
	fn := f.redispatchF
	f.mu.Unlock()
	if fn != nil {
		return fn(id, paymentIntentID)
	}
	return true, nil
}

func (f *fakeDispatcher) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return !f.idle
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []models.Driver
	err  error
}

func (p *fakePublisher) PublishLocation(_ context.Context, d models.Driver) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, d)
	return p.err
}

type fakePayments struct {
	held      []int64
	captured  []string
	cancelled []string
	holdErr   error
	nextID    string
}

func (p *fakePayments) Hold(_ context.Context, amount int64, _, _ string) (string, error) {
	if p.holdErr != nil {
		return "", p.holdErr
	}
	p.held = append(p.held, amount)
	if p.nextID != "" {
		return p.nextID, nil
	}
	return "pi_test", nil
}

func (p *fakePayments) Cancel(_ context.Context, id string) error {
	p.cancelled = append(p.cancelled, id)
	return nil
}

func (p *fakePayments) Capture(_ context.Context, id string) error {
	p.captured = append(p.captured, id)
	return nil
}

type env struct {
	srv      *Server
	store    *storage.MemoryStore
	ledger   *ledger.Ledger
	disp     *fakeDispatcher
	geo      *geo.Index
	pub      *fakePublisher
	payments *fakePayments
	ws       *dispatch.WSRegistry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    storage.NewMemoryStore(),
		disp:     &fakeDispatcher{triggerOK: true},
		geo:      geo.NewIndex(),
		pub:      &fakePublisher{},
		payments: &fakePayments{},
		ws:       dispatch.NewWSRegistry(),
	}
	e.ledger = ledger.New(e.store, feed.NewBroker(), nil)
	e.srv = NewServer(Options{
		Trips:      e.store,
		Ledger:     e.ledger,
		Dispatcher: e.disp,
		Geo:        e.geo,
		Locations:  e.pub,
		WSReg:      e.ws,
		Payments:   e.payments,
	})
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func (e *env) seedTrip(t *testing.T, id string, status models.TripStatus, driverID string) {
	t.Helper()
	tr := &models.Trip{
		ID: id, CustomerID: "c1", Status: status,
		PickupTimePreference: models.PickupASAP, PaymentIntentID: "pi_seed",
		WeightTons: 5, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if driverID != "" {
		tr.AssignedDriverID = &driverID
	}
	require.NoError(t, e.store.CreateTrip(context.Background(), tr))
}

func (e *env) seedOffer(t *testing.T, id, tripID, driverID string) {
	t.Helper()
	require.NoError(t, e.ledger.CreateOffer(context.Background(), &models.Offer{
		ID: id, TripID: tripID, DriverID: driverID, Attempt: 1,
		AcceptanceDeadline: time.Now().Add(time.Minute),
	}))
}

func validTrip() map[string]any {
	return map[string]any{
		"customer_id":      "c1",
		"pickup":           map[string]float64{"lat": 40.71, "lon": -74.0},
		"delivery":         map[string]float64{"lat": 40.75, "lon": -73.98},
		"pickup_address":   "1 Quarry Rd",
		"delivery_address": "9 Site Ave",
		"material_type":    "gravel",
		"weight_tons":      12.5,
		"quoted_price":     240.10,
	}
}

func TestCreateASAPTripTriggersDispatch(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/v1/trips", validTrip())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got := decode[map[string]any](t, rec)
	id := got["id"].(string)
	assert.Equal(t, "searching", got["display_status"])
	assert.Equal(t, true, got["dispatching"])
	assert.Equal(t, "pi_test", got["payment_intent_id"])
	assert.Equal(t, []string{id}, e.disp.triggered)
	assert.Equal(t, []int64{24010}, e.payments.held)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	stored, err := e.store.GetTrip(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.TripPending, stored.Status)
	assert.Equal(t, models.PickupASAP, stored.PickupTimePreference)
}

func TestCreateScheduledTripDoesNotDispatch(t *testing.T) {
	e := newEnv(t)
	body := validTrip()
	body["pickup_time_preference"] = "scheduled"
	body["payment_intent_id"] = "pi_existing"
	rec := e.do(t, http.MethodPost, "/api/v1/trips", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, e.disp.triggered)
	assert.Empty(t, e.payments.held, "an existing hold is reused")
}

func TestCreateTripValidation(t *testing.T) {
	cases := map[string]func(map[string]any){
		"missing customer": func(b map[string]any) { delete(b, "customer_id") },
		"zero weight":      func(b map[string]any) { b["weight_tons"] = 0 },
		"bad coordinate":   func(b map[string]any) { b["pickup"] = map[string]float64{"lat": 91, "lon": 0} },
		"bad preference":   func(b map[string]any) { b["pickup_time_preference"] = "tomorrow" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			body := validTrip()
			mutate(body)
			rec := e.do(t, http.MethodPost, "/api/v1/trips", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, e.disp.triggered)
		})
	}
}

func TestCreateTripHoldFailure(t *testing.T) {
	e := newEnv(t)
	e.payments.holdErr = errors.New("card declined")
	rec := e.do(t, http.MethodPost, "/api/v1/trips", validTrip())
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Empty(t, e.disp.triggered)
}

func TestGetTripIncludesOffers(t *testing.T) {
	e := newEnv(t)
	e.seedTrip(t, "t1", models.TripPending, "")
	e.seedOffer(t, "o1", "t1", "d1")

	rec := e.do(t, http.MethodGet, "/api/v1/trips/t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[tripView](t, rec)
	assert.Equal(t, "searching", got.DisplayStatus)
	require.Len(t, got.Offers, 1)
	assert.Equal(t, "o1", got.Offers[0].ID)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/trips/missing", nil).Code)
}

func TestCancelPendingTrip(t *testing.T) {
	e := newEnv(t)
	e.seedTrip(t, "t1", models.TripPending, "")

	rec := e.do(t, http.MethodPost, "/api/v1/trips/t1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[tripView](t, rec).DisplayStatus)
	assert.Equal(t, []string{"t1"}, e.disp.cancelled)
	assert.Empty(t, e.payments.cancelled, "the running dispatch releases the hold")

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/trips/t1/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/v1/trips/nope/cancel", nil).Code)
}

func TestCancelMatchedTripRejected(t *testing.T) {
	e := newEnv(t)
	e.seedTrip(t, "t1", models.TripMatched, "d1")
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/trips/t1/cancel", nil).Code)
	assert.Empty(t, e.disp.cancelled)
}

func TestDispatchEndpoint(t *testing.T) {
	e := newEnv(t)
	e.seedTrip(t, "pending", models.TripPending, "")
	e.seedTrip(t, "exhausted", models.TripNoDriverAvailable, "")
	e.seedTrip(t, "matched", models.TripMatched, "d1")

	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/trips/pending/dispatch", nil).Code)
	assert.Equal(t, []string{"pending"}, e.disp.triggered)

	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/trips/exhausted/dispatch", nil).Code)
	assert.Equal(t, []string{"exhausted"}, e.disp.redispatch)

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/trips/matched/dispatch", nil).Code)

	e.disp.triggerOK = false
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/trips/pending/dispatch", nil).Code)
}

func TestCancelIdleTripReleasesHold(t *testing.T) {
	e := newEnv(t)
	e.disp.idle = true
	e.seedTrip(t, "t1", models.TripPending, "")

	rec := e.do(t, http.MethodPost, "/api/v1/trips/t1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"pi_seed"}, e.payments.cancelled)
}

func TestCancelWithoutDispatcherReleasesHold(t *testing.T) {
	e := newEnv(t)
	e.srv.dispatch = nil
	e.seedTrip(t, "t1", models.TripPending, "")

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/trips/t1/cancel", nil).Code)
	assert.Equal(t, []string{"pi_seed"}, e.payments.cancelled)
}

func TestDispatchWithoutDispatcher(t *testing.T) {
	e := newEnv(t)
	e.srv.dispatch = nil
	e.seedTrip(t, "t1", models.TripPending, "")

	assert.Equal(t, http.StatusServiceUnavailable, e.do(t, http.MethodPost, "/api/v1/trips/t1/dispatch", nil).Code)
}

func (e *env) seedPricedTrip(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.store.CreateTrip(context.Background(), &models.Trip{
		ID: id, CustomerID: "c1", Status: models.TripNoDriverAvailable,
		PickupTimePreference: models.PickupASAP, PaymentIntentID: "pi_released",
		WeightTons: 5, QuotedPrice: 99.5, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
}

func TestRedispatchPlacesNewHold(t *testing.T) {
	e := newEnv(t)
	e.payments.nextID = "pi_renewed"
	e.seedPricedTrip(t, "t1")
	var gotPI string
	e.disp.redispatchF = func(id, pi string) (bool, error) {
		gotPI = pi
		return e.store.TransitionTrip(context.Background(), storage.TripTransition{
			ID: id, From: models.TripNoDriverAvailable, To: models.TripPending, At: time.Now(), PaymentIntentID: &pi,
		})
	}

	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/api/v1/trips/t1/dispatch", nil).Code)
	assert.Equal(t, "pi_renewed", gotPI)
	assert.Equal(t, []int64{9950}, e.payments.held)
	assert.Empty(t, e.payments.cancelled)

	trip, err := e.store.GetTrip(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "pi_renewed", trip.PaymentIntentID)
}

func TestRedispatchLostRaceReleasesNewHold(t *testing.T) {
	e := newEnv(t)
	e.payments.nextID = "pi_renewed"
	e.seedPricedTrip(t, "t1")
	e.disp.redispatchF = func(string, string) (bool, error) { return false, nil }

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/trips/t1/dispatch", nil).Code)
	assert.Equal(t, []string{"pi_renewed"}, e.payments.cancelled)
}

func TestRedispatchHoldFailure(t *testing.T) {
	e := newEnv(t)
	e.payments.holdErr = errors.New("card declined")
	e.seedPricedTrip(t, "t1")

	assert.Equal(t, http.StatusPaymentRequired, e.do(t, http.MethodPost, "/api/v1/trips/t1/dispatch", nil).Code)
	assert.Empty(t, e.disp.redispatch)
	trip, err := e.store.GetTrip(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripNoDriverAvailable, trip.Status)
}

func TestTripStatusProgression(t *testing.T) {
	e := newEnv(t)
	e.seedTrip(t, "t1", models.TripMatched, "d1")

	wrongDriver := e.do(t, http.MethodPost, "/api/v1/trips/t1/status", map[string]string{"driver_id": "d2", "status": "picked_up"})
	assert.Equal(t, http.StatusConflict, wrongDriver.Code)

	skip := e.do(t, http.MethodPost, "/api/v1/trips/t1/status", map[string]string{"driver_id": "d1", "status": "delivered"})
	assert.Equal(t, http.StatusConflict, skip.Code)

	for _, s := range []models.TripStatus{models.TripPickedUp, models.TripInTransit, models.TripDelivered} {
		rec := e.do(t, http.MethodPost, "/api/v1/trips/t1/status", map[string]string{"driver_id": "d1", "status": string(s)})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, string(s), decode[tripView](t, rec).DisplayStatus)
	}
	assert.Equal(t, []string{"pi_seed"}, e.payments.captured)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/trips/t1/status", map[string]string{}).Code)
}

func TestAcceptOffer(t *testing.T) {
	e := newEnv(t)
	e.seedTrip(t, "t1", models.TripPending, "")
	e.seedOffer(t, "o1", "t1", "d1")

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/offers/o1/accept", map[string]string{"driver_id": "d2"}).Code)

	rec := e.do(t, http.MethodPost, "/api/v1/offers/o1/accept", map[string]string{"driver_id": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["accepted"])

	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/api/v1/offers/o1/accept", map[string]string{"driver_id": "d1"}).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/api/v1/offers/none/accept", map[string]string{"driver_id": "d1"}).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/api/v1/offers/o1/accept", nil).Code)

	trip, err := e.store.GetTrip(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TripPending, trip.Status, "acceptance alone never assigns the trip")
}

func TestDeclineOfferIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.seedOffer(t, "o1", "t1", "d1")

	first := e.do(t, http.MethodPost, "/api/v1/offers/o1/decline", map[string]string{"driver_id": "d1"})
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, true, decode[map[string]any](t, first)["recorded"])

	second := e.do(t, http.MethodPost, "/api/v1/offers/o1/decline", map[string]string{"driver_id": "d1"})
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, false, decode[map[string]any](t, second)["recorded"])

	o, err := e.ledger.GetOffer(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OfferDeclined, o.Status)
}

func TestPendingOffersForDriver(t *testing.T) {
	e := newEnv(t)
	e.seedOffer(t, "o1", "t1", "d1")
	e.seedOffer(t, "o2", "t2", "d2")

	rec := e.do(t, http.MethodGet, "/api/v1/drivers/d1/offers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Offers []models.Offer `json:"offers"`
	}](t, rec)
	require.Len(t, got.Offers, 1)
	assert.Equal(t, "o1", got.Offers[0].ID)

	empty := e.do(t, http.MethodGet, "/api/v1/drivers/d9/offers", nil)
	assert.JSONEq(t, `{"offers":[]}`, empty.Body.String())
}

func TestDriverLocationUpdate(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{
		"id": "d1", "loc": map[string]float64{"lat": 40.7, "lon": -74}, "capacity_tons": 20,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	d, err := e.geo.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.Available, d.Availability)
	assert.True(t, d.Online)
	assert.False(t, d.Updated.IsZero())
	require.Len(t, e.pub.sent, 1)
	assert.Equal(t, "d1", e.pub.sent[0].ID)

	e.pub.err = errors.New("kafka down")
	rec = e.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{
		"id": "d1", "loc": map[string]float64{"lat": 40.8, "lon": -74}, "availability": "busy",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code, "publish failures do not block the direct write")
	d, _ = e.geo.Get(context.Background(), "d1")
	assert.Equal(t, models.Busy, d.Availability)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/internal/driver/locations", map[string]any{"loc": map[string]float64{}}).Code)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRequestIDIsEchoed(t *testing.T) {
	e := newEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestWebsocketSessionLifecycle(t *testing.T) {
	e := newEnv(t)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/d1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.ws.Connected("d1") }, time.Second, 5*time.Millisecond)
	require.NoError(t, e.ws.Notify(context.Background(), "d1", dispatch.Notification{Title: "New trip"}))

	var n dispatch.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "New trip", n.Title)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !e.ws.Connected("d1") }, time.Second, 5*time.Millisecond)
}
