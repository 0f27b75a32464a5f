package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/material-dispatch/internal/dispatch"
	"github.com/example/material-dispatch/internal/geo"
	"github.com/example/material-dispatch/internal/logging"
	"github.com/example/material-dispatch/internal/models"
	"github.com/example/material-dispatch/internal/observability"
	"github.com/example/material-dispatch/internal/storage"
)

// Dispatcher is the trigger side of the supervisor.
type Dispatcher interface {
	TriggerDispatch(tripID string) bool
	Redispatch(ctx context.Context, tripID, paymentIntentID string) (bool, error)
	Cancel(tripID string) bool
}

type OfferLedger interface {
	Respond(ctx context.Context, offerID, driverID string, to models.OfferStatus) bool
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	OffersForTrip(ctx context.Context, tripID string) ([]models.Offer, error)
	PendingOffersForDriver(ctx context.Context, driverID string) ([]models.Offer, error)
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type Options struct {
	Trips      storage.TripStore
	Ledger     OfferLedger
	Dispatcher Dispatcher
	Geo        geo.Availability
	Locations  LocationPublisher
	WSReg      *dispatch.WSRegistry
	Payments   Payments
	Currency   string
	Logger     *slog.Logger
}

type Server struct {
	trips     storage.TripStore
	ledger    OfferLedger
	dispatch  Dispatcher
	geo       geo.Availability
	locations LocationPublisher
	wsReg     *dispatch.WSRegistry
	payments  Payments
	currency  string
	logger    *slog.Logger
	now       func() time.Time
	mux       *mux.Router
}

func NewServer(o Options) *Server {
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Currency == "" {
		o.Currency = "usd"
	}
	if o.WSReg == nil {
		o.WSReg = dispatch.NewWSRegistry()
	}
	s := &Server{
		trips:     o.Trips,
		ledger:    o.Ledger,
		dispatch:  o.Dispatcher,
		geo:       o.Geo,
		locations: o.Locations,
		wsReg:     o.WSReg,
		payments:  o.Payments,
		currency:  o.Currency,
		logger:    o.Logger,
		now:       time.Now,
		mux:       mux.NewRouter(),
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/dispatch", s.handleDispatchTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/status", s.handleTripStatus).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/offers", s.handlePendingOffers).Methods(http.MethodGet)
	api.HandleFunc("/offers/{id}/accept", s.handleAcceptOffer).Methods(http.MethodPost)
	api.HandleFunc("/offers/{id}/decline", s.handleDeclineOffer).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createTripRequest struct {
	CustomerID           string                  `json:"customer_id"`
	Pickup               models.Coord            `json:"pickup"`
	Delivery             models.Coord            `json:"delivery"`
	PickupAddress        string                  `json:"pickup_address"`
	DeliveryAddress      string                  `json:"delivery_address"`
	MaterialType         string                  `json:"material_type"`
	WeightTons           float64                 `json:"weight_tons"`
	QuotedPrice          float64                 `json:"quoted_price"`
	PickupTimePreference models.PickupPreference `json:"pickup_time_preference"`
	PaymentIntentID      string                  `json:"payment_intent_id"`
}

func (r *createTripRequest) validate() error {
	var errs []error
	if strings.TrimSpace(r.CustomerID) == "" {
		errs = append(errs, errors.New("customer_id is required"))
	}
	if r.WeightTons <= 0 {
		errs = append(errs, errors.New("weight_tons must be > 0"))
	}
	if r.QuotedPrice < 0 {
		errs = append(errs, errors.New("quoted_price must be >= 0"))
	}
	if !validCoord(r.Pickup) || !validCoord(r.Delivery) {
		errs = append(errs, errors.New("pickup and delivery must be valid coordinates"))
	}
	switch r.PickupTimePreference {
	case "":
		r.PickupTimePreference = models.PickupASAP
	case models.PickupASAP, models.PickupScheduled:
	default:
		errs = append(errs, fmt.Errorf("unknown pickup_time_preference %q", r.PickupTimePreference))
	}
	return errors.Join(errs...)
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type tripView struct {
	*models.Trip
	// DisplayStatus is what the customer sees: "searching" while dispatch
	// has not finished.
	DisplayStatus string         `json:"display_status"`
	Offers        []models.Offer `json:"offers,omitempty"`
	Dispatching   *bool          `json:"dispatching,omitempty"`
}

func displayStatus(s models.TripStatus) string {
	if s == models.TripPending {
		return "searching"
	}
	return string(s)
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := s.now().UTC()
	trip := &models.Trip{
		ID:                   uuid.NewString(),
		CustomerID:           req.CustomerID,
		Pickup:               req.Pickup,
		Delivery:             req.Delivery,
		PickupAddress:        req.PickupAddress,
		DeliveryAddress:      req.DeliveryAddress,
		MaterialType:         req.MaterialType,
		WeightTons:           req.WeightTons,
		QuotedPrice:          req.QuotedPrice,
		PickupTimePreference: req.PickupTimePreference,
		Status:               models.TripPending,
		PaymentIntentID:      req.PaymentIntentID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if trip.PaymentIntentID == "" && s.payments != nil && trip.QuotedPrice > 0 {
		id, err := s.hold(r.Context(), trip)
		if err != nil {
			s.logger.Error("payment_hold_failed", "customer_id", trip.CustomerID, "error", err)
			writeError(w, http.StatusPaymentRequired, "payment hold failed")
			return
		}
		trip.PaymentIntentID = id
	}
	if err := s.trips.CreateTrip(r.Context(), trip); err != nil {
		s.writeStoreError(w, err)
		return
	}

	view := tripView{Trip: trip, DisplayStatus: displayStatus(trip.Status)}
	if trip.IsASAP() && s.dispatch != nil {
		started := s.dispatch.TriggerDispatch(trip.ID)
		view.Dispatching = &started
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.trips.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	offers, err := s.ledger.OffersForTrip(r.Context(), trip.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tripView{Trip: trip, DisplayStatus: displayStatus(trip.Status), Offers: offers})
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := s.trips.TransitionTrip(r.Context(), storage.TripTransition{
		ID: id, From: models.TripPending, To: models.TripCancelled, At: s.now(),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !ok {
		s.writeTransitionRejected(r.Context(), w, id, "only pending trips can be cancelled")
		return
	}
	// a running dispatch releases the hold from its outcome hook
	if s.dispatch == nil || !s.dispatch.Cancel(id) {
		s.releaseHold(r.Context(), id)
	}
	s.logger.Info("trip_cancelled", "trip_id", id)
	s.respondTrip(r.Context(), w, id)
}

func (s *Server) handleDispatchTrip(w http.ResponseWriter, r *http.Request) {
	if s.dispatch == nil {
		writeError(w, http.StatusServiceUnavailable, "dispatch is not available")
		return
	}
	id := mux.Vars(r)["id"]
	trip, err := s.trips.GetTrip(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	var started bool
	switch trip.Status {
	case models.TripPending:
		started = s.dispatch.TriggerDispatch(id)
	case models.TripNoDriverAvailable:
		started, err = s.redispatch(r.Context(), trip)
		if errors.Is(err, errHoldFailed) {
			writeError(w, http.StatusPaymentRequired, "payment hold failed")
			return
		}
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
	default:
		writeError(w, http.StatusConflict, fmt.Sprintf("trip is %s", trip.Status))
		return
	}
	if !started {
		writeError(w, http.StatusConflict, "dispatch already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"trip_id": id, "dispatching": true})
}

var errHoldFailed = errors.New("payment hold failed")

// redispatch reopens an exhausted trip. Its hold was released when dispatch
// ran out of drivers, so a new one is placed first.
func (s *Server) redispatch(ctx context.Context, trip *models.Trip) (bool, error) {
	if s.payments == nil || trip.PaymentIntentID == "" || trip.QuotedPrice <= 0 {
		return s.dispatch.Redispatch(ctx, trip.ID, "")
	}
	pi, err := s.hold(ctx, trip)
	if err != nil {
		s.logger.Error("payment_hold_failed", "trip_id", trip.ID, "customer_id", trip.CustomerID, "error", err)
		return false, fmt.Errorf("%w: %v", errHoldFailed, err)
	}
	started, err := s.dispatch.Redispatch(ctx, trip.ID, pi)
	// the trip kept its old hold id only if someone else reopened it first
	if cur, gerr := s.trips.GetTrip(ctx, trip.ID); gerr == nil && cur.PaymentIntentID != pi {
		s.cancelHold(ctx, trip.ID, pi)
	}
	return started, err
}

func (s *Server) hold(ctx context.Context, trip *models.Trip) (string, error) {
	return s.payments.Hold(ctx, int64(math.Round(trip.QuotedPrice*100)), s.currency, trip.CustomerID)
}

func (s *Server) releaseHold(ctx context.Context, tripID string) {
	if s.payments == nil {
		return
	}
	trip, err := s.trips.GetTrip(ctx, tripID)
	if err != nil {
		s.logger.Warn("payment_hold_lookup_failed", "trip_id", tripID, "error", err)
		return
	}
	if trip.PaymentIntentID != "" {
		s.cancelHold(ctx, tripID, trip.PaymentIntentID)
	}
}

func (s *Server) cancelHold(ctx context.Context, tripID, paymentIntentID string) {
	if err := s.payments.Cancel(ctx, paymentIntentID); err != nil {
		s.logger.Error("payment_hold_release_failed", "trip_id", tripID, "payment_intent_id", paymentIntentID, "error", err)
		return
	}
	s.logger.Info("payment_hold_released", "trip_id", tripID, "payment_intent_id", paymentIntentID)
}

type statusRequest struct {
	DriverID string            `json:"driver_id"`
	Status   models.TripStatus `json:"status"`
}

// handleTripStatus moves a matched trip through pickup and delivery. Only
// the assigned driver may do so, one step at a time.
func (s *Server) handleTripStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "driver_id and status are required")
		return
	}
	trip, err := s.trips.GetTrip(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	next, ok := trip.Status.NextInTrip()
	if !ok || next != req.Status {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot move trip from %s to %s", trip.Status, req.Status))
		return
	}
	ok, err = s.trips.TransitionTrip(r.Context(), storage.TripTransition{
		ID: id, From: trip.Status, To: next, AssignedTo: req.DriverID, At: s.now(),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "trip is not assigned to this driver or has moved on")
		return
	}
	if next == models.TripDelivered && s.payments != nil && trip.PaymentIntentID != "" {
		if err := s.payments.Capture(r.Context(), trip.PaymentIntentID); err != nil {
			s.logger.Error("payment_capture_failed", "trip_id", id, "error", err)
		}
	}
	s.logger.Info("trip_status_changed", "trip_id", id, "driver_id", req.DriverID, "status", next)
	s.respondTrip(r.Context(), w, id)
}

func (s *Server) handlePendingOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.ledger.PendingOffersForDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers})
}

type respondRequest struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) decodeRespond(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return "", "", false
	}
	offerID := mux.Vars(r)["id"]
	if _, err := s.ledger.GetOffer(r.Context(), offerID); err != nil {
		s.writeStoreError(w, err)
		return "", "", false
	}
	return offerID, req.DriverID, true
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	offerID, driverID, ok := s.decodeRespond(w, r)
	if !ok {
		return
	}
	if !s.ledger.Respond(r.Context(), offerID, driverID, models.OfferAccepted) {
		writeError(w, http.StatusConflict, "offer is no longer available")
		return
	}
	s.logger.Info("offer_accepted", "offer_id", offerID, "driver_id", driverID)
	writeJSON(w, http.StatusOK, map[string]any{"offer_id": offerID, "accepted": true})
}

// handleDeclineOffer always succeeds for a known offer; recorded says
// whether this call was the one that declined it.
func (s *Server) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	offerID, driverID, ok := s.decodeRespond(w, r)
	if !ok {
		return
	}
	recorded := s.ledger.Respond(r.Context(), offerID, driverID, models.OfferDeclined)
	writeJSON(w, http.StatusOK, map[string]any{"offer_id": offerID, "recorded": recorded})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.ID == "" || !validCoord(d.Loc) {
		writeError(w, http.StatusBadRequest, "id and a valid loc are required")
		return
	}
	if d.Availability == "" {
		d.Online = true
		d.Availability = models.Available
	}
	d.Updated = s.now().UTC()
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("location_publish_failed", "driver_id", d.ID, "error", err)
		}
	}
	if err := s.geo.Upsert(r.Context(), d); err != nil {
		s.logger.Error("location_upsert_failed", "driver_id", d.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "availability store unavailable")
		return
	}
	observability.LocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "driver_id", id, "error", err)
		return
	}
	s.wsReg.Add(id, conn)
	s.logger.Info("ws_connected", "driver_id", id)
	// drain reads so closes are noticed
	go func() {
		defer func() {
			s.wsReg.Remove(id, conn)
			_ = conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) respondTrip(ctx context.Context, w http.ResponseWriter, id string) {
	trip, err := s.trips.GetTrip(ctx, id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tripView{Trip: trip, DisplayStatus: displayStatus(trip.Status)})
}

func (s *Server) writeTransitionRejected(ctx context.Context, w http.ResponseWriter, id, msg string) {
	if _, err := s.trips.GetTrip(ctx, id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeError(w, http.StatusConflict, msg)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("store_error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
