package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type PickupPreference string

const (
	PickupASAP      PickupPreference = "asap"
	PickupScheduled PickupPreference = "scheduled"
)

type TripStatus string

const (
	TripPending           TripStatus = "pending"
	TripMatched           TripStatus = "matched"
	TripPickedUp          TripStatus = "picked_up"
	TripInTransit         TripStatus = "in_transit"
	TripDelivered         TripStatus = "delivered"
	TripNoDriverAvailable TripStatus = "no_driver_available"
	TripCancelled         TripStatus = "cancelled"
)

// HasDriver reports whether a trip in this status must carry an assigned driver.
func (s TripStatus) HasDriver() bool {
	switch s {
	case TripMatched, TripPickedUp, TripInTransit, TripDelivered:
		return true
	}
	return false
}

// NextInTrip returns the status a driver may advance to from s during the
// delivery itself, or false when s is not an in-trip status.
func (s TripStatus) NextInTrip() (TripStatus, bool) {
	switch s {
	case TripMatched:
		return TripPickedUp, true
	case TripPickedUp:
		return TripInTransit, true
	case TripInTransit:
		return TripDelivered, true
	}
	return "", false
}

type Trip struct {
	ID                   string           `json:"id"`
	CustomerID           string           `json:"customer_id"`
	Pickup               Coord            `json:"pickup"`
	Delivery             Coord            `json:"delivery"`
	PickupAddress        string           `json:"pickup_address"`
	DeliveryAddress      string           `json:"delivery_address"`
	MaterialType         string           `json:"material_type"`
	WeightTons           float64          `json:"weight_tons"`
	QuotedPrice          float64          `json:"quoted_price"`
	PickupTimePreference PickupPreference `json:"pickup_time_preference"`
	Status               TripStatus       `json:"status"`
	AssignedDriverID     *string          `json:"assigned_driver_id"`
	PaymentIntentID      string           `json:"payment_intent_id,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func (t *Trip) IsASAP() bool { return t.PickupTimePreference == PickupASAP }

type Availability string

const (
	Available   Availability = "available"
	Busy        Availability = "busy"
	Unavailable Availability = "offline"
)

// Driver is the availability record a driver's client keeps overwriting while
// location tracking is on.
type Driver struct {
	ID           string       `json:"id"`
	Loc          Coord        `json:"loc"`
	Online       bool         `json:"online"`
	Availability Availability `json:"availability"`
	CapacityTons float64      `json:"capacity_tons"`
	PushToken    string       `json:"push_token,omitempty"`
	Updated      time.Time    `json:"updated"`
}

type Candidate struct {
	Driver     Driver  `json:"driver"`
	DistanceKm float64 `json:"distance_km"`
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

func (s OfferStatus) Terminal() bool { return s != OfferPending && s != "" }

// Offer is one time-boxed proposal of a trip to one candidate driver. Trip
// summary fields are copied so a driver client can render it without a join.
type Offer struct {
	ID                   string      `json:"id"`
	TripID               string      `json:"trip_id"`
	DriverID             string      `json:"driver_id"`
	Attempt              int         `json:"attempt"`
	PickupAddress        string      `json:"pickup_address"`
	DeliveryAddress      string      `json:"delivery_address"`
	MaterialType         string      `json:"material_type"`
	WeightTons           float64     `json:"weight_tons"`
	QuotedPrice          float64     `json:"quoted_price"`
	EstimatedDurationMin float64     `json:"estimated_duration_min"`
	DistanceToPickupKm   float64     `json:"distance_to_pickup_km"`
	AcceptanceDeadline   time.Time   `json:"acceptance_deadline"`
	Status               OfferStatus `json:"status"`
	CreatedAt            time.Time   `json:"created_at"`
	RespondedAt          *time.Time  `json:"responded_at,omitempty"`
}

func (o *Offer) IsExpired(now time.Time) bool {
	return !now.Before(o.AcceptanceDeadline)
}

type OfferEventType string

const (
	OfferInserted OfferEventType = "inserted"
	OfferUpdated  OfferEventType = "updated"
)

// OfferEvent is a change notification carrying the row as it was written.
type OfferEvent struct {
	Type  OfferEventType `json:"type"`
	Offer Offer          `json:"offer"`
}

type DispatchOutcome string

const (
	OutcomeMatched   DispatchOutcome = "matched"
	OutcomeExhausted DispatchOutcome = "exhausted"
	OutcomeCancelled DispatchOutcome = "cancelled"
	OutcomeFailed    DispatchOutcome = "failed"
)

type DispatchResult struct {
	TripID     string          `json:"trip_id"`
	Outcome    DispatchOutcome `json:"outcome"`
	DriverID   string          `json:"driver_id,omitempty"`
	OffersMade int             `json:"offers_made"`
	Err        error           `json:"-"`
}
