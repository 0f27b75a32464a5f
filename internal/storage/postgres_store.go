package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/material-dispatch/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, customer_id, pickup_lat, pickup_lon, delivery_lat, delivery_lon, pickup_address, delivery_address, material_type, weight_tons, quoted_price, pickup_time_preference, status, assigned_driver_id, payment_intent_id, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.CustomerID, t.Pickup.Lat, t.Pickup.Lon, t.Delivery.Lat, t.Delivery.Lon, t.PickupAddress, t.DeliveryAddress,
		t.MaterialType, t.WeightTons, t.QuotedPrice, string(t.PickupTimePreference), string(t.Status), nullString(t.AssignedDriverID),
		t.PaymentIntentID, t.CreatedAt, t.UpdatedAt)
	return mapWriteError(err)
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, customer_id, pickup_lat, pickup_lon, delivery_lat, delivery_lon, pickup_address, delivery_address, material_type, weight_tons, quoted_price, pickup_time_preference, status, assigned_driver_id, payment_intent_id, created_at, updated_at FROM trips WHERE id = $1`, id)
	var t models.Trip
	var pref, status string
	var driverID sql.NullString
	err := row.Scan(&t.ID, &t.CustomerID, &t.Pickup.Lat, &t.Pickup.Lon, &t.Delivery.Lat, &t.Delivery.Lon, &t.PickupAddress, &t.DeliveryAddress,
		&t.MaterialType, &t.WeightTons, &t.QuotedPrice, &pref, &status, &driverID, &t.PaymentIntentID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trip %s: %w", id, err)
	}
	t.PickupTimePreference = models.PickupPreference(pref)
	t.Status = models.TripStatus(status)
	if driverID.Valid {
		d := driverID.String
		t.AssignedDriverID = &d
	}
	return &t, nil
}

func (p *PostgresStore) TransitionTrip(ctx context.Context, tr TripTransition) (bool, error) {
	if err := tr.validate(); err != nil {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET status = $1, assigned_driver_id = COALESCE($2, assigned_driver_id), updated_at = $3, payment_intent_id = COALESCE($7, payment_intent_id) WHERE id = $4 AND status = $5 AND ($6::text = '' OR assigned_driver_id = $6::text)`,
		string(tr.To), nullString(tr.DriverID), stamp(tr.At), tr.ID, string(tr.From), tr.AssignedTo, nullString(tr.PaymentIntentID))
	if err != nil {
		return false, fmt.Errorf("transition trip %s: %w", tr.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition trip %s: rows affected: %w", tr.ID, err)
	}
	return n == 1, nil
}

const offerColumns = `id, trip_id, driver_id, attempt, pickup_address, delivery_address, material_type, weight_tons, quoted_price, estimated_duration_min, distance_to_pickup_km, acceptance_deadline, status, created_at, responded_at`

func (p *PostgresStore) InsertOffer(ctx context.Context, o *models.Offer) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO offers(`+offerColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.ID, o.TripID, o.DriverID, o.Attempt, o.PickupAddress, o.DeliveryAddress, o.MaterialType, o.WeightTons, o.QuotedPrice,
		o.EstimatedDurationMin, o.DistanceToPickupKm, o.AcceptanceDeadline, string(o.Status), o.CreatedAt, o.RespondedAt)
	return mapWriteError(err)
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", id, err)
	}
	return o, nil
}

// CompareAndSwapOfferStatus is a single conditional UPDATE ... RETURNING; a
// lost race surfaces as no row, and a second accept for the same trip trips
// the partial unique index.
func (p *PostgresStore) CompareAndSwapOfferStatus(ctx context.Context, tr OfferTransition) (*models.Offer, bool, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE offers SET status = $1, responded_at = $2 WHERE id = $3 AND status = $4 AND ($5::text = '' OR driver_id = $5::text) RETURNING `+offerColumns,
		string(tr.To), stamp(tr.At), tr.ID, string(tr.From), tr.DriverID)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if isUniqueViolation(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cas offer %s %s->%s: %w", tr.ID, tr.From, tr.To, err)
	}
	return o, true, nil
}

func (p *PostgresStore) ListOffers(ctx context.Context, f OfferFilter) ([]models.Offer, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.TripID != "" {
		add("trip_id = $%d", f.TripID)
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if !f.DeadlineAfter.IsZero() {
		add("acceptance_deadline > $%d", f.DeadlineAfter)
	}
	q := `SELECT ` + offerColumns + ` FROM offers`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, attempt ASC`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]models.Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(s scanner) (*models.Offer, error) {
	var o models.Offer
	var status string
	var responded sql.NullTime
	if err := s.Scan(&o.ID, &o.TripID, &o.DriverID, &o.Attempt, &o.PickupAddress, &o.DeliveryAddress, &o.MaterialType, &o.WeightTons,
		&o.QuotedPrice, &o.EstimatedDurationMin, &o.DistanceToPickupKm, &o.AcceptanceDeadline, &status, &o.CreatedAt, &responded); err != nil {
		return nil, err
	}
	o.Status = models.OfferStatus(status)
	if responded.Valid {
		t := responded.Time
		o.RespondedAt = &t
	}
	return &o, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}
