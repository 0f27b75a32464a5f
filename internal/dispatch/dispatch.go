// Package dispatch delivers offer notifications to drivers. Every sink is
// best-effort: callers fire and forget, and a driver that misses a push still
// finds the offer by polling.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/material-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

type Notification struct {
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, driverID string, n Notification) error
}

// OfferNotification renders the push a candidate receives for a new offer.
func OfferNotification(o models.Offer) Notification {
	return Notification{
		Title: "New delivery request",
		Body:  fmt.Sprintf("%.1f t %s, %.1f km to pickup", o.WeightTons, o.MaterialType, o.DistanceToPickupKm),
		Payload: map[string]any{
			"type":                "offer",
			"offer_id":            o.ID,
			"trip_id":             o.TripID,
			"acceptance_deadline": o.AcceptanceDeadline.UTC().Format(time.RFC3339Nano),
		},
	}
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, Notification) error { return nil }

// WebhookNotifier posts notifications to a driver app backend.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (d *WebhookNotifier) Notify(ctx context.Context, driverID string, n Notification) error {
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 2 * time.Second}
	}
	b, err := json.Marshal(map[string]any{"driver_id": driverID, "notification": n})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return send(d.Client, req)
}

func send(c *http.Client, req *http.Request) error {
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Host, resp.StatusCode)
	}
	return nil
}
