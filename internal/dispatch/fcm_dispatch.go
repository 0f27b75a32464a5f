package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrNoPushToken = errors.New("driver has no push token")

// TokenLookup resolves the device token registered for a driver.
type TokenLookup func(ctx context.Context, driverID string) (string, error)

// FCMNotifier posts JSON to the FCM HTTP v1 endpoint using a bearer key.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Tokens   TokenLookup
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string, tokens TokenLookup) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Tokens: tokens, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Notify(ctx context.Context, driverID string, n Notification) error {
	if f.Tokens == nil {
		return ErrNoPushToken
	}
	token, err := f.Tokens(ctx, driverID)
	if err != nil {
		return fmt.Errorf("resolve push token: %w", err)
	}
	if token == "" {
		return ErrNoPushToken
	}

	// FCM data values must be strings.
	data := make(map[string]string, len(n.Payload))
	for k, v := range n.Payload {
		data[k] = fmt.Sprint(v)
	}
	body := map[string]any{"message": map[string]any{
		"token":        token,
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	return send(f.Client, req)
}
