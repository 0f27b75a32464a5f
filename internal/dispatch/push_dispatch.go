package dispatch

import (
	"context"
	"errors"
)

// FallbackNotifier tries each sink in order and stops at the first success,
// so a connected websocket wins over a device push.
type FallbackNotifier struct {
	Sinks []Notifier
}

func NewFallbackNotifier(sinks ...Notifier) *FallbackNotifier {
	return &FallbackNotifier{Sinks: sinks}
}

func (p *FallbackNotifier) Notify(ctx context.Context, driverID string, n Notification) error {
	var errs []error
	for _, s := range p.Sinks {
		if s == nil {
			continue
		}
		err := s.Notify(ctx, driverID, n)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}
