package gatt

import (
	"context"

	"github.com/srg/blectf/internal/device"
	"github.com/srg/blectf/internal/stream"
)

// Call issues an operation and blocks until its Result arrives.
//
// It returns device.ErrAbandoned if the session drops to Disconnected before
// the result, and ctx.Err() if ctx ends first. Cancelling ctx does not
// cancel the GATT request; the session stays busy until it completes.
func (s *Session) Call(ctx context.Context, issue func() (RequestID, error)) (Result, error) {
	results := s.Results()
	defer results.Close()
	states := s.StateStream()
	defer states.Close()

	// drop the replayed current state
	select {
	case <-states.C():
	default:
	}

	id, err := issue()
	if err != nil {
		return Result{}, err
	}

	for {
		select {
		case r, ok := <-results.C():
			if !ok {
				return Result{}, ErrClosed
			}
			if r.ID == id {
				return r, r.Err
			}
		case st, ok := <-states.C():
			if !ok {
				return Result{}, ErrClosed
			}
			if st != Disconnected {
				continue
			}
			// the transition and any result it produced were published in one critical section
			s.mu.Lock()
			s.mu.Unlock() //nolint:staticcheck // barrier
			if r, found := drainFor(results, id); found {
				return r, r.Err
			}
			return Result{}, device.ErrAbandoned
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func drainFor(results *stream.Subscription[Result], id RequestID) (Result, bool) {
	for {
		select {
		case r, ok := <-results.C():
			if !ok {
				return Result{}, false
			}
			if r.ID == id {
				return r, true
			}
		default:
			return Result{}, false
		}
	}
}

// ConnectAndWait connects and blocks until the link is up or has failed.
func (s *Session) ConnectAndWait(ctx context.Context) error {
	_, err := s.Call(ctx, func() (RequestID, error) { return s.Connect(ctx) })
	return err
}

// DiscoverAndWait discovers services and returns the new table.
func (s *Session) DiscoverAndWait(ctx context.Context) ([]device.ServiceDescriptor, error) {
	r, err := s.Call(ctx, s.DiscoverServices)
	return r.Services, err
}

// ReadAndWait reads a characteristic and returns its value.
func (s *Session) ReadAndWait(ctx context.Context, service, char string) ([]byte, error) {
	r, err := s.Call(ctx, func() (RequestID, error) { return s.ReadCharacteristic(service, char) })
	return r.Value, err
}

// WriteAndWait writes a characteristic and waits for the acknowledgement.
func (s *Session) WriteAndWait(ctx context.Context, service, char string, payload []byte) error {
	_, err := s.Call(ctx, func() (RequestID, error) { return s.WriteCharacteristic(service, char, payload) })
	return err
}

// SetNotificationAndWait changes the notification state and waits until both legs completed.
func (s *Session) SetNotificationAndWait(ctx context.Context, service, char string, enabled bool) error {
	_, err := s.Call(ctx, func() (RequestID, error) { return s.SetNotification(service, char, enabled) })
	return err
}
