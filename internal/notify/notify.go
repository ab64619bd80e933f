// Package notify delivers dispatch events to riders and drivers. Delivery is
// fire-and-forget from the dispatch core's point of view.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

type UserType string

const (
	Rider  UserType = "rider"
	Driver UserType = "driver"
)

const (
	EventRideMatched    = "ride_matched"
	EventRideStatus     = "ride_status"
	EventRideCancelled  = "ride_cancelled"
	EventRequestExpired = "request_expired"
	EventRouteUpdated   = "route_updated"
)

// Message is the envelope every sink receives.
type Message struct {
	UserType UserType  `json:"user_type"`
	UserID   string    `json:"user_id"`
	Event    string    `json:"event"`
	Payload  any       `json:"payload"`
	SentAt   time.Time `json:"sent_at"`
}

type Sink interface {
	Notify(ctx context.Context, msg Message) error
}

// Multi fans a message out to every sink and joins every sink failure. A
// recipient without a websocket session only fails the send when no other
// sink took the message.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var (
		errs      []error
		offline   error
		delivered bool
	)
	for _, s := range m {
		err := s.Notify(ctx, msg)
		switch {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrNoSession):
			offline = err
		default:
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if !delivered {
		return offline
	}
	return nil
}

// LogSink only writes messages to the log. Used when no transport is configured.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) Notify(_ context.Context, msg Message) error {
	if l.Logger != nil {
		l.Logger.Info("notification", "user_type", msg.UserType, "user_id", msg.UserID, "event", msg.Event)
	}
	return nil
}

// Notifier wraps a sink so callers never see delivery errors.
type Notifier struct {
	Sink   Sink
	Logger *slog.Logger
	now    func() time.Time
}

func NewNotifier(sink Sink, logger *slog.Logger) *Notifier {
	return &Notifier{Sink: sink, Logger: logger}
}

// Send delivers one message. Failures are logged and counted, never returned.
func (n *Notifier) Send(ctx context.Context, userType UserType, userID, event string, payload any) {
	if n == nil || n.Sink == nil || userID == "" {
		return
	}
	at := time.Now()
	if n.now != nil {
		at = n.now()
	}
	msg := Message{UserType: userType, UserID: userID, Event: event, Payload: payload, SentAt: at}
	if err := n.Sink.Notify(ctx, msg); err != nil {
		observability.NotificationsSent.WithLabelValues("all", "error").Inc()
		if n.Logger != nil {
			n.Logger.Warn("notification failed", "user_type", userType, "user_id", userID, "event", event, "error", err)
		}
		return
	}
	observability.NotificationsSent.WithLabelValues("all", "ok").Inc()
}
