package matcher

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultRebroadcastInterval = 15 * time.Second
	DefaultRebroadcastAfter    = 20 * time.Second
)

// unacked are the statuses in which a driver still owes an acknowledgement.
var unacked = []models.RideStatus{models.RideInQueue, models.NextInQueue, models.DriverEnRoute}

// ReBroadcaster re-sends match offers drivers have not acknowledged.
type ReBroadcaster struct {
	Store    storage.Store
	Notifier *notify.Notifier
	Logger   *slog.Logger
	Interval time.Duration
	// After is how long a ride waits since its last notification before a resend.
	After time.Duration

	running atomic.Bool
	now     func() time.Time
}

func (b *ReBroadcaster) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func (b *ReBroadcaster) Run(ctx context.Context) error {
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultRebroadcastInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			b.Tick(ctx)
		}
	}
}

// Tick runs one sweep unless one is in flight and returns the number of resends.
func (b *ReBroadcaster) Tick(ctx context.Context) int {
	if !b.running.CompareAndSwap(false, true) {
		return 0
	}
	defer b.running.Store(false)

	after := b.After
	if after <= 0 {
		after = DefaultRebroadcastAfter
	}
	notAcked := false
	rides, err := b.Store.ListRides(ctx, storage.RideFilter{Statuses: unacked, AckReceived: &notAcked})
	if err != nil {
		if b.Logger != nil {
			b.Logger.Error("list unacknowledged rides", "error", err)
		}
		return 0
	}
	now := b.clock()
	sent := 0
	for _, r := range rides {
		ref := r.CreatedAt
		if r.LastNotified != nil {
			ref = *r.LastNotified
		}
		if now.Sub(ref) < after {
			continue
		}
		b.Notifier.Send(ctx, notify.Driver, r.DriverID, notify.EventRideMatched, MatchPayload(r))
		if err := b.Store.MarkRideNotified(ctx, r.ID, now); err != nil && b.Logger != nil {
			b.Logger.Warn("mark ride notified", "ride_id", r.ID, "error", err)
		}
		observability.Rebroadcasts.Inc()
		sent++
	}
	return sent
}
