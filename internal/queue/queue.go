// Package queue keeps a driver's rides' queue statuses and ETAs in step with
// the driver's current plan.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type Updater struct {
	Store    storage.Store
	Cost     eta.Client
	Notifier *notify.Notifier
	Logger   *slog.Logger

	now func() time.Time
}

func New(store storage.Store, cost eta.Client, n *notify.Notifier, logger *slog.Logger) *Updater {
	return &Updater{Store: store, Cost: cost, Notifier: n, Logger: logger}
}

func (u *Updater) clock() time.Time {
	if u.now != nil {
		return u.now()
	}
	return time.Now()
}

// promotion moves a ride forward only from an expected prior status.
type promotion struct {
	rideID string
	from   []models.RideStatus
	to     models.RideStatus
}

var (
	toEnRoute = models.PreDeparture
	toNext    = models.SourcesFor(models.NextInQueue)
)

// pooledPromotions walks the pending stops: the first pickup is being driven
// to, and the following pickup is next in queue when at most one stop lies
// between them. Consecutive stops at the same fixed stop count once.
func pooledPromotions(pending []models.Stop) []promotion {
	first := -1
	for i, s := range pending {
		if s.Type == models.StopPickup {
			first = i
			break
		}
	}
	if first < 0 {
		return nil
	}
	out := []promotion{{rideID: pending[first].RideID, from: toEnRoute, to: models.DriverEnRoute}}
	between := 0
	prev := pending[first]
	for _, s := range pending[first+1:] {
		if s.Type == models.StopPickup && s.RideID != pending[first].RideID {
			if between <= 1 {
				out = append(out, promotion{rideID: s.RideID, from: toNext, to: models.NextInQueue})
			}
			break
		}
		if !(s.FixedStopID != "" && s.FixedStopID == prev.FixedStopID) {
			between++
		}
		prev = s
	}
	return out
}

// Pooled recomputes statuses and ETAs for every ride on rt. Stop costs must
// already be measured from the vehicle's current position.
func (u *Updater) Pooled(ctx context.Context, rt *models.Route) error {
	pending := rt.PendingStops()
	now := u.clock()
	for _, p := range pooledPromotions(pending) {
		u.promote(ctx, p, now)
	}

	type etas struct{ next, dropoff *time.Time }
	byRide := make(map[string]*etas)
	order := make([]string, 0)
	for _, s := range pending {
		e, ok := byRide[s.RideID]
		if !ok {
			e = &etas{}
			byRide[s.RideID] = e
			order = append(order, s.RideID)
		}
		at := now.Add(seconds(s.Cost))
		if e.next == nil {
			e.next = &at
		}
		if s.Type == models.StopDropoff {
			e.dropoff = &at
		}
	}
	var errs []error
	for _, id := range order {
		e := byRide[id]
		if err := u.Store.UpdateRideETA(ctx, id, e.next, e.dropoff); err != nil && !errors.Is(err, models.ErrNotFound) {
			errs = append(errs, fmt.Errorf("eta for ride %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Direct recomputes statuses and ETAs for a driver without a pooled route:
// rides are served one after another in creation order.
func (u *Updater) Direct(ctx context.Context, driverID string, from models.Coord) error {
	rides, err := u.Store.ListRides(ctx, storage.RideFilter{DriverID: driverID, Statuses: models.Active})
	if err != nil {
		return fmt.Errorf("list rides for %s: %w", driverID, err)
	}
	if len(rides) == 0 {
		return nil
	}
	now := u.clock()
	first := rides[0]
	u.promote(ctx, promotion{rideID: first.ID, from: toEnRoute, to: models.DriverEnRoute}, now)
	if len(rides) > 1 {
		second := rides[1]
		sameStop := first.PickupFixedStopID != "" && first.PickupFixedStopID == second.PickupFixedStopID
		if first.Status == models.RideInProgress || sameStop {
			u.promote(ctx, promotion{rideID: second.ID, from: toNext, to: models.NextInQueue}, now)
		}
	}

	cursor := from
	elapsed := 0.0
	var errs []error
	for _, r := range rides {
		var next *time.Time
		if !r.Status.PickedUp() {
			c, err := u.Cost.EstimateSeconds(cursor, r.Origin)
			if err != nil {
				return err
			}
			elapsed += c
			at := now.Add(seconds(elapsed))
			next = &at
			cursor = r.Origin
		}
		c, err := u.Cost.EstimateSeconds(cursor, r.Destination)
		if err != nil {
			return err
		}
		elapsed += c
		drop := now.Add(seconds(elapsed))
		if next == nil {
			next = &drop
		}
		cursor = r.Destination
		if err := u.Store.UpdateRideETA(ctx, r.ID, next, &drop); err != nil {
			errs = append(errs, fmt.Errorf("eta for ride %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (u *Updater) promote(ctx context.Context, p promotion, now time.Time) {
	ok, err := u.Store.UpdateRideStatus(ctx, p.rideID, p.from, p.to, now)
	if err != nil {
		if u.Logger != nil {
			u.Logger.Error("queue status update", "ride_id", p.rideID, "to", p.to.String(), "error", err)
		}
		return
	}
	if !ok {
		// already moved by someone else or not in a promotable state
		return
	}
	observability.RideTransitions.WithLabelValues(p.to.String()).Inc()
	if u.Logger != nil {
		u.Logger.Debug("ride queue status", "ride_id", p.rideID, "status", p.to.String())
	}
	if u.Notifier == nil {
		return
	}
	ride, err := u.Store.GetRide(ctx, p.rideID)
	if err != nil {
		return
	}
	payload := map[string]any{"ride_id": ride.ID, "status": int(p.to), "status_name": p.to.String()}
	u.Notifier.Send(ctx, notify.Rider, ride.RiderID, notify.EventRideStatus, payload)
	u.Notifier.Send(ctx, notify.Driver, ride.DriverID, notify.EventRideStatus, payload)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
