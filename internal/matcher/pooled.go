package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/planner"
	"github.com/example/ride-dispatch/internal/ranking"
	"github.com/example/ride-dispatch/internal/routelock"
	"github.com/example/ride-dispatch/internal/storage"
)

// buckets returns the ranked candidate vehicles for req.
func (l *Loop) buckets(ctx context.Context, loc *models.Location, req *models.Request) ([]ranking.Bucket, error) {
	vs, err := l.Vehicles.Candidates(ctx, loc.ID, req.Origin, l.MatchRadius)
	if err != nil {
		return nil, fmt.Errorf("vehicle candidates: %w", err)
	}
	return l.Ranker.Buckets(ranking.ResolveZones(loc, req), req, vs), nil
}

// insertion describes the ride to place. ok is false when the request needs
// fixed stops and none can serve it.
func (l *Loop) insertion(loc *models.Location, req *models.Request, rideID string) (ins planner.Insertion, ok bool) {
	pax, ada := req.Load()
	ins = planner.Insertion{
		RideID:        rideID,
		Pickup:        req.Origin,
		Dropoff:       req.Destination,
		Passengers:    pax,
		ADAPassengers: ada,
	}
	if !loc.FixedStopsEnabled || !req.FixedStop {
		return ins, true
	}
	fs, err := l.Planner.ResolveFixedStops(loc, req)
	if err != nil {
		var nf *planner.FixedStopNotFoundError
		if errors.As(err, &nf) {
			l.log().Debug("no fixed stop for request", "request_id", req.ID, "zone_id", nf.ZoneID)
		}
		return ins, false
	}
	ins.Pickup, ins.PickupStopID = fs.Pickup.Loc, fs.Pickup.ID
	ins.Dropoff, ins.DropoffStopID = fs.Dropoff.Loc, fs.Dropoff.ID
	return ins, true
}

// pinned counts the leading stops the driver is already committed to: every
// stop up to and including the first pickup once that ride is en route or
// arrived. Onboard dropoffs ahead of it stay ahead of it.
func (l *Loop) pinned(ctx context.Context, rt *models.Route) int {
	for i, s := range rt.PendingStops() {
		if s.Type != models.StopPickup {
			continue
		}
		ride, err := l.Store.GetRide(ctx, s.RideID)
		if err != nil {
			return 0
		}
		if ride.Status == models.DriverEnRoute || ride.Status == models.DriverArrived {
			return i + 1
		}
		return 0
	}
	return 0
}

func (l *Loop) routeOf(ctx context.Context, driverID string) (*models.Route, error) {
	rt, err := l.Store.GetRoute(ctx, driverID)
	if errors.Is(err, models.ErrNotFound) {
		return &models.Route{DriverID: driverID}, nil
	}
	return rt, err
}

type pooledCandidate struct {
	vehicle models.Vehicle
	plan    *planner.Plan
}

// matchPooled evaluates candidates bucket by bucket on unlocked snapshots,
// then commits the cheapest one under that driver's route lock.
func (l *Loop) matchPooled(ctx context.Context, loc *models.Location, req *models.Request) (bool, error) {
	rideID := uuid.NewString()
	ins, ok := l.insertion(loc, req, rideID)
	if !ok {
		return false, nil
	}
	buckets, err := l.buckets(ctx, loc, req)
	if err != nil {
		return false, err
	}
	for _, b := range buckets {
		var best *pooledCandidate
		for _, v := range b.Vehicles {
			rt, err := l.routeOf(ctx, v.DriverID)
			if err != nil {
				l.log().Warn("read route", "driver_id", v.DriverID, "error", err)
				continue
			}
			cand := ins
			cand.Pinned = l.pinned(ctx, rt)
			plan, err := l.Planner.Plan(ctx, &v, loc, rt, cand)
			if err != nil {
				l.log().Warn("plan insertion", "driver_id", v.DriverID, "error", err)
				continue
			}
			if plan == nil {
				continue
			}
			if best == nil || plan.Marginal < best.plan.Marginal {
				best = &pooledCandidate{vehicle: v, plan: plan}
			}
		}
		if best != nil {
			l.log().Debug("pooled candidate chosen", "request_id", req.ID, "driver_id", best.vehicle.DriverID, "bucket", b.Name, "marginal", best.plan.Marginal)
			return true, l.commitPooled(ctx, loc, req, best.vehicle, ins)
		}
	}
	return false, nil
}

// commitPooled writes the match under the driver's route lock and notifies
// once the lock is released.
func (l *Loop) commitPooled(ctx context.Context, loc *models.Location, req *models.Request, v models.Vehicle, ins planner.Insertion) error {
	var (
		ride *models.Ride
		next *models.Route
		plan *planner.Plan
	)
	err := l.Locks.With(ctx, v.DriverID, func(lease *routelock.Lease) error {
		var err error
		ride, next, plan, err = l.commitLocked(ctx, lease, loc, req, v, ins)
		return err
	})
	if errors.Is(err, routelock.ErrTimeout) {
		return fmt.Errorf("%w: %w", models.ErrConcurrentModification, err)
	}
	if err != nil {
		return err
	}
	observability.MatchesTotal.WithLabelValues("pooled").Inc()
	l.log().Info("pooled match", "request_id", req.ID, "ride_id", ride.ID, "driver_id", v.DriverID, "stops", len(plan.Stops))

	l.announce(ctx, ride, plan.Stops)
	if err := l.Queue.Pooled(ctx, next); err != nil {
		l.log().Error("update queue statuses", "driver_id", v.DriverID, "error", err)
	}
	return nil
}

// commitLocked re-checks the request and re-plans against the locked route
// before writing ride and route together.
func (l *Loop) commitLocked(ctx context.Context, lease *routelock.Lease, loc *models.Location, req *models.Request, v models.Vehicle, ins planner.Insertion) (*models.Ride, *models.Route, *planner.Plan, error) {
	live, err := l.Store.GetRequest(ctx, req.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	if live.Status != models.RequestPending || !live.Processing {
		return nil, nil, nil, fmt.Errorf("%w: request %s is %s", models.ErrConcurrentModification, req.ID, live.Status)
	}

	rt := lease.Route
	ins.Pinned = l.pinned(ctx, rt)
	plan, err := l.Planner.Plan(ctx, &v, loc, rt, ins)
	if err != nil {
		return nil, nil, nil, err
	}
	if plan == nil {
		return nil, nil, nil, fmt.Errorf("%w: route of %s changed under planning", models.ErrConcurrentModification, v.DriverID)
	}

	now := l.clock()
	ride := newRide(req, v, ins, true, now, plan.PickupCost(), plan.DropoffCost())
	next := rt.Clone()
	next.Rebuild(v.Loc, plan.Stops, now)
	if err := l.Store.CommitMatch(ctx, storage.MatchCommit{RequestID: req.ID, Ride: ride, Route: next}); err != nil {
		return nil, nil, nil, err
	}
	return ride, next, plan, nil
}

func newRide(req *models.Request, v models.Vehicle, ins planner.Insertion, pooled bool, now time.Time, pickupCost, dropoffCost float64) *models.Ride {
	eta := now.Add(seconds(pickupCost))
	dropoff := now.Add(seconds(dropoffCost))
	initial := eta
	return &models.Ride{
		ID:                 ins.RideID,
		RequestID:          req.ID,
		RiderID:            req.RiderID,
		DriverID:           v.DriverID,
		LocationID:         req.LocationID,
		Vehicle:            v.Snapshot(),
		Pooled:             pooled,
		Origin:             ins.Pickup,
		Destination:        ins.Dropoff,
		PickupFixedStopID:  ins.PickupStopID,
		DropoffFixedStopID: ins.DropoffStopID,
		Passengers:         ins.Passengers,
		ADAPassengers:      ins.ADAPassengers,
		Status:             models.RideInQueue,
		ETA:                &eta,
		DropoffETA:         &dropoff,
		InitialETA:         &initial,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// MatchPayload is what riders and drivers receive for a new match.
func MatchPayload(r *models.Ride) map[string]any {
	return map[string]any{
		"ride_id":     r.ID,
		"request_id":  r.RequestID,
		"driver_id":   r.DriverID,
		"vehicle_id":  r.Vehicle.VehicleID,
		"pooled":      r.Pooled,
		"origin":      r.Origin,
		"destination": r.Destination,
		"eta":         r.ETA,
		"dropoff_eta": r.DropoffETA,
		"passengers":  r.Passengers + r.ADAPassengers,
	}
}

func (l *Loop) announce(ctx context.Context, ride *models.Ride, stops []models.Stop) {
	payload := MatchPayload(ride)
	l.Notifier.Send(ctx, notify.Rider, ride.RiderID, notify.EventRideMatched, payload)
	l.Notifier.Send(ctx, notify.Driver, ride.DriverID, notify.EventRideMatched, payload)
	if stops != nil {
		l.Notifier.Send(ctx, notify.Driver, ride.DriverID, notify.EventRouteUpdated, map[string]any{"stops": stops})
	}
	if err := l.Store.MarkRideNotified(ctx, ride.ID, l.clock()); err != nil {
		l.log().Warn("mark ride notified", "ride_id", ride.ID, "error", err)
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
