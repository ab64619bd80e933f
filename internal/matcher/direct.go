package matcher

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/planner"
	"github.com/example/ride-dispatch/internal/storage"
)

// directCost is the travel time from v to the new pickup after finishing
// every ride the driver already holds, in creation order.
func (l *Loop) directCost(ctx context.Context, v models.Vehicle, pickup models.Coord) (float64, error) {
	rides, err := l.Store.ListRides(ctx, storage.RideFilter{DriverID: v.DriverID, Statuses: models.Active})
	if err != nil {
		return 0, err
	}
	cursor := v.Loc
	total := 0.0
	leg := func(to models.Coord) error {
		c, err := l.Cost.EstimateSeconds(cursor, to)
		if err != nil {
			return err
		}
		total += c
		cursor = to
		return nil
	}
	for _, r := range rides {
		if !r.Status.PickedUp() {
			if err := leg(r.Origin); err != nil {
				return 0, err
			}
		}
		if err := leg(r.Destination); err != nil {
			return 0, err
		}
	}
	if err := leg(pickup); err != nil {
		return 0, err
	}
	return total, nil
}

// matchDirect assigns the nearest eligible driver by travel time without
// touching routes. Buckets keep their precedence; within a bucket the
// lowest cost wins.
func (l *Loop) matchDirect(ctx context.Context, loc *models.Location, req *models.Request) (bool, error) {
	ins, ok := l.insertion(loc, req, uuid.NewString())
	if !ok {
		return false, nil
	}
	buckets, err := l.buckets(ctx, loc, req)
	if err != nil {
		return false, err
	}
	for _, b := range buckets {
		var best *models.Vehicle
		bestCost := 0.0
		for i := range b.Vehicles {
			v := b.Vehicles[i]
			if ins.PickupStopID != "" && l.Planner.Cooldowns != nil {
				cooling, err := l.Planner.Cooldowns.Active(ctx, v.DriverID, ins.PickupStopID, l.clock())
				if err != nil || cooling {
					continue
				}
			}
			c, err := l.directCost(ctx, v, ins.Pickup)
			if err != nil {
				l.log().Warn("direct cost", "driver_id", v.DriverID, "error", err)
				continue
			}
			if best == nil || c < bestCost {
				best, bestCost = &v, c
			}
		}
		if best == nil {
			continue
		}
		trip, err := l.Cost.EstimateSeconds(ins.Pickup, ins.Dropoff)
		if err != nil {
			return false, fmt.Errorf("trip cost: %w", err)
		}
		return true, l.commitDirect(ctx, req, *best, ins, bestCost, bestCost+trip)
	}
	return false, nil
}

func (l *Loop) commitDirect(ctx context.Context, req *models.Request, v models.Vehicle, ins planner.Insertion, pickupCost, dropoffCost float64) error {
	now := l.clock()
	ride := newRide(req, v, ins, false, now, pickupCost, dropoffCost)
	if err := l.Store.CommitMatch(ctx, storage.MatchCommit{RequestID: req.ID, Ride: ride}); err != nil {
		return err
	}
	observability.MatchesTotal.WithLabelValues("direct").Inc()
	l.log().Info("direct match", "request_id", req.ID, "ride_id", ride.ID, "driver_id", v.DriverID)
	l.announce(ctx, ride, nil)
	if err := l.Queue.Direct(ctx, v.DriverID, v.Loc); err != nil {
		l.log().Error("update queue statuses", "driver_id", v.DriverID, "error", err)
	}
	return nil
}
