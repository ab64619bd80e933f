// Package rides takes rider requests in and moves matched rides through
// their lifecycle on behalf of riders, drivers and admins.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/planner"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/routelock"
	"github.com/example/ride-dispatch/internal/storage"
)

type Service struct {
	Store     storage.Store
	Vehicles  geo.Directory
	Locks     *routelock.Locker
	Planner   *planner.Planner
	Queue     *queue.Updater
	Notifier  *notify.Notifier
	Cooldowns storage.Cooldowns
	Logger    *slog.Logger

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// NewRequest is what a rider submits.
type NewRequest struct {
	RiderID     string       `json:"rider_id"`
	LocationID  string       `json:"location_id"`
	Origin      models.Coord `json:"origin"`
	Destination models.Coord `json:"destination"`
	Passengers  int          `json:"passengers"`
	ADA         bool         `json:"ada"`
	FixedStop   bool         `json:"fixed_stop"`
}

// CreateRequest validates and stores a pending request. Nothing is written
// when validation fails. A rider with an open request gets the stored
// duplicate back together with a CodeActiveRequest error.
func (s *Service) CreateRequest(ctx context.Context, in NewRequest) (*models.Request, error) {
	if in.RiderID == "" || in.LocationID == "" {
		return nil, models.NewApplicationError(models.CodeValidation, "rider_id and location_id are required")
	}
	loc, err := s.Store.GetLocation(ctx, in.LocationID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewApplicationError(models.CodeValidation, "unknown location %q", in.LocationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}
	if in.Passengers < 1 {
		return nil, models.NewApplicationError(models.CodeValidation, "passengers must be at least 1")
	}
	if loc.PassengerLimit > 0 && in.Passengers > loc.PassengerLimit {
		return nil, models.NewApplicationError(models.CodeValidation, "at most %d passengers per request at %s", loc.PassengerLimit, loc.ID)
	}
	if in.FixedStop && !loc.FixedStopsEnabled {
		return nil, models.NewApplicationError(models.CodeValidation, "fixed stops are not enabled at %s", loc.ID)
	}

	req := &models.Request{
		ID:               uuid.NewString(),
		RiderID:          in.RiderID,
		LocationID:       in.LocationID,
		Origin:           in.Origin,
		Destination:      in.Destination,
		Passengers:       in.Passengers,
		ADA:              in.ADA,
		FixedStop:        in.FixedStop,
		Status:           models.RequestPending,
		RequestTimestamp: s.clock(),
	}
	dup, err := s.Store.InsertRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}
	if dup {
		s.log().Info("duplicate request rejected", "request_id", req.ID, "rider_id", req.RiderID)
		return req, models.NewApplicationError(models.CodeActiveRequest, "rider %s already has an open request", req.RiderID)
	}
	s.log().Info("request created", "request_id", req.ID, "rider_id", req.RiderID, "location_id", req.LocationID)
	return req, nil
}

// CancelRequest is the rider's cancel: a pending request is cancelled in
// place, a matched one cancels its ride if the rider is not yet on board.
func (s *Service) CancelRequest(ctx context.Context, requestID, riderID string) (*models.Request, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if riderID != "" && req.RiderID != riderID {
		return nil, models.NewApplicationError(models.CodeForbidden, "request %s belongs to another rider", requestID)
	}
	if !req.Status.Terminal() {
		cancelled, ok, err := s.Store.CancelRequest(ctx, requestID, storage.ReasonRider)
		if err != nil {
			return nil, err
		}
		if ok {
			s.log().Info("request cancelled by rider", "request_id", requestID)
			return cancelled, nil
		}
		// matched or expired in the meantime
		req = cancelled
	}
	if req.Status != models.RequestMatched {
		return nil, models.NewApplicationError(models.CodeInvalidTransition, "request %s is %s", requestID, req.Status)
	}
	rides, err := s.Store.ListRides(ctx, storage.RideFilter{RequestID: requestID})
	if err != nil {
		return nil, err
	}
	if len(rides) == 0 {
		return nil, fmt.Errorf("ride for request %s: %w", requestID, models.ErrNotFound)
	}
	if _, err := s.transition(ctx, rides[0].ID, models.CancelledByRider, actor{rider: riderID}); err != nil {
		return nil, err
	}
	return req, nil
}

// RiderCancel cancels a matched ride before pickup.
func (s *Service) RiderCancel(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.CancelledByRider, actor{rider: riderID})
}

func (s *Service) Arrive(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.DriverArrived, actor{driver: driverID})
}

func (s *Service) Pickup(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.RideInProgress, actor{driver: driverID})
}

func (s *Service) Complete(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.Completed, actor{driver: driverID})
}

func (s *Service) DriverCancel(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.CancelledByDriver, actor{driver: driverID})
}

// NoShow is only accepted once the driver has arrived.
func (s *Service) NoShow(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.NoShow, actor{driver: driverID})
}

func (s *Service) AdminCancel(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.transition(ctx, rideID, models.CancelledByAdmin, actor{})
}

// Ack records that the driver saw the match, which stops rebroadcasts.
func (s *Service) Ack(ctx context.Context, rideID, driverID string) error {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if err := (actor{driver: driverID}).check(ride); err != nil {
		return err
	}
	if _, err := s.Store.MarkRideAck(ctx, rideID); err != nil {
		return fmt.Errorf("ack ride %s: %w", rideID, err)
	}
	return nil
}

func (s *Service) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return s.Store.GetRide(ctx, id)
}

func (s *Service) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	return s.Store.GetRequest(ctx, id)
}

// actor is who asks for a change; empty fields skip the ownership check.
type actor struct {
	driver string
	rider  string
}

func (a actor) check(r *models.Ride) error {
	if a.driver != "" && r.DriverID != a.driver {
		return models.NewApplicationError(models.CodeForbidden, "ride %s is assigned to another driver", r.ID)
	}
	if a.rider != "" && r.RiderID != a.rider {
		return models.NewApplicationError(models.CodeForbidden, "ride %s belongs to another rider", r.ID)
	}
	return nil
}

func invalid(r *models.Ride, to models.RideStatus) error {
	return models.NewApplicationError(models.CodeInvalidTransition, "ride %s cannot move from %s to %s", r.ID, r.Status, to)
}

func (s *Service) transition(ctx context.Context, rideID string, to models.RideStatus, who actor) (*models.Ride, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := who.check(ride); err != nil {
		return nil, err
	}
	if !models.CanTransition(ride.Status, to) {
		return nil, invalid(ride, to)
	}
	if ride.Pooled && touchesRoute(to) {
		var commit *routeCommit
		err = s.Locks.With(ctx, ride.DriverID, func(lease *routelock.Lease) error {
			var err error
			commit, err = s.pooledTransition(ctx, lease, rideID, to)
			return err
		})
		if err == nil {
			s.afterRouteCommit(ctx, commit)
		}
	} else {
		err = s.directTransition(ctx, ride, to)
	}
	if err != nil {
		return nil, err
	}

	done, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, done)
	return done, nil
}

// touchesRoute reports whether moving a pooled ride to to changes its stops.
func touchesRoute(to models.RideStatus) bool {
	return to != models.DriverArrived
}

// routeCommit is what a pooled transition wrote under the route lock.
type routeCommit struct {
	ride    *models.Ride
	route   *models.Route
	pending []models.Stop
}

// pooledTransition re-reads the ride under the route lock, edits its stops,
// re-costs what is left, and writes ride and route together.
func (s *Service) pooledTransition(ctx context.Context, lease *routelock.Lease, rideID string, to models.RideStatus) (*routeCommit, error) {
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(ride.Status, to) {
		return nil, invalid(ride, to)
	}
	now := s.clock()
	next := lease.Route.Clone()
	markStops(next, ride.ID, to, now)

	start := s.position(ctx, ride.DriverID, next)
	pending := next.PendingStops()
	if _, err := s.Planner.Recompute(start, pending); err != nil {
		return nil, fmt.Errorf("recompute route of %s: %w", ride.DriverID, err)
	}
	next.Rebuild(start, pending, now)

	ok, err := s.Store.CommitRideTransition(ctx, storage.RideTransition{
		RideID: ride.ID,
		From:   []models.RideStatus{ride.Status},
		To:     to,
		At:     now,
		Route:  next,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: ride %s moved during %s", models.ErrConcurrentModification, ride.ID, to)
	}
	// the cool-down must land while the route is still locked
	s.finish(ctx, ride, to, now)
	return &routeCommit{ride: ride, route: next, pending: pending}, nil
}

// afterRouteCommit runs once the route lock is released.
func (s *Service) afterRouteCommit(ctx context.Context, c *routeCommit) {
	if err := s.Queue.Pooled(ctx, c.route); err != nil {
		s.log().Error("update queue statuses", "driver_id", c.ride.DriverID, "error", err)
	}
	s.Notifier.Send(ctx, notify.Driver, c.ride.DriverID, notify.EventRouteUpdated, map[string]any{"stops": c.pending})
}

func (s *Service) directTransition(ctx context.Context, ride *models.Ride, to models.RideStatus) error {
	now := s.clock()
	t := storage.RideTransition{
		RideID: ride.ID,
		From:   []models.RideStatus{ride.Status},
		To:     to,
		At:     now,
	}
	if to == models.DriverArrived {
		t.DriverArrived = &now
	}
	ok, err := s.Store.CommitRideTransition(ctx, t)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ride %s moved during %s", models.ErrConcurrentModification, ride.ID, to)
	}
	s.finish(ctx, ride, to, now)
	if ride.Pooled || to == models.DriverArrived {
		return nil
	}
	if err := s.Queue.Direct(ctx, ride.DriverID, s.position(ctx, ride.DriverID, nil)); err != nil {
		s.log().Error("update queue statuses", "driver_id", ride.DriverID, "error", err)
	}
	return nil
}

// markStops applies the stop side of a ride transition.
func markStops(rt *models.Route, rideID string, to models.RideStatus, now time.Time) {
	for i := range rt.Stops {
		st := &rt.Stops[i]
		if st.RideID != rideID || st.Status != models.StopWaiting {
			continue
		}
		switch {
		case to == models.RideInProgress && st.Type == models.StopPickup,
			to == models.Completed && st.Type == models.StopDropoff:
			st.Status = models.StopDone
			at := now
			st.CompletedAt = &at
		case to.Cancellation():
			st.Status = models.StopCancelled
		}
	}
}

// position is where the driver's remaining plan is measured from: the live
// vehicle position, else the route's last anchor.
func (s *Service) position(ctx context.Context, driverID string, rt *models.Route) models.Coord {
	if s.Vehicles != nil {
		v, ok, err := s.Vehicles.Get(ctx, driverID)
		if err == nil && ok {
			return v.Loc
		}
		if err != nil {
			s.log().Warn("vehicle position", "driver_id", driverID, "error", err)
		}
	}
	if a, ok := rt.Anchor(); ok {
		return a.Loc
	}
	return models.Coord{}
}

// finish records side effects that belong to the transition itself.
func (s *Service) finish(ctx context.Context, ride *models.Ride, to models.RideStatus, now time.Time) {
	observability.RideTransitions.WithLabelValues(to.String()).Inc()
	s.log().Info("ride transition", "ride_id", ride.ID, "driver_id", ride.DriverID, "from", ride.Status.String(), "to", to.String())
	if to == models.Completed && ride.DropoffFixedStopID != "" && s.Cooldowns != nil {
		if err := s.Cooldowns.Mark(ctx, ride.DriverID, ride.DropoffFixedStopID, now); err != nil {
			s.log().Warn("mark fixed stop cooldown", "driver_id", ride.DriverID, "stop_id", ride.DropoffFixedStopID, "error", err)
		}
	}
}

func (s *Service) afterTransition(ctx context.Context, ride *models.Ride) {
	event := notify.EventRideStatus
	if ride.Status.Cancellation() {
		event = notify.EventRideCancelled
	}
	payload := map[string]any{"ride_id": ride.ID, "status": int(ride.Status), "status_name": ride.Status.String()}
	s.Notifier.Send(ctx, notify.Rider, ride.RiderID, event, payload)
	s.Notifier.Send(ctx, notify.Driver, ride.DriverID, event, payload)
}
