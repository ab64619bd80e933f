package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RequestFilter narrows ListRequests. Zero-valued fields do not filter.
type RequestFilter struct {
	LocationIDs []string
	Statuses    []models.RequestStatus
	Processing  *bool
	RiderID     string
	// StaleClaimBefore widens Processing=false to claims taken before it.
	StaleClaimBefore *time.Time
}

// RideFilter narrows ListRides. Zero-valued fields do not filter.
type RideFilter struct {
	DriverID      string
	RiderID       string
	RequestID     string
	Statuses      []models.RideStatus
	AckReceived   *bool
	CreatedBefore *time.Time
}

// RequestRelease is applied when the dispatch loop hands a request back.
type RequestRelease struct {
	Status       models.RequestStatus
	CountRetry   bool
	RetryAt      *time.Time
	CancelReason string
}

// MatchCommit is everything a successful match writes. It is applied as one
// unit: the request must still be pending and held by the committer, and a
// route, when present, must still be locked with Route.LockToken.
type MatchCommit struct {
	RequestID string
	Ride      *models.Ride
	Route     *models.Route
}

// RideTransition moves a ride between statuses and optionally rewrites the
// driver's route in the same unit of work.
type RideTransition struct {
	RideID        string
	From          []models.RideStatus
	To            models.RideStatus
	At            time.Time
	DriverArrived *time.Time
	Route         *models.Route
}

// Store is the persistence boundary of the dispatch core. Every method whose
// doc mentions a precondition performs it atomically with the write.
type Store interface {
	GetLocation(ctx context.Context, id string) (*models.Location, error)
	PutLocation(ctx context.Context, l *models.Location) error

	// InsertRequest stores r. If the rider already has a non-terminal request,
	// r is stored as a cancelled duplicate and duplicate is true.
	InsertRequest(ctx context.Context, r *models.Request) (duplicate bool, err error)
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	// ListRequests returns matches ordered by request timestamp, then id.
	ListRequests(ctx context.Context, f RequestFilter) ([]*models.Request, error)
	// ClaimRequest sets processing on a pending request that is unclaimed or
	// was claimed before staleBefore. A zero staleBefore never takes over.
	ClaimRequest(ctx context.Context, id string, now, staleBefore time.Time) (*models.Request, bool, error)
	// ReleaseRequest clears processing on a claimed request and applies rel.
	ReleaseRequest(ctx context.Context, id string, rel RequestRelease) (bool, error)
	// CancelRequest cancels a non-terminal request.
	CancelRequest(ctx context.Context, id, reason string) (*models.Request, bool, error)

	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// ListRides returns matches ordered by creation time, then id.
	ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error)
	// UpdateRideStatus moves a ride to to if its status is one of from.
	UpdateRideStatus(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, at time.Time) (bool, error)
	UpdateRideETA(ctx context.Context, id string, eta, dropoffETA *time.Time) error
	MarkRideAck(ctx context.Context, id string) (bool, error)
	MarkRideNotified(ctx context.Context, id string, at time.Time) error

	// GetRoute returns the driver's route document or ErrNotFound.
	GetRoute(ctx context.Context, driverID string) (*models.Route, error)
	// TryLockRoute locks the driver's route if unlocked, creating an empty
	// inactive route when none exists.
	TryLockRoute(ctx context.Context, driverID, token string, now time.Time) (*models.Route, bool, error)
	// StealRouteLock takes over a lock still held under staleToken.
	StealRouteLock(ctx context.Context, driverID, staleToken, token string, now time.Time) (*models.Route, bool, error)
	// UnlockRoute clears the lock if it is held under token; an empty token clears it unconditionally.
	UnlockRoute(ctx context.Context, driverID, token string) error
	// SaveRoute writes stops and activity when the lock is held under r.LockToken.
	SaveRoute(ctx context.Context, r *models.Route) error

	CommitMatch(ctx context.Context, c MatchCommit) error
	// CommitRideTransition reports false, writing nothing, when the ride is not in t.From.
	CommitRideTransition(ctx context.Context, t RideTransition) (bool, error)
}

func hasRequestStatus(list []models.RequestStatus, s models.RequestStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return len(list) == 0
}

func hasRideStatus(list []models.RideStatus, s models.RideStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func hasString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return len(list) == 0
}
