package models

import "fmt"

type RequestStatus int

const (
	RequestPending           RequestStatus = 100
	RequestExpiredMissed     RequestStatus = 101
	RequestMatched           RequestStatus = 102
	RequestProcessingNoMatch RequestStatus = 103
	RequestCancelled         RequestStatus = 104
)

// Terminal reports whether no further dispatch work happens for the request.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestExpiredMissed, RequestMatched, RequestCancelled:
		return true
	}
	return false
}

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestExpiredMissed:
		return "expired-missed"
	case RequestMatched:
		return "matched"
	case RequestProcessingNoMatch:
		return "processing-no-match"
	case RequestCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("request_status(%d)", int(s))
}

type RideStatus int

const (
	RideInQueue       RideStatus = 200
	NextInQueue       RideStatus = 201
	DriverEnRoute     RideStatus = 202
	DriverArrived     RideStatus = 203
	CancelledByDriver RideStatus = 204
	CancelledByAdmin  RideStatus = 205
	NoShow            RideStatus = 206
	CancelledByRider  RideStatus = 207
	RideInProgress    RideStatus = 300
	Completed         RideStatus = 700
)

// PreDeparture are the statuses a ride can hold before the driver heads to it.
var PreDeparture = []RideStatus{RideInQueue, NextInQueue}

// Active are the non-terminal statuses.
var Active = []RideStatus{RideInQueue, NextInQueue, DriverEnRoute, DriverArrived, RideInProgress}

// forwardRank orders the happy path; cancellations have no rank.
var forwardRank = map[RideStatus]int{
	RideInQueue:    1,
	NextInQueue:    2,
	DriverEnRoute:  3,
	DriverArrived:  4,
	RideInProgress: 5,
	Completed:      6,
}

func (s RideStatus) Terminal() bool {
	switch s {
	case Completed, CancelledByDriver, CancelledByAdmin, NoShow, CancelledByRider:
		return true
	}
	return false
}

func (s RideStatus) Cancellation() bool {
	switch s {
	case CancelledByDriver, CancelledByAdmin, NoShow, CancelledByRider:
		return true
	}
	return false
}

// PickedUp reports whether the rider is on board or already delivered.
func (s RideStatus) PickedUp() bool {
	return s == RideInProgress || s == Completed
}

func (s RideStatus) String() string {
	switch s {
	case RideInQueue:
		return "RideInQueue"
	case NextInQueue:
		return "NextInQueue"
	case DriverEnRoute:
		return "DriverEnRoute"
	case DriverArrived:
		return "DriverArrived"
	case CancelledByDriver:
		return "CancelledByDriver"
	case CancelledByAdmin:
		return "CancelledByAdmin"
	case NoShow:
		return "NoShow"
	case CancelledByRider:
		return "CancelledByRider"
	case RideInProgress:
		return "RideInProgress"
	case Completed:
		return "Completed"
	}
	return fmt.Sprintf("ride_status(%d)", int(s))
}

// CanTransition encodes the ride state machine: forward moves along the
// happy path, cancellation only before the rider is picked up. A no-show
// additionally requires the driver to have arrived.
func CanTransition(from, to RideStatus) bool {
	if from.Terminal() || from == to {
		return false
	}
	if to == NoShow {
		return from == DriverArrived
	}
	if to.Cancellation() {
		return forwardRank[from] < forwardRank[RideInProgress]
	}
	fr, ok := forwardRank[from]
	if !ok {
		return false
	}
	tr, ok := forwardRank[to]
	if !ok || tr <= fr {
		return false
	}
	// the rider and the driver must meet before the trip starts and end it before completion
	if tr >= forwardRank[RideInProgress] && fr < forwardRank[DriverArrived] {
		return to == RideInProgress && from == DriverEnRoute
	}
	if to == Completed {
		return from == RideInProgress
	}
	return true
}

// SourcesFor lists every status that may legally move to to.
func SourcesFor(to RideStatus) []RideStatus {
	all := []RideStatus{RideInQueue, NextInQueue, DriverEnRoute, DriverArrived, RideInProgress}
	out := make([]RideStatus, 0, len(all))
	for _, s := range all {
		if CanTransition(s, to) {
			out = append(out, s)
		}
	}
	return out
}
