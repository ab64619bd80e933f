package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// MatchingRule is a vehicle's dispatch class relative to zones.
type MatchingRule string

const (
	RuleLocked    MatchingRule = "locked"
	RulePriority  MatchingRule = "priority"
	RuleExclusive MatchingRule = "exclusive"
	RuleShared    MatchingRule = "shared"
)

// ServiceCapability describes which riders a vehicle may carry.
type ServiceCapability string

const (
	ServicePassengerOnly ServiceCapability = "passenger_only"
	ServiceADAOnly       ServiceCapability = "ada_only"
	ServiceMixed         ServiceCapability = "mixed"
)

// Serves reports whether a vehicle with capability c can take a request
// with the given ADA flag.
func (c ServiceCapability) Serves(ada bool) bool {
	switch c {
	case ServiceMixed:
		return true
	case ServiceADAOnly:
		return ada
	case ServicePassengerOnly, "":
		return !ada
	}
	return false
}

type Zone struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Polygon []Coord `json:"polygon"`
	// Default marks the location's catch-all zone.
	Default bool `json:"default"`
}

type FixedStop struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Loc     Coord  `json:"loc"`
	Enabled bool   `json:"enabled"`
}

// Location is a service area with its own dispatch settings.
type Location struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	PoolingEnabled bool        `json:"pooling_enabled"`
	PassengerLimit int         `json:"passenger_limit"`
	// MaxQueueSeconds caps the cumulative travel cost of queued stops. Zero disables the cap.
	MaxQueueSeconds   float64     `json:"max_queue_seconds"`
	FixedStopsEnabled bool        `json:"fixed_stops_enabled"`
	Zones             []Zone      `json:"zones"`
	FixedStops        []FixedStop `json:"fixed_stops"`
}

func (l *Location) HasZones() bool { return len(l.Zones) > 0 }

// Vehicle is the dispatchable unit: a driver with the vehicle they are signed into.
// It is owned outside the dispatch core and only read here.
type Vehicle struct {
	ID                string            `json:"id"`
	DriverID          string            `json:"driver_id"`
	LocationID        string            `json:"location_id"`
	Loc               Coord             `json:"loc"`
	Online            bool              `json:"online"`
	Available         bool              `json:"available"`
	PassengerCapacity int               `json:"passenger_capacity"`
	ADACapacity       int               `json:"ada_capacity"`
	Service           ServiceCapability `json:"service"`
	Rule              MatchingRule      `json:"matching_rule"`
	Zones             []string          `json:"zones"`
	Updated           time.Time         `json:"updated"`
}

func (v *Vehicle) InZone(zoneID string) bool {
	if zoneID == "" {
		return false
	}
	for _, z := range v.Zones {
		if z == zoneID {
			return true
		}
	}
	return false
}

// Snapshot copies the parts of a vehicle a ride keeps after matching.
func (v *Vehicle) Snapshot() VehicleSnapshot {
	zones := make([]string, len(v.Zones))
	copy(zones, v.Zones)
	return VehicleSnapshot{
		VehicleID:         v.ID,
		PassengerCapacity: v.PassengerCapacity,
		ADACapacity:       v.ADACapacity,
		Service:           v.Service,
		Rule:              v.Rule,
		Zones:             zones,
	}
}

type VehicleSnapshot struct {
	VehicleID         string            `json:"vehicle_id"`
	PassengerCapacity int               `json:"passenger_capacity"`
	ADACapacity       int               `json:"ada_capacity"`
	Service           ServiceCapability `json:"service"`
	Rule              MatchingRule      `json:"matching_rule"`
	Zones             []string          `json:"zones"`
}

// Request is a rider's pending ask for transport.
type Request struct {
	ID                 string        `json:"id"`
	RiderID            string        `json:"rider_id"`
	LocationID         string        `json:"location_id"`
	Origin             Coord         `json:"origin"`
	Destination        Coord         `json:"destination"`
	Passengers         int           `json:"passengers"`
	ADA                bool          `json:"ada"`
	FixedStop          bool          `json:"fixed_stop"`
	Status             RequestStatus `json:"status"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
	SearchRetries      int           `json:"search_retries"`
	LastRetryTimestamp *time.Time    `json:"last_retry_timestamp,omitempty"`
	RequestTimestamp   time.Time     `json:"request_timestamp"`
	Processing         bool          `json:"processing"`
	ProcessingSince    *time.Time    `json:"processing_since,omitempty"`
}

// Load returns the regular and ADA seat demand of the request.
func (r *Request) Load() (passengers, ada int) {
	if r.ADA {
		return 0, r.Passengers
	}
	return r.Passengers, 0
}

type Ride struct {
	ID                     string          `json:"id"`
	RequestID              string          `json:"request_id,omitempty"`
	RiderID                string          `json:"rider_id,omitempty"`
	DriverID               string          `json:"driver_id"`
	LocationID             string          `json:"location_id"`
	Vehicle                VehicleSnapshot `json:"vehicle"`
	Pooled                 bool            `json:"pooled"`
	Origin                 Coord           `json:"origin"`
	Destination            Coord           `json:"destination"`
	PickupFixedStopID      string          `json:"pickup_fixed_stop_id,omitempty"`
	DropoffFixedStopID     string          `json:"dropoff_fixed_stop_id,omitempty"`
	Passengers             int             `json:"passengers"`
	ADAPassengers          int             `json:"ada_passengers"`
	Status                 RideStatus      `json:"status"`
	ETA                    *time.Time      `json:"eta,omitempty"`
	DropoffETA             *time.Time      `json:"dropoff_eta,omitempty"`
	InitialETA             *time.Time      `json:"initial_eta,omitempty"`
	DriverArrivedTimestamp *time.Time      `json:"driver_arrived_timestamp,omitempty"`
	AckReceived            bool            `json:"ack_received"`
	LastNotified           *time.Time      `json:"last_notified,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

type StopType string

const (
	StopCurrentLocation StopType = "current_location"
	StopPickup          StopType = "pickup"
	StopDropoff         StopType = "dropoff"
)

type StopStatus string

const (
	StopWaiting   StopStatus = "waiting"
	StopDone      StopStatus = "done"
	StopCancelled StopStatus = "cancelled"
)

type Stop struct {
	RideID        string     `json:"ride_id,omitempty"`
	Type          StopType   `json:"stop_type"`
	Status        StopStatus `json:"status"`
	Loc           Coord      `json:"loc"`
	FixedStopID   string     `json:"fixed_stop_id,omitempty"`
	Cost          float64    `json:"cost"`
	InitialETA    *time.Time `json:"initial_eta,omitempty"`
	Passengers    int        `json:"passengers"`
	ADAPassengers int        `json:"ada_passengers"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Pending reports whether the stop still has to be driven to.
func (s *Stop) Pending() bool {
	return s.Status == StopWaiting && s.Type != StopCurrentLocation
}

// Route is a driver's ordered stop sequence for pooled operation.
type Route struct {
	ID            string     `json:"id"`
	DriverID      string     `json:"driver_id"`
	Active        bool       `json:"active"`
	Stops         []Stop     `json:"stops"`
	ActiveRideID  string     `json:"active_ride_id,omitempty"`
	Lock          bool       `json:"lock"`
	LockTimestamp *time.Time `json:"lock_timestamp,omitempty"`
	LockToken     string     `json:"lock_token,omitempty"`
	LastUpdate    time.Time  `json:"last_update"`
}

// PendingStops returns copies of the waiting stops in execution order.
func (r *Route) PendingStops() []Stop {
	if r == nil {
		return nil
	}
	out := make([]Stop, 0, len(r.Stops))
	for _, s := range r.Stops {
		if s.Pending() {
			out = append(out, s)
		}
	}
	return out
}

// History returns the finished stops, without any current-location anchor.
func (r *Route) History() []Stop {
	if r == nil {
		return nil
	}
	out := make([]Stop, 0, len(r.Stops))
	for _, s := range r.Stops {
		if s.Type == StopCurrentLocation || s.Status == StopWaiting {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Anchor returns the current-location stop the pending costs are measured from.
func (r *Route) Anchor() (Stop, bool) {
	if r == nil {
		return Stop{}, false
	}
	for _, s := range r.Stops {
		if s.Type == StopCurrentLocation {
			return s, true
		}
	}
	return Stop{}, false
}

// MaxRouteHistory bounds the finished stops a busy route carries.
const MaxRouteHistory = 20

// Rebuild replaces the pending section of the route with pending, anchored at loc.
// A route that was idle starts over without its old history, and a busy one
// keeps only its last MaxRouteHistory finished stops.
func (r *Route) Rebuild(loc Coord, pending []Stop, now time.Time) {
	var stops []Stop
	if r.Active {
		stops = r.History()
		if n := len(stops) - MaxRouteHistory; n > 0 {
			stops = stops[n:]
		}
	}
	stops = append(stops, Stop{Type: StopCurrentLocation, Status: StopDone, Loc: loc, CompletedAt: &now})
	stops = append(stops, pending...)
	r.Stops = stops
	r.Active = len(pending) > 0
	r.ActiveRideID = ""
	if len(pending) > 0 {
		r.ActiveRideID = pending[0].RideID
	}
	r.LastUpdate = now
}

func (r *Route) Clone() *Route {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Stops = make([]Stop, len(r.Stops))
	copy(cp.Stops, r.Stops)
	return &cp
}
