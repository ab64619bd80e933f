// Package planner finds the cheapest feasible place for a new pickup and
// dropoff in a driver's stop sequence.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// FixedStopNotFoundError means no enabled fixed stop could serve a point.
type FixedStopNotFoundError struct {
	Point  models.Coord
	ZoneID string
}

func (e *FixedStopNotFoundError) Error() string {
	return fmt.Sprintf("no fixed stop near %.6f,%.6f in zone %q", e.Point.Lat, e.Point.Lon, e.ZoneID)
}

type Planner struct {
	Cost      eta.Client
	Cooldowns storage.Cooldowns // optional
	// FixedStopRadius caps the walk to a fixed stop in meters. Zero disables the cap.
	FixedStopRadius float64
	Logger          *slog.Logger

	now func() time.Time
}

func New(cost eta.Client, cooldowns storage.Cooldowns, logger *slog.Logger) *Planner {
	return &Planner{Cost: cost, Cooldowns: cooldowns, Logger: logger}
}

func (p *Planner) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Insertion is the new ride to place.
type Insertion struct {
	RideID        string
	Pickup        models.Coord
	Dropoff       models.Coord
	PickupStopID  string
	DropoffStopID string
	Passengers    int
	ADAPassengers int
	// Pinned leading pending stops are already being driven to and must stay first.
	Pinned int
}

// Plan is a feasible insertion. Stops is the whole new pending sequence with
// cumulative costs from the vehicle's position.
type Plan struct {
	Stops        []models.Stop
	PickupIndex  int
	DropoffIndex int
	OldCost      float64
	NewCost      float64
	// Marginal is what the insertion adds to the route's total cost.
	Marginal float64
}

// PickupCost is the travel cost from the vehicle to the new pickup.
func (pl *Plan) PickupCost() float64 { return pl.Stops[pl.PickupIndex].Cost }

// DropoffCost is the travel cost from the vehicle to the new dropoff.
func (pl *Plan) DropoffCost() float64 { return pl.Stops[pl.DropoffIndex].Cost }

type costFn func(a, b models.Coord) (float64, error)

// memo caches estimator calls for the duration of one planning call, so
// every candidate sequence is compared on identical costs.
func (p *Planner) memo() costFn {
	cache := make(map[[4]float64]float64)
	return func(a, b models.Coord) (float64, error) {
		k := [4]float64{a.Lat, a.Lon, b.Lat, b.Lon}
		if v, ok := cache[k]; ok {
			return v, nil
		}
		if a == b {
			cache[k] = 0
			return 0, nil
		}
		v, err := p.Cost.EstimateSeconds(a, b)
		if err != nil {
			return 0, err
		}
		cache[k] = v
		return v, nil
	}
}

// cumulative writes the running cost from start into each stop and returns the total.
func cumulative(cost costFn, start models.Coord, stops []models.Stop) (float64, error) {
	total := 0.0
	prev := start
	for i := range stops {
		c, err := cost(prev, stops[i].Loc)
		if err != nil {
			return 0, err
		}
		total += c
		stops[i].Cost = total
		prev = stops[i].Loc
	}
	return total, nil
}

// onboard is the load already in the vehicle: rides whose dropoff is still
// pending but whose pickup is not.
func onboard(pending []models.Stop) (pax, ada int) {
	pickups := make(map[string]bool)
	for _, s := range pending {
		if s.Type == models.StopPickup {
			pickups[s.RideID] = true
		}
	}
	for _, s := range pending {
		if s.Type == models.StopDropoff && !pickups[s.RideID] {
			pax += s.Passengers
			ada += s.ADAPassengers
		}
	}
	return pax, ada
}

func fits(v *models.Vehicle, startPax, startADA int, seq []models.Stop) bool {
	pax, ada := startPax, startADA
	if pax > v.PassengerCapacity || ada > v.ADACapacity {
		return false
	}
	for _, s := range seq {
		switch s.Type {
		case models.StopPickup:
			pax += s.Passengers
			ada += s.ADAPassengers
		case models.StopDropoff:
			pax -= s.Passengers
			ada -= s.ADAPassengers
		}
		if pax > v.PassengerCapacity || ada > v.ADACapacity {
			return false
		}
	}
	return true
}

// Plan evaluates every pickup position after the pinned prefix and every
// dropoff position after the pickup, keeping the cheapest sequence that
// respects capacity and the location's queue limit. A nil plan means the
// vehicle cannot take the ride.
func (p *Planner) Plan(ctx context.Context, v *models.Vehicle, loc *models.Location, rt *models.Route, ins Insertion) (*Plan, error) {
	if ins.PickupStopID != "" && p.Cooldowns != nil {
		cooling, err := p.Cooldowns.Active(ctx, v.DriverID, ins.PickupStopID, p.clock())
		if err != nil {
			return nil, fmt.Errorf("cooldown lookup: %w", err)
		}
		if cooling {
			if p.Logger != nil {
				p.Logger.Debug("fixed stop cooling down", "driver_id", v.DriverID, "stop_id", ins.PickupStopID)
			}
			return nil, nil
		}
	}

	pending := rt.PendingStops()
	n := len(pending)
	cost := p.memo()

	oldCum := make([]models.Stop, n)
	copy(oldCum, pending)
	oldTotal, err := cumulative(cost, v.Loc, oldCum)
	if err != nil {
		return nil, err
	}
	startPax, startADA := onboard(pending)

	now := p.clock()
	pickup := models.Stop{
		RideID: ins.RideID, Type: models.StopPickup, Status: models.StopWaiting,
		Loc: ins.Pickup, FixedStopID: ins.PickupStopID,
		Passengers: ins.Passengers, ADAPassengers: ins.ADAPassengers,
	}
	dropoff := pickup
	dropoff.Type = models.StopDropoff
	dropoff.Loc = ins.Dropoff
	dropoff.FixedStopID = ins.DropoffStopID

	pinned := ins.Pinned
	if pinned > n {
		pinned = n
	}
	var limit float64
	if loc != nil && n > 0 {
		limit = loc.MaxQueueSeconds
	}

	var best *Plan
	bestMarginal := math.Inf(1)
	seq := make([]models.Stop, 0, n+2)
	for i := pinned; i <= n; i++ {
		for j := i; j <= n; j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			seq = seq[:0]
			seq = append(seq, pending[:i]...)
			seq = append(seq, pickup)
			seq = append(seq, pending[i:j]...)
			seq = append(seq, dropoff)
			seq = append(seq, pending[j:]...)
			if !fits(v, startPax, startADA, seq) {
				continue
			}
			total, err := cumulative(cost, v.Loc, seq)
			if err != nil {
				return nil, err
			}
			marginal := total - oldTotal
			if marginal >= bestMarginal {
				continue
			}
			if limit > 0 && overQueueLimit(seq, oldCum, i, j, limit) {
				continue
			}
			bestMarginal = marginal
			best = &Plan{
				Stops:        append([]models.Stop(nil), seq...),
				PickupIndex:  i,
				DropoffIndex: j + 1,
				OldCost:      oldTotal,
				NewCost:      total,
				Marginal:     marginal,
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	for _, idx := range []int{best.PickupIndex, best.DropoffIndex} {
		at := now.Add(seconds(best.Stops[idx].Cost))
		best.Stops[idx].InitialETA = &at
	}
	return best, nil
}

// overQueueLimit reports whether an existing stop now lands beyond limit when
// it did not before.
func overQueueLimit(seq, old []models.Stop, i, j int, limit float64) bool {
	for k := range old {
		idx := k
		if k >= i {
			idx++
		}
		if k >= j {
			idx++
		}
		c := seq[idx].Cost
		if c > limit && c > old[k].Cost {
			return true
		}
	}
	return false
}

// Recompute refreshes the cumulative costs of stops measured from start and
// returns the total. Stops are updated in place.
func (p *Planner) Recompute(start models.Coord, stops []models.Stop) (float64, error) {
	return cumulative(p.memo(), start, stops)
}

// FixedStops are the resolved stops of a fixed-stop request.
type FixedStops struct {
	Pickup  models.FixedStop
	Dropoff models.FixedStop
}

// ResolveFixedStops snaps both ends of req to the nearest enabled fixed stop
// of their zone. The dropoff never reuses the pickup stop.
func (p *Planner) ResolveFixedStops(loc *models.Location, req *models.Request) (FixedStops, error) {
	var out FixedStops
	pick, err := p.resolveOne(loc, req.Origin, "")
	if err != nil {
		return out, err
	}
	drop, err := p.resolveOne(loc, req.Destination, pick.ID)
	if err != nil {
		return out, err
	}
	out.Pickup, out.Dropoff = pick, drop
	return out, nil
}

func (p *Planner) resolveOne(loc *models.Location, pt models.Coord, exclude string) (models.FixedStop, error) {
	var zone *models.Zone
	if loc.HasZones() {
		z, ok := geo.ResolveZone(loc.Zones, pt)
		if !ok {
			return models.FixedStop{}, &FixedStopNotFoundError{Point: pt}
		}
		zone = &z
	}
	fs, ok := geo.NearestFixedStop(loc, zone, pt, exclude, p.FixedStopRadius)
	if !ok {
		e := &FixedStopNotFoundError{Point: pt}
		if zone != nil {
			e.ZoneID = zone.ID
		}
		return models.FixedStop{}, e
	}
	return fs, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
