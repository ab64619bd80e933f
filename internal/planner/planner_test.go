package planner

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// manhattan costs 1s per 0.001 degree moved along each axis.
type manhattan struct{ calls int }

func (m *manhattan) EstimateSeconds(a, b models.Coord) (float64, error) {
	m.calls++
	return (math.Abs(a.Lat-b.Lat) + math.Abs(a.Lon-b.Lon)) * 1000, nil
}

func pt(lat, lon float64) models.Coord { return models.Coord{Lat: lat, Lon: lon} }

func stop(ride string, typ models.StopType, loc models.Coord, pax int) models.Stop {
	return models.Stop{RideID: ride, Type: typ, Status: models.StopWaiting, Loc: loc, Passengers: pax}
}

func routeWith(stops ...models.Stop) *models.Route {
	return &models.Route{DriverID: "d1", Active: true, Stops: stops}
}

func vehicle(capacity int) *models.Vehicle {
	return &models.Vehicle{DriverID: "d1", Loc: pt(0, 0), PassengerCapacity: capacity, ADACapacity: 1, Service: models.ServiceMixed}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestPlanInterleavesSameDirectionRides(t *testing.T) {
	p := New(&manhattan{}, nil, nil)
	rt := routeWith(
		stop("ride1", models.StopPickup, pt(0, 0.001), 1),
		stop("ride1", models.StopDropoff, pt(0, 0.009), 1),
	)
	plan, err := p.Plan(context.Background(), vehicle(4), nil, rt, Insertion{
		RideID: "ride2", Pickup: pt(0, 0.002), Dropoff: pt(0, 0.010), Passengers: 1,
	})
	if err != nil || plan == nil {
		t.Fatalf("expected a plan, got %v %v", plan, err)
	}
	want := []struct {
		ride string
		typ  models.StopType
	}{
		{"ride1", models.StopPickup}, {"ride2", models.StopPickup},
		{"ride1", models.StopDropoff}, {"ride2", models.StopDropoff},
	}
	if len(plan.Stops) != 4 {
		t.Fatalf("expected 4 stops, got %d", len(plan.Stops))
	}
	for i, w := range want {
		if plan.Stops[i].RideID != w.ride || plan.Stops[i].Type != w.typ {
			t.Fatalf("stop %d: expected %s %s, got %s %s", i, w.ride, w.typ, plan.Stops[i].RideID, plan.Stops[i].Type)
		}
	}
	if !near(plan.Marginal, 1) {
		t.Fatalf("expected marginal 1s, got %f", plan.Marginal)
	}
	if plan.Stops[plan.PickupIndex].InitialETA == nil {
		t.Fatal("new stops must carry an initial eta")
	}
}

func TestPlanRespectsCapacity(t *testing.T) {
	p := New(&manhattan{}, nil, nil)
	rt := routeWith(
		stop("ride1", models.StopPickup, pt(0, 0.001), 2),
		stop("ride1", models.StopDropoff, pt(0, 0.009), 2),
	)
	plan, err := p.Plan(context.Background(), vehicle(2), nil, rt, Insertion{
		RideID: "ride2", Pickup: pt(0, 0.002), Dropoff: pt(0, 0.010), Passengers: 1,
	})
	if err != nil || plan == nil {
		t.Fatalf("expected a sequential plan, got %v %v", plan, err)
	}
	load := 0
	for _, s := range plan.Stops {
		if s.Type == models.StopPickup {
			load += s.Passengers
		} else {
			load -= s.Passengers
		}
		if load > 2 {
			t.Fatalf("capacity exceeded along %+v", plan.Stops)
		}
	}
	if plan.PickupIndex != 2 {
		t.Fatalf("expected new pickup after ride1's dropoff, got index %d", plan.PickupIndex)
	}
}

func TestPlanCountsRidersAlreadyOnBoard(t *testing.T) {
	p := New(&manhattan{}, nil, nil)
	// ride1 was picked up: only its dropoff is pending
	rt := routeWith(stop("ride1", models.StopDropoff, pt(0, 0.009), 2))
	plan, _ := p.Plan(context.Background(), vehicle(2), nil, rt, Insertion{
		RideID: "ride2", Pickup: pt(0, 0.002), Dropoff: pt(0, 0.004), Passengers: 1,
	})
	if plan == nil || plan.PickupIndex != 1 {
		t.Fatalf("expected pickup after the onboard dropoff, got %+v", plan)
	}
}

func TestPlanQueueLimit(t *testing.T) {
	rt := routeWith(
		stop("ride1", models.StopPickup, pt(0, 0.05), 1),
		stop("ride1", models.StopDropoff, pt(0, 0.1), 1),
	)
	ins := Insertion{RideID: "ride2", Pickup: pt(0.01, 0.05), Dropoff: pt(0.01, 0.06), Passengers: 1}

	p := New(&manhattan{}, nil, nil)
	free, _ := p.Plan(context.Background(), vehicle(4), &models.Location{}, rt, ins)
	if free == nil || !near(free.Marginal, 20) || free.PickupIndex != 1 {
		t.Fatalf("without a limit expected the 20s detour, got %+v", free)
	}

	capped, _ := p.Plan(context.Background(), vehicle(4), &models.Location{MaxQueueSeconds: 110}, rt, ins)
	if capped == nil {
		t.Fatal("appending after the existing ride stays within the limit")
	}
	if capped.PickupIndex != 2 || !near(capped.Marginal, 70) {
		t.Fatalf("expected appended plan with 70s marginal, got index %d marginal %f", capped.PickupIndex, capped.Marginal)
	}
}

func TestIdleRouteIgnoresQueueLimit(t *testing.T) {
	p := New(&manhattan{}, nil, nil)
	loc := &models.Location{MaxQueueSeconds: 10}
	plan, err := p.Plan(context.Background(), vehicle(4), loc, &models.Route{DriverID: "d1"}, Insertion{
		RideID: "far", Pickup: pt(0, 1), Dropoff: pt(0, 2), Passengers: 1,
	})
	if err != nil || plan == nil {
		t.Fatalf("idle route must accept any ride, got %v %v", plan, err)
	}
	if plan.DropoffCost() <= loc.MaxQueueSeconds {
		t.Fatalf("test setup: expected a long trip, got %f", plan.DropoffCost())
	}
}

func TestPlanKeepsPinnedStopFirst(t *testing.T) {
	p := New(&manhattan{}, nil, nil)
	rt := routeWith(
		stop("ride1", models.StopPickup, pt(0, 0.05), 1),
		stop("ride1", models.StopDropoff, pt(0, 0.1), 1),
	)
	ins := Insertion{RideID: "ride2", Pickup: pt(0, 0.01), Dropoff: pt(0, 0.02), Passengers: 1}
	free, _ := p.Plan(context.Background(), vehicle(4), nil, rt, ins)
	if free == nil || free.PickupIndex != 0 {
		t.Fatalf("unpinned route should take ride2 first, got %+v", free)
	}
	ins.Pinned = 1
	pinned, _ := p.Plan(context.Background(), vehicle(4), nil, rt, ins)
	if pinned == nil || pinned.Stops[0].RideID != "ride1" {
		t.Fatalf("pinned stop moved: %+v", pinned)
	}
}

func TestPlanSkipsFixedStopOnCooldown(t *testing.T) {
	cd := storage.NewMemoryCooldowns(2 * time.Minute)
	p := New(&manhattan{}, cd, nil)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	_ = cd.Mark(context.Background(), "d1", "stopA", now.Add(-30*time.Second))

	blocked, err := p.Plan(context.Background(), vehicle(4), nil, &models.Route{}, Insertion{
		RideID: "r", Pickup: pt(0, 0.01), Dropoff: pt(0, 0.02), PickupStopID: "stopA", Passengers: 1,
	})
	if err != nil || blocked != nil {
		t.Fatalf("expected no plan during cooldown, got %+v %v", blocked, err)
	}
	other, _ := p.Plan(context.Background(), vehicle(4), nil, &models.Route{}, Insertion{
		RideID: "r", Pickup: pt(0, 0.01), Dropoff: pt(0, 0.02), PickupStopID: "stopB", Passengers: 1,
	})
	if other == nil {
		t.Fatal("a different fixed stop must still match")
	}
}

func TestRecomputeRefreshesCumulativeCosts(t *testing.T) {
	p := New(&manhattan{}, nil, nil)
	stops := []models.Stop{
		stop("a", models.StopPickup, pt(0, 0.01), 1),
		stop("a", models.StopDropoff, pt(0, 0.03), 1),
	}
	total, err := p.Recompute(pt(0, 0), stops)
	if err != nil {
		t.Fatal(err)
	}
	if !near(stops[0].Cost, 10) || !near(stops[1].Cost, 30) || !near(total, 30) {
		t.Fatalf("unexpected costs %f %f %f", stops[0].Cost, stops[1].Cost, total)
	}
}

func TestResolveFixedStops(t *testing.T) {
	loc := &models.Location{
		FixedStopsEnabled: true,
		FixedStops: []models.FixedStop{
			{ID: "north", Loc: pt(0.01, 0), Enabled: true},
			{ID: "south", Loc: pt(-0.01, 0), Enabled: true},
			{ID: "closed", Loc: pt(0, 0), Enabled: false},
		},
	}
	p := New(&manhattan{}, nil, nil)
	got, err := p.ResolveFixedStops(loc, &models.Request{Origin: pt(0.002, 0), Destination: pt(0.003, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if got.Pickup.ID != "north" || got.Dropoff.ID != "south" {
		t.Fatalf("expected north -> south, got %s -> %s", got.Pickup.ID, got.Dropoff.ID)
	}

	p.FixedStopRadius = 100
	_, err = p.ResolveFixedStops(loc, &models.Request{Origin: pt(0.5, 0), Destination: pt(0.01, 0)})
	var fsErr *FixedStopNotFoundError
	if !errors.As(err, &fsErr) {
		t.Fatalf("expected FixedStopNotFoundError, got %v", err)
	}
}
