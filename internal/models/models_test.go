package models

import (
	"testing"
	"time"
)

func TestRebuildBoundsHistoryOnBusyRoute(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rt := &Route{DriverID: "d1"}
	// a rolling two-stop route that never goes idle
	for i := 0; i < 3*MaxRouteHistory; i++ {
		done := Stop{RideID: "done", Type: StopDropoff, Status: StopDone, CompletedAt: &now}
		next := Stop{RideID: "next", Type: StopPickup, Status: StopWaiting}
		rt.Rebuild(Coord{}, []Stop{next}, now)
		rt.Stops = append(rt.Stops, done)
		now = now.Add(time.Minute)
	}
	if got := len(rt.History()); got > MaxRouteHistory+1 {
		t.Fatalf("history grew to %d stops", got)
	}
	rt.Rebuild(Coord{}, []Stop{{RideID: "next", Type: StopPickup, Status: StopWaiting}}, now)
	if got := len(rt.History()); got != MaxRouteHistory {
		t.Fatalf("expected %d finished stops, got %d", MaxRouteHistory, got)
	}
	if !rt.Active || len(rt.PendingStops()) != 1 {
		t.Fatalf("pending section lost: %+v", rt)
	}
}

func TestRebuildDropsHistoryOfIdleRoute(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rt := &Route{DriverID: "d1"}
	rt.Rebuild(Coord{}, []Stop{{RideID: "a", Type: StopDropoff, Status: StopWaiting}}, now)
	rt.Stops[1].Status = StopDone
	rt.Rebuild(Coord{}, nil, now)
	if rt.Active || len(rt.History()) != 1 {
		t.Fatalf("finishing the last stop keeps it in history: %+v", rt)
	}
	rt.Rebuild(Coord{}, []Stop{{RideID: "b", Type: StopPickup, Status: StopWaiting}}, now)
	if h := rt.History(); len(h) != 0 {
		t.Fatalf("idle route must start over, got %+v", h)
	}
}
