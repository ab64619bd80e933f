package rides

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/planner"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/routelock"
	"github.com/example/ride-dispatch/internal/storage"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// tableCost answers from a fixed table of legs and charges 10s for anything else.
type tableCost map[[2]models.Coord]float64

func (t tableCost) EstimateSeconds(a, b models.Coord) (float64, error) {
	if c, ok := t[[2]models.Coord{a, b}]; ok {
		return c, nil
	}
	return 10, nil
}

func pt(lat, lon float64) models.Coord { return models.Coord{Lat: lat, Lon: lon} }

type fixture struct {
	svc  *Service
	mem  *storage.MemoryStore
	dir  *geo.Index
	cool *storage.MemoryCooldowns
}

func newFixture(t *testing.T, cost tableCost) *fixture {
	t.Helper()
	mem := storage.NewMemoryStore()
	dir := geo.NewIndex()
	cool := storage.NewMemoryCooldowns(2 * time.Minute)
	locks := routelock.New(mem, nil)
	locks.Poll = time.Millisecond
	locks.MaxWait = time.Second
	svc := &Service{
		Store:     mem,
		Vehicles:  dir,
		Locks:     locks,
		Planner:   planner.New(cost, cool, nil),
		Queue:     queue.New(mem, cost, nil, nil),
		Cooldowns: cool,
		now:       func() time.Time { return base },
	}
	ctx := context.Background()
	if err := mem.PutLocation(ctx, &models.Location{ID: "loc", PoolingEnabled: true, PassengerLimit: 2}); err != nil {
		t.Fatal(err)
	}
	if err := dir.Upsert(ctx, models.Vehicle{ID: "veh-d1", DriverID: "d1", LocationID: "loc", Online: true, Available: true, PassengerCapacity: 4}); err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, mem: mem, dir: dir, cool: cool}
}

func (f *fixture) ride(t *testing.T, r *models.Ride) {
	t.Helper()
	ctx := context.Background()
	req := &models.Request{ID: "req-" + r.ID, RiderID: r.RiderID, LocationID: "loc", Passengers: 1, Status: models.RequestPending}
	if _, err := f.mem.InsertRequest(ctx, req); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.mem.ClaimRequest(ctx, req.ID, base, time.Time{}); err != nil {
		t.Fatal(err)
	}
	r.RequestID = req.ID
	if r.DriverID == "" {
		r.DriverID = "d1"
	}
	if err := f.mem.CommitMatch(ctx, storage.MatchCommit{RequestID: req.ID, Ride: r}); err != nil {
		t.Fatal(err)
	}
}

// route stores a pooled route for d1 with costs measured from start.
func (f *fixture) route(t *testing.T, start models.Coord, pending []models.Stop) *models.Route {
	t.Helper()
	ctx := context.Background()
	if _, err := f.svc.Planner.Recompute(start, pending); err != nil {
		t.Fatal(err)
	}
	rt, ok, err := f.mem.TryLockRoute(ctx, "d1", "seed", base)
	if err != nil || !ok {
		t.Fatalf("seed lock: %v %v", ok, err)
	}
	rt.Rebuild(start, pending, base)
	if err := f.mem.SaveRoute(ctx, rt); err != nil {
		t.Fatal(err)
	}
	if err := f.mem.UnlockRoute(ctx, "d1", "seed"); err != nil {
		t.Fatal(err)
	}
	return rt
}

func (f *fixture) status(t *testing.T, id string) models.RideStatus {
	t.Helper()
	r, err := f.mem.GetRide(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return r.Status
}

func code(err error) string {
	var ae *models.ApplicationError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func stop(ride string, typ models.StopType, at models.Coord) models.Stop {
	return models.Stop{RideID: ride, Type: typ, Status: models.StopWaiting, Loc: at, Passengers: 1}
}

func TestCreateRequestPassengerLimit(t *testing.T) {
	cases := []struct {
		rider      string
		passengers int
		wantCode   string
		wantStored int
	}{
		{"limit", 2, "", 1},
		{"over", 5, models.CodeValidation, 0},
		{"none", 0, models.CodeValidation, 0},
	}
	for _, c := range cases {
		f := newFixture(t, tableCost{})
		req, err := f.svc.CreateRequest(context.Background(), NewRequest{
			RiderID: c.rider, LocationID: "loc", Origin: pt(0, 0), Destination: pt(0, 0.01), Passengers: c.passengers,
		})
		if code(err) != c.wantCode {
			t.Fatalf("%s: expected code %q, got %v", c.rider, c.wantCode, err)
		}
		if c.wantCode == "" && (err != nil || req.Status != models.RequestPending || !req.RequestTimestamp.Equal(base)) {
			t.Fatalf("%s: unexpected request %+v %v", c.rider, req, err)
		}
		stored, _ := f.mem.ListRequests(context.Background(), storage.RequestFilter{RiderID: c.rider})
		if len(stored) != c.wantStored {
			t.Fatalf("%s: expected %d stored requests, got %d", c.rider, c.wantStored, len(stored))
		}
	}
}

func TestCreateRequestDuplicate(t *testing.T) {
	f := newFixture(t, tableCost{})
	in := NewRequest{RiderID: "r1", LocationID: "loc", Origin: pt(0, 0), Destination: pt(0, 0.01), Passengers: 1}
	if _, err := f.svc.CreateRequest(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	dup, err := f.svc.CreateRequest(context.Background(), in)
	if code(err) != models.CodeActiveRequest {
		t.Fatalf("expected active request rejection, got %v", err)
	}
	if dup == nil || dup.Status != models.RequestCancelled || dup.CancelReason != storage.ReasonDuplicate {
		t.Fatalf("duplicate should be stored terminal, got %+v", dup)
	}
	open, _ := f.mem.ListRequests(context.Background(), storage.RequestFilter{RiderID: "r1", Statuses: []models.RequestStatus{models.RequestPending}})
	if len(open) != 1 {
		t.Fatalf("expected one open request, got %d", len(open))
	}
}

func TestDriverCancelRecomputesQueuedETA(t *testing.T) {
	v, p2, p1, d1, d2 := pt(0, 0), pt(0.001, 0.001), pt(0, 0.002), pt(0, 0.003), pt(0, 0.004)
	cases := []struct {
		name    string
		direct  float64
		shorter bool
	}{
		{"removal shortens the path", 40, true},
		{"removal lengthens the path", 100, false},
	}
	for _, c := range cases {
		cost := tableCost{{v, p2}: 30, {p2, p1}: 30, {v, p1}: c.direct}
		f := newFixture(t, cost)
		f.ride(t, &models.Ride{ID: "ride1", RiderID: "rider1", Pooled: true, Status: models.RideInQueue, CreatedAt: base})
		f.ride(t, &models.Ride{ID: "ride2", RiderID: "rider2", Pooled: true, Status: models.RideInQueue, CreatedAt: base.Add(time.Second)})
		rt := f.route(t, v, []models.Stop{
			stop("ride2", models.StopPickup, p2), stop("ride1", models.StopPickup, p1),
			stop("ride1", models.StopDropoff, d1), stop("ride2", models.StopDropoff, d2),
		})
		if err := f.svc.Queue.Pooled(context.Background(), rt); err != nil {
			t.Fatal(err)
		}
		before, _ := f.mem.GetRide(context.Background(), "ride1")
		if before.Status != models.NextInQueue || before.ETA == nil {
			t.Fatalf("%s: ride1 should be next with an eta, got %+v", c.name, before)
		}

		if _, err := f.svc.DriverCancel(context.Background(), "ride2", "d1"); err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		after, _ := f.mem.GetRide(context.Background(), "ride1")
		if after.Status != models.DriverEnRoute {
			t.Fatalf("%s: ride1 should be promoted, got %v", c.name, after.Status)
		}
		if c.shorter && !after.ETA.Before(*before.ETA) {
			t.Fatalf("%s: eta should drop, before %v after %v", c.name, before.ETA, after.ETA)
		}
		if !c.shorter && !after.ETA.After(*before.ETA) {
			t.Fatalf("%s: eta should grow, before %v after %v", c.name, before.ETA, after.ETA)
		}
		if f.status(t, "ride2") != models.CancelledByDriver {
			t.Fatalf("%s: ride2 not cancelled", c.name)
		}
		saved, _ := f.mem.GetRoute(context.Background(), "d1")
		if saved.Lock {
			t.Fatalf("%s: route lock left held", c.name)
		}
		for _, s := range saved.PendingStops() {
			if s.RideID == "ride2" {
				t.Fatalf("%s: cancelled ride still has a pending stop", c.name)
			}
		}
	}
}

func TestCancelInProgressRejected(t *testing.T) {
	f := newFixture(t, tableCost{})
	f.ride(t, &models.Ride{ID: "r", RiderID: "rider", Status: models.RideInProgress, CreatedAt: base})
	for name, cancel := range map[string]func() (*models.Ride, error){
		"driver": func() (*models.Ride, error) { return f.svc.DriverCancel(context.Background(), "r", "d1") },
		"rider":  func() (*models.Ride, error) { return f.svc.RiderCancel(context.Background(), "r", "rider") },
		"admin":  func() (*models.Ride, error) { return f.svc.AdminCancel(context.Background(), "r") },
	} {
		if _, err := cancel(); code(err) != models.CodeInvalidTransition {
			t.Fatalf("%s cancel of an in-progress ride should be rejected, got %v", name, err)
		}
	}
	if f.status(t, "r") != models.RideInProgress {
		t.Fatal("status must be unchanged")
	}
}

func TestNoShowRequiresArrival(t *testing.T) {
	f := newFixture(t, tableCost{})
	f.ride(t, &models.Ride{ID: "r", RiderID: "rider", Status: models.DriverEnRoute, CreatedAt: base})
	if _, err := f.svc.NoShow(context.Background(), "r", "d1"); code(err) != models.CodeInvalidTransition {
		t.Fatalf("no-show before arrival should be rejected, got %v", err)
	}
	arrived, err := f.svc.Arrive(context.Background(), "r", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if arrived.DriverArrivedTimestamp == nil || !arrived.DriverArrivedTimestamp.Equal(base) {
		t.Fatalf("arrival time not recorded: %+v", arrived)
	}
	if _, err := f.svc.NoShow(context.Background(), "r", "d1"); err != nil {
		t.Fatal(err)
	}
	if f.status(t, "r") != models.NoShow {
		t.Fatal("expected no-show")
	}
}

func TestWrongDriverRejected(t *testing.T) {
	f := newFixture(t, tableCost{})
	f.ride(t, &models.Ride{ID: "r", RiderID: "rider", Status: models.DriverEnRoute, CreatedAt: base})
	if _, err := f.svc.Arrive(context.Background(), "r", "someone-else"); code(err) != models.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := f.svc.Ack(context.Background(), "r", "someone-else"); code(err) != models.CodeForbidden {
		t.Fatalf("expected forbidden ack, got %v", err)
	}
	if err := f.svc.Ack(context.Background(), "r", "d1"); err != nil {
		t.Fatal(err)
	}
	r, _ := f.mem.GetRide(context.Background(), "r")
	if !r.AckReceived {
		t.Fatal("ack not recorded")
	}
}

func TestPickupThenCompleteMarksCooldownAndIdlesRoute(t *testing.T) {
	f := newFixture(t, tableCost{})
	f.ride(t, &models.Ride{ID: "r", RiderID: "rider", Pooled: true, Status: models.DriverArrived, DropoffFixedStopID: "C", CreatedAt: base})
	drop := stop("r", models.StopDropoff, pt(0, 0.02))
	drop.FixedStopID = "C"
	f.route(t, pt(0, 0), []models.Stop{stop("r", models.StopPickup, pt(0, 0.001)), drop})

	if _, err := f.svc.Pickup(context.Background(), "r", "d1"); err != nil {
		t.Fatal(err)
	}
	rt, _ := f.mem.GetRoute(context.Background(), "d1")
	if p := rt.PendingStops(); len(p) != 1 || p[0].Type != models.StopDropoff {
		t.Fatalf("only the dropoff should remain, got %+v", p)
	}
	if _, err := f.svc.Complete(context.Background(), "r", "d1"); err != nil {
		t.Fatal(err)
	}
	rt, _ = f.mem.GetRoute(context.Background(), "d1")
	if rt.Active || len(rt.PendingStops()) != 0 {
		t.Fatalf("route should be idle, got %+v", rt)
	}
	done := 0
	for _, s := range rt.History() {
		if s.RideID == "r" && s.Status == models.StopDone {
			done++
		}
	}
	if done != 2 {
		t.Fatalf("both stops should be in history as done, got %d", done)
	}
	active, err := f.cool.Active(context.Background(), "d1", "C", base.Add(time.Minute))
	if err != nil || !active {
		t.Fatalf("dropoff stop should be cooling down: %v %v", active, err)
	}
}

func TestRiderCancelRequest(t *testing.T) {
	f := newFixture(t, tableCost{})
	req, err := f.svc.CreateRequest(context.Background(), NewRequest{RiderID: "r1", LocationID: "loc", Passengers: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.CancelRequest(context.Background(), req.ID, "intruder"); code(err) != models.CodeForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	got, err := f.svc.CancelRequest(context.Background(), req.ID, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RequestCancelled || got.CancelReason != storage.ReasonRider {
		t.Fatalf("unexpected request %+v", got)
	}
	if _, err := f.svc.CancelRequest(context.Background(), req.ID, "r1"); code(err) != models.CodeInvalidTransition {
		t.Fatalf("second cancel should be rejected, got %v", err)
	}
}

func TestRiderCancelMatchedRequestCancelsRide(t *testing.T) {
	f := newFixture(t, tableCost{})
	f.ride(t, &models.Ride{ID: "r", RiderID: "rider", Status: models.NextInQueue, CreatedAt: base})
	if _, err := f.svc.CancelRequest(context.Background(), "req-r", "rider"); err != nil {
		t.Fatal(err)
	}
	if f.status(t, "r") != models.CancelledByRider {
		t.Fatalf("expected rider cancellation, got %v", f.status(t, "r"))
	}
}

// unlockedSpy fails the test if a route update goes out while d1's route is locked.
type unlockedSpy struct {
	t     *testing.T
	store storage.Store
	seen  int
}

func (s *unlockedSpy) Notify(ctx context.Context, m notify.Message) error {
	if m.Event != notify.EventRouteUpdated {
		return nil
	}
	s.seen++
	rt, err := s.store.GetRoute(ctx, "d1")
	if err != nil {
		return err
	}
	if rt.Lock {
		s.t.Errorf("%s sent while the route was locked", m.Event)
	}
	return nil
}

func TestPickupNotifiesRouteAfterUnlock(t *testing.T) {
	f := newFixture(t, tableCost{})
	spy := &unlockedSpy{t: t, store: f.mem}
	f.svc.Notifier = notify.NewNotifier(spy, nil)
	f.ride(t, &models.Ride{ID: "r", RiderID: "rider", Pooled: true, Status: models.DriverArrived, CreatedAt: base})
	f.route(t, pt(0, 0), []models.Stop{stop("r", models.StopPickup, pt(0, 0.001)), stop("r", models.StopDropoff, pt(0, 0.02))})

	if _, err := f.svc.Pickup(context.Background(), "r", "d1"); err != nil {
		t.Fatal(err)
	}
	if spy.seen != 1 {
		t.Fatalf("expected one route update, got %d", spy.seen)
	}
}
