package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything behind one mutex, which makes every
// conditional update and composite commit trivially atomic.
type MemoryStore struct {
	mu        sync.Mutex
	locations map[string]*models.Location
	requests  map[string]*models.Request
	rides     map[string]*models.Ride
	routes    map[string]*models.Route
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations: make(map[string]*models.Location),
		requests:  make(map[string]*models.Request),
		rides:     make(map[string]*models.Ride),
		routes:    make(map[string]*models.Route),
	}
}

func cloneRequest(r *models.Request) *models.Request {
	cp := *r
	return &cp
}

func cloneRide(r *models.Ride) *models.Ride {
	cp := *r
	cp.Vehicle.Zones = append([]string(nil), r.Vehicle.Zones...)
	return &cp
}

func cloneLocation(l *models.Location) *models.Location {
	// locations are nested deeply enough that a JSON round trip is the simplest deep copy
	b, _ := json.Marshal(l)
	var cp models.Location
	_ = json.Unmarshal(b, &cp)
	return &cp
}

func (m *MemoryStore) GetLocation(_ context.Context, id string) (*models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneLocation(l), nil
}

func (m *MemoryStore) PutLocation(_ context.Context, l *models.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[l.ID] = cloneLocation(l)
	return nil
}

func (m *MemoryStore) InsertRequest(_ context.Context, r *models.Request) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	duplicate := false
	if r.RiderID != "" {
		for _, existing := range m.requests {
			if existing.RiderID == r.RiderID && !existing.Status.Terminal() {
				duplicate = true
				break
			}
		}
	}
	if duplicate {
		r.Status = models.RequestCancelled
		r.CancelReason = ReasonDuplicate
	}
	m.requests[r.ID] = cloneRequest(r)
	return duplicate, nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ListRequests(_ context.Context, f RequestFilter) ([]*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Request
	for _, r := range m.requests {
		if !hasString(f.LocationIDs, r.LocationID) || !hasRequestStatus(f.Statuses, r.Status) {
			continue
		}
		if f.Processing != nil && r.Processing != *f.Processing && !staleClaim(r, f) {
			continue
		}
		if f.RiderID != "" && r.RiderID != f.RiderID {
			continue
		}
		out = append(out, cloneRequest(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RequestTimestamp.Equal(out[j].RequestTimestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestTimestamp.Before(out[j].RequestTimestamp)
	})
	return out, nil
}

// staleClaim reports whether r is an abandoned claim that f asks to include.
func staleClaim(r *models.Request, f RequestFilter) bool {
	return f.StaleClaimBefore != nil && !*f.Processing && r.Processing &&
		r.ProcessingSince != nil && r.ProcessingSince.Before(*f.StaleClaimBefore)
}

func (m *MemoryStore) ClaimRequest(_ context.Context, id string, now, staleBefore time.Time) (*models.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status != models.RequestPending {
		return nil, false, nil
	}
	if r.Processing && (r.ProcessingSince == nil || !r.ProcessingSince.Before(staleBefore)) {
		return nil, false, nil
	}
	r.Processing = true
	r.ProcessingSince = &now
	return cloneRequest(r), true, nil
}

func (m *MemoryStore) ReleaseRequest(_ context.Context, id string, rel RequestRelease) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || !r.Processing {
		return false, nil
	}
	r.Processing = false
	r.ProcessingSince = nil
	// a rider cancellation that landed mid-pass wins over the loop's verdict
	if r.Status == models.RequestPending && rel.Status != 0 {
		r.Status = rel.Status
		if rel.CancelReason != "" {
			r.CancelReason = rel.CancelReason
		}
	}
	if rel.CountRetry {
		r.SearchRetries++
		r.LastRetryTimestamp = rel.RetryAt
	}
	return true, nil
}

func (m *MemoryStore) CancelRequest(_ context.Context, id, reason string) (*models.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, false, models.ErrNotFound
	}
	if r.Status.Terminal() {
		return cloneRequest(r), false, nil
	}
	r.Status = models.RequestCancelled
	r.CancelReason = reason
	return cloneRequest(r), true, nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) ListRides(_ context.Context, f RideFilter) ([]*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if f.DriverID != "" && r.DriverID != f.DriverID {
			continue
		}
		if f.RiderID != "" && r.RiderID != f.RiderID {
			continue
		}
		if f.RequestID != "" && r.RequestID != f.RequestID {
			continue
		}
		if len(f.Statuses) > 0 && !hasRideStatus(f.Statuses, r.Status) {
			continue
		}
		if f.AckReceived != nil && r.AckReceived != *f.AckReceived {
			continue
		}
		if f.CreatedBefore != nil && !r.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		out = append(out, cloneRide(r))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) UpdateRideStatus(_ context.Context, id string, from []models.RideStatus, to models.RideStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if !hasRideStatus(from, r.Status) {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) UpdateRideETA(_ context.Context, id string, eta, dropoffETA *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return models.ErrNotFound
	}
	r.ETA = eta
	r.DropoffETA = dropoffETA
	return nil
}

func (m *MemoryStore) MarkRideAck(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if r.AckReceived {
		return false, nil
	}
	r.AckReceived = true
	return true, nil
}

func (m *MemoryStore) MarkRideNotified(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return models.ErrNotFound
	}
	r.LastNotified = &at
	return nil
}

func (m *MemoryStore) GetRoute(_ context.Context, driverID string) (*models.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[driverID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) TryLockRoute(_ context.Context, driverID, token string, now time.Time) (*models.Route, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[driverID]
	if !ok {
		r = &models.Route{ID: uuid.NewString(), DriverID: driverID, LastUpdate: now}
		m.routes[driverID] = r
	}
	if r.Lock {
		return r.Clone(), false, nil
	}
	r.Lock = true
	r.LockTimestamp = &now
	r.LockToken = token
	return r.Clone(), true, nil
}

func (m *MemoryStore) StealRouteLock(_ context.Context, driverID, staleToken, token string, now time.Time) (*models.Route, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[driverID]
	if !ok || !r.Lock || r.LockToken != staleToken {
		return nil, false, nil
	}
	r.LockTimestamp = &now
	r.LockToken = token
	return r.Clone(), true, nil
}

func (m *MemoryStore) UnlockRoute(_ context.Context, driverID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[driverID]
	if !ok {
		return nil
	}
	if token != "" && r.LockToken != token {
		return nil
	}
	r.Lock = false
	r.LockTimestamp = nil
	r.LockToken = ""
	return nil
}

func (m *MemoryStore) SaveRoute(_ context.Context, r *models.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveRouteLocked(r)
}

func (m *MemoryStore) saveRouteLocked(r *models.Route) error {
	cur, ok := m.routes[r.DriverID]
	if !ok || !cur.Lock || cur.LockToken != r.LockToken {
		return models.ErrConcurrentModification
	}
	cur.ID = r.ID
	cur.Active = r.Active
	cur.Stops = append([]models.Stop(nil), r.Stops...)
	cur.ActiveRideID = r.ActiveRideID
	cur.LastUpdate = r.LastUpdate
	return nil
}

func (m *MemoryStore) CommitMatch(_ context.Context, c MatchCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[c.RequestID]
	if !ok {
		return models.ErrNotFound
	}
	if !req.Processing || req.Status != models.RequestPending {
		return models.ErrConcurrentModification
	}
	if c.Route != nil {
		cur, ok := m.routes[c.Route.DriverID]
		if !ok || !cur.Lock || cur.LockToken != c.Route.LockToken {
			return models.ErrConcurrentModification
		}
	}
	if c.Route != nil {
		if err := m.saveRouteLocked(c.Route); err != nil {
			return err
		}
	}
	m.rides[c.Ride.ID] = cloneRide(c.Ride)
	req.Status = models.RequestMatched
	req.Processing = false
	req.ProcessingSince = nil
	return nil
}

func (m *MemoryStore) CommitRideTransition(_ context.Context, t RideTransition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[t.RideID]
	if !ok {
		return false, models.ErrNotFound
	}
	if !hasRideStatus(t.From, r.Status) {
		return false, nil
	}
	if t.Route != nil {
		if err := m.saveRouteLocked(t.Route); err != nil {
			return false, err
		}
	}
	r.Status = t.To
	r.UpdatedAt = t.At
	if t.DriverArrived != nil {
		r.DriverArrivedTimestamp = t.DriverArrived
	}
	return true, nil
}

// ReasonDuplicate marks requests rejected because the rider already had one open.
const ReasonDuplicate = "duplicate_request"

// ReasonRider marks requests cancelled by the rider.
const ReasonRider = "rider_cancelled"

var _ Store = (*MemoryStore)(nil)
