package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Directory is the vehicle lookup consumed by the dispatch core. Vehicles are
// owned by driver-facing services; dispatch only reads them.
type Directory interface {
	// Candidates returns the vehicles of a location within radiusMeters of near,
	// closest first. radiusMeters <= 0 returns every vehicle of the location.
	Candidates(ctx context.Context, locationID string, near models.Coord, radiusMeters float64) ([]models.Vehicle, error)
	Get(ctx context.Context, driverID string) (models.Vehicle, bool, error)
	Upsert(ctx context.Context, v models.Vehicle) error
}

type Index struct {
	mu       sync.RWMutex
	vehicles map[string]models.Vehicle
}

func NewIndex() *Index {
	return &Index{vehicles: make(map[string]models.Vehicle)}
}

func (g *Index) Upsert(_ context.Context, v models.Vehicle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	v.Updated = time.Now()
	g.vehicles[v.DriverID] = v
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.Vehicle, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vehicles[driverID]
	return v, ok, nil
}

// naive scan; fine for the per-location fleet sizes dispatch deals with
func (g *Index) Candidates(_ context.Context, locationID string, near models.Coord, radiusMeters float64) ([]models.Vehicle, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		v    models.Vehicle
		dist float64
	}
	arr := make([]pair, 0, len(g.vehicles))
	for _, v := range g.vehicles {
		if v.LocationID != locationID {
			continue
		}
		dist := Haversine(near.Lat, near.Lon, v.Loc.Lat, v.Loc.Lon)
		if radiusMeters > 0 && dist > radiusMeters {
			continue
		}
		arr = append(arr, pair{v, dist})
	}
	sort.SliceStable(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].v.DriverID < arr[j].v.DriverID
		}
		return arr[i].dist < arr[j].dist
	})
	out := make([]models.Vehicle, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.v)
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
