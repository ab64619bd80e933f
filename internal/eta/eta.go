package eta

import (
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 29 km/h, a city average.
const DefaultSpeedMps = 8.0

// Client is the travel-cost provider used by planning. Costs are seconds.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

type leg struct{ from, to models.Coord }

type cached struct {
	seconds float64
	expires time.Time
}

// Cache memoizes backend durations per directed leg until they go stale.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.RWMutex
	legs map[leg]cached
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now, legs: make(map[leg]cached)}
}

func (c *Cache) Get(from, to models.Coord) (float64, bool) {
	k := leg{from, to}
	c.mu.RLock()
	e, ok := c.legs[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if c.now().After(e.expires) {
		c.mu.Lock()
		if cur, ok := c.legs[k]; ok && cur == e {
			delete(c.legs, k)
		}
		c.mu.Unlock()
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(from, to models.Coord, seconds float64) {
	c.mu.Lock()
	c.legs[leg{from, to}] = cached{seconds: seconds, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Len reports how many legs are held, stale ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.legs)
}

// EstimateSeconds is great-circle distance over speedMps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Straight is a Client that never fails.
type Straight struct {
	SpeedMps float64
}

func (s Straight) EstimateSeconds(from, to models.Coord) (float64, error) {
	return EstimateSeconds(from, to, s.SpeedMps), nil
}

// Estimator answers from Cache, then Backend, then the straight-line
// estimate. It never returns an error.
type Estimator struct {
	Backend  Client
	Cache    *Cache
	SpeedMps float64
	Logger   *slog.Logger
}

func (e *Estimator) EstimateSeconds(from, to models.Coord) (float64, error) {
	if e.Cache != nil {
		if s, ok := e.Cache.Get(from, to); ok {
			return s, nil
		}
	}
	if e.Backend == nil {
		return EstimateSeconds(from, to, e.SpeedMps), nil
	}
	s, err := e.Backend.EstimateSeconds(from, to)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Debug("routing backend failed, falling back to straight line", "from", from, "to", to, "error", err)
		}
		return EstimateSeconds(from, to, e.SpeedMps), nil
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, s)
	}
	return s, nil
}
