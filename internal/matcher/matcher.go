// Package matcher runs the periodic dispatch pass that pairs pending requests
// with drivers, plus the sweep that re-sends unacknowledged match offers.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/planner"
	"github.com/example/ride-dispatch/internal/queue"
	"github.com/example/ride-dispatch/internal/ranking"
	"github.com/example/ride-dispatch/internal/routelock"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultIdleInterval = 10 * time.Second
	DefaultFastPass     = time.Second
	DefaultExpiry       = 3 * time.Minute
	DefaultClaimStale   = time.Minute
)

// Loop is the dispatch scheduler. Only one pass runs at a time per Loop.
type Loop struct {
	Store    storage.Store
	Vehicles geo.Directory
	Ranker   ranking.Ranker
	Planner  *planner.Planner
	Locks    *routelock.Locker
	Queue    *queue.Updater
	Notifier *notify.Notifier
	Cost     eta.Client
	Logger   *slog.Logger

	// Locations is this process's working set. Empty means every location.
	Locations []string
	// Interval is the wait after a pass; passes faster than FastPass wait IdleInterval instead.
	Interval     time.Duration
	IdleInterval time.Duration
	FastPass     time.Duration
	Expiry       time.Duration
	// ClaimStale is how old a processing claim must be before another pass
	// may take it over. It must exceed the route lock wait.
	ClaimStale time.Duration
	// MatchRadius limits the vehicle search around the pickup, in meters. Zero searches the whole location.
	MatchRadius float64
	Diagnostic  bool

	running atomic.Bool
	now     func() time.Time

	mu   sync.Mutex
	last PassStats
}

func (l *Loop) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func (l *Loop) expiry() time.Duration {
	if l.Expiry > 0 {
		return l.Expiry
	}
	return DefaultExpiry
}

func (l *Loop) claimStale() time.Duration {
	if l.ClaimStale > 0 {
		return l.ClaimStale
	}
	return DefaultClaimStale
}

// NextWait returns how long to sleep after a pass that took d.
func (l *Loop) NextWait(d time.Duration) time.Duration {
	interval, idle, fast := l.Interval, l.IdleInterval, l.FastPass
	if interval <= 0 {
		interval = DefaultInterval
	}
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	if fast <= 0 {
		fast = DefaultFastPass
	}
	if d < fast {
		return idle
	}
	return interval
}

// Run drives passes until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		start := time.Now()
		l.Tick(ctx)
		t := time.NewTimer(l.NextWait(time.Since(start)))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one pass unless one is already in flight. It reports whether it ran.
func (l *Loop) Tick(ctx context.Context) (stats PassStats, ran bool) {
	if !l.running.CompareAndSwap(false, true) {
		observability.PassesSkipped.Inc()
		return PassStats{}, false
	}
	defer l.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			l.log().Error("dispatch pass panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			observability.RequestFailures.WithLabelValues("pass_panic").Inc()
		}
	}()
	stats = l.RunPass(ctx)
	return stats, true
}

// LastStats returns the statistics of the most recent completed pass.
func (l *Loop) LastStats() PassStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeMatched
	outcomeRetried
	outcomeExpired
	outcomeConflict
	outcomeFailed
)

// RunPass processes every pending request of the working set once, in
// request order. A failure on one request never stops the others.
func (l *Loop) RunPass(ctx context.Context) PassStats {
	start := time.Now()
	observability.PassesTotal.Inc()
	notProcessing := false
	staleBefore := l.clock().Add(-l.claimStale())
	reqs, err := l.Store.ListRequests(ctx, storage.RequestFilter{
		LocationIDs:      l.Locations,
		Statuses:         []models.RequestStatus{models.RequestPending},
		Processing:       &notProcessing,
		StaleClaimBefore: &staleBefore,
	})
	if err != nil {
		l.log().Error("list pending requests", "error", err)
		return PassStats{}
	}

	locs := make(map[string]*models.Location)
	durations := make([]time.Duration, 0, len(reqs))
	var stats PassStats
	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		reqStart := time.Now()
		oc := l.processOne(ctx, req, locs)
		d := time.Since(reqStart)
		observability.MatchLatency.Observe(d.Seconds())
		durations = append(durations, d)
		stats.count(oc)
	}
	stats.Requests = len(reqs)
	stats.Duration = time.Since(start)
	stats.summarize(durations)
	observability.PassDuration.Observe(stats.Duration.Seconds())

	l.mu.Lock()
	l.last = stats
	l.mu.Unlock()
	if l.Diagnostic && len(durations) > 0 {
		l.log().Info("dispatch pass timings",
			"requests", stats.Requests, "matched", stats.Matched,
			"min", stats.Min, "max", stats.Max, "avg", stats.Avg, "p95", stats.P95, "p99", stats.P99)
	}
	return stats
}

func (l *Loop) location(ctx context.Context, id string, cache map[string]*models.Location) (*models.Location, error) {
	if loc, ok := cache[id]; ok {
		return loc, nil
	}
	loc, err := l.Store.GetLocation(ctx, id)
	if err != nil {
		return nil, err
	}
	cache[id] = loc
	return loc, nil
}

func (l *Loop) processOne(ctx context.Context, req *models.Request, locs map[string]*models.Location) (oc outcome) {
	log := l.log().With("request_id", req.ID)
	now := l.clock()
	claimed, ok, err := l.Store.ClaimRequest(ctx, req.ID, now, now.Add(-l.claimStale()))
	if err != nil {
		log.Error("claim request", "error", err)
		observability.RequestFailures.WithLabelValues("claim").Inc()
		return outcomeFailed
	}
	if !ok {
		// matched, cancelled or claimed by another pass since the listing
		return outcomeSkipped
	}
	if req.Processing {
		log.Warn("took over abandoned request claim", "claimed_at", req.ProcessingSince)
		observability.RequestFailures.WithLabelValues("stale_claim").Inc()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			observability.RequestFailures.WithLabelValues("panic").Inc()
			l.release(ctx, claimed.ID, storage.RequestRelease{})
			oc = outcomeFailed
		}
	}()

	loc, err := l.location(ctx, claimed.LocationID, locs)
	if err != nil {
		log.Error("load location", "location_id", claimed.LocationID, "error", err)
		observability.RequestFailures.WithLabelValues("location").Inc()
		l.release(ctx, claimed.ID, storage.RequestRelease{})
		return outcomeFailed
	}

	var matched bool
	if loc.PoolingEnabled {
		matched, err = l.matchPooled(ctx, loc, claimed)
	} else {
		matched, err = l.matchDirect(ctx, loc, claimed)
	}
	switch {
	case errors.Is(err, models.ErrConcurrentModification):
		if l.expired(claimed) {
			return l.expire(ctx, claimed, log)
		}
		log.Debug("dispatch lost a race, retrying next pass", "error", err)
		l.release(ctx, claimed.ID, storage.RequestRelease{})
		return outcomeConflict
	case err != nil:
		log.Error("dispatch request", "error", err)
		observability.RequestFailures.WithLabelValues("match").Inc()
		l.release(ctx, claimed.ID, storage.RequestRelease{})
		return outcomeFailed
	case matched:
		return outcomeMatched
	}

	if l.expired(claimed) {
		return l.expire(ctx, claimed, log)
	}
	now = l.clock()
	l.release(ctx, claimed.ID, storage.RequestRelease{CountRetry: true, RetryAt: &now})
	observability.RequestsRetried.Inc()
	log.Debug("no feasible driver", "search_retries", claimed.SearchRetries+1)
	return outcomeRetried
}

func (l *Loop) expired(req *models.Request) bool {
	return l.clock().Sub(req.RequestTimestamp) > l.expiry()
}

func (l *Loop) expire(ctx context.Context, req *models.Request, log *slog.Logger) outcome {
	now := l.clock()
	l.release(ctx, req.ID, storage.RequestRelease{Status: models.RequestExpiredMissed, CountRetry: true, RetryAt: &now})
	observability.RequestsExpired.Inc()
	log.Info("request expired without a driver", "search_retries", req.SearchRetries+1)
	l.Notifier.Send(ctx, notify.Rider, req.RiderID, notify.EventRequestExpired, map[string]any{
		"request_id": req.ID,
		"status":     int(models.RequestExpiredMissed),
	})
	return outcomeExpired
}

func (l *Loop) release(ctx context.Context, id string, rel storage.RequestRelease) {
	ctx = context.WithoutCancel(ctx)
	if _, err := l.Store.ReleaseRequest(ctx, id, rel); err != nil {
		l.log().Error("release request", "request_id", id, "error", err)
	}
}

func (l *Loop) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
