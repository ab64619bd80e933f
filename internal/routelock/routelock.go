// Package routelock serializes read-modify-write cycles on a driver's route
// across processes. The lock lives on the route document itself.
package routelock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrTimeout is returned when the lock could not be taken before MaxWait elapsed.
var ErrTimeout = errors.New("route lock wait exceeded")

const (
	DefaultPoll       = 100 * time.Millisecond
	DefaultMaxPoll    = time.Second
	DefaultStaleAfter = 10 * time.Second
	DefaultMaxWait    = 30 * time.Second
)

type Locker struct {
	Store storage.Store
	// Poll is the first wait between attempts; it doubles up to MaxPoll.
	Poll       time.Duration
	MaxPoll    time.Duration
	StaleAfter time.Duration
	// MaxWait bounds Acquire even when ctx has no deadline. Zero means ctx only.
	MaxWait time.Duration
	Logger  *slog.Logger

	now func() time.Time
}

func New(store storage.Store, logger *slog.Logger) *Locker {
	return &Locker{
		Store:      store,
		Poll:       DefaultPoll,
		MaxPoll:    DefaultMaxPoll,
		StaleAfter: DefaultStaleAfter,
		MaxWait:    DefaultMaxWait,
		Logger:     logger,
	}
}

func (l *Locker) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

// Lease is a held route lock. Route carries the lock token, so it can be
// saved back through the store as long as the lease has not been stolen.
type Lease struct {
	DriverID string
	Token    string
	Route    *models.Route

	locker *Locker
}

// Acquire takes the driver's route lock, creating an empty route if the
// driver has none. A lock older than StaleAfter is taken over.
func (l *Locker) Acquire(ctx context.Context, driverID string) (*Lease, error) {
	if l.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.MaxWait)
		defer cancel()
	}
	start := time.Now()
	defer func() { observability.RouteLockWait.Observe(time.Since(start).Seconds()) }()

	token := uuid.NewString()
	wait := l.Poll
	if wait <= 0 {
		wait = DefaultPoll
	}
	for {
		now := l.clock()
		rt, ok, err := l.Store.TryLockRoute(ctx, driverID, token, now)
		if err != nil {
			return nil, fmt.Errorf("lock route %s: %w", driverID, err)
		}
		if ok {
			return l.lease(driverID, token, rt), nil
		}
		if rt != nil && l.abandoned(rt, now) {
			stolen, ok, err := l.Store.StealRouteLock(ctx, driverID, rt.LockToken, token, now)
			if err != nil {
				return nil, fmt.Errorf("steal route lock %s: %w", driverID, err)
			}
			if ok {
				observability.RouteLockSteals.Inc()
				if l.Logger != nil {
					l.Logger.Warn("took over abandoned route lock", "driver_id", driverID, "locked_at", rt.LockTimestamp)
				}
				return l.lease(driverID, token, stolen), nil
			}
			// someone else stole it first; go back to waiting on them
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w for driver %s: %w", ErrTimeout, driverID, ctx.Err())
		case <-t.C:
		}
		wait *= 2
		if l.MaxPoll > 0 && wait > l.MaxPoll {
			wait = l.MaxPoll
		}
	}
}

func (l *Locker) abandoned(rt *models.Route, now time.Time) bool {
	if !rt.Lock {
		return false
	}
	if rt.LockTimestamp == nil {
		return true
	}
	stale := l.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}
	return now.Sub(*rt.LockTimestamp) > stale
}

func (l *Locker) lease(driverID, token string, rt *models.Route) *Lease {
	rt.LockToken = token
	return &Lease{DriverID: driverID, Token: token, Route: rt, locker: l}
}

// Release frees the lock unless it has since been taken over. It runs even
// when ctx is already cancelled.
func (ls *Lease) Release(ctx context.Context) error {
	if ls == nil || ls.locker == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return ls.locker.Store.UnlockRoute(ctx, ls.DriverID, ls.Token)
}

// With runs fn while holding the driver's route lock.
func (l *Locker) With(ctx context.Context, driverID string, fn func(*Lease) error) error {
	lease, err := l.Acquire(ctx, driverID)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil && l.Logger != nil {
			l.Logger.Error("release route lock", "driver_id", driverID, "error", rerr)
		}
	}()
	return fn(lease)
}
