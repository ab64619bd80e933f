package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements Store on Postgres. Every precondition is part of
// the UPDATE's WHERE clause so the check and the write are one statement.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const uniqueViolation = "23505"

func (p *PostgresStore) GetLocation(ctx context.Context, id string) (*models.Location, error) {
	var b []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM locations WHERE id = $1`, id).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var l models.Location
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("decode location %s: %w", id, err)
	}
	return &l, nil
}

func (p *PostgresStore) PutLocation(ctx context.Context, l *models.Location) error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO locations (id, doc) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, l.ID, b)
	return err
}

const requestColumns = `id, rider_id, location_id, origin_lat, origin_lon, dest_lat, dest_lon,
	passengers, ada, fixed_stop, status, cancel_reason, search_retries, last_retry_at,
	requested_at, processing, processing_since`

func scanRequest(row rowScanner) (*models.Request, error) {
	var r models.Request
	var lastRetry, processingSince sql.NullTime
	err := row.Scan(
		&r.ID, &r.RiderID, &r.LocationID, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.Passengers, &r.ADA, &r.FixedStop, &r.Status, &r.CancelReason, &r.SearchRetries, &lastRetry,
		&r.RequestTimestamp, &r.Processing, &processingSince,
	)
	if err != nil {
		return nil, err
	}
	r.LastRetryTimestamp = toTimePtr(lastRetry)
	r.ProcessingSince = toTimePtr(processingSince)
	return &r, nil
}

func (p *PostgresStore) insertRequest(ctx context.Context, r *models.Request) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.RiderID, r.LocationID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		r.Passengers, r.ADA, r.FixedStop, int(r.Status), r.CancelReason, r.SearchRetries, r.LastRetryTimestamp,
		r.RequestTimestamp, r.Processing, r.ProcessingSince,
	)
	return err
}

func (p *PostgresStore) InsertRequest(ctx context.Context, r *models.Request) (bool, error) {
	err := p.insertRequest(ctx, r)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		r.Status = models.RequestCancelled
		r.CancelReason = ReasonDuplicate
		return true, p.insertRequest(ctx, r)
	}
	return false, err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return r, err
}

func statusArray[T ~int](list []T) any {
	out := make([]int64, len(list))
	for i, s := range list {
		out[i] = int64(s)
	}
	return pq.Array(out)
}

func (p *PostgresStore) ListRequests(ctx context.Context, f RequestFilter) ([]*models.Request, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if len(f.LocationIDs) > 0 {
		add("location_id = ANY($%d)", pq.Array(f.LocationIDs))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusArray(f.Statuses))
	}
	switch {
	case f.Processing != nil && !*f.Processing && f.StaleClaimBefore != nil:
		add("(processing = FALSE OR processing_since < $%d)", *f.StaleClaimBefore)
	case f.Processing != nil:
		add("processing = $%d", *f.Processing)
	}
	if f.RiderID != "" {
		add("rider_id = $%d", f.RiderID)
	}
	q := `SELECT ` + requestColumns + ` FROM requests`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY requested_at, id"
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ClaimRequest(ctx context.Context, id string, now, staleBefore time.Time) (*models.Request, bool, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `
		UPDATE requests SET processing = TRUE, processing_since = $2
		WHERE id = $1 AND status = $3
		  AND (processing = FALSE OR processing_since < $4)
		RETURNING `+requestColumns, id, now, int(models.RequestPending), staleBefore))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) ReleaseRequest(ctx context.Context, id string, rel RequestRelease) (bool, error) {
	retry := 0
	if rel.CountRetry {
		retry = 1
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE requests SET
			processing = FALSE,
			processing_since = NULL,
			status = CASE WHEN status = $2 AND $3::int <> 0 THEN $3::int ELSE status END,
			cancel_reason = CASE WHEN status = $2 AND $4::text <> '' THEN $4::text ELSE cancel_reason END,
			search_retries = search_retries + $5::int,
			last_retry_at = CASE WHEN $5::int = 1 THEN $6::timestamptz ELSE last_retry_at END
		WHERE id = $1 AND processing = TRUE`,
		id, int(models.RequestPending), int(rel.Status), rel.CancelReason, retry, rel.RetryAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) CancelRequest(ctx context.Context, id, reason string) (*models.Request, bool, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `
		UPDATE requests SET status = $2, cancel_reason = $3
		WHERE id = $1 AND status <> ALL($4)
		RETURNING `+requestColumns,
		id, int(models.RequestCancelled), reason,
		statusArray([]models.RequestStatus{models.RequestExpiredMissed, models.RequestMatched, models.RequestCancelled})))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetRequest(ctx, id)
		if gerr != nil {
			return nil, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

const rideColumns = `doc, status, ack_received, eta, dropoff_eta, driver_arrived_at, last_notified, updated_at`

func scanRide(row rowScanner) (*models.Ride, error) {
	var doc []byte
	var status int
	var ack bool
	var eta, dropoff, arrived, notified sql.NullTime
	var updated time.Time
	if err := row.Scan(&doc, &status, &ack, &eta, &dropoff, &arrived, &notified, &updated); err != nil {
		return nil, err
	}
	var r models.Ride
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode ride: %w", err)
	}
	// mutable fields live in columns; the document keeps match-time data
	r.Status = models.RideStatus(status)
	r.AckReceived = ack
	r.ETA = toTimePtr(eta)
	r.DropoffETA = toTimePtr(dropoff)
	r.DriverArrivedTimestamp = toTimePtr(arrived)
	r.LastNotified = toTimePtr(notified)
	r.UpdatedAt = updated
	return &r, nil
}

func insertRide(ctx context.Context, q querier, r *models.Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO rides (id, request_id, rider_id, driver_id, status, ack_received, eta, dropoff_eta,
			driver_arrived_at, last_notified, created_at, updated_at, doc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.RequestID, r.RiderID, r.DriverID, int(r.Status), r.AckReceived, r.ETA, r.DropoffETA,
		r.DriverArrivedTimestamp, r.LastNotified, r.CreatedAt, r.UpdatedAt, doc)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if f.RiderID != "" {
		add("rider_id = $%d", f.RiderID)
	}
	if f.RequestID != "" {
		add("request_id = $%d", f.RequestID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", statusArray(f.Statuses))
	}
	if f.AckReceived != nil {
		add("ack_received = $%d", *f.AckReceived)
	}
	if f.CreatedBefore != nil {
		add("created_at < $%d", *f.CreatedBefore)
	}
	q := `SELECT ` + rideColumns + ` FROM rides`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at, id"
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)`, id, int(to), at, statusArray(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) UpdateRideETA(ctx context.Context, id string, eta, dropoffETA *time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE rides SET eta = $2, dropoff_eta = $3 WHERE id = $1`, id, eta, dropoffETA)
	return err
}

func (p *PostgresStore) MarkRideAck(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET ack_received = TRUE WHERE id = $1 AND ack_received = FALSE`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) MarkRideNotified(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE rides SET last_notified = $2 WHERE id = $1`, id, at)
	return err
}

const routeColumns = `driver_id, id, active, stops, active_ride_id, lock, lock_timestamp, lock_token, last_update`

func scanRoute(row rowScanner) (*models.Route, error) {
	var r models.Route
	var stops []byte
	var lockTS sql.NullTime
	if err := row.Scan(&r.DriverID, &r.ID, &r.Active, &stops, &r.ActiveRideID, &r.Lock, &lockTS, &r.LockToken, &r.LastUpdate); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stops, &r.Stops); err != nil {
		return nil, fmt.Errorf("decode stops for %s: %w", r.DriverID, err)
	}
	r.LockTimestamp = toTimePtr(lockTS)
	return &r, nil
}

func (p *PostgresStore) GetRoute(ctx context.Context, driverID string) (*models.Route, error) {
	r, err := scanRoute(p.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE driver_id = $1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) TryLockRoute(ctx context.Context, driverID, token string, now time.Time) (*models.Route, bool, error) {
	r, err := scanRoute(p.db.QueryRowContext(ctx, `
		INSERT INTO routes (driver_id, id, lock, lock_timestamp, lock_token, last_update)
		VALUES ($1, $2, TRUE, $3, $4, $3)
		ON CONFLICT (driver_id) DO UPDATE
			SET lock = TRUE, lock_timestamp = EXCLUDED.lock_timestamp, lock_token = EXCLUDED.lock_token
			WHERE routes.lock = FALSE
		RETURNING `+routeColumns, driverID, uuid.NewString(), now, token))
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.GetRoute(ctx, driverID)
		if gerr != nil {
			return nil, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) StealRouteLock(ctx context.Context, driverID, staleToken, token string, now time.Time) (*models.Route, bool, error) {
	r, err := scanRoute(p.db.QueryRowContext(ctx, `
		UPDATE routes SET lock_timestamp = $4, lock_token = $3
		WHERE driver_id = $1 AND lock = TRUE AND lock_token = $2
		RETURNING `+routeColumns, driverID, staleToken, token, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) UnlockRoute(ctx context.Context, driverID, token string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE routes SET lock = FALSE, lock_timestamp = NULL, lock_token = ''
		WHERE driver_id = $1 AND ($2 = '' OR lock_token = $2)`, driverID, token)
	return err
}

func saveRoute(ctx context.Context, q querier, r *models.Route) error {
	stops, err := json.Marshal(r.Stops)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE routes SET id = $2, active = $3, stops = $4, active_ride_id = $5, last_update = $6
		WHERE driver_id = $1 AND lock = TRUE AND lock_token = $7`,
		r.DriverID, r.ID, r.Active, stops, r.ActiveRideID, r.LastUpdate, r.LockToken)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return models.ErrConcurrentModification
	}
	return nil
}

func (p *PostgresStore) SaveRoute(ctx context.Context, r *models.Route) error {
	return saveRoute(ctx, p.db, r)
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CommitMatch(ctx context.Context, c MatchCommit) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE requests SET status = $2, processing = FALSE, processing_since = NULL
			WHERE id = $1 AND processing = TRUE AND status = $3`,
			c.RequestID, int(models.RequestMatched), int(models.RequestPending))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return models.ErrConcurrentModification
		}
		if c.Route != nil {
			if err := saveRoute(ctx, tx, c.Route); err != nil {
				return err
			}
		}
		return insertRide(ctx, tx, c.Ride)
	})
}

func (p *PostgresStore) CommitRideTransition(ctx context.Context, t RideTransition) (bool, error) {
	applied := false
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rides SET status = $2, updated_at = $3, driver_arrived_at = COALESCE($4, driver_arrived_at)
			WHERE id = $1 AND status = ANY($5)`,
			t.RideID, int(t.To), t.At, t.DriverArrived, statusArray(t.From))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, t.RideID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return models.ErrNotFound
			}
			return nil
		}
		if t.Route != nil {
			if err := saveRoute(ctx, tx, t.Route); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

var _ Store = (*PostgresStore)(nil)
