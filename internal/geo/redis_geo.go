package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisDirectory implements Directory using a GEO set per location for
// positions and one JSON document per driver for the rest of the vehicle.
type RedisDirectory struct {
	client *redis.Client
	prefix string
}

func NewRedisDirectory(client *redis.Client, prefix string) *RedisDirectory {
	if prefix == "" {
		prefix = "dispatch"
	}
	return &RedisDirectory{client: client, prefix: prefix}
}

func (r *RedisDirectory) geoKey(locationID string) string {
	return fmt.Sprintf("%s:vehicles:geo:%s", r.prefix, locationID)
}

func (r *RedisDirectory) docKey(driverID string) string {
	return fmt.Sprintf("%s:vehicle:%s", r.prefix, driverID)
}

func (r *RedisDirectory) Upsert(ctx context.Context, v models.Vehicle) error {
	prev, found, err := r.Get(ctx, v.DriverID)
	if err != nil {
		return err
	}
	v.Updated = time.Now()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	if found && prev.LocationID != v.LocationID {
		pipe.ZRem(ctx, r.geoKey(prev.LocationID), v.DriverID)
	}
	pipe.GeoAdd(ctx, r.geoKey(v.LocationID), &redis.GeoLocation{Longitude: v.Loc.Lon, Latitude: v.Loc.Lat, Name: v.DriverID})
	pipe.Set(ctx, r.docKey(v.DriverID), b, 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisDirectory) Get(ctx context.Context, driverID string) (models.Vehicle, bool, error) {
	b, err := r.client.Get(ctx, r.docKey(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Vehicle{}, false, nil
	}
	if err != nil {
		return models.Vehicle{}, false, err
	}
	var v models.Vehicle
	if err := json.Unmarshal(b, &v); err != nil {
		return models.Vehicle{}, false, fmt.Errorf("decode vehicle %s: %w", driverID, err)
	}
	return v, true, nil
}

func (r *RedisDirectory) Candidates(ctx context.Context, locationID string, near models.Coord, radiusMeters float64) ([]models.Vehicle, error) {
	var ids []string
	var err error
	if radiusMeters > 0 {
		ids, err = r.client.GeoSearch(ctx, r.geoKey(locationID), &redis.GeoSearchQuery{
			Longitude:  near.Lon,
			Latitude:   near.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		}).Result()
	} else {
		ids, err = r.client.ZRange(ctx, r.geoKey(locationID), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Vehicle, 0, len(vals))
	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var v models.Vehicle
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("decode vehicle %s: %w", ids[i], err)
		}
		out = append(out, v)
	}
	return out, nil
}
