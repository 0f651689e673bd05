package tracking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"dgmonitor/internal/model"
)

const geoKey = "dgmonitor:vehicles:geo"

// RedisLocations keeps one hash per vehicle plus a shared GEO set for proximity queries.
type RedisLocations struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisLocations(rdb *redis.Client, ttl time.Duration) *RedisLocations {
	return &RedisLocations{rdb: rdb, ttl: ttl}
}

func stateKey(vehicleRef string) string { return "dgmonitor:vehicle:" + vehicleRef + ":state" }

func (r *RedisLocations) Upsert(ctx context.Context, p Position) error {
	if p.VehicleRef == "" {
		return nil
	}
	fields := map[string]any{
		"session_id":   p.SessionID,
		"shipment_ref": p.ShipmentRef,
		"lat":          p.Lat,
		"lng":          p.Lng,
		"timestamp":    p.Timestamp.UnixMilli(),
	}
	if p.SpeedKmh != nil {
		fields["speed_kmh"] = *p.SpeedKmh
	}
	key := stateKey(p.VehicleRef)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{Name: p.VehicleRef, Longitude: p.Lng, Latitude: p.Lat})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis location update: %w", err)
	}
	return nil
}

func (r *RedisLocations) Get(ctx context.Context, vehicleRef string) (Position, bool, error) {
	m, err := r.rdb.HGetAll(ctx, stateKey(vehicleRef)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(m) == 0) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("redis location get: %w", err)
	}
	return decodePosition(vehicleRef, m), true, nil
}

func decodePosition(vehicleRef string, m map[string]string) Position {
	p := Position{VehicleRef: vehicleRef, SessionID: m["session_id"], ShipmentRef: m["shipment_ref"]}
	p.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	p.Lng, _ = strconv.ParseFloat(m["lng"], 64)
	if ms, err := strconv.ParseInt(m["timestamp"], 10, 64); err == nil {
		p.Timestamp = time.UnixMilli(ms).UTC()
	}
	if v, ok := m["speed_kmh"]; ok {
		if s, err := strconv.ParseFloat(v, 64); err == nil {
			p.SpeedKmh = &s
		}
	}
	return p
}

// Near returns cached vehicles within radius. GEO members whose state hash expired are
// pruned as they are found.
func (r *RedisLocations) Near(ctx context.Context, center model.GeoPoint, radiusMeters float64) ([]Nearby, error) {
	locs, err := r.rdb.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}
	out := make([]Nearby, 0, len(locs))
	for _, l := range locs {
		p, ok, err := r.Get(ctx, l.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			_ = r.rdb.ZRem(ctx, geoKey, l.Name).Err()
			continue
		}
		out = append(out, Nearby{Position: p, DistanceMeters: l.Dist})
	}
	return out, nil
}

func (r *RedisLocations) Invalidate(ctx context.Context, vehicleRef string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, stateKey(vehicleRef))
	pipe.ZRem(ctx, geoKey, vehicleRef)
	_, err := pipe.Exec(ctx)
	return err
}
