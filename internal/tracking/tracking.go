// Package tracking caches the latest position per vehicle for the live views.
package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"dgmonitor/internal/geo"
	"dgmonitor/internal/model"
)

// Position is the last known fix of a vehicle in an open session.
type Position struct {
	SessionID   string    `json:"sessionId"`
	ShipmentRef string    `json:"shipmentRef"`
	VehicleRef  string    `json:"vehicleRef"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	SpeedKmh    *float64  `json:"speedKmh,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func (p Position) Point() model.GeoPoint { return model.GeoPoint{Lat: p.Lat, Lng: p.Lng} }

// Nearby is a position with its distance from the query point.
type Nearby struct {
	Position
	DistanceMeters float64 `json:"distanceMeters"`
}

type LocationCache interface {
	Upsert(ctx context.Context, p Position) error
	Get(ctx context.Context, vehicleRef string) (Position, bool, error)
	Near(ctx context.Context, center model.GeoPoint, radiusMeters float64) ([]Nearby, error)
	Invalidate(ctx context.Context, vehicleRef string) error
}

// Memory is the in-process LocationCache. Entries older than ttl read as absent.
type Memory struct {
	mu  sync.Mutex
	m   map[string]Position
	ttl time.Duration
	now func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{m: map[string]Position{}, ttl: ttl, now: time.Now}
}

func (c *Memory) Upsert(ctx context.Context, p Position) error {
	if p.VehicleRef == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.m[p.VehicleRef]; ok && prev.Timestamp.After(p.Timestamp) {
		return nil
	}
	c.m[p.VehicleRef] = p
	return nil
}

func (c *Memory) fresh(p Position) bool {
	return c.ttl <= 0 || c.now().Sub(p.Timestamp) <= c.ttl
}

func (c *Memory) Get(ctx context.Context, vehicleRef string) (Position, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.m[vehicleRef]
	if !ok || !c.fresh(p) {
		return Position{}, false, nil
	}
	return p, true, nil
}

func (c *Memory) Near(ctx context.Context, center model.GeoPoint, radiusMeters float64) ([]Nearby, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []Nearby{}
	for _, p := range c.m {
		if !c.fresh(p) {
			continue
		}
		d := geo.HaversineMeters(center, p.Point())
		if d <= radiusMeters {
			out = append(out, Nearby{Position: p, DistanceMeters: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	return out, nil
}

func (c *Memory) Invalidate(ctx context.Context, vehicleRef string) error {
	c.mu.Lock()
	delete(c.m, vehicleRef)
	c.mu.Unlock()
	return nil
}
