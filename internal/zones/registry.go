// Package zones holds the geofenced compliance zones and answers containment and
// hazard-class restriction queries against them.
package zones

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dgmonitor/internal/geo"
	"dgmonitor/internal/model"
)

// Restriction is the verdict for one hazard class in one zone.
type Restriction string

const (
	Allowed    Restriction = "ALLOWED"
	Restricted Restriction = "RESTRICTED"
	Prohibited Restriction = "PROHIBITED"
)

// Source supplies the persisted zone set.
type Source interface {
	ListZones(ctx context.Context) ([]model.ComplianceZone, error)
}

type indexedZone struct {
	zone   model.ComplianceZone
	bounds geo.Bounds
}

type snapshot struct {
	zones    []indexedZone
	loadedAt time.Time
}

// Registry serves containment queries from an immutable snapshot that is swapped
// atomically on reload, so readers never block each other or a reload.
type Registry struct {
	src   Source
	log   zerolog.Logger
	snap  atomic.Pointer[snapshot]
	clock func() time.Time
}

func NewRegistry(src Source, log zerolog.Logger) *Registry {
	r := &Registry{src: src, log: log, clock: time.Now}
	r.snap.Store(&snapshot{})
	return r
}

// Reload replaces the snapshot with the source's current zones.
func (r *Registry) Reload(ctx context.Context) error {
	if r.src == nil {
		return nil
	}
	zs, err := r.src.ListZones(ctx)
	if err != nil {
		return fmt.Errorf("load zones: %w", err)
	}
	r.Replace(zs)
	return nil
}

// Replace installs zs as the current snapshot. Zones are normalised first.
func (r *Registry) Replace(zs []model.ComplianceZone) {
	idx := make([]indexedZone, 0, len(zs))
	for _, z := range zs {
		z = Normalize(z)
		idx = append(idx, indexedZone{zone: z, bounds: geo.BoundsOf(z.Boundary)})
	}
	r.snap.Store(&snapshot{zones: idx, loadedAt: r.clock()})
	r.log.Debug().Int("zones", len(idx)).Msg("zone snapshot replaced")
}

// All returns every zone in the snapshot, active or not.
func (r *Registry) All() []model.ComplianceZone {
	s := r.snap.Load()
	out := make([]model.ComplianceZone, 0, len(s.zones))
	for _, iz := range s.zones {
		out = append(out, iz.zone)
	}
	return out
}

// ZonesContaining returns the zones in force now that contain p.
func (r *Registry) ZonesContaining(p model.GeoPoint) []model.ComplianceZone {
	return r.ZonesContainingAt(p, r.clock())
}

// ZonesContainingAt returns the zones in force at time at that contain p.
func (r *Registry) ZonesContainingAt(p model.GeoPoint, at time.Time) []model.ComplianceZone {
	s := r.snap.Load()
	var out []model.ComplianceZone
	for _, iz := range s.zones {
		if !iz.zone.Active || !InForce(iz.zone, at) {
			continue
		}
		if !iz.bounds.Contains(p) || !geo.ContainsPoint(iz.zone.Boundary, p) {
			continue
		}
		out = append(out, iz.zone)
	}
	return out
}

// IsHazardClassAllowed classifies a hazard class against a zone. Classes compare by
// main class; prohibition takes precedence over restriction.
func IsHazardClassAllowed(z model.ComplianceZone, class string) Restriction {
	m := model.MainHazardClass(class)
	if m == "" {
		return Allowed
	}
	if containsClass(z.ProhibitedHazardClasses, m) {
		return Prohibited
	}
	if containsClass(z.RestrictedHazardClasses, m) {
		return Restricted
	}
	return Allowed
}

func containsClass(list []string, main string) bool {
	for _, c := range list {
		if model.MainHazardClass(c) == main {
			return true
		}
	}
	return false
}

// Normalize trims and de-duplicates the class lists and drops restricted entries that
// are also prohibited.
func Normalize(z model.ComplianceZone) model.ComplianceZone {
	z.ProhibitedHazardClasses = cleanClasses(z.ProhibitedHazardClasses, nil)
	z.RestrictedHazardClasses = cleanClasses(z.RestrictedHazardClasses, z.ProhibitedHazardClasses)
	return z
}

func cleanClasses(in, exclude []string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || containsClass(exclude, model.MainHazardClass(c)) {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Validate checks a zone before it is stored.
func Validate(z model.ComplianceZone) error {
	if strings.TrimSpace(z.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !z.ZoneType.Valid() {
		return fmt.Errorf("invalid zoneType: %q", z.ZoneType)
	}
	ring := z.Boundary
	if n := len(ring); n > 1 && ring[0] == ring[n-1] {
		ring = ring[:n-1]
	}
	if len(ring) < 3 {
		return fmt.Errorf("boundary needs at least 3 distinct vertices")
	}
	for i, p := range z.Boundary {
		if !geo.Valid(p) {
			return fmt.Errorf("boundary[%d] out of range", i)
		}
	}
	if z.MaxSpeedKmh != nil && *z.MaxSpeedKmh <= 0 {
		return fmt.Errorf("maxSpeedKmh must be > 0")
	}
	for i, w := range z.TimeRestrictions {
		if _, err := parseClock(w.Start); err != nil {
			return fmt.Errorf("timeRestrictions[%d].start: %w", i, err)
		}
		if _, err := parseClock(w.End); err != nil {
			return fmt.Errorf("timeRestrictions[%d].end: %w", i, err)
		}
		for _, d := range w.Days {
			if _, ok := weekdays[strings.ToLower(d)]; !ok {
				return fmt.Errorf("timeRestrictions[%d]: unknown day %q", i, d)
			}
		}
	}
	return nil
}
