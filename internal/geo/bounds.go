package geo

import (
	"math"

	"dgmonitor/internal/model"
)

// Bounds is a lat/lng box used to prefilter containment tests. When Wraps is set
// the longitude span crosses the antimeridian and MinLng > MaxLng.
type Bounds struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
	Wraps          bool
	AllLng         bool
}

// BoundsOf returns a box enclosing the spherical polygon ring, including the
// poleward bulge of great-circle edges and rings that enclose a pole.
func BoundsOf(ring []model.GeoPoint) Bounds {
	if len(ring) == 0 {
		return Bounds{}
	}
	b := Bounds{MinLat: 90, MaxLat: -90}
	for _, p := range ring {
		b.MinLat = math.Min(b.MinLat, p.Lat)
		b.MaxLat = math.Max(b.MaxLat, p.Lat)
	}
	for i := range ring {
		a, c := ring[i], ring[(i+1)%len(ring)]
		lo, hi := arcLatExtent(a, c)
		b.MinLat = math.Min(b.MinLat, lo)
		b.MaxLat = math.Max(b.MaxLat, hi)
	}

	if ContainsPoint(ring, model.GeoPoint{Lat: 90}) {
		b.MaxLat, b.AllLng = 90, true
	}
	if ContainsPoint(ring, model.GeoPoint{Lat: -90}) {
		b.MinLat, b.AllLng = -90, true
	}
	if b.AllLng {
		b.MinLng, b.MaxLng = -180, 180
		return b
	}

	b.MinLng, b.MaxLng = 180, -180
	for _, p := range ring {
		b.MinLng = math.Min(b.MinLng, p.Lng)
		b.MaxLng = math.Max(b.MaxLng, p.Lng)
	}
	if b.MaxLng-b.MinLng > 180 {
		// shorter span goes across the antimeridian
		west, east := 180.0, -180.0
		for _, p := range ring {
			if p.Lng >= 0 {
				west = math.Min(west, p.Lng)
			} else {
				east = math.Max(east, p.Lng)
			}
		}
		b.MinLng, b.MaxLng, b.Wraps = west, east, true
	}
	return b
}

// arcLatExtent returns the latitude range covered by the minor arc a-b.
func arcLatExtent(a, b model.GeoPoint) (float64, float64) {
	lo, hi := math.Min(a.Lat, b.Lat), math.Max(a.Lat, b.Lat)
	va, vb := toVec(a), toVec(b)
	n := va.cross(vb)
	if n.norm() < eps {
		return lo, hi
	}
	n = n.unit()
	z := vec3{0, 0, 1}
	top := z.sub(n.scale(z.dot(n)))
	if top.norm() < eps {
		return lo, hi
	}
	top = top.unit()
	if onArc(va, vb, top, n) {
		hi = math.Max(hi, toPoint(top).Lat)
	}
	bottom := top.scale(-1)
	if onArc(va, vb, bottom, n) {
		lo = math.Min(lo, toPoint(bottom).Lat)
	}
	return lo, hi
}

// Contains reports whether p falls in the box.
func (b Bounds) Contains(p model.GeoPoint) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	if b.AllLng {
		return true
	}
	if b.Wraps {
		return p.Lng >= b.MinLng || p.Lng <= b.MaxLng
	}
	return p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}
