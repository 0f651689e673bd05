// Package geo implements great-circle geometry on a spherical earth: distances,
// point-in-polygon containment and cross-track distance to polylines.
package geo

import (
	"math"

	"dgmonitor/internal/model"
)

// EarthRadiusMeters is the IUGG mean earth radius.
const EarthRadiusMeters = 6371008.8

const eps = 1e-12

type vec3 [3]float64

func toVec(p model.GeoPoint) vec3 {
	lat := p.Lat * math.Pi / 180
	lng := p.Lng * math.Pi / 180
	return vec3{math.Cos(lat) * math.Cos(lng), math.Cos(lat) * math.Sin(lng), math.Sin(lat)}
}

func toPoint(v vec3) model.GeoPoint {
	v = v.unit()
	return model.GeoPoint{
		Lat: math.Asin(clamp(v[2], -1, 1)) * 180 / math.Pi,
		Lng: math.Atan2(v[1], v[0]) * 180 / math.Pi,
	}
}

func (a vec3) dot(b vec3) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func (a vec3) cross(b vec3) vec3 {
	return vec3{a[1]*b[2] - a[2]*b[1], a[2]*b[0] - a[0]*b[2], a[0]*b[1] - a[1]*b[0]}
}
func (a vec3) norm() float64 { return math.Sqrt(a.dot(a)) }
func (a vec3) scale(k float64) vec3 { return vec3{a[0] * k, a[1] * k, a[2] * k} }
func (a vec3) sub(b vec3) vec3 { return vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a vec3) unit() vec3 {
	n := a.norm()
	if n < eps {
		return a
	}
	return a.scale(1 / n)
}

// angle between two unit vectors, stable for small and near-antipodal separations.
func angle(a, b vec3) float64 { return math.Atan2(a.cross(b).norm(), a.dot(b)) }

func clamp(x, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, x)) }

// Valid reports whether p is a finite coordinate within [-90,90] x [-180,180].
func Valid(p model.GeoPoint) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// HaversineMeters returns the great-circle distance between a and b.
func HaversineMeters(a, b model.GeoPoint) float64 {
	const rad = math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLng := (b.Lng - a.Lng) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// onArc reports whether c, already on the great circle through a and b with pole n,
// lies on the minor arc from a to b.
func onArc(a, b, c, n vec3) bool {
	return a.cross(c).dot(n) >= -eps && c.cross(b).dot(n) >= -eps
}

// SegmentDistanceMeters is the distance from p to the minor great-circle arc a-b.
// When the perpendicular foot falls outside the arc the nearer endpoint is used.
func SegmentDistanceMeters(p, a, b model.GeoPoint) float64 {
	va, vb, vp := toVec(a), toVec(b), toVec(p)
	n := va.cross(vb)
	if n.norm() < eps {
		return angle(vp, va) * EarthRadiusMeters
	}
	n = n.unit()
	off := vp.dot(n)
	foot := vp.sub(n.scale(off))
	if foot.norm() > eps {
		foot = foot.unit()
		if onArc(va, vb, foot, n) {
			return math.Abs(math.Asin(clamp(off, -1, 1))) * EarthRadiusMeters
		}
	}
	return math.Min(angle(vp, va), angle(vp, vb)) * EarthRadiusMeters
}

// DistanceToPolylineMeters is the shortest distance from p to any segment of line.
// An empty line yields +Inf.
func DistanceToPolylineMeters(p model.GeoPoint, line []model.GeoPoint) float64 {
	switch len(line) {
	case 0:
		return math.Inf(1)
	case 1:
		return HaversineMeters(p, line[0])
	}
	best := math.Inf(1)
	for i := 0; i+1 < len(line); i++ {
		if d := SegmentDistanceMeters(p, line[i], line[i+1]); d < best {
			best = d
		}
	}
	return best
}

// ContainsPoint reports whether p lies inside the spherical polygon ring. Edges are
// great-circle arcs; the ring may be open or closed. The test sums the bearings
// from p to consecutive vertices: a full turn means p is enclosed. Points on a
// vertex count as inside.
func ContainsPoint(ring []model.GeoPoint, p model.GeoPoint) bool {
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		n--
	}
	if n < 3 {
		return false
	}
	vp := toVec(p)
	// local east/north frame at p; at the poles pick an arbitrary east
	north := vec3{0, 0, 1}
	east := north.cross(vp)
	if east.norm() < 1e-9 {
		east = vec3{0, 1, 0}
	}
	east = east.unit()
	nrt := vp.cross(east).unit()

	bearing := func(q model.GeoPoint) (float64, bool) {
		vq := toVec(q)
		if angle(vp, vq) < 1e-10 {
			return 0, false
		}
		d := vq.sub(vp.scale(vq.dot(vp)))
		return math.Atan2(d.dot(east), d.dot(nrt)), true
	}

	first, ok := bearing(ring[0])
	if !ok {
		return true
	}
	prev := first
	total := 0.0
	for i := 1; i <= n; i++ {
		var b float64
		if i == n {
			b = first
		} else {
			if b, ok = bearing(ring[i]); !ok {
				return true
			}
		}
		d := b - prev
		for d > math.Pi {
			d -= 2 * math.Pi
		}
		for d < -math.Pi {
			d += 2 * math.Pi
		}
		total += d
		prev = b
	}
	return math.Abs(total) > math.Pi
}

// Interpolate returns the point at fraction f along the great circle from a to b.
func Interpolate(a, b model.GeoPoint, f float64) model.GeoPoint {
	va, vb := toVec(a), toVec(b)
	d := angle(va, vb)
	if d < eps {
		return a
	}
	s := math.Sin(d)
	ka := math.Sin((1-f)*d) / s
	kb := math.Sin(f*d) / s
	return toPoint(vec3{va[0]*ka + vb[0]*kb, va[1]*ka + vb[1]*kb, va[2]*ka + vb[2]*kb})
}

// GreatCirclePath samples the arc from a to b with segments no longer than stepMeters.
func GreatCirclePath(a, b model.GeoPoint, stepMeters float64) []model.GeoPoint {
	dist := HaversineMeters(a, b)
	if stepMeters <= 0 || dist <= stepMeters {
		return []model.GeoPoint{a, b}
	}
	steps := int(math.Ceil(dist / stepMeters))
	out := make([]model.GeoPoint, 0, steps+1)
	out = append(out, a)
	for i := 1; i < steps; i++ {
		out = append(out, Interpolate(a, b, float64(i)/float64(steps)))
	}
	return append(out, b)
}
