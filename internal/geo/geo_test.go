package geo

import (
	"math"
	"testing"

	"dgmonitor/internal/model"
)

func pt(lat, lng float64) model.GeoPoint { return model.GeoPoint{Lat: lat, Lng: lng} }

func TestHaversineMeters(t *testing.T) {
	// one degree of latitude ~ 111.2 km
	d := HaversineMeters(pt(0, 0), pt(1, 0))
	if math.Abs(d-111195) > 50 {
		t.Fatalf("got %.1f", d)
	}
	if HaversineMeters(pt(10, 10), pt(10, 10)) != 0 {
		t.Fatal("zero distance expected")
	}
}

func TestContainsPoint(t *testing.T) {
	square := []model.GeoPoint{pt(0, 0), pt(0, 1), pt(1, 1), pt(1, 0)}
	cases := []struct {
		name string
		p    model.GeoPoint
		want bool
	}{
		{"center", pt(0.5, 0.5), true},
		{"outside east", pt(0.5, 1.5), false},
		{"outside south", pt(-0.2, 0.5), false},
		{"vertex", pt(0, 0), true},
	}
	for _, c := range cases {
		if got := ContainsPoint(square, c.p); got != c.want {
			t.Errorf("%s: got %v want %v", c.name, got, c.want)
		}
	}
}

func TestContainsPointClosedRingAndOrientation(t *testing.T) {
	cw := []model.GeoPoint{pt(0, 0), pt(1, 0), pt(1, 1), pt(0, 1), pt(0, 0)}
	if !ContainsPoint(cw, pt(0.5, 0.5)) {
		t.Fatal("closed clockwise ring should contain center")
	}
}

func TestContainsPointGreatCircleEdge(t *testing.T) {
	// At high latitude the great-circle edge between two points on the same parallel
	// bows poleward, so a point just north of the parallel midway is inside.
	ring := []model.GeoPoint{pt(70, -30), pt(70, 30), pt(60, 30), pt(60, -30)}
	if !ContainsPoint(ring, pt(71, 0)) {
		t.Fatal("expected point under the great-circle arc to be contained")
	}
	if ContainsPoint(ring, pt(75, 0)) {
		t.Fatal("point beyond the arc must be outside")
	}
}

func TestContainsPointAroundPole(t *testing.T) {
	ring := []model.GeoPoint{pt(80, 0), pt(80, 90), pt(80, 180), pt(80, -90)}
	if !ContainsPoint(ring, pt(89, 45)) {
		t.Fatal("cap around the pole should contain near-pole point")
	}
	if ContainsPoint(ring, pt(70, 45)) {
		t.Fatal("point south of the cap is outside")
	}
}

func TestBoundsAntimeridian(t *testing.T) {
	ring := []model.GeoPoint{pt(-10, 179), pt(-10, -179), pt(-11, -179), pt(-11, 179)}
	b := BoundsOf(ring)
	if !b.Wraps {
		t.Fatalf("expected wrapping bounds: %+v", b)
	}
	if !b.Contains(pt(-10.5, 179.5)) || !b.Contains(pt(-10.5, -179.5)) {
		t.Fatal("bounds should include both sides of the antimeridian")
	}
	if b.Contains(pt(-10.5, 0)) {
		t.Fatal("bounds must not span the whole globe")
	}
	if !ContainsPoint(ring, pt(-10.5, 180)) {
		t.Fatal("polygon should contain the antimeridian point")
	}
}

func TestBoundsIncludeArcBulge(t *testing.T) {
	ring := []model.GeoPoint{pt(70, -30), pt(70, 30), pt(60, 30), pt(60, -30)}
	b := BoundsOf(ring)
	if b.MaxLat <= 70.5 {
		t.Fatalf("max lat should include poleward bulge, got %.3f", b.MaxLat)
	}
}

func TestDistanceToPolyline(t *testing.T) {
	line := []model.GeoPoint{pt(0, 0), pt(0, 1)}
	// 0.01 deg north of the equator segment ~ 1112 m
	d := DistanceToPolylineMeters(pt(0.01, 0.5), line)
	if math.Abs(d-1112) > 5 {
		t.Fatalf("perpendicular distance: got %.1f", d)
	}
	// beyond the end, distance is to the endpoint
	d = DistanceToPolylineMeters(pt(0, 1.01), line)
	if math.Abs(d-1112) > 5 {
		t.Fatalf("endpoint distance: got %.1f", d)
	}
	if !math.IsInf(DistanceToPolylineMeters(pt(0, 0), nil), 1) {
		t.Fatal("empty line should be +Inf")
	}
}

func TestGreatCirclePath(t *testing.T) {
	a, b := pt(0, 0), pt(0, 1)
	path := GreatCirclePath(a, b, 10000)
	if len(path) < 12 || path[0] != a || path[len(path)-1] != b {
		t.Fatalf("unexpected path: %d points", len(path))
	}
	mid := Interpolate(a, b, 0.5)
	if math.Abs(mid.Lng-0.5) > 1e-9 || math.Abs(mid.Lat) > 1e-9 {
		t.Fatalf("midpoint: %+v", mid)
	}
}

func TestValid(t *testing.T) {
	if Valid(pt(91, 0)) || Valid(pt(0, 181)) || Valid(pt(math.NaN(), 0)) {
		t.Fatal("out of range accepted")
	}
	if !Valid(pt(-90, 180)) {
		t.Fatal("edge values rejected")
	}
}
