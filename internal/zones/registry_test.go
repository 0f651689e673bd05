package zones

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dgmonitor/internal/model"
)

func pt(lat, lng float64) model.GeoPoint { return model.GeoPoint{Lat: lat, Lng: lng} }

func square(id string, lat, lng, size float64) model.ComplianceZone {
	return model.ComplianceZone{
		ID:       id,
		Name:     "zone " + id,
		ZoneType: model.ZoneRestricted,
		Boundary: []model.GeoPoint{pt(lat, lng), pt(lat, lng+size), pt(lat+size, lng+size), pt(lat+size, lng)},
		Active:   true,
	}
}

type staticSource struct {
	zones []model.ComplianceZone
	err   error
}

func (s staticSource) ListZones(ctx context.Context) ([]model.ComplianceZone, error) {
	return s.zones, s.err
}

func TestIsHazardClassAllowedPrecedence(t *testing.T) {
	z := model.ComplianceZone{
		RestrictedHazardClasses: []string{"3", "8"},
		ProhibitedHazardClasses: []string{"3", "1"},
	}
	cases := []struct {
		class string
		want  Restriction
	}{
		{"3", Prohibited},
		{"1.1", Prohibited},
		{"8", Restricted},
		{"2", Allowed},
		{"", Allowed},
	}
	for _, tc := range cases {
		if got := IsHazardClassAllowed(z, tc.class); got != tc.want {
			t.Errorf("class %q: got %s want %s", tc.class, got, tc.want)
		}
	}
}

func TestNormalizeDropsProhibitedFromRestricted(t *testing.T) {
	z := Normalize(model.ComplianceZone{
		RestrictedHazardClasses: []string{" 3 ", "8", "8", "3.1"},
		ProhibitedHazardClasses: []string{"3"},
	})
	if !reflect.DeepEqual(z.RestrictedHazardClasses, []string{"8"}) {
		t.Fatalf("restricted: %v", z.RestrictedHazardClasses)
	}
}

func TestZonesContaining(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())
	inactive := square("off", 0, 0, 1)
	inactive.Active = false
	reg.Replace([]model.ComplianceZone{square("a", 0, 0, 1), square("b", 0.5, 0.5, 1), inactive})

	got := reg.ZonesContaining(pt(0.75, 0.75))
	if len(got) != 2 {
		t.Fatalf("want 2 zones, got %d", len(got))
	}
	if got := reg.ZonesContaining(pt(0.25, 0.25)); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("got %+v", got)
	}
	if got := reg.ZonesContaining(pt(5, 5)); len(got) != 0 {
		t.Fatalf("outside: %+v", got)
	}
}

func TestZonesContainingAcrossAntimeridian(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())
	reg.Replace([]model.ComplianceZone{{
		ID: "dl", Name: "dateline", ZoneType: model.ZoneRestricted, Active: true,
		Boundary: []model.GeoPoint{pt(-1, 179), pt(-1, -179), pt(1, -179), pt(1, 179)},
	}})
	if len(reg.ZonesContaining(pt(0, 179.5))) != 1 || len(reg.ZonesContaining(pt(0, -179.5))) != 1 {
		t.Fatal("points either side of the antimeridian should match")
	}
	if len(reg.ZonesContaining(pt(0, 0))) != 0 {
		t.Fatal("greenwich should not match")
	}
}

func TestTimeRestrictions(t *testing.T) {
	z := square("school", 0, 0, 1)
	z.TimeRestrictions = []model.TimeWindow{{Days: []string{"mon", "tue", "wed", "thu", "fri"}, Start: "07:30", End: "16:00"}}
	reg := NewRegistry(nil, zerolog.Nop())
	reg.Replace([]model.ComplianceZone{z})

	monday := time.Date(2026, 10, 12, 8, 0, 0, 0, time.UTC)
	if len(reg.ZonesContainingAt(pt(0.5, 0.5), monday)) != 1 {
		t.Fatal("in force on monday morning")
	}
	if len(reg.ZonesContainingAt(pt(0.5, 0.5), monday.Add(9*time.Hour))) != 0 {
		t.Fatal("not in force monday 17:00")
	}
	if len(reg.ZonesContainingAt(pt(0.5, 0.5), monday.AddDate(0, 0, -1))) != 0 {
		t.Fatal("not in force on sunday")
	}
}

func TestOvernightWindowBelongsToStartDay(t *testing.T) {
	z := model.ComplianceZone{TimeRestrictions: []model.TimeWindow{{Days: []string{"fri"}, Start: "22:00", End: "06:00"}}}
	fri := time.Date(2026, 10, 16, 23, 0, 0, 0, time.UTC)
	if !InForce(z, fri) {
		t.Fatal("friday 23:00")
	}
	if !InForce(z, fri.Add(4*time.Hour)) {
		t.Fatal("saturday 03:00 belongs to friday's window")
	}
	if InForce(z, fri.Add(-24*time.Hour+4*time.Hour)) {
		t.Fatal("friday 03:00 belongs to thursday's window")
	}
}

func TestReload(t *testing.T) {
	reg := NewRegistry(staticSource{zones: []model.ComplianceZone{square("a", 0, 0, 1)}}, zerolog.Nop())
	if err := reg.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(reg.All()) != 1 {
		t.Fatalf("all: %d", len(reg.All()))
	}
	bad := NewRegistry(staticSource{err: errors.New("db down")}, zerolog.Nop())
	if err := bad.Reload(context.Background()); err == nil {
		t.Fatal("want error")
	}
}

func TestValidate(t *testing.T) {
	ok := square("a", 0, 0, 1)
	if err := Validate(ok); err != nil {
		t.Fatalf("valid zone: %v", err)
	}
	closedTriangle := ok
	closedTriangle.Boundary = []model.GeoPoint{pt(0, 0), pt(0, 1), pt(0, 0)}
	bad := []model.ComplianceZone{
		func() model.ComplianceZone { z := ok; z.Name = ""; return z }(),
		func() model.ComplianceZone { z := ok; z.ZoneType = "MOAT"; return z }(),
		func() model.ComplianceZone { z := ok; z.Boundary = []model.GeoPoint{pt(91, 0), pt(0, 1), pt(1, 1)}; return z }(),
		func() model.ComplianceZone {
			z := ok
			z.TimeRestrictions = []model.TimeWindow{{Start: "25:00", End: "01:00"}}
			return z
		}(),
		closedTriangle,
	}
	for i, z := range bad {
		if Validate(z) == nil {
			t.Errorf("case %d: want error", i)
		}
	}
}

func TestCheckLocationRestrictions(t *testing.T) {
	z := square("tunnel", 0, 0, 1)
	z.ZoneType = model.ZoneTunnel
	z.ProhibitedHazardClasses = []string{"1"}
	z.RestrictedHazardClasses = []string{"3"}
	z.RequiresEscort = true
	reg := NewRegistry(nil, zerolog.Nop())
	reg.Replace([]model.ComplianceZone{z})

	got := reg.CheckLocationRestrictions(pt(0.5, 0.5), []string{"1.1", "3"})
	if got.OverallAllowed || len(got.ProhibitedZones) != 1 || len(got.RestrictedZones) != 1 {
		t.Fatalf("got %+v", got)
	}
	if len(got.SpecialRequirements) != 1 {
		t.Fatalf("requirements: %v", got.SpecialRequirements)
	}
	if ok := reg.CheckLocationRestrictions(pt(0.5, 0.5), []string{"9"}); !ok.OverallAllowed {
		t.Fatal("class 9 is allowed")
	}
}

func TestSafeRouteReportsBlockedZones(t *testing.T) {
	z := square("p", -0.1, 0.4, 0.2)
	z.ProhibitedHazardClasses = []string{"2"}
	reg := NewRegistry(nil, zerolog.Nop())
	reg.Replace([]model.ComplianceZone{z})

	got := reg.SafeRoute(pt(0, 0), pt(0, 1), []string{"2.1"})
	if len(got.BlockedZones) != 1 || got.BlockedZones[0].ZoneID != "p" {
		t.Fatalf("blocked: %+v", got.BlockedZones)
	}
	if len(got.Path) != 2 || got.DistanceMeters < 111000 || got.DistanceMeters > 111400 {
		t.Fatalf("path: %+v", got)
	}
	if clear := reg.SafeRoute(pt(0, 0), pt(0, 1), []string{"3"}); len(clear.BlockedZones) != 0 {
		t.Fatalf("class 3 not blocked: %+v", clear.BlockedZones)
	}
}
