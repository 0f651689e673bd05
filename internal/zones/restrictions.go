package zones

import (
	"dgmonitor/internal/geo"
	"dgmonitor/internal/model"
)

// ZoneHit is one zone that restricts or prohibits a hazard class.
type ZoneHit struct {
	ZoneID      string         `json:"zoneId"`
	ZoneName    string         `json:"zoneName"`
	ZoneType    model.ZoneType `json:"zoneType"`
	HazardClass string         `json:"hazardClass"`
	Authority   string         `json:"regulatoryAuthority,omitempty"`
	Reference   string         `json:"regulatoryReference,omitempty"`
}

// LocationCheck is the result of CheckLocationRestrictions.
type LocationCheck struct {
	Location            model.GeoPoint `json:"location"`
	RestrictedZones     []ZoneHit      `json:"restrictedZones"`
	ProhibitedZones     []ZoneHit      `json:"prohibitedZones"`
	SpecialRequirements []string       `json:"specialRequirements"`
	OverallAllowed      bool           `json:"overallAllowed"`
}

// CheckLocationRestrictions reports how the zones at p treat the given hazard classes.
func (r *Registry) CheckLocationRestrictions(p model.GeoPoint, classes []string) LocationCheck {
	out := LocationCheck{
		Location:            p,
		RestrictedZones:     []ZoneHit{},
		ProhibitedZones:     []ZoneHit{},
		SpecialRequirements: []string{},
		OverallAllowed:      true,
	}
	seenReq := map[string]struct{}{}
	addReq := func(s string) {
		if _, ok := seenReq[s]; !ok {
			seenReq[s] = struct{}{}
			out.SpecialRequirements = append(out.SpecialRequirements, s)
		}
	}
	for _, z := range r.ZonesContaining(p) {
		for _, c := range model.NormalizeHazardClasses(classes) {
			hit := ZoneHit{ZoneID: z.ID, ZoneName: z.Name, ZoneType: z.ZoneType, HazardClass: c,
				Authority: z.RegulatoryAuthority, Reference: z.RegulatoryReference}
			switch IsHazardClassAllowed(z, c) {
			case Prohibited:
				out.ProhibitedZones = append(out.ProhibitedZones, hit)
				out.OverallAllowed = false
			case Restricted:
				out.RestrictedZones = append(out.RestrictedZones, hit)
			}
		}
		if z.RequiresEscort {
			addReq("escort required in " + z.Name)
		}
		if z.RequiresNotification {
			addReq("advance notification required for " + z.Name)
		}
	}
	return out
}

// RouteSuggestion is the straight-line route returned by SafeRoute.
type RouteSuggestion struct {
	Path           []model.GeoPoint `json:"path"`
	DistanceMeters float64          `json:"distanceMeters"`
	BlockedZones   []ZoneHit        `json:"blockedZones"`
	Warnings       []string         `json:"warnings"`
}

const routeSampleMeters = 250

// SafeRoute returns the great-circle line between two points and the zones along it
// that prohibit one of the classes. No path-finding is attempted.
func (r *Registry) SafeRoute(from, to model.GeoPoint, classes []string) RouteSuggestion {
	path := geo.GreatCirclePath(from, to, routeSampleMeters)
	out := RouteSuggestion{
		Path:           []model.GeoPoint{from, to},
		DistanceMeters: geo.HaversineMeters(from, to),
		BlockedZones:   []ZoneHit{},
		Warnings:       []string{},
	}
	seen := map[string]struct{}{}
	for _, p := range path {
		chk := r.CheckLocationRestrictions(p, classes)
		for _, h := range chk.ProhibitedZones {
			key := h.ZoneID + "|" + h.HazardClass
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out.BlockedZones = append(out.BlockedZones, h)
		}
	}
	if len(out.BlockedZones) > 0 {
		out.Warnings = append(out.Warnings, "direct route crosses zones prohibited for this cargo; plan a detour")
	}
	return out
}
