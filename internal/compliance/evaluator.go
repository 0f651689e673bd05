// Package compliance runs the stateless checks behind every telemetry sample: speed,
// zone restrictions, route deviation and GPS freshness.
package compliance

import (
	"fmt"
	"math"
	"time"

	"dgmonitor/internal/geo"
	"dgmonitor/internal/model"
	"dgmonitor/internal/zones"
)

// Check names the rule that produced a finding. It is part of the event id, so it
// must stay stable.
type Check string

const (
	CheckSpeed     Check = "speed"
	CheckZone      Check = "zone"
	CheckRoute     Check = "route"
	CheckFreshness Check = "freshness"
)

// Finding is a candidate compliance event.
type Finding struct {
	Check       Check           `json:"check"`
	EventType   model.EventType `json:"eventType"`
	Severity    model.Severity  `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Data        map[string]any  `json:"data,omitempty"`
	ZoneRef     string          `json:"zoneRef,omitempty"`
	HazardClass string          `json:"hazardClass,omitempty"`
	Location    *model.GeoPoint `json:"location,omitempty"`
	// Immediate requests a synchronous critical alert.
	Immediate bool `json:"immediate"`
}

// Result holds the findings of one evaluation, split by outcome.
type Result struct {
	Violations []Finding `json:"violations"`
	Warnings   []Finding `json:"warnings"`
}

func (r Result) Empty() bool { return len(r.Violations) == 0 && len(r.Warnings) == 0 }

// All returns violations followed by warnings.
func (r Result) All() []Finding {
	out := make([]Finding, 0, len(r.Violations)+len(r.Warnings))
	out = append(out, r.Violations...)
	return append(out, r.Warnings...)
}

func (r *Result) add(f Finding, violation bool) {
	if violation {
		r.Violations = append(r.Violations, f)
	} else {
		r.Warnings = append(r.Warnings, f)
	}
}

// ZoneLookup is the part of the zone registry the evaluator needs.
type ZoneLookup interface {
	ZonesContainingAt(p model.GeoPoint, at time.Time) []model.ComplianceZone
}

type Evaluator struct {
	zones  ZoneLookup
	policy Policy
	now    func() time.Time
}

func NewEvaluator(z ZoneLookup, p Policy) *Evaluator {
	return &Evaluator{zones: z, policy: p.withDefaults(), now: time.Now}
}

func (e *Evaluator) Policy() Policy { return e.policy }

// Evaluate runs the speed, zone and route checks for one sample. It never fails: a
// sample with nothing to report yields an empty result.
func (e *Evaluator) Evaluate(s model.MonitoringSession, sample model.TelemetrySample) Result {
	res := Result{Violations: []Finding{}, Warnings: []Finding{}}
	p := sample.Point()
	at := sample.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	containing := e.zones.ZonesContainingAt(p, at)
	classes := model.NormalizeHazardClasses(s.MonitoredHazardClasses)

	if sample.SpeedKmh != nil {
		e.checkSpeed(&res, p, *sample.SpeedKmh, containing, classes)
	}
	e.checkZones(&res, p, containing, classes)
	if len(s.PlannedRoute) > 0 {
		e.checkRoute(&res, p, s.PlannedRoute)
	}
	return res
}

// SpeedLimit returns the lowest applicable cap and where it came from.
func (e *Evaluator) SpeedLimit(containing []model.ComplianceZone, classes []string) (float64, string) {
	limit, source := e.policy.DefaultSpeedLimitKmh, "default"
	for _, z := range containing {
		if z.MaxSpeedKmh != nil && float64(*z.MaxSpeedKmh) < limit {
			limit, source = float64(*z.MaxSpeedKmh), "zone:"+z.ID
		}
	}
	for _, c := range classes {
		if hc, ok := e.policy.HazardClassSpeedLimits[model.MainHazardClass(c)]; ok && hc < limit {
			limit, source = hc, "hazard_class:"+c
		}
	}
	return limit, source
}

func (e *Evaluator) checkSpeed(res *Result, p model.GeoPoint, speed float64, containing []model.ComplianceZone, classes []string) {
	limit, source := e.SpeedLimit(containing, classes)
	if limit <= 0 {
		return
	}
	pct := speed / limit * 100
	data := map[string]any{
		"current_speed":        speed,
		"speed_limit":          limit,
		"violation_percentage": round2(pct),
		"limit_source":         source,
	}
	loc := p
	switch {
	case speed > limit*e.policy.SpeedViolationRatio:
		res.add(Finding{
			Check:       CheckSpeed,
			EventType:   model.EventSpeedViolation,
			Severity:    model.SeverityViolation,
			Title:       "Speed Limit Violation",
			Description: fmt.Sprintf("Vehicle exceeding speed limit: %.1f km/h (limit: %.0f km/h)", speed, limit),
			Data:        data,
			Location:    &loc,
			Immediate:   speed > limit*e.policy.SpeedCriticalRatio,
		}, true)
	case speed > limit*e.policy.SpeedWarningRatio:
		res.add(Finding{
			Check:       CheckSpeed,
			EventType:   model.EventSpeedViolation,
			Severity:    model.SeverityWarning,
			Title:       "Speed Warning",
			Description: fmt.Sprintf("Vehicle approaching speed limit: %.1f km/h (limit: %.0f km/h)", speed, limit),
			Data:        data,
			Location:    &loc,
		}, false)
	}
}

func (e *Evaluator) checkZones(res *Result, p model.GeoPoint, containing []model.ComplianceZone, classes []string) {
	loc := p
	for _, z := range containing {
		for _, c := range classes {
			r := zones.IsHazardClassAllowed(z, c)
			if r == zones.Allowed {
				continue
			}
			data := map[string]any{
				"zone_id":      z.ID,
				"zone_name":    z.Name,
				"zone_type":    string(z.ZoneType),
				"hazard_class": c,
				"restriction":  string(r),
			}
			if z.RegulatoryReference != "" {
				data["regulatory_reference"] = z.RegulatoryReference
			}
			if r == zones.Prohibited {
				res.add(Finding{
					Check:       CheckZone,
					EventType:   model.EventZoneViolation,
					Severity:    model.SeverityCritical,
					Title:       "Prohibited Zone Entry",
					Description: fmt.Sprintf("Vehicle entered prohibited zone '%s' with Class %s dangerous goods", z.Name, c),
					Data:        data,
					ZoneRef:     z.ID,
					HazardClass: c,
					Location:    &loc,
					Immediate:   true,
				}, true)
				continue
			}
			res.add(Finding{
				Check:       CheckZone,
				EventType:   model.EventZoneViolation,
				Severity:    model.SeverityWarning,
				Title:       "Restricted Zone Entry",
				Description: fmt.Sprintf("Vehicle entered restricted zone '%s' with Class %s dangerous goods", z.Name, c),
				Data:        data,
				ZoneRef:     z.ID,
				HazardClass: c,
				Location:    &loc,
			}, false)
		}
	}
}

func (e *Evaluator) checkRoute(res *Result, p model.GeoPoint, route []model.GeoPoint) {
	d := geo.DistanceToPolylineMeters(p, route)
	if math.IsInf(d, 1) {
		return
	}
	loc := p
	f := Finding{
		Check:       CheckRoute,
		EventType:   model.EventRouteDeviation,
		Description: fmt.Sprintf("Vehicle deviated %.0fm from planned route", d),
		Location:    &loc,
		Data:        map[string]any{"deviation_distance_meters": round2(d)},
	}
	switch {
	case d > e.policy.RouteViolationMeters:
		f.Severity, f.Title = model.SeverityViolation, "Major Route Deviation"
		f.Data["deviation_severity"] = "MAJOR"
		res.add(f, true)
	case d > e.policy.RouteWarnMeters:
		f.Severity, f.Title = model.SeverityWarning, "Route Deviation Warning"
		f.Data["deviation_severity"] = "MINOR"
		res.add(f, false)
	}
}

// CheckFreshness flags a session whose last GPS fix is older than the stale threshold.
// Sessions that never reported are not flagged.
func (e *Evaluator) CheckFreshness(s model.MonitoringSession, now time.Time) Result {
	res := Result{Violations: []Finding{}, Warnings: []Finding{}}
	if s.LastUpdateAt == nil {
		return res
	}
	since := now.Sub(*s.LastUpdateAt)
	if since <= e.policy.StaleAfter {
		return res
	}
	res.add(Finding{
		Check:       CheckFreshness,
		EventType:   model.EventSystemAlert,
		Severity:    model.SeverityViolation,
		Title:       "GPS Communication Lost",
		Description: fmt.Sprintf("No GPS updates received for %.0f seconds", since.Seconds()),
		Data: map[string]any{
			"time_since_update_seconds": math.Round(since.Seconds()),
			"threshold_seconds":         e.policy.StaleAfter.Seconds(),
			"last_update":               s.LastUpdateAt.UTC().Format(time.RFC3339),
		},
		Location: s.LastKnownLocation,
	}, true)
	return res
}

func round2(x float64) float64 { return math.Round(x*100) / 100 }
