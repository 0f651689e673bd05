package compliance

import (
	"math"
	"time"

	"dgmonitor/internal/model"
)

// Policy holds the evaluation thresholds.
type Policy struct {
	DefaultSpeedLimitKmh   float64
	HazardClassSpeedLimits map[string]float64
	SpeedWarningRatio      float64
	SpeedViolationRatio    float64
	SpeedCriticalRatio     float64
	RouteWarnMeters        float64
	RouteViolationMeters   float64
	StaleAfter             time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		DefaultSpeedLimitKmh:   80,
		HazardClassSpeedLimits: map[string]float64{"1": 60, "2": 70, "3": 70, "7": 60},
		SpeedWarningRatio:      0.9,
		SpeedViolationRatio:    1.1,
		SpeedCriticalRatio:     1.25,
		RouteWarnMeters:        500,
		RouteViolationMeters:   1000,
		StaleAfter:             300 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.DefaultSpeedLimitKmh <= 0 {
		p.DefaultSpeedLimitKmh = d.DefaultSpeedLimitKmh
	}
	if p.HazardClassSpeedLimits == nil {
		p.HazardClassSpeedLimits = d.HazardClassSpeedLimits
	}
	if p.SpeedWarningRatio <= 0 {
		p.SpeedWarningRatio = d.SpeedWarningRatio
	}
	if p.SpeedViolationRatio <= 0 {
		p.SpeedViolationRatio = d.SpeedViolationRatio
	}
	if p.SpeedCriticalRatio <= 0 {
		p.SpeedCriticalRatio = d.SpeedCriticalRatio
	}
	if p.RouteWarnMeters <= 0 {
		p.RouteWarnMeters = d.RouteWarnMeters
	}
	if p.RouteViolationMeters <= 0 {
		p.RouteViolationMeters = d.RouteViolationMeters
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = d.StaleAfter
	}
	return p
}

// Score is 100 less 10 per violation and 2 per warning, floored at zero.
func Score(violations, warnings int) float64 {
	return math.Max(0, 100-10*float64(violations)-2*float64(warnings))
}

// Level maps a score to its compliance band.
func Level(score float64) model.ComplianceLevel {
	switch {
	case score >= 95:
		return model.LevelCompliant
	case score >= 80:
		return model.LevelWarning
	case score >= 60:
		return model.LevelViolation
	default:
		return model.LevelCritical
	}
}
