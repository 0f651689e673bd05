package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"dgmonitor/internal/directory"
	"dgmonitor/internal/model"
)

// PolicyFile is the optional YAML document named by POLICY_FILE. Non-zero values
// override the environment; zones, shipments and users seed the in-memory stores.
type PolicyFile struct {
	Compliance struct {
		DefaultSpeedLimitKmh   float64            `yaml:"defaultSpeedLimitKmh"`
		HazardClassSpeedLimits map[string]float64 `yaml:"hazardClassSpeedLimits"`
		StaleAfter             time.Duration      `yaml:"staleAfter"`
		RouteWarnMeters        float64            `yaml:"routeWarnMeters"`
		RouteViolationMeters   float64            `yaml:"routeViolationMeters"`
	} `yaml:"compliance"`
	Emergency struct {
		Cooldown        time.Duration `yaml:"cooldown"`
		Timeout         time.Duration `yaml:"timeout"`
		FalseAlarmLimit int           `yaml:"falseAlarmLimit"`
		ConfirmText     string        `yaml:"confirmText"`
	} `yaml:"emergency"`
	Zones     []ZoneSeed           `yaml:"zones"`
	Shipments []directory.Shipment `yaml:"shipments"`
	Users     []directory.User     `yaml:"users"`
}

type ZoneSeed struct {
	ID                   string             `yaml:"id"`
	Name                 string             `yaml:"name"`
	Type                 string             `yaml:"type"`
	Boundary             [][2]float64       `yaml:"boundary"` // [lat, lng] pairs
	Restricted           []string           `yaml:"restricted"`
	Prohibited           []string           `yaml:"prohibited"`
	TimeRestrictions     []model.TimeWindow `yaml:"timeRestrictions"`
	MaxSpeedKmh          *int               `yaml:"maxSpeedKmh"`
	RequiresEscort       bool               `yaml:"requiresEscort"`
	RequiresNotification bool               `yaml:"requiresNotification"`
	Authority            string             `yaml:"authority"`
	Reference            string             `yaml:"reference"`
	Active               *bool              `yaml:"active"`
}

// Zone converts the seed to a model zone; zones are active unless stated otherwise.
func (z ZoneSeed) Zone() model.ComplianceZone {
	ring := make([]model.GeoPoint, 0, len(z.Boundary))
	for _, p := range z.Boundary {
		ring = append(ring, model.GeoPoint{Lat: p[0], Lng: p[1]})
	}
	active := true
	if z.Active != nil {
		active = *z.Active
	}
	return model.ComplianceZone{
		ID:                      z.ID,
		Name:                    z.Name,
		ZoneType:                model.ZoneType(z.Type),
		Boundary:                ring,
		RestrictedHazardClasses: z.Restricted,
		ProhibitedHazardClasses: z.Prohibited,
		TimeRestrictions:        z.TimeRestrictions,
		MaxSpeedKmh:             z.MaxSpeedKmh,
		RequiresEscort:          z.RequiresEscort,
		RequiresNotification:    z.RequiresNotification,
		RegulatoryAuthority:     z.Authority,
		RegulatoryReference:     z.Reference,
		Active:                  active,
	}
}

// LoadPolicyFile parses the YAML file at path.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(b)
}

func ParsePolicy(b []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return &pf, nil
}

// Apply overlays the file's non-zero thresholds onto cfg.
func (pf *PolicyFile) Apply(cfg *Config) {
	c, e := pf.Compliance, pf.Emergency
	if c.DefaultSpeedLimitKmh > 0 {
		cfg.DefaultSpeedLimitKmh = c.DefaultSpeedLimitKmh
	}
	if c.StaleAfter > 0 {
		cfg.StaleAfter = c.StaleAfter
	}
	if c.RouteWarnMeters > 0 {
		cfg.RouteWarnMeters = c.RouteWarnMeters
	}
	if c.RouteViolationMeters > 0 {
		cfg.RouteViolationMeters = c.RouteViolationMeters
	}
	if e.Cooldown > 0 {
		cfg.EmergencyCooldown = e.Cooldown
	}
	if e.Timeout > 0 {
		cfg.EmergencyTimeout = e.Timeout
	}
	if e.FalseAlarmLimit > 0 {
		cfg.EmergencyFalseAlarmLimit = e.FalseAlarmLimit
	}
	if e.ConfirmText != "" {
		cfg.EmergencyConfirmText = e.ConfirmText
	}
}

// SeedZones returns the file's zones as model zones.
func (pf *PolicyFile) SeedZones() []model.ComplianceZone {
	out := make([]model.ComplianceZone, 0, len(pf.Zones))
	for _, z := range pf.Zones {
		out = append(out, z.Zone())
	}
	return out
}

// SeedDirectory loads shipments and users into d.
func (pf *PolicyFile) SeedDirectory(d *directory.Memory) {
	for _, s := range pf.Shipments {
		d.PutShipment(s)
	}
	for _, u := range pf.Users {
		d.PutUser(u)
	}
}
