package model

import (
	"strings"
	"time"
)

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Zones

type ZoneType string

const (
	ZoneRestricted        ZoneType = "RESTRICTED"
	ZoneProhibited        ZoneType = "PROHIBITED"
	ZoneSpecialRoute      ZoneType = "SPECIAL_ROUTE"
	ZoneSchool            ZoneType = "SCHOOL_ZONE"
	ZoneResidential       ZoneType = "RESIDENTIAL"
	ZoneIndustrial        ZoneType = "INDUSTRIAL"
	ZoneTunnel            ZoneType = "TUNNEL"
	ZoneBridge            ZoneType = "BRIDGE"
	ZoneEmergencyServices ZoneType = "EMERGENCY_SERVICES"
)

var zoneTypes = map[ZoneType]struct{}{
	ZoneRestricted: {}, ZoneProhibited: {}, ZoneSpecialRoute: {}, ZoneSchool: {}, ZoneResidential: {},
	ZoneIndustrial: {}, ZoneTunnel: {}, ZoneBridge: {}, ZoneEmergencyServices: {},
}

func (t ZoneType) Valid() bool { _, ok := zoneTypes[t]; return ok }

// TimeWindow is a weekly UTC window during which a zone's rules apply.
// End before Start wraps past midnight.
type TimeWindow struct {
	Days  []string `json:"days,omitempty" yaml:"days,omitempty"` // mon..sun, empty = every day
	Start string   `json:"start" yaml:"start"`                   // HH:MM
	End   string   `json:"end" yaml:"end"`
}

type ComplianceZone struct {
	ID                      string       `json:"id"`
	Name                    string       `json:"name"`
	ZoneType                ZoneType     `json:"zoneType"`
	Boundary                []GeoPoint   `json:"boundary"`
	RestrictedHazardClasses []string     `json:"restrictedHazardClasses,omitempty"`
	ProhibitedHazardClasses []string     `json:"prohibitedHazardClasses,omitempty"`
	TimeRestrictions        []TimeWindow `json:"timeRestrictions,omitempty"`
	MaxSpeedKmh             *int         `json:"maxSpeedKmh,omitempty"`
	RequiresEscort          bool         `json:"requiresEscort"`
	RequiresNotification    bool         `json:"requiresNotification"`
	RegulatoryAuthority     string       `json:"regulatoryAuthority,omitempty"`
	RegulatoryReference     string       `json:"regulatoryReference,omitempty"`
	Active                  bool         `json:"active"`
}

// Sessions

type SessionStatus string

const (
	SessionActive     SessionStatus = "ACTIVE"
	SessionPaused     SessionStatus = "PAUSED"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionTerminated SessionStatus = "TERMINATED"
	SessionIncident   SessionStatus = "INCIDENT"
)

// Terminal reports whether no further mutation is allowed.
func (s SessionStatus) Terminal() bool { return s == SessionCompleted || s == SessionTerminated }

type ComplianceLevel string

const (
	LevelCompliant ComplianceLevel = "COMPLIANT"
	LevelWarning   ComplianceLevel = "WARNING"
	LevelViolation ComplianceLevel = "VIOLATION"
	LevelCritical  ComplianceLevel = "CRITICAL"
)

type MonitoringSession struct {
	ID                     string          `json:"id"`
	ShipmentRef            string          `json:"shipmentRef"`
	VehicleRef             string          `json:"vehicleRef"`
	DriverRef              string          `json:"driverRef"`
	Status                 SessionStatus   `json:"status"`
	ComplianceLevel        ComplianceLevel `json:"complianceLevel"`
	PlannedRoute           []GeoPoint      `json:"plannedRoute,omitempty"`
	MonitoredHazardClasses []string        `json:"monitoredHazardClasses"`
	StartedAt              time.Time       `json:"startedAt"`
	CompletedAt            *time.Time      `json:"completedAt,omitempty"`
	TotalViolations        int             `json:"totalViolations"`
	TotalWarnings          int             `json:"totalWarnings"`
	ComplianceScore        float64         `json:"complianceScore"`
	LastKnownLocation      *GeoPoint       `json:"lastKnownLocation,omitempty"`
	LastUpdateAt           *time.Time      `json:"lastUpdateAt,omitempty"`
	CurrentSpeedKmh        *float64        `json:"currentSpeedKmh,omitempty"`
	AlertCount             int             `json:"alertCount"`
	LastAlertAt            *time.Time      `json:"lastAlertAt,omitempty"`
	CompletionNotes        string          `json:"completionNotes,omitempty"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// Events

type EventType string

const (
	EventGPSUpdate           EventType = "GPS_UPDATE"
	EventSpeedViolation      EventType = "SPEED_VIOLATION"
	EventZoneViolation       EventType = "ZONE_VIOLATION"
	EventRouteDeviation      EventType = "ROUTE_DEVIATION"
	EventDriverAlert         EventType = "DRIVER_ALERT"
	EventSystemAlert         EventType = "SYSTEM_ALERT"
	EventManualOverride      EventType = "MANUAL_OVERRIDE"
	EventIncidentReport      EventType = "INCIDENT_REPORT"
	EventCheckpoint          EventType = "CHECKPOINT"
	EventEmergencyStop       EventType = "EMERGENCY_STOP"
	EventEmergencyFalseAlarm EventType = "EMERGENCY_FALSE_ALARM"
)

const emergencyPrefix = "EMERGENCY_"

// EmergencyEventType is the event type recorded for an activated emergency of type t.
func EmergencyEventType(t EmergencyType) EventType { return EventType(emergencyPrefix + string(t)) }

// IsEmergency reports whether the type is an activated emergency (false alarms excluded).
func (t EventType) IsEmergency() bool {
	return strings.HasPrefix(string(t), emergencyPrefix) && t != EventEmergencyFalseAlarm
}

type Severity string

const (
	SeverityInfo      Severity = "INFO"
	SeverityWarning   Severity = "WARNING"
	SeverityViolation Severity = "VIOLATION"
	SeverityCritical  Severity = "CRITICAL"
	SeverityEmergency Severity = "EMERGENCY"
)

type ComplianceEvent struct {
	ID                string         `json:"id"`
	SessionRef        string         `json:"sessionRef"`
	EventType         EventType      `json:"eventType"`
	Severity          Severity       `json:"severity"`
	Location          *GeoPoint      `json:"location,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	EventData         map[string]any `json:"eventData,omitempty"`
	ComplianceZoneRef string         `json:"complianceZoneRef,omitempty"`

	AcknowledgedBy  string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt  *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`

	ActivationMethod          string `json:"activationMethod,omitempty"`
	SeverityLevel             string `json:"severityLevel,omitempty"`
	FalseAlarmCount           int    `json:"falseAlarmCount,omitempty"`
	EmergencyContactsNotified bool   `json:"emergencyContactsNotified,omitempty"`
	EmergencyServicesNotified bool   `json:"emergencyServicesNotified,omitempty"`
	InitiatedBy               string `json:"initiatedBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

func (e ComplianceEvent) Resolved() bool { return e.ResolvedAt != nil }

// Emergencies

type EmergencyType string

const (
	EmergencySpill         EmergencyType = "SPILL"
	EmergencyFire          EmergencyType = "FIRE"
	EmergencyLeak          EmergencyType = "LEAK"
	EmergencyAccident      EmergencyType = "ACCIDENT"
	EmergencyHealth        EmergencyType = "HEALTH"
	EmergencySecurity      EmergencyType = "SECURITY"
	EmergencyEnvironmental EmergencyType = "ENVIRONMENTAL"
	EmergencyEquipment     EmergencyType = "EQUIPMENT"
	EmergencyWeather       EmergencyType = "WEATHER"
	EmergencyOther         EmergencyType = "OTHER"
)

var emergencyTypes = map[EmergencyType]struct{}{
	EmergencySpill: {}, EmergencyFire: {}, EmergencyLeak: {}, EmergencyAccident: {}, EmergencyHealth: {},
	EmergencySecurity: {}, EmergencyEnvironmental: {}, EmergencyEquipment: {}, EmergencyWeather: {}, EmergencyOther: {},
}

func (t EmergencyType) Valid() bool { _, ok := emergencyTypes[t]; return ok }

type ActivationStep string

const (
	StepInitiated ActivationStep = "INITIATED"
	StepConfirmed ActivationStep = "CONFIRMED"
)

// EmergencyActivation is the ephemeral record behind an activation token.
type EmergencyActivation struct {
	Token         string         `json:"token"`
	UserRef       string         `json:"userRef"`
	ShipmentRef   string         `json:"shipmentRef"`
	EmergencyType EmergencyType  `json:"emergencyType"`
	Step          ActivationStep `json:"step"`
	InitiatedAt   time.Time      `json:"initiatedAt"`
	ConfirmedAt   *time.Time     `json:"confirmedAt,omitempty"`
	PINVerified   bool           `json:"pinVerified"`
}

// Telemetry and read models

type TelemetrySample struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	SpeedKmh  *float64  `json:"speedKmh,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s TelemetrySample) Point() GeoPoint { return GeoPoint{Lat: s.Lat, Lng: s.Lng} }

type SessionSummary struct {
	SessionID        string          `json:"sessionId"`
	ShipmentRef      string          `json:"shipmentRef"`
	VehicleRef       string          `json:"vehicleRef"`
	DriverRef        string          `json:"driverRef"`
	Status           SessionStatus   `json:"status"`
	StartedAt        time.Time       `json:"startedAt"`
	CompletedAt      time.Time       `json:"completedAt"`
	DurationHours    float64         `json:"durationHours"`
	TotalEvents      int             `json:"totalEvents"`
	EventsByType     map[string]int  `json:"eventsByType"`
	EventsBySeverity map[string]int  `json:"eventsBySeverity"`
	TotalViolations  int             `json:"totalViolations"`
	TotalWarnings    int             `json:"totalWarnings"`
	FinalScore       float64         `json:"finalScore"`
	FinalLevel       ComplianceLevel `json:"finalLevel"`
	AlertCount       int             `json:"alertCount"`
	Notes            string          `json:"notes,omitempty"`
}

type LiveStatus struct {
	Session            MonitoringSession `json:"session"`
	RecentEvents       []ComplianceEvent `json:"recentEvents"`
	GPSStale           bool              `json:"gpsStale"`
	SecondsSinceUpdate *float64          `json:"secondsSinceUpdate,omitempty"`
}

// Alerts

type AlertChannel string

const (
	ChannelPush      AlertChannel = "PUSH"
	ChannelSMS       AlertChannel = "SMS"
	ChannelEmail     AlertChannel = "EMAIL"
	ChannelWebhook   AlertChannel = "WEBHOOK"
	ChannelDashboard AlertChannel = "DASHBOARD"
)

type AlertPriority string

const (
	PriorityLow      AlertPriority = "LOW"
	PriorityNormal   AlertPriority = "NORMAL"
	PriorityHigh     AlertPriority = "HIGH"
	PriorityCritical AlertPriority = "CRITICAL"
)

type AlertStatus string

const (
	AlertPending AlertStatus = "PENDING"
	AlertSent    AlertStatus = "SENT"
	AlertFailed  AlertStatus = "FAILED"
)

// AlertRecord is one outbox row.
type AlertRecord struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"sessionId,omitempty"`
	EventID       string        `json:"eventId,omitempty"`
	Channel       AlertChannel  `json:"channel"`
	Recipient     string        `json:"recipient"`
	Subject       string        `json:"subject"`
	Body          string        `json:"body"`
	Priority      AlertPriority `json:"priority"`
	Status        AlertStatus   `json:"status"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"nextAttemptAt"`
	LastError     string        `json:"lastError,omitempty"`
	ResponseCode  int           `json:"responseCode,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	SentAt        *time.Time    `json:"sentAt,omitempty"`
}

// MainHazardClass reduces a division ("3.2") to its class ("3").
func MainHazardClass(c string) string {
	c = strings.TrimSpace(c)
	if i := strings.IndexByte(c, '.'); i > 0 {
		return c[:i]
	}
	return c
}

// NormalizeHazardClasses maps to main classes, dropping blanks and duplicates.
func NormalizeHazardClasses(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, c := range in {
		m := MainHazardClass(c)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
