package emergency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dgmonitor/internal/alerts"
	"dgmonitor/internal/directory"
	"dgmonitor/internal/model"
)

// DataPacket is what responders receive with an activated emergency.
type DataPacket struct {
	EmergencyID       string                    `json:"emergencyId"`
	EmergencyType     model.EmergencyType       `json:"emergencyType"`
	SeverityLevel     string                    `json:"severityLevel"`
	SessionID         string                    `json:"sessionId"`
	SessionStatus     model.SessionStatus       `json:"sessionStatus"`
	ShipmentRef       string                    `json:"shipmentRef"`
	VehicleRef        string                    `json:"vehicleRef"`
	DriverRef         string                    `json:"driverRef"`
	Location          *model.GeoPoint           `json:"location,omitempty"`
	DangerousGoods    []directory.DangerousGood `json:"dangerousGoods"`
	EmergencyContacts []directory.Contact       `json:"emergencyContacts"`
	ResponseGuides    []ResponseGuide           `json:"responseGuides"`
	GeneratedAt       time.Time                 `json:"generatedAt"`
}

func (w *Workflow) buildPacket(ctx context.Context, s model.MonitoringSession, ev model.ComplianceEvent, t model.EmergencyType, now time.Time) DataPacket {
	p := DataPacket{
		EmergencyID:       ev.ID,
		EmergencyType:     t,
		SeverityLevel:     ev.SeverityLevel,
		SessionID:         s.ID,
		SessionStatus:     s.Status,
		ShipmentRef:       s.ShipmentRef,
		VehicleRef:        s.VehicleRef,
		DriverRef:         s.DriverRef,
		Location:          ev.Location,
		DangerousGoods:    []directory.DangerousGood{},
		EmergencyContacts: []directory.Contact{},
		ResponseGuides:    []ResponseGuide{},
		GeneratedAt:       now,
	}
	if dg, err := w.shipments.DangerousGoodsSummary(ctx, s.ShipmentRef); err == nil {
		p.DangerousGoods = dg
	} else {
		w.log.Warn().Err(err).Str("shipment_ref", s.ShipmentRef).Msg("dangerous goods summary unavailable")
	}
	if cs, err := w.shipments.EmergencyContacts(ctx, s.ShipmentRef); err == nil {
		p.EmergencyContacts = cs
	} else {
		w.log.Warn().Err(err).Str("shipment_ref", s.ShipmentRef).Msg("emergency contacts unavailable")
	}

	classes := s.MonitoredHazardClasses
	if len(classes) == 0 {
		for _, dg := range p.DangerousGoods {
			classes = append(classes, dg.HazardClass)
		}
		classes = model.NormalizeHazardClasses(classes)
	}
	for _, c := range classes {
		if g, ok := GuideFor(c); ok {
			p.ResponseGuides = append(p.ResponseGuides, g)
		}
	}
	return p
}

// broadcast queues the emergency notifications. Delivery happens in the alert worker.
func (w *Workflow) broadcast(ctx context.Context, s model.MonitoringSession, ev model.ComplianceEvent, p DataPacket) {
	if w.alerts == nil {
		return
	}
	subject := fmt.Sprintf("EMERGENCY %s: shipment %s", p.EmergencyType, s.ShipmentRef)
	body := packetSummary(p, ev)
	var out []alerts.Notification
	add := func(ch model.AlertChannel, to string) {
		if to == "" {
			return
		}
		out = append(out, alerts.Notification{
			Channel: ch, Recipient: to, Subject: subject, Body: body,
			Priority: model.PriorityCritical, SessionID: s.ID, EventID: ev.ID,
		})
	}
	for _, c := range p.EmergencyContacts {
		add(model.ChannelSMS, c.Phone)
	}
	add(model.ChannelPush, s.DriverRef)
	if sh, err := w.shipments.Stakeholders(ctx, s.ShipmentRef); err == nil {
		for _, st := range sh {
			ch := st.Channel
			if ch == "" {
				ch = model.ChannelEmail
			}
			add(ch, st.Address)
		}
	} else {
		w.log.Warn().Err(err).Str("shipment_ref", s.ShipmentRef).Msg("stakeholders unavailable")
	}
	add(model.ChannelDashboard, "dashboard")

	failed := 0
	for _, n := range out {
		if err := w.alerts.Enqueue(ctx, n); err != nil {
			failed++
			w.log.Error().Err(err).Str("event_id", ev.ID).Str("channel", string(n.Channel)).Msg("emergency broadcast enqueue failed")
		}
	}
	w.log.Info().Str("event_id", ev.ID).Int("queued", len(out)-failed).Int("failed", failed).Msg("emergency broadcast queued")
}

func packetSummary(p DataPacket, ev model.ComplianceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s. Vehicle %s, driver %s.", ev.Description, p.VehicleRef, p.DriverRef)
	if p.Location != nil {
		fmt.Fprintf(&b, " Location %.5f,%.5f.", p.Location.Lat, p.Location.Lng)
	}
	for _, dg := range p.DangerousGoods {
		fmt.Fprintf(&b, " %s %s (class %s).", dg.UNNumber, dg.ProperShippingName, dg.HazardClass)
	}
	for _, g := range p.ResponseGuides {
		fmt.Fprintf(&b, " Class %s: isolate %dm, evacuate %dm.", g.HazardClass, g.IsolationMeters, g.EvacuationMeters)
	}
	return b.String()
}
