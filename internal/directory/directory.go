// Package directory is the read-only view of shipment, dangerous-goods and user data
// owned by other services. The engine consumes it through the Shipments and Users
// interfaces; Memory is the in-process implementation seeded from the policy file.
package directory

import (
	"context"
	"errors"
	"sync"

	"dgmonitor/internal/model"
)

var ErrUnknownShipment = errors.New("unknown shipment")
var ErrUnknownUser = errors.New("unknown user")

type DangerousGood struct {
	UNNumber           string   `json:"unNumber" yaml:"unNumber"`
	ProperShippingName string   `json:"properShippingName" yaml:"properShippingName"`
	HazardClass        string   `json:"hazardClass" yaml:"hazardClass"`
	SubsidiaryRisks    []string `json:"subsidiaryRisks,omitempty" yaml:"subsidiaryRisks"`
	PackingGroup       string   `json:"packingGroup,omitempty" yaml:"packingGroup"`
	Quantity           string   `json:"quantity,omitempty" yaml:"quantity"`
	PhysicalForm       string   `json:"physicalForm,omitempty" yaml:"physicalForm"` // SOLID, LIQUID, GAS
}

type Contact struct {
	Name          string   `json:"name" yaml:"name"`
	Organization  string   `json:"organization,omitempty" yaml:"organization"`
	Type          string   `json:"type" yaml:"type"` // e.g. FIRE_SERVICE, COMPANY_EMERGENCY
	Phone         string   `json:"phone,omitempty" yaml:"phone"`
	Email         string   `json:"email,omitempty" yaml:"email"`
	HazardClasses []string `json:"hazardClasses,omitempty" yaml:"hazardClasses"` // empty = all
}

// Covers reports whether the contact handles the given hazard class.
func (c Contact) Covers(class string) bool {
	if len(c.HazardClasses) == 0 {
		return true
	}
	m := model.MainHazardClass(class)
	for _, hc := range c.HazardClasses {
		if model.MainHazardClass(hc) == m {
			return true
		}
	}
	return false
}

type Stakeholder struct {
	Name    string             `json:"name" yaml:"name"`
	Channel model.AlertChannel `json:"channel" yaml:"channel"`
	Address string             `json:"address" yaml:"address"`
}

type Shipment struct {
	ID             string          `yaml:"id"`
	Reference      string          `yaml:"reference"`
	VehicleRef     string          `yaml:"vehicle"`
	DriverRef      string          `yaml:"driver"`
	DangerousGoods []DangerousGood `yaml:"dangerousGoods"`
	Contacts       []Contact       `yaml:"emergencyContacts"`
	Stakeholders   []Stakeholder   `yaml:"stakeholders"`
}

type User struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	PINHash string `yaml:"pinHash"` // bcrypt
	Phone   string `yaml:"phone"`
}

// Shipments is the shipment/DG lookup consumed by the engine.
type Shipments interface {
	HazardClasses(ctx context.Context, shipmentID string) ([]string, error)
	DangerousGoodsSummary(ctx context.Context, shipmentID string) ([]DangerousGood, error)
	EmergencyContacts(ctx context.Context, shipmentID string) ([]Contact, error)
	Stakeholders(ctx context.Context, shipmentID string) ([]Stakeholder, error)
	Assignment(ctx context.Context, shipmentID string) (vehicleRef, driverRef string, err error)
}

// Users resolves the emergency PIN hash configured for a user.
type Users interface {
	EmergencyPINHash(ctx context.Context, userID string) (string, error)
}

// Memory implements Shipments and Users over maps.
type Memory struct {
	mu        sync.RWMutex
	shipments map[string]Shipment
	users     map[string]User
}

func NewMemory() *Memory {
	return &Memory{shipments: map[string]Shipment{}, users: map[string]User{}}
}

func (m *Memory) PutShipment(s Shipment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shipments[s.ID] = s
}

func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

func (m *Memory) shipment(id string) (Shipment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shipments[id]
	if !ok {
		return Shipment{}, ErrUnknownShipment
	}
	return s, nil
}

// HazardClasses returns the distinct main classes carried by the shipment.
func (m *Memory) HazardClasses(ctx context.Context, shipmentID string) ([]string, error) {
	s, err := m.shipment(shipmentID)
	if err != nil {
		return nil, err
	}
	raw := make([]string, 0, len(s.DangerousGoods))
	for _, dg := range s.DangerousGoods {
		raw = append(raw, dg.HazardClass)
	}
	return model.NormalizeHazardClasses(raw), nil
}

func (m *Memory) DangerousGoodsSummary(ctx context.Context, shipmentID string) ([]DangerousGood, error) {
	s, err := m.shipment(shipmentID)
	if err != nil {
		return nil, err
	}
	return append([]DangerousGood(nil), s.DangerousGoods...), nil
}

// EmergencyContacts returns the shipment's contacts that cover at least one of its classes.
func (m *Memory) EmergencyContacts(ctx context.Context, shipmentID string) ([]Contact, error) {
	s, err := m.shipment(shipmentID)
	if err != nil {
		return nil, err
	}
	out := []Contact{}
	for _, c := range s.Contacts {
		if len(s.DangerousGoods) == 0 {
			out = append(out, c)
			continue
		}
		for _, dg := range s.DangerousGoods {
			if c.Covers(dg.HazardClass) {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Stakeholders(ctx context.Context, shipmentID string) ([]Stakeholder, error) {
	s, err := m.shipment(shipmentID)
	if err != nil {
		return nil, err
	}
	return append([]Stakeholder(nil), s.Stakeholders...), nil
}

func (m *Memory) Assignment(ctx context.Context, shipmentID string) (string, string, error) {
	s, err := m.shipment(shipmentID)
	if err != nil {
		return "", "", err
	}
	return s.VehicleRef, s.DriverRef, nil
}

func (m *Memory) EmergencyPINHash(ctx context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok || u.PINHash == "" {
		return "", ErrUnknownUser
	}
	return u.PINHash, nil
}
