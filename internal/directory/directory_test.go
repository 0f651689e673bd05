package directory

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func seeded() *Memory {
	m := NewMemory()
	m.PutShipment(Shipment{
		ID: "shp1", VehicleRef: "veh1", DriverRef: "drv1",
		DangerousGoods: []DangerousGood{
			{UNNumber: "UN1203", HazardClass: "3"},
			{UNNumber: "UN1017", HazardClass: "2.3"},
			{UNNumber: "UN1202", HazardClass: "3"},
		},
		Contacts: []Contact{
			{Name: "Fire", HazardClasses: []string{"3"}},
			{Name: "Radiation", HazardClasses: []string{"7"}},
			{Name: "Company"},
		},
	})
	return m
}

func TestHazardClassesNormalized(t *testing.T) {
	got, err := seeded().HazardClasses(context.Background(), "shp1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"3", "2"}) {
		t.Fatalf("got %v", got)
	}
}

func TestEmergencyContactsFilteredByClass(t *testing.T) {
	got, err := seeded().EmergencyContacts(context.Background(), "shp1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "Fire" || got[1].Name != "Company" {
		t.Fatalf("got %+v", got)
	}
}

func TestUnknownShipmentAndUser(t *testing.T) {
	m := seeded()
	if _, err := m.HazardClasses(context.Background(), "nope"); !errors.Is(err, ErrUnknownShipment) {
		t.Fatalf("want ErrUnknownShipment, got %v", err)
	}
	if _, err := m.EmergencyPINHash(context.Background(), "nobody"); !errors.Is(err, ErrUnknownUser) {
		t.Fatalf("want ErrUnknownUser, got %v", err)
	}
}
