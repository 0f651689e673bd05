//go:build postgres_integration

package store

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"dgmonitor/internal/model"
)

func TestPostgresMigrateAndRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	s := newSession(uuid.NewString(), "shp-"+uuid.NewString(), "veh")
	s.StartedAt = time.Now().UTC()
	if _, err := p.CreateSession(t.Context(), s, nil); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	ev := model.ComplianceEvent{ID: uuid.NewString(), EventType: model.EventGPSUpdate, Severity: model.SeverityInfo, Timestamp: s.StartedAt, Title: "t", Description: "d"}
	for i := 0; i < 2; i++ {
		_, ins, err := p.CommitSessionChange(t.Context(), s.ID, []model.ComplianceEvent{ev}, nil)
		if err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		if want := 1 - i; len(ins) != want {
			t.Fatalf("commit %d inserted %d", i, len(ins))
		}
	}
}
