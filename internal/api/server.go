// Package api exposes the monitoring engine over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dgmonitor/internal/auth"
	"dgmonitor/internal/emergency"
	"dgmonitor/internal/live"
	"dgmonitor/internal/metrics"
	"dgmonitor/internal/monitor"
	"dgmonitor/internal/store"
	"dgmonitor/internal/tracking"
	"dgmonitor/internal/zones"
)

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Server struct {
	Monitor   *monitor.Coordinator
	Emergency *emergency.Workflow
	Zones     *zones.Registry
	Store     store.Store
	Auth      *auth.Verifier
	Broker    live.EventBroker
	Locations tracking.LocationCache
	Log       zerolog.Logger

	// Limiter throttles all requests when set.
	Limiter *rate.Limiter
	// Checks run on /readyz in addition to the store ping.
	Checks []Check
	// Info is reported by /debug/info.
	Info map[string]any
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /v1/sessions", s.StartSessionHandler)
	mux.HandleFunc("GET /v1/sessions", s.ActiveSessionsHandler)
	mux.HandleFunc("GET /v1/sessions/{id}", s.GetSessionHandler)
	mux.HandleFunc("POST /v1/sessions/{id}/telemetry", s.TelemetryHandler)
	mux.HandleFunc("POST /v1/sessions/{id}/complete", s.CompleteSessionHandler)
	mux.HandleFunc("POST /v1/sessions/{id}/pause", s.PauseSessionHandler)
	mux.HandleFunc("POST /v1/sessions/{id}/resume", s.ResumeSessionHandler)
	mux.HandleFunc("GET /v1/sessions/{id}/live", s.LiveStatusHandler)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.SessionEventsHandler)
	mux.HandleFunc("GET /v1/sessions/{id}/events/stream", s.SessionStreamHandler)
	mux.HandleFunc("GET /v1/sessions/{id}/ws", s.SessionWSHandler)

	// Events
	mux.HandleFunc("GET /v1/events/unresolved", s.UnresolvedEventsHandler)
	mux.HandleFunc("POST /v1/events/{id}/acknowledge", s.AcknowledgeEventHandler)
	mux.HandleFunc("POST /v1/events/{id}/resolve", s.ResolveEventHandler)
	mux.HandleFunc("GET /v1/dashboard/stream", s.DashboardStreamHandler)

	// Zones
	mux.HandleFunc("GET /v1/zones", s.ListZonesHandler)
	mux.HandleFunc("POST /v1/zones", s.CreateZoneHandler)
	mux.HandleFunc("DELETE /v1/zones/{id}", s.DeleteZoneHandler)
	mux.HandleFunc("GET /v1/zones/check", s.CheckLocationHandler)
	mux.HandleFunc("GET /v1/zones/route", s.SafeRouteHandler)

	// Vehicles
	mux.HandleFunc("GET /v1/vehicles/nearby", s.NearbyVehiclesHandler)
	mux.HandleFunc("GET /v1/vehicles/{ref}/location", s.VehicleLocationHandler)

	// Emergency
	mux.HandleFunc("POST /v1/emergency/initiate", s.InitiateEmergencyHandler)
	mux.HandleFunc("POST /v1/emergency/confirm", s.ConfirmEmergencyHandler)
	mux.HandleFunc("POST /v1/emergency/activate", s.ActivateEmergencyHandler)
	mux.HandleFunc("POST /v1/emergency/events/{id}/false-alarm", s.FalseAlarmHandler)

	// Admin
	mux.HandleFunc("GET /v1/admin/alerts", s.AlertsHandler)
	mux.HandleFunc("GET /v1/admin/alerts/dlq", s.AlertDLQHandler)
	mux.HandleFunc("POST /v1/admin/alerts/dlq/{id}/requeue", s.AlertRequeueHandler)

	// Ops
	mux.HandleFunc("GET /healthz", s.HealthHandler)
	mux.HandleFunc("GET /readyz", s.ReadyHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /debug/info", s.DebugJSON)

	return s.accessLog(s.rateLimit(instrument(mux)))
}
