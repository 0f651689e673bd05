package api

import (
	"net/http"

	"dgmonitor/internal/apperr"
)

const defaultNearbyRadius = 5000.0

// NearbyVehiclesHandler handles GET /v1/vehicles/nearby?lat=&lng=&radiusMeters=
func (s *Server) NearbyVehiclesHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	center, ok := s.point(w, r, "lat", "lng")
	if !ok {
		return
	}
	radius := defaultNearbyRadius
	if r.URL.Query().Get("radiusMeters") != "" {
		v, err := queryFloat(r, "radiusMeters")
		if err != nil || v <= 0 {
			s.writeError(w, r, apperr.Validation("INVALID_REQUEST", "radiusMeters must be a positive number"))
			return
		}
		radius = v
	}
	items, err := s.Locations.Near(r.Context(), center, radius)
	if err != nil {
		s.writeError(w, r, apperr.Transient("LOCATIONS_UNAVAILABLE", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "radiusMeters": radius})
}

// VehicleLocationHandler handles GET /v1/vehicles/{ref}/location
func (s *Server) VehicleLocationHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	ref := r.PathValue("ref")
	pos, found, err := s.Locations.Get(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, apperr.Transient("LOCATIONS_UNAVAILABLE", err))
		return
	}
	if !found {
		s.writeError(w, r, apperr.NotFound("VEHICLE_NOT_TRACKED", "no recent position for vehicle %s", ref))
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
