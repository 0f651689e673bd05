package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"dgmonitor/internal/apperr"
	"dgmonitor/internal/geo"
	"dgmonitor/internal/model"
	"dgmonitor/internal/store"
	"dgmonitor/internal/zones"
)

func (s *Server) ListZonesHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	items, err := s.Store.ListZones(r.Context())
	if err != nil {
		s.writeError(w, r, apperr.Transient("STORE_UNAVAILABLE", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type zoneRequest struct {
	model.ComplianceZone
	// Active defaults to true when omitted.
	Active *bool `json:"active"`
}

// CreateZoneHandler handles POST /v1/zones. A body with an existing id replaces that
// zone. The registry is reloaded on success.
func (s *Server) CreateZoneHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canZones); !ok {
		return
	}
	var req zoneRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	z := req.ComplianceZone
	z.Active = req.Active == nil || *req.Active
	if z.ID == "" {
		z.ID = uuid.New().String()
	}
	z = zones.Normalize(z)
	if err := zones.Validate(z); err != nil {
		s.writeError(w, r, apperr.Validation("INVALID_ZONE", "%v", err))
		return
	}
	out, err := s.Store.UpsertZone(r.Context(), z)
	if err != nil {
		s.writeError(w, r, apperr.Transient("STORE_UNAVAILABLE", err))
		return
	}
	s.reloadZones(r)
	s.Log.Info().Str("zone_id", out.ID).Str("zone_type", string(out.ZoneType)).Msg("zone saved")
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) DeleteZoneHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canZones); !ok {
		return
	}
	id := r.PathValue("id")
	err := s.Store.DeleteZone(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, apperr.NotFound("ZONE_NOT_FOUND", "zone %s not found", id))
		return
	}
	if err != nil {
		s.writeError(w, r, apperr.Transient("STORE_UNAVAILABLE", err))
		return
	}
	s.reloadZones(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadZones(r *http.Request) {
	if err := s.Zones.Reload(r.Context()); err != nil {
		s.Log.Warn().Err(err).Msg("zone reload failed")
	}
}

// CheckLocationHandler handles GET /v1/zones/check?lat=&lng=&hazardClass=
func (s *Server) CheckLocationHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	p, ok := s.point(w, r, "lat", "lng")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Zones.CheckLocationRestrictions(p, queryClasses(r)))
}

// SafeRouteHandler handles GET /v1/zones/route?fromLat=&fromLng=&toLat=&toLng=&hazardClass=
func (s *Server) SafeRouteHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	from, ok := s.point(w, r, "fromLat", "fromLng")
	if !ok {
		return
	}
	to, ok := s.point(w, r, "toLat", "toLng")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Zones.SafeRoute(from, to, queryClasses(r)))
}

// point reads a coordinate pair from the query, writing a 400 when it is missing or
// out of range.
func (s *Server) point(w http.ResponseWriter, r *http.Request, latKey, lngKey string) (model.GeoPoint, bool) {
	lat, err := queryFloat(r, latKey)
	if err == nil {
		var lng float64
		lng, err = queryFloat(r, lngKey)
		if err == nil {
			p := model.GeoPoint{Lat: lat, Lng: lng}
			if geo.Valid(p) {
				return p, true
			}
			err = errors.New("coordinates out of range")
		}
	}
	s.writeError(w, r, apperr.Validation("INVALID_LOCATION", "%v", err))
	return model.GeoPoint{}, false
}
