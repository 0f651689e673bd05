package api

import (
	"errors"
	"net/http"
	"strings"

	"dgmonitor/internal/apperr"
	"dgmonitor/internal/model"
	"dgmonitor/internal/store"
)

// AlertsHandler handles GET /v1/admin/alerts?status=PENDING|SENT|FAILED&limit=
func (s *Server) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canAdmin); !ok {
		return
	}
	status := model.AlertStatus(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case "", model.AlertPending, model.AlertSent, model.AlertFailed:
	default:
		s.writeError(w, r, apperr.Validation("INVALID_REQUEST", "unknown status %q", status))
		return
	}
	items, err := s.Store.ListAlerts(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, apperr.Transient("STORE_UNAVAILABLE", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) AlertDLQHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canAdmin); !ok {
		return
	}
	items, err := s.Store.ListAlertDLQ(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, apperr.Transient("STORE_UNAVAILABLE", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// AlertRequeueHandler moves a dead alert back to PENDING for another round of attempts.
func (s *Server) AlertRequeueHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canAdmin); !ok {
		return
	}
	id := r.PathValue("id")
	err := s.Store.RequeueAlertDLQ(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, r, apperr.NotFound("ALERT_NOT_FOUND", "dead alert %s not found", id))
		return
	}
	if err != nil {
		s.writeError(w, r, apperr.Transient("STORE_UNAVAILABLE", err))
		return
	}
	s.Log.Info().Str("alert_id", id).Msg("alert requeued")
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(model.AlertPending)})
}
