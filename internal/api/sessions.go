package api

import (
	"net/http"
	"time"

	"dgmonitor/internal/apperr"
	"dgmonitor/internal/auth"
	"dgmonitor/internal/model"
	"dgmonitor/internal/monitor"
)

// StartSessionHandler handles POST /v1/sessions
func (s *Server) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canManage); !ok {
		return
	}
	var req monitor.StartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.Monitor.StartSession(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// ActiveSessionsHandler handles GET /v1/sessions
func (s *Server) ActiveSessionsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	items, err := s.Monitor.ActiveSessions(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	sess, err := s.Monitor.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// TelemetryHandler handles POST /v1/sessions/{id}/telemetry. Drivers may only report
// for their own sessions.
func (s *Server) TelemetryHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, canTelemetry)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if p.Role == auth.RoleDriver {
		sess, err := s.Monitor.GetSession(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if sess.DriverRef != p.UserID {
			s.writeError(w, r, apperr.Permission("NOT_SESSION_DRIVER", "session %s is assigned to another driver", id))
			return
		}
	}
	var sample model.TelemetrySample
	if !decodeJSON(w, r, &sample) {
		return
	}
	sess, res, err := s.Monitor.SubmitTelemetry(r.Context(), id, sample)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":    sess,
		"violations": res.Violations,
		"warnings":   res.Warnings,
	})
}

// CompleteSessionHandler handles POST /v1/sessions/{id}/complete
func (s *Server) CompleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canManage); !ok {
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	sum, err := s.Monitor.CompleteSession(r.Context(), r.PathValue("id"), body.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) PauseSessionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, canManage)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	sess, err := s.Monitor.PauseSession(r.Context(), r.PathValue("id"), p.UserID, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) ResumeSessionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, canManage)
	if !ok {
		return
	}
	sess, err := s.Monitor.ResumeSession(r.Context(), r.PathValue("id"), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// LiveStatusHandler handles GET /v1/sessions/{id}/live
func (s *Server) LiveStatusHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	st, err := s.Monitor.LiveStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SessionEventsHandler handles GET /v1/sessions/{id}/events?since=RFC3339&limit=N
func (s *Server) SessionEventsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, apperr.Validation("INVALID_REQUEST", "since: %v", err))
			return
		}
		since = t
	}
	items, err := s.Monitor.SessionEvents(r.Context(), r.PathValue("id"), since, queryInt(r, "limit", 500))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
