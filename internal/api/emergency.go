package api

import (
	"net/http"
	"strings"

	"dgmonitor/internal/emergency"
	"dgmonitor/internal/model"
)

// InitiateEmergencyHandler handles POST /v1/emergency/initiate, step one of the
// three-step activation.
func (s *Server) InitiateEmergencyHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, canEmergency)
	if !ok {
		return
	}
	var body struct {
		ShipmentRef   string              `json:"shipmentRef"`
		EmergencyType model.EmergencyType `json:"emergencyType"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	t := model.EmergencyType(strings.ToUpper(strings.TrimSpace(string(body.EmergencyType))))
	out, err := s.Emergency.Initiate(r.Context(), p.UserID, body.ShipmentRef, t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) ConfirmEmergencyHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, canEmergency)
	if !ok {
		return
	}
	var body struct {
		Token            string `json:"token"`
		PIN              string `json:"pin"`
		ConfirmationText string `json:"confirmationText"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	act, err := s.Emergency.Confirm(r.Context(), p.UserID, body.Token, body.PIN, body.ConfirmationText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":         body.Token,
		"step":          act.Step,
		"emergencyType": act.EmergencyType,
		"shipmentRef":   act.ShipmentRef,
		"expiresAt":     act.InitiatedAt.Add(s.Emergency.Policy().Timeout),
	})
}

// ActivateEmergencyHandler handles POST /v1/emergency/activate, the final step.
func (s *Server) ActivateEmergencyHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, canEmergency)
	if !ok {
		return
	}
	var req emergency.ActivateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.UserRef = p.UserID
	out, err := s.Emergency.Activate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// FalseAlarmHandler handles POST /v1/emergency/events/{id}/false-alarm
func (s *Server) FalseAlarmHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, canEmergency)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	out, err := s.Emergency.MarkFalseAlarm(r.Context(), r.PathValue("id"), p.UserID, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
