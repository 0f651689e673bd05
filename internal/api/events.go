package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dgmonitor/internal/live"
)

const heartbeatEvery = 15 * time.Second

// UnresolvedEventsHandler handles GET /v1/events/unresolved?sessionId=&limit=
func (s *Server) UnresolvedEventsHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	items, err := s.Monitor.UnresolvedEvents(r.Context(), r.URL.Query().Get("sessionId"), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) AcknowledgeEventHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, canHandle)
	if !ok {
		return
	}
	ev, err := s.Monitor.AcknowledgeEvent(r.Context(), r.PathValue("id"), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) ResolveEventHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, canHandle)
	if !ok {
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	ev, err := s.Monitor.ResolveEvent(r.Context(), r.PathValue("id"), p.UserID, body.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// SessionStreamHandler handles GET /v1/sessions/{id}/events/stream (SSE).
func (s *Server) SessionStreamHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canView); !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := s.Monitor.GetSession(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream(w, r, live.SessionTopic(id), map[string]any{"sessionId": id})
}

// DashboardStreamHandler handles GET /v1/dashboard/stream (SSE of dashboard alerts).
func (s *Server) DashboardStreamHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canHandle); !ok {
		return
	}
	s.stream(w, r, live.DashboardTopic, map[string]any{"topic": live.DashboardTopic})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, topic string, hello map[string]any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)

	heartbeat := func() {
		hello["ts"] = time.Now().UTC().Format(time.RFC3339)
		writeSSE(w, live.Event{Type: "heartbeat", Data: hello})
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt live.Event) {
	b, _ := json.Marshal(evt.Data)
	fmt.Fprintf(w, "event: %s\n", evt.Type)
	fmt.Fprintf(w, "data: %s\n\n", b)
}
