package api

import (
	"net/http"
	"time"

	"dgmonitor/internal/buildinfo"
)

// DebugJSON reports build details, the loaded zone count and the non-secret config
// handed in through Info.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, canAdmin); !ok {
		return
	}
	info := map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"zones":  len(s.Zones.All()),
		"config": s.Info,
	}
	writeJSON(w, http.StatusOK, info)
}
