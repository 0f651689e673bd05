package api

import (
	"net/http"
	"strings"

	"dgmonitor/internal/auth"
)

// principal resolves the caller. Bearer tokens go through the verifier; in dev mode
// X-User-Id and X-Role headers are accepted instead.
func (s *Server) principal(r *http.Request) (auth.Principal, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		return s.Auth.Verify(strings.TrimSpace(authz[len("Bearer "):]))
	}
	if s.Auth == nil || s.Auth.Dev() {
		user := r.Header.Get("X-User-Id")
		if user == "" {
			user = "dev"
		}
		role := r.Header.Get("X-Role")
		if role == "" {
			role = string(auth.RoleAdmin)
		}
		return auth.Principal{UserID: user, Role: auth.ParseRole(role)}, nil
	}
	return auth.Principal{}, auth.ErrUnauthenticated
}

// authorize writes 401/403 and returns false unless the caller passes allowed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, allowed func(auth.Permissions) bool) (auth.Principal, bool) {
	p, err := s.principal(r)
	if err != nil {
		writeProblemBody(w, Problem{Status: http.StatusUnauthorized, Title: "Unauthorized", Detail: err.Error(), Instance: r.URL.Path, Reason: "UNAUTHENTICATED"})
		return p, false
	}
	if !allowed(p.Can()) {
		writeProblemBody(w, Problem{Status: http.StatusForbidden, Title: "Forbidden", Detail: "role " + string(p.Role) + " may not do this", Instance: r.URL.Path, Reason: "FORBIDDEN"})
		return p, false
	}
	return p, true
}

func canView(p auth.Permissions) bool      { return p.ViewSessions }
func canManage(p auth.Permissions) bool    { return p.ManageSessions }
func canTelemetry(p auth.Permissions) bool { return p.SubmitTelemetry }
func canHandle(p auth.Permissions) bool    { return p.HandleEvents }
func canZones(p auth.Permissions) bool     { return p.ManageZones }
func canEmergency(p auth.Permissions) bool { return p.ActivateEmergency }
func canAdmin(p auth.Permissions) bool     { return p.AdminAlerts }
