package auth

import "strings"

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDispatcher Role = "dispatcher"
	RoleDriver     Role = "driver"
	RoleViewer     Role = "viewer"
)

// ParseRole maps a claim value to a Role. Unknown values are viewers.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleDispatcher, RoleDriver, RoleViewer:
		return r
	}
	return RoleViewer
}

// Permissions is what a role may do.
type Permissions struct {
	ViewSessions      bool
	ManageSessions    bool
	SubmitTelemetry   bool
	HandleEvents      bool
	ManageZones       bool
	ActivateEmergency bool
	AdminAlerts       bool
}

var rolePermissions = map[Role]Permissions{
	RoleAdmin: {
		ViewSessions: true, ManageSessions: true, SubmitTelemetry: true, HandleEvents: true,
		ManageZones: true, ActivateEmergency: true, AdminAlerts: true,
	},
	RoleDispatcher: {ViewSessions: true, ManageSessions: true, SubmitTelemetry: true, HandleEvents: true},
	RoleDriver:     {ViewSessions: true, SubmitTelemetry: true, ActivateEmergency: true},
	RoleViewer:     {ViewSessions: true},
}

func (r Role) Permissions() Permissions { return rolePermissions[r] }

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   Role
}

func (p Principal) Can() Permissions { return p.Role.Permissions() }
