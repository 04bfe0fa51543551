package model

import "time"

// AppRole is the role a user holds inside one client application.
type AppRole string

const (
	RoleNone       AppRole = "none"
	RoleUser       AppRole = "user"
	RoleAdmin      AppRole = "admin"
	RoleSuperAdmin AppRole = "superadmin"
)

// Valid reports whether r is one of the known roles.
func (r AppRole) Valid() bool {
	switch r {
	case RoleNone, RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// PermissionStatus tracks an access request through review.
type PermissionStatus string

const (
	PermissionNone     PermissionStatus = "none"
	PermissionPending  PermissionStatus = "pending"
	PermissionApproved PermissionStatus = "approved"
	PermissionRevoked  PermissionStatus = "revoked"
)

// AppPermission is the (user, client) access record.
type AppPermission struct {
	UserID      string           `json:"user_id"`
	ClientID    string           `json:"client_id"`
	Role        AppRole          `json:"role"`
	Status      PermissionStatus `json:"status"`
	GrantedBy   string           `json:"granted_by,omitempty"`
	RevokedBy   string           `json:"revoked_by,omitempty"`
	RequestedAt time.Time        `json:"requested_at,omitzero"`
	GrantedAt   time.Time        `json:"granted_at,omitzero"`
	RevokedAt   time.Time        `json:"revoked_at,omitzero"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Approved reports whether the record currently grants access.
func (p *AppPermission) Approved() bool {
	return p != nil && p.Status == PermissionApproved && p.Role != RoleNone
}
