package domain

import (
	"errors"
	"strings"
)

// Built-in roles. Catalogs may declare additional ones.
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleViewer  = "viewer"
)

// DefaultRegion is used when a context is built without a region.
const DefaultRegion = "US"

var (
	ErrMissingTenant = errors.New("tenant_id is required")
	ErrMissingUser   = errors.New("user_id is required")
	ErrMissingRole   = errors.New("role is required")
)

// SecurityContext identifies who is asking and on behalf of which tenant.
// It is a value type: once built it cannot be changed.
type SecurityContext struct {
	tenantID string
	userID   string
	role     string
	region   string
}

// NewSecurityContext validates and builds a SecurityContext. Role names are
// case-insensitive and stored lowercased; an empty region becomes DefaultRegion.
func NewSecurityContext(tenantID, userID, role, region string) (SecurityContext, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	role = strings.ToLower(strings.TrimSpace(role))
	region = strings.TrimSpace(region)

	if tenantID == "" {
		return SecurityContext{}, ErrMissingTenant
	}
	if userID == "" {
		return SecurityContext{}, ErrMissingUser
	}
	if role == "" {
		return SecurityContext{}, ErrMissingRole
	}
	if region == "" {
		region = DefaultRegion
	}

	return SecurityContext{
		tenantID: tenantID,
		userID:   userID,
		role:     role,
		region:   region,
	}, nil
}

func (c SecurityContext) TenantID() string { return c.tenantID }
func (c SecurityContext) UserID() string   { return c.userID }
func (c SecurityContext) Role() string     { return c.role }
func (c SecurityContext) Region() string   { return c.region }

// IsZero reports whether the context was never initialised.
func (c SecurityContext) IsZero() bool {
	return c == SecurityContext{}
}
