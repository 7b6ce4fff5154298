package auth

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RoleName is the system-wide role of a user
type RoleName string

const (
	RoleAdmin  RoleName = "admin"  // System administrator
	RoleMember RoleName = "member" // Regular user
)

const (
	adminPermissionLevel  = 100
	memberPermissionLevel = 10
)

// ParseRoleName parses a role name. Unknown names are rejected.
func ParseRoleName(s string) (RoleName, error) {
	switch RoleName(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleMember:
		return RoleMember, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}

// PermissionLevel orders roles. Comparisons must go through the level.
func (r RoleName) PermissionLevel() int {
	switch r {
	case RoleAdmin:
		return adminPermissionLevel
	case RoleMember:
		return memberPermissionLevel
	default:
		return 0
	}
}

// IsAdmin reports whether the role carries administrator privileges
func (r RoleName) IsAdmin() bool {
	return r.PermissionLevel() >= adminPermissionLevel
}

// Valid reports whether r is a known role
func (r RoleName) Valid() bool {
	return r.PermissionLevel() > 0
}

// SubscriptionTier is the billing plan of a user
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierPro        SubscriptionTier = "pro"
	TierEnterprise SubscriptionTier = "enterprise"
)

// ParseSubscriptionTier parses a tier name. Unknown names are rejected.
func ParseSubscriptionTier(s string) (SubscriptionTier, error) {
	switch SubscriptionTier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, nil
	case TierPro:
		return TierPro, nil
	case TierEnterprise:
		return TierEnterprise, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
}

func (t SubscriptionTier) rank() int {
	switch t {
	case TierFree:
		return 1
	case TierPro:
		return 2
	case TierEnterprise:
		return 3
	default:
		return 0
	}
}

// IsAtLeast reports whether t is the required tier or above.
// An unknown tier is below every known tier.
func (t SubscriptionTier) IsAtLeast(required SubscriptionTier) bool {
	return t.rank() > 0 && t.rank() >= required.rank()
}

// Valid reports whether t is a known tier
func (t SubscriptionTier) Valid() bool {
	return t.rank() > 0
}

// Principal is the authenticated identity attached to a request.
// It is a snapshot of the user at access-token issue time.
type Principal struct {
	UserID           uuid.UUID        `json:"user_id"`
	Username         string           `json:"username"`
	Email            string           `json:"email"`
	Role             RoleName         `json:"role_name"`
	SubscriptionTier SubscriptionTier `json:"subscription_tier"`
	IsActive         bool             `json:"is_active"`
	EmailVerified    bool             `json:"email_verified"`
}

// Validate checks that the principal can be encoded into a token
func (p Principal) Validate() error {
	if p.UserID == uuid.Nil {
		return fmt.Errorf("principal user id is required")
	}
	if !p.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, p.Role)
	}
	if !p.SubscriptionTier.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, p.SubscriptionTier)
	}
	return nil
}
