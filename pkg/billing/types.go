package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/auth"
)

var (
	// ErrTierUnchanged is returned when the requested tier is already current
	ErrTierUnchanged = errors.New("subscription tier unchanged")
	// ErrConcurrentChange is returned when another writer changed the tier first
	ErrConcurrentChange = errors.New("subscription tier changed concurrently")
)

// TierChange is one row of subscription_history
type TierChange struct {
	ID        uuid.UUID             `json:"id"`
	UserID    uuid.UUID             `json:"user_id"`
	FromTier  auth.SubscriptionTier `json:"from_tier"`
	ToTier    auth.SubscriptionTier `json:"to_tier"`
	ChangedBy *uuid.UUID            `json:"changed_by,omitempty"`
	Reason    string                `json:"reason,omitempty"`
	ChangedAt time.Time             `json:"changed_at"`
}

// IsUpgrade reports whether the change moved to a higher tier
func (c TierChange) IsUpgrade() bool {
	return c.ToTier.IsAtLeast(c.FromTier) && c.ToTier != c.FromTier
}

// Service manages subscription tiers
type Service interface {
	// CurrentTier returns the stored tier of a user
	CurrentTier(ctx context.Context, userID uuid.UUID) (auth.SubscriptionTier, error)

	// ChangeTier moves a user to tier and appends the change to the history.
	// changedBy is nil for system-initiated changes.
	ChangeTier(ctx context.Context, userID uuid.UUID, tier auth.SubscriptionTier, changedBy *uuid.UUID, reason string) (*TierChange, error)

	// History returns the tier changes of a user, newest first
	History(ctx context.Context, userID uuid.UUID) ([]*TierChange, error)
}
