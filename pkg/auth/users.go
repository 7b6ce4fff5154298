package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// PrincipalSource loads the current state of a user for token issue
type PrincipalSource interface {
	LoadPrincipal(ctx context.Context, userID uuid.UUID) (Principal, error)
}

// SQLPrincipalSource reads principals from the users table
type SQLPrincipalSource struct {
	db *sql.DB
}

var _ PrincipalSource = (*SQLPrincipalSource)(nil)

// NewSQLPrincipalSource creates a principal source backed by db
func NewSQLPrincipalSource(db *sql.DB) *SQLPrincipalSource {
	return &SQLPrincipalSource{db: db}
}

// LoadPrincipal returns ErrUserNotFound for unknown users. Unknown role or
// tier values in the row are errors, not defaults.
func (s *SQLPrincipalSource) LoadPrincipal(ctx context.Context, userID uuid.UUID) (Principal, error) {
	var (
		p          Principal
		role, tier string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, role_name, subscription_tier, is_active, email_verified
		FROM users
		WHERE id = $1
	`, userID).Scan(&p.UserID, &p.Username, &p.Email, &role, &tier, &p.IsActive, &p.EmailVerified)
	if errors.Is(err, sql.ErrNoRows) {
		return Principal{}, ErrUserNotFound
	}
	if err != nil {
		return Principal{}, storeErr("loading user", err)
	}

	if p.Role, err = ParseRoleName(role); err != nil {
		return Principal{}, err
	}
	if p.SubscriptionTier, err = ParseSubscriptionTier(tier); err != nil {
		return Principal{}, err
	}
	return p, nil
}
