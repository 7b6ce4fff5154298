package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// PostgresService implements Service over the users and subscription_history tables
type PostgresService struct {
	db     *sql.DB
	audit  audit.Logger
	logger *observability.Logger
	now    func() time.Time
}

var _ Service = (*PostgresService)(nil)

// Option configures a PostgresService
type Option func(*PostgresService)

// WithAuditLogger emits billing.tier_changed events
func WithAuditLogger(l audit.Logger) Option {
	return func(s *PostgresService) {
		s.audit = l
	}
}

func WithLogger(l *observability.Logger) Option {
	return func(s *PostgresService) {
		s.logger = l
	}
}

// WithClock overrides the time source used for changed_at
func WithClock(now func() time.Time) Option {
	return func(s *PostgresService) {
		s.now = now
	}
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, opts ...Option) *PostgresService {
	s := &PostgresService{
		db:     db,
		audit:  audit.NoOp{},
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func currentTier(ctx context.Context, q queryRower, userID uuid.UUID) (auth.SubscriptionTier, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT subscription_tier FROM users WHERE id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load subscription tier: %w", err)
	}
	return auth.ParseSubscriptionTier(raw)
}

// CurrentTier returns the stored tier of a user
func (s *PostgresService) CurrentTier(ctx context.Context, userID uuid.UUID) (auth.SubscriptionTier, error) {
	return currentTier(ctx, s.db, userID)
}

// ChangeTier updates users.subscription_tier and records the change in one
// transaction. The update is conditional on the tier read in the same
// transaction; losing that race returns ErrConcurrentChange.
func (s *PostgresService) ChangeTier(ctx context.Context, userID uuid.UUID, tier auth.SubscriptionTier, changedBy *uuid.UUID, reason string) (*TierChange, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: %q", auth.ErrUnknownTier, tier)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	from, err := currentTier(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if from == tier {
		return nil, ErrTierUnchanged
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE users SET subscription_tier = $1
		WHERE id = $2 AND subscription_tier = $3
	`, string(tier), userID, string(from))
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription tier: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrConcurrentChange
	}

	change := &TierChange{
		ID:        uuid.New(),
		UserID:    userID,
		FromTier:  from,
		ToTier:    tier,
		ChangedBy: changedBy,
		Reason:    reason,
		ChangedAt: s.now().UTC().Truncate(time.Microsecond),
	}
	var changedByArg interface{}
	if changedBy != nil {
		changedByArg = *changedBy
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscription_history (id, user_id, from_tier, to_tier, changed_by, reason, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, change.ID, userID, string(from), string(tier), changedByArg, reason, change.ChangedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record tier change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tier change: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"user_id": userID.String(),
		"from":    string(from),
		"to":      string(tier),
	}).Info("subscription tier changed")

	event := audit.NewEvent(audit.EventTypeTierChanged, audit.EventStatusSuccess).
		WithUser(userID).
		WithMetadata("from_tier", string(from)).
		WithMetadata("to_tier", string(tier))
	event.ResourceType = audit.ResourceTypeSubscription
	event.ResourceID = change.ID.String()
	event.Action = "change_tier"
	if changedBy != nil {
		event.WithMetadata("changed_by", changedBy.String())
	}
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WithError(err).Warn("failed to write tier change audit event")
	}

	return change, nil
}

// History returns the tier changes of a user, newest first
func (s *PostgresService) History(ctx context.Context, userID uuid.UUID) ([]*TierChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, from_tier, to_tier, changed_by, reason, changed_at
		FROM subscription_history
		WHERE user_id = $1
		ORDER BY changed_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription history: %w", err)
	}
	defer rows.Close()

	var changes []*TierChange
	for rows.Next() {
		var (
			c         TierChange
			from, to  string
			changedBy uuid.NullUUID
			reason    sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &from, &to, &changedBy, &reason, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription history: %w", err)
		}
		if c.FromTier, err = auth.ParseSubscriptionTier(from); err != nil {
			return nil, err
		}
		if c.ToTier, err = auth.ParseSubscriptionTier(to); err != nil {
			return nil, err
		}
		if changedBy.Valid {
			id := changedBy.UUID
			c.ChangedBy = &id
		}
		c.Reason = reason.String
		changes = append(changes, &c)
	}
	return changes, rows.Err()
}
