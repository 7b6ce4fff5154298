package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// DefaultMaxTokensPerUser is the number of concurrently active refresh tokens per user
const DefaultMaxTokensPerUser = 5

// Revocation reasons recorded on refresh_tokens.revoked_reason
const (
	RevokeReasonRotated     = "rotated"
	RevokeReasonCapExceeded = "cap_exceeded"
	RevokeReasonLogout      = "logout"
	RevokeReasonLogoutAll   = "logout_all"
	RevokeReasonReplay      = "replay_detected"
	RevokeReasonInactive    = "user_inactive"
	RevokeReasonAdmin       = "admin_revoke"
)

var tracer = observability.Tracer("github.com/platinummonkey/tollgate/pkg/auth")

// DeviceInfo is the client metadata captured for security analytics
type DeviceInfo struct {
	DeviceType  string `json:"device_type,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	GeoLocation string `json:"geo_location,omitempty"`
}

// RefreshToken is a persisted refresh token record. The raw token is never stored.
type RefreshToken struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	FamilyID      uuid.UUID  `json:"family_id"`
	Generation    int        `json:"generation"`
	TokenHash     string     `json:"-"`
	ExpiresAt     time.Time  `json:"expires_at"`
	IsRevoked     bool       `json:"is_revoked"`
	RevokedReason string     `json:"revoked_reason,omitempty"`
	UseCount      int64      `json:"use_count"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	Device        DeviceInfo `json:"device"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Active reports whether the token can still be rotated at now
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.IsRevoked && now.Before(t.ExpiresAt)
}

// NewRefreshToken describes a record to insert
type NewRefreshToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	FamilyID   uuid.UUID
	Generation int
	TokenHash  string
	ExpiresAt  time.Time
	Device     DeviceInfo
}

func (n NewRefreshToken) validate() error {
	switch {
	case n.ID == uuid.Nil, n.UserID == uuid.Nil, n.FamilyID == uuid.Nil:
		return fmt.Errorf("refresh token record requires id, user id and family id")
	case n.Generation < 1:
		return fmt.Errorf("refresh token generation must be positive")
	case len(n.TokenHash) != sha256.Size*2:
		return fmt.Errorf("refresh token hash must be a hex sha256 digest")
	case n.ExpiresAt.IsZero():
		return fmt.Errorf("refresh token expiry is required")
	}
	return nil
}

// MintFunc builds the successor record for a token being rotated. It runs
// inside the rotation transaction and must not perform I/O.
type MintFunc func(previous *RefreshToken) (NewRefreshToken, error)

// ReplayError is returned by Rotate when a revoked token is presented again
type ReplayError struct {
	TokenID  uuid.UUID
	UserID   uuid.UUID
	FamilyID uuid.UUID
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("refresh token %s already used", e.TokenID)
}

func (e *ReplayError) Unwrap() error {
	return ErrTokenAlreadyUsed
}

// RefreshTokenStore persists refresh tokens. It is the only writer of revocation state.
type RefreshTokenStore interface {
	Issue(ctx context.Context, token NewRefreshToken) (*RefreshToken, error)
	Rotate(ctx context.Context, oldHash string, mint MintFunc) (*RefreshToken, error)
	GetByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	ListActive(ctx context.Context, userID uuid.UUID) ([]*RefreshToken, error)
	Revoke(ctx context.Context, tokenID uuid.UUID, reason string) error
	RevokeFamily(ctx context.Context, familyID uuid.UUID, reason string) (int64, error)
	RevokeAll(ctx context.Context, userID uuid.UUID, exclude *uuid.UUID, reason string) (int64, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// HashToken computes the SHA256 hex digest stored in place of a raw token
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Dialect selects SQL features that differ between backends
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// StoreOption configures a SQLRefreshTokenStore
type StoreOption func(*SQLRefreshTokenStore)

// WithMaxTokensPerUser sets the active token cap
func WithMaxTokensPerUser(n int) StoreOption {
	return func(s *SQLRefreshTokenStore) {
		if n > 0 {
			s.maxPerUser = n
		}
	}
}

// WithStoreClock overrides the time source
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *SQLRefreshTokenStore) {
		s.now = now
	}
}

// WithStoreLogger sets the logger used for best-effort write failures
func WithStoreLogger(logger *observability.Logger) StoreOption {
	return func(s *SQLRefreshTokenStore) {
		s.logger = logger
	}
}

// WithDialect selects the SQL dialect. Postgres is the default.
func WithDialect(d Dialect) StoreOption {
	return func(s *SQLRefreshTokenStore) {
		s.dialect = d
	}
}

// SQLRefreshTokenStore implements RefreshTokenStore over database/sql
type SQLRefreshTokenStore struct {
	db         *sql.DB
	maxPerUser int
	now        func() time.Time
	logger     *observability.Logger
	dialect    Dialect
}

var _ RefreshTokenStore = (*SQLRefreshTokenStore)(nil)

// NewSQLRefreshTokenStore creates a store backed by db
func NewSQLRefreshTokenStore(db *sql.DB, opts ...StoreOption) *SQLRefreshTokenStore {
	s := &SQLRefreshTokenStore{
		db:         db,
		maxPerUser: DefaultMaxTokensPerUser,
		now:        time.Now,
		logger:     observability.NopLogger(),
		dialect:    DialectPostgres,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxTokensPerUser returns the active token cap
func (s *SQLRefreshTokenStore) MaxTokensPerUser() int {
	return s.maxPerUser
}

func (s *SQLRefreshTokenStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

const refreshTokenColumns = `id, user_id, family_id, generation, token_hash, expires_at, is_revoked,
		revoked_reason, use_count, last_used_at, device_type, ip_address, user_agent, geo_location,
		created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRefreshToken(row rowScanner) (*RefreshToken, error) {
	t := &RefreshToken{}
	var (
		revokedReason, deviceType, ipAddress, userAgent, geo sql.NullString
		lastUsed                                               sql.NullTime
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.FamilyID, &t.Generation, &t.TokenHash, &t.ExpiresAt, &t.IsRevoked,
		&revokedReason, &t.UseCount, &lastUsed, &deviceType, &ipAddress, &userAgent, &geo,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.RevokedReason = revokedReason.String
	t.Device = DeviceInfo{
		DeviceType:  deviceType.String,
		IPAddress:   ipAddress.String,
		UserAgent:   userAgent.String,
		GeoLocation: geo.String,
	}
	if lastUsed.Valid {
		used := lastUsed.Time
		t.LastUsedAt = &used
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// lockUser serializes cap enforcement for one user on Postgres.
// SQLite serializes writers at the database level.
func (s *SQLRefreshTokenStore) lockUser(ctx context.Context, tx *sql.Tx, userID uuid.UUID) error {
	if s.dialect != DialectPostgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID.String())
	return err
}

func (s *SQLRefreshTokenStore) insert(ctx context.Context, tx *sql.Tx, n NewRefreshToken, now time.Time) (*RefreshToken, error) {
	query := `
		INSERT INTO refresh_tokens (
			id, user_id, family_id, generation, token_hash, expires_at, is_revoked,
			use_count, device_type, ip_address, user_agent, geo_location, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, FALSE, 0, $7, $8, $9, $10, $11, $11)
	`
	expiresAt := n.ExpiresAt.UTC().Truncate(time.Microsecond)
	if _, err := tx.ExecContext(ctx, query,
		n.ID, n.UserID, n.FamilyID, n.Generation, n.TokenHash, expiresAt,
		nullString(n.Device.DeviceType), nullString(n.Device.IPAddress),
		nullString(n.Device.UserAgent), nullString(n.Device.GeoLocation), now,
	); err != nil {
		return nil, err
	}

	return &RefreshToken{
		ID:         n.ID,
		UserID:     n.UserID,
		FamilyID:   n.FamilyID,
		Generation: n.Generation,
		TokenHash:  n.TokenHash,
		ExpiresAt:  expiresAt,
		Device:     n.Device,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Issue inserts a new token, first revoking the oldest active tokens of the
// user until it is below the cap.
func (s *SQLRefreshTokenStore) Issue(ctx context.Context, n NewRefreshToken) (*RefreshToken, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}

	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := s.lockUser(ctx, tx, n.UserID); err != nil {
		return nil, storeErr("locking user tokens", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM refresh_tokens
		WHERE user_id = $1 AND is_revoked = FALSE AND expires_at > $2
		ORDER BY created_at ASC, generation ASC
	`, n.UserID, now)
	if err != nil {
		return nil, storeErr("listing active tokens", err)
	}
	var active []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr("scanning active token", err)
		}
		active = append(active, id)
	}
	if err := rows.Close(); err != nil {
		return nil, storeErr("listing active tokens", err)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing active tokens", err)
	}

	for i := 0; len(active)-i >= s.maxPerUser; i++ {
		if _, err := tx.ExecContext(ctx, `
			UPDATE refresh_tokens
			SET is_revoked = TRUE, revoked_reason = $1, updated_at = $2
			WHERE id = $3 AND is_revoked = FALSE
		`, RevokeReasonCapExceeded, now, active[i]); err != nil {
			return nil, storeErr("revoking oldest token", err)
		}
	}

	token, err := s.insert(ctx, tx, n, now)
	if err != nil {
		return nil, storeErr("inserting refresh token", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("committing refresh token", err)
	}
	return token, nil
}

// Rotate atomically revokes the token identified by oldHash and inserts the
// successor built by mint. Exactly one of any number of concurrent rotations
// of the same token succeeds. A revoked token yields *ReplayError.
func (s *SQLRefreshTokenStore) Rotate(ctx context.Context, oldHash string, mint MintFunc) (*RefreshToken, error) {
	ctx, span := tracer.Start(ctx, "RefreshTokenStore.Rotate")
	defer span.End()

	token, err := s.rotate(ctx, oldHash, mint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rotation failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("refresh_token.family_id", token.FamilyID.String()),
		attribute.Int("refresh_token.generation", token.Generation),
	)
	return token, nil
}

func (s *SQLRefreshTokenStore) rotate(ctx context.Context, oldHash string, mint MintFunc) (*RefreshToken, error) {
	if oldHash == "" {
		return nil, ErrTokenNotFound
	}

	now := s.timestamp()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRowContext(ctx, `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_reason = $1, updated_at = $2
		WHERE token_hash = $3 AND is_revoked = FALSE AND expires_at > $2
		RETURNING `+refreshTokenColumns,
		RevokeReasonRotated, now, oldHash,
	)
	previous, err := scanRefreshToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		classified := s.classifyMiss(ctx, tx, oldHash, now)
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.WithError(err).Warn("rollback after failed rotation")
		}
		var replay *ReplayError
		if errors.As(classified, &replay) {
			s.touch(ctx, replay.TokenID, now)
		}
		return nil, classified
	}
	if err != nil {
		return nil, storeErr("revoking rotated token", err)
	}

	next, err := mint(previous)
	if err != nil {
		return nil, fmt.Errorf("minting successor token: %w", err)
	}
	next.UserID = previous.UserID
	next.FamilyID = previous.FamilyID
	next.Generation = previous.Generation + 1
	if err := next.validate(); err != nil {
		return nil, err
	}

	token, err := s.insert(ctx, tx, next, now)
	if err != nil {
		return nil, storeErr("inserting successor token", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("committing rotation", err)
	}

	s.touch(ctx, previous.ID, now)
	return token, nil
}

// classifyMiss explains why the conditional revoke matched no row
func (s *SQLRefreshTokenStore) classifyMiss(ctx context.Context, tx *sql.Tx, tokenHash string, now time.Time) error {
	var (
		id, userID, familyID uuid.UUID
		revoked              bool
		expiresAt            time.Time
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, user_id, family_id, is_revoked, expires_at
		FROM refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&id, &userID, &familyID, &revoked, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrTokenNotFound
	case err != nil:
		return storeErr("looking up refresh token", err)
	case revoked:
		return &ReplayError{TokenID: id, UserID: userID, FamilyID: familyID}
	case !now.Before(expiresAt):
		return ErrTokenExpired
	default:
		// Row changed between the update and this read; a concurrent rotation won.
		return &ReplayError{TokenID: id, UserID: userID, FamilyID: familyID}
	}
}

// touch records a use of tokenID. Failures are logged and otherwise ignored.
// updated_at is left alone: it holds the revocation time that Cleanup keys on,
// and device details stay those of the session that was issued the token.
func (s *SQLRefreshTokenStore) touch(ctx context.Context, tokenID uuid.UUID, now time.Time) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET use_count = use_count + 1, last_used_at = $1
		WHERE id = $2
	`, now, tokenID); err != nil {
		s.logger.WithField("token_id", tokenID.String()).WithError(err).Warn("failed to record refresh token use")
	}
}

// GetByHash returns the record for tokenHash
func (s *SQLRefreshTokenStore) GetByHash(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	token, err := scanRefreshToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, storeErr("getting refresh token", err)
	}
	return token, nil
}

// ListActive returns the user's unrevoked, unexpired tokens, newest first
func (s *SQLRefreshTokenStore) ListActive(ctx context.Context, userID uuid.UUID) ([]*RefreshToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+refreshTokenColumns+`
		FROM refresh_tokens
		WHERE user_id = $1 AND is_revoked = FALSE AND expires_at > $2
		ORDER BY created_at DESC, generation DESC
	`, userID, s.timestamp())
	if err != nil {
		return nil, storeErr("listing active tokens", err)
	}
	defer rows.Close()

	var tokens []*RefreshToken
	for rows.Next() {
		token, err := scanRefreshToken(rows)
		if err != nil {
			return nil, storeErr("scanning refresh token", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("listing active tokens", err)
	}
	return tokens, nil
}

// Revoke marks a single token revoked. Revoking an already revoked token is a no-op.
func (s *SQLRefreshTokenStore) Revoke(ctx context.Context, tokenID uuid.UUID, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_reason = $1, updated_at = $2
		WHERE id = $3 AND is_revoked = FALSE
	`, reason, s.timestamp(), tokenID)
	if err != nil {
		return storeErr("revoking token", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var exists bool
		err := s.db.QueryRowContext(ctx, `SELECT TRUE FROM refresh_tokens WHERE id = $1`, tokenID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTokenNotFound
		}
		if err != nil {
			return storeErr("checking token", err)
		}
	}
	return nil
}

// RevokeFamily revokes every active token descended from the same login
func (s *SQLRefreshTokenStore) RevokeFamily(ctx context.Context, familyID uuid.UUID, reason string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_reason = $1, updated_at = $2
		WHERE family_id = $3 AND is_revoked = FALSE
	`, reason, s.timestamp(), familyID)
	if err != nil {
		return 0, storeErr("revoking token family", err)
	}
	return result.RowsAffected()
}

// RevokeAll revokes every active token of the user except exclude, when set
func (s *SQLRefreshTokenStore) RevokeAll(ctx context.Context, userID uuid.UUID, exclude *uuid.UUID, reason string) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET is_revoked = TRUE, revoked_reason = $1, updated_at = $2
		WHERE user_id = $3 AND is_revoked = FALSE`
	args := []interface{}{reason, s.timestamp(), userID}
	if exclude != nil {
		query += ` AND id <> $4`
		args = append(args, *exclude)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storeErr("revoking user tokens", err)
	}
	return result.RowsAffected()
}

// Cleanup deletes tokens that expired before olderThan and revoked tokens
// last updated before olderThan.
func (s *SQLRefreshTokenStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM refresh_tokens
		WHERE expires_at < $1 OR (is_revoked = TRUE AND updated_at < $1)
	`, olderThan.UTC().Truncate(time.Microsecond))
	if err != nil {
		return 0, storeErr("cleaning up refresh tokens", err)
	}
	return result.RowsAffected()
}
