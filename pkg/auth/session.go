package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// ReplayPolicy selects the response to a refresh token presented after rotation
type ReplayPolicy int

const (
	// ReplayRevokeFamily revokes every token descended from the same login
	ReplayRevokeFamily ReplayPolicy = iota
	// ReplayRevokeAll revokes every session of the user
	ReplayRevokeAll
)

// ParseReplayPolicy parses "family" or "all"
func ParseReplayPolicy(s string) (ReplayPolicy, error) {
	switch s {
	case "", "family":
		return ReplayRevokeFamily, nil
	case "all":
		return ReplayRevokeAll, nil
	default:
		return 0, fmt.Errorf("unknown replay policy %q", s)
	}
}

// TokenPair is what a client receives from Login and Refresh
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshAt        time.Time `json:"refresh_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	TokenType        string    `json:"token_type"`

	SessionID uuid.UUID `json:"-"`
	FamilyID  uuid.UUID `json:"-"`
	Principal Principal `json:"-"`
}

// SessionOption configures a SessionService
type SessionOption func(*SessionService)

// WithReplayPolicy sets the replay response. ReplayRevokeFamily is the default.
func WithReplayPolicy(p ReplayPolicy) SessionOption {
	return func(s *SessionService) {
		s.replay = p
	}
}

// WithSessionAudit sets the audit sink
func WithSessionAudit(l audit.Logger) SessionOption {
	return func(s *SessionService) {
		s.audit = l
	}
}

// WithSessionMetrics sets the metrics recorder
func WithSessionMetrics(m *observability.Metrics) SessionOption {
	return func(s *SessionService) {
		s.metrics = m
	}
}

// WithSessionLogger sets the logger
func WithSessionLogger(l *observability.Logger) SessionOption {
	return func(s *SessionService) {
		s.logger = l
	}
}

// SessionService issues, rotates and revokes token pairs
type SessionService struct {
	codec   *TokenCodec
	store   RefreshTokenStore
	users   PrincipalSource
	audit   audit.Logger
	metrics *observability.Metrics
	logger  *observability.Logger
	replay  ReplayPolicy
}

// NewSessionService wires the codec, the refresh store and the user source
func NewSessionService(codec *TokenCodec, store RefreshTokenStore, users PrincipalSource, opts ...SessionOption) *SessionService {
	s := &SessionService{
		codec:  codec,
		store:  store,
		users:  users,
		audit:  audit.NoOp{},
		logger: observability.NopLogger(),
		replay: ReplayRevokeFamily,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login starts a new session family for an active user
func (s *SessionService) Login(ctx context.Context, userID uuid.UUID, device DeviceInfo) (*TokenPair, error) {
	p, err := s.users.LoadPrincipal(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		s.recordToken(ctx, audit.EventTypeLoginRejected, userID, uuid.Nil, audit.EventStatusDenied, "user inactive")
		return nil, ErrUserInactive
	}

	access, err := s.codec.IssueAccess(p)
	if err != nil {
		return nil, err
	}

	tokenID := uuid.New()
	raw, expiresAt, err := s.codec.IssueRefresh(p.UserID, tokenID, 1)
	if err != nil {
		return nil, err
	}

	record, err := s.store.Issue(ctx, NewRefreshToken{
		ID:         tokenID,
		UserID:     p.UserID,
		FamilyID:   uuid.New(),
		Generation: 1,
		TokenHash:  HashToken(raw),
		ExpiresAt:  expiresAt,
		Device:     device,
	})
	if err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	s.metrics.RecordTokenIssued(tokenTypeAccess)
	s.metrics.RecordTokenIssued(tokenTypeRefresh)
	s.recordToken(ctx, audit.EventTypeTokenIssued, p.UserID, record.ID, audit.EventStatusSuccess, "login")

	return newTokenPair(access, raw, record, p), nil
}

// Refresh rotates rawRefresh and issues a new pair carrying the user's
// current role and tier. A token presented after rotation triggers the
// replay policy and fails with ErrTokenAlreadyUsed.
func (s *SessionService) Refresh(ctx context.Context, rawRefresh string, device DeviceInfo) (*TokenPair, error) {
	claims, err := s.codec.VerifyRefresh(rawRefresh)
	if err != nil {
		s.metrics.RecordTokenVerification(tokenTypeRefresh, verificationResult(err))
		return nil, err
	}
	s.metrics.RecordTokenVerification(tokenTypeRefresh, "valid")

	oldHash := HashToken(rawRefresh)

	p, err := s.users.LoadPrincipal(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		s.revokeInactive(ctx, oldHash)
		return nil, ErrUserInactive
	}

	access, err := s.codec.IssueAccess(p)
	if err != nil {
		return nil, err
	}

	var raw string
	mint := func(previous *RefreshToken) (NewRefreshToken, error) {
		if previous.UserID != claims.UserID || previous.ID != claims.TokenID {
			return NewRefreshToken{}, fmt.Errorf("%w: claims do not match stored token", ErrTokenMalformed)
		}
		next := NewRefreshToken{
			ID:         uuid.New(),
			UserID:     previous.UserID,
			FamilyID:   previous.FamilyID,
			Generation: previous.Generation + 1,
			Device:     device,
		}
		var err error
		raw, next.ExpiresAt, err = s.codec.IssueRefresh(next.UserID, next.ID, next.Generation)
		if err != nil {
			return NewRefreshToken{}, err
		}
		next.TokenHash = HashToken(raw)
		return next, nil
	}

	record, err := s.store.Rotate(ctx, oldHash, mint)
	if err != nil {
		var replay *ReplayError
		if errors.As(err, &replay) {
			s.handleReplay(ctx, replay)
			s.metrics.RecordRotation("replay")
			return nil, err
		}
		s.metrics.RecordRotation(rotationResult(err))
		return nil, err
	}

	s.metrics.RecordRotation("success")
	s.metrics.RecordRevocations(RevokeReasonRotated, 1)
	s.metrics.RecordTokenIssued(tokenTypeAccess)
	s.metrics.RecordTokenIssued(tokenTypeRefresh)
	s.recordToken(ctx, audit.EventTypeTokenRotated, p.UserID, record.ID, audit.EventStatusSuccess, "refresh")

	return newTokenPair(access, raw, record, p), nil
}

func (s *SessionService) handleReplay(ctx context.Context, replay *ReplayError) {
	s.metrics.RecordReplay()

	var (
		revoked int64
		err     error
		reason  = RevokeReasonReplay
	)
	switch s.replay {
	case ReplayRevokeAll:
		revoked, err = s.store.RevokeAll(ctx, replay.UserID, nil, reason)
	default:
		revoked, err = s.store.RevokeFamily(ctx, replay.FamilyID, reason)
	}

	log := s.logger.WithFields(map[string]interface{}{
		"user_id":   replay.UserID.String(),
		"family_id": replay.FamilyID.String(),
		"token_id":  replay.TokenID.String(),
	})
	if err != nil {
		log.WithError(err).Error("failed to revoke sessions after refresh token replay")
	} else {
		s.metrics.RecordRevocations(reason, revoked)
		log.WithField("revoked", revoked).Warn("refresh token replay detected")
	}

	s.recordToken(ctx, audit.EventTypeTokenReplay, replay.UserID, replay.TokenID, audit.EventStatusDenied,
		fmt.Sprintf("revoked %d sessions", revoked))
}

func (s *SessionService) revokeInactive(ctx context.Context, tokenHash string) {
	record, err := s.store.GetByHash(ctx, tokenHash)
	if err != nil {
		if !errors.Is(err, ErrTokenNotFound) {
			s.logger.WithError(err).Warn("failed to look up refresh token of inactive user")
		}
		return
	}
	revoked, err := s.store.RevokeFamily(ctx, record.FamilyID, RevokeReasonInactive)
	if err != nil {
		s.logger.WithError(err).WithField("user_id", record.UserID.String()).Warn("failed to revoke sessions of inactive user")
		return
	}
	s.metrics.RecordRevocations(RevokeReasonInactive, revoked)
	s.recordToken(ctx, audit.EventTypeLoginRejected, record.UserID, record.ID, audit.EventStatusDenied, "user inactive")
}

// Logout revokes the session identified by rawRefresh. Expired tokens can
// still be logged out.
func (s *SessionService) Logout(ctx context.Context, rawRefresh string) error {
	if _, err := s.codec.VerifyRefresh(rawRefresh); err != nil && !errors.Is(err, ErrTokenExpired) {
		return err
	}

	record, err := s.store.GetByHash(ctx, HashToken(rawRefresh))
	if err != nil {
		return err
	}
	if err := s.store.Revoke(ctx, record.ID, RevokeReasonLogout); err != nil {
		return err
	}

	s.metrics.RecordRevocations(RevokeReasonLogout, 1)
	s.recordToken(ctx, audit.EventTypeTokenRevoked, record.UserID, record.ID, audit.EventStatusSuccess, RevokeReasonLogout)
	return nil
}

// LogoutOthers revokes every session of the user except currentTokenID
func (s *SessionService) LogoutOthers(ctx context.Context, userID, currentTokenID uuid.UUID) (int64, error) {
	return s.revokeAll(ctx, userID, &currentTokenID)
}

// LogoutAll revokes every session of the user
func (s *SessionService) LogoutAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.revokeAll(ctx, userID, nil)
}

func (s *SessionService) revokeAll(ctx context.Context, userID uuid.UUID, exclude *uuid.UUID) (int64, error) {
	revoked, err := s.store.RevokeAll(ctx, userID, exclude, RevokeReasonLogoutAll)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordRevocations(RevokeReasonLogoutAll, revoked)
	s.recordToken(ctx, audit.EventTypeTokenRevoked, userID, uuid.Nil, audit.EventStatusSuccess,
		fmt.Sprintf("%s: %d sessions", RevokeReasonLogoutAll, revoked))
	return revoked, nil
}

// Sessions lists the user's active refresh tokens
func (s *SessionService) Sessions(ctx context.Context, userID uuid.UUID) ([]*RefreshToken, error) {
	return s.store.ListActive(ctx, userID)
}

func (s *SessionService) recordToken(ctx context.Context, eventType audit.EventType, userID, tokenID uuid.UUID, status audit.EventStatus, message string) {
	if err := s.audit.LogToken(ctx, eventType, userID, tokenID, status, message); err != nil {
		s.logger.WithError(err).WithField("event_type", string(eventType)).Warn("failed to write audit event")
	}
}

func newTokenPair(access *AccessToken, refresh string, record *RefreshToken, p Principal) *TokenPair {
	return &TokenPair{
		AccessToken:      access.Token,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshAt:        access.RefreshAt,
		RefreshToken:     refresh,
		RefreshExpiresAt: record.ExpiresAt,
		TokenType:        "Bearer",
		SessionID:        record.ID,
		FamilyID:         record.FamilyID,
		Principal:        p,
	}
}

func verificationResult(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrTokenBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrTokenWrongType):
		return "wrong_type"
	default:
		return "malformed"
	}
}

func rotationResult(err error) string {
	switch {
	case errors.Is(err, ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case IsRetryable(err):
		return "unavailable"
	default:
		return "error"
	}
}
