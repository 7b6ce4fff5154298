package auth

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCodec(t *testing.T, clock *testClock) *TokenCodec {
	t.Helper()
	codec, err := NewTokenCodec(TokenConfig{
		SecretKey: testSecret,
		Issuer:    "tollgate-test",
		Audience:  "tollgate-api",
	}, WithClock(clock.Now))
	require.NoError(t, err)
	return codec
}

func testPrincipal() Principal {
	return Principal{
		UserID:           uuid.New(),
		Username:         "alice",
		Email:            "alice@example.com",
		Role:             RoleMember,
		SubscriptionTier: TierFree,
		IsActive:         true,
		EmailVerified:    true,
	}
}

const testSchema = `
CREATE TABLE users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	email TEXT NOT NULL,
	role_name TEXT NOT NULL,
	subscription_tier TEXT NOT NULL,
	is_active BOOLEAN NOT NULL,
	email_verified BOOLEAN NOT NULL
);

CREATE TABLE refresh_tokens (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	family_id TEXT NOT NULL,
	generation INTEGER NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at TIMESTAMP NOT NULL,
	is_revoked BOOLEAN NOT NULL DEFAULT FALSE,
	revoked_reason TEXT,
	use_count INTEGER NOT NULL DEFAULT 0,
	last_used_at TIMESTAMP,
	device_type TEXT,
	ip_address TEXT,
	user_agent TEXT,
	geo_location TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// newTestDB opens an in-memory SQLite database with the auth tables.
// A single connection keeps every statement on the same in-memory database.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

func insertUser(t *testing.T, db *sql.DB, p Principal) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO users (id, username, email, role_name, subscription_tier, is_active, email_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.UserID, p.Username, p.Email, string(p.Role), string(p.SubscriptionTier), p.IsActive, p.EmailVerified)
	require.NoError(t, err)
}

func newTestStore(t *testing.T, db *sql.DB, clock *testClock, opts ...StoreOption) *SQLRefreshTokenStore {
	t.Helper()
	opts = append([]StoreOption{WithDialect(DialectSQLite), WithStoreClock(clock.Now)}, opts...)
	return NewSQLRefreshTokenStore(db, opts...)
}

// issueRecord stores a first-generation token for userID and returns its raw value
func issueRecord(t *testing.T, store *SQLRefreshTokenStore, codec *TokenCodec, userID uuid.UUID) (string, *RefreshToken) {
	t.Helper()
	id := uuid.New()
	raw, exp, err := codec.IssueRefresh(userID, id, 1)
	require.NoError(t, err)

	record, err := store.Issue(context.Background(), NewRefreshToken{
		ID:         id,
		UserID:     userID,
		FamilyID:   uuid.New(),
		Generation: 1,
		TokenHash:  HashToken(raw),
		ExpiresAt:  exp,
	})
	require.NoError(t, err)
	return raw, record
}
