package billing

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/auth"
)

const testSchema = `
CREATE TABLE users (
	id TEXT PRIMARY KEY,
	subscription_tier TEXT NOT NULL
);

CREATE TABLE subscription_history (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	from_tier TEXT NOT NULL,
	to_tier TEXT NOT NULL,
	changed_by TEXT,
	reason TEXT,
	changed_at TIMESTAMP NOT NULL
);
`

type recordingAudit struct {
	audit.NoOp
	events []*audit.Event
	err    error
}

func (r *recordingAudit) Log(_ context.Context, event *audit.Event) error {
	r.events = append(r.events, event)
	return r.err
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)
	return db
}

func insertUser(t *testing.T, db *sql.DB, tier auth.SubscriptionTier) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.Exec(`INSERT INTO users (id, subscription_tier) VALUES ($1, $2)`, id.String(), string(tier))
	require.NoError(t, err)
	return id
}

func TestChangeTier(t *testing.T) {
	db := setupTestDB(t)
	rec := &recordingAudit{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewPostgresService(db, WithAuditLogger(rec), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	user := insertUser(t, db, auth.TierFree)
	admin := uuid.New()

	change, err := svc.ChangeTier(ctx, user, auth.TierPro, &admin, "upgrade")
	require.NoError(t, err)
	assert.Equal(t, auth.TierFree, change.FromTier)
	assert.Equal(t, auth.TierPro, change.ToTier)
	assert.True(t, change.IsUpgrade())

	tier, err := svc.CurrentTier(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, auth.TierPro, tier)

	require.Len(t, rec.events, 1)
	assert.Equal(t, audit.EventTypeTierChanged, rec.events[0].EventType)
	assert.Equal(t, "pro", rec.events[0].Metadata["to_tier"])

	now = now.Add(time.Hour)
	change, err = svc.ChangeTier(ctx, user, auth.TierFree, nil, "")
	require.NoError(t, err)
	assert.False(t, change.IsUpgrade())

	history, err := svc.History(ctx, user)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, auth.TierFree, history[0].ToTier)
	assert.Nil(t, history[0].ChangedBy)
	assert.Equal(t, auth.TierPro, history[1].ToTier)
	require.NotNil(t, history[1].ChangedBy)
	assert.Equal(t, admin, *history[1].ChangedBy)
	assert.Equal(t, "upgrade", history[1].Reason)
}

func TestChangeTier_Rejections(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPostgresService(db)
	ctx := context.Background()
	user := insertUser(t, db, auth.TierPro)

	_, err := svc.ChangeTier(ctx, user, auth.TierPro, nil, "")
	assert.ErrorIs(t, err, ErrTierUnchanged)

	_, err = svc.ChangeTier(ctx, user, auth.SubscriptionTier("platinum"), nil, "")
	assert.ErrorIs(t, err, auth.ErrUnknownTier)

	_, err = svc.ChangeTier(ctx, uuid.New(), auth.TierEnterprise, nil, "")
	assert.ErrorIs(t, err, auth.ErrUserNotFound)

	history, err := svc.History(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestChangeTier_AuditFailureKeepsChange(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPostgresService(db, WithAuditLogger(&recordingAudit{err: errors.New("sink down")}))
	user := insertUser(t, db, auth.TierFree)

	_, err := svc.ChangeTier(context.Background(), user, auth.TierEnterprise, nil, "")
	require.NoError(t, err)

	tier, err := svc.CurrentTier(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, auth.TierEnterprise, tier)
}

func TestChangeTier_ConcurrentChange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	svc := NewPostgresService(db)
	user := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT subscription_tier FROM users`).
		WithArgs(user.String()).
		WillReturnRows(sqlmock.NewRows([]string{"subscription_tier"}).AddRow("free"))
	mock.ExpectExec(`UPDATE users SET subscription_tier`).
		WithArgs("pro", user.String(), "free").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = svc.ChangeTier(context.Background(), user, auth.TierPro, nil, "")
	assert.ErrorIs(t, err, ErrConcurrentChange)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChangeTier_HistoryInsertFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	rec := &recordingAudit{}
	svc := NewPostgresService(db, WithAuditLogger(rec))
	user := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT subscription_tier FROM users`).
		WillReturnRows(sqlmock.NewRows([]string{"subscription_tier"}).AddRow("free"))
	mock.ExpectExec(`UPDATE users SET subscription_tier`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO subscription_history`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = svc.ChangeTier(context.Background(), user, auth.TierPro, nil, "")
	assert.Error(t, err)
	assert.Empty(t, rec.events)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_UnknownTierInStorage(t *testing.T) {
	db := setupTestDB(t)
	svc := NewPostgresService(db)
	user := insertUser(t, db, auth.TierFree)

	_, err := db.Exec(`INSERT INTO subscription_history (id, user_id, from_tier, to_tier, changed_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), user.String(), "free", "gold", time.Now().UTC())
	require.NoError(t, err)

	_, err = svc.History(context.Background(), user)
	assert.ErrorIs(t, err, auth.ErrUnknownTier)
}
