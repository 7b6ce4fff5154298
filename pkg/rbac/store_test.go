package rbac

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/orgs"
)

const matrixSchema = `
CREATE TABLE permission_matrices (
	id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	matrix_version INTEGER NOT NULL,
	matrix_data TEXT NOT NULL,
	inheritance_settings TEXT NOT NULL,
	compliance_settings TEXT NOT NULL,
	updated_by TEXT,
	is_active BOOLEAN NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (entity_type, entity_id)
);
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(matrixSchema)
	require.NoError(t, err)
	return db
}

func TestStore_MatrixLifecycle(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	team := uuid.New()
	editor := uuid.New()
	pm := &PermissionMatrix{
		EntityType:          EntityTeam,
		EntityID:            team,
		MatrixData:          matrix(CategoryTasks, "update", orgs.RoleMember, false),
		InheritanceSettings: InheritanceSettings{InheritFromParent: true},
		ComplianceSettings:  ComplianceSettings{DataRetentionDays: 90},
		UpdatedBy:           &editor,
	}
	require.NoError(t, store.Create(ctx, pm))
	assert.Equal(t, 1, pm.MatrixVersion)
	assert.NotEqual(t, uuid.Nil, pm.ID)

	got, err := store.Get(ctx, EntityTeam, team)
	require.NoError(t, err)
	assert.Equal(t, pm.ID, got.ID)
	assert.True(t, got.IsActive)
	assert.True(t, got.InheritanceSettings.InheritFromParent)
	assert.Equal(t, 90, got.ComplianceSettings.DataRetentionDays)
	require.NotNil(t, got.UpdatedBy)
	assert.Equal(t, editor, *got.UpdatedBy)
	allowed, ok := got.MatrixData.Lookup(CategoryTasks, "update", orgs.RoleMember)
	require.True(t, ok)
	assert.False(t, allowed)

	t.Run("update bumps version", func(t *testing.T) {
		got.MatrixData.Set(CategoryAnalytics, "view", orgs.RoleViewer, true)
		require.NoError(t, store.Update(ctx, got))
		assert.Equal(t, 2, got.MatrixVersion)

		reread, err := store.Get(ctx, EntityTeam, team)
		require.NoError(t, err)
		_, ok := reread.MatrixData.Lookup(CategoryAnalytics, "view", orgs.RoleViewer)
		assert.True(t, ok)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		stale := *got
		stale.MatrixVersion = 1
		err := store.Update(ctx, &stale)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("deactivate", func(t *testing.T) {
		require.NoError(t, store.Deactivate(ctx, EntityTeam, team, &editor))
		reread, err := store.Get(ctx, EntityTeam, team)
		require.NoError(t, err)
		assert.False(t, reread.IsActive)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.Get(ctx, EntityTeam, uuid.New())
		assert.ErrorIs(t, err, ErrMatrixNotFound)
		err = store.Deactivate(ctx, EntityOrganization, uuid.New(), nil)
		assert.ErrorIs(t, err, ErrMatrixNotFound)

		err = store.Update(ctx, &PermissionMatrix{EntityType: EntityDepartment, EntityID: uuid.New(), MatrixVersion: 1})
		assert.ErrorIs(t, err, ErrMatrixNotFound)
	})
}

func TestStore_Validation(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	err := store.Create(ctx, &PermissionMatrix{EntityType: "user", EntityID: uuid.New()})
	assert.ErrorIs(t, err, ErrUnknownEntityType)

	err = store.Create(ctx, &PermissionMatrix{
		EntityType: EntityTeam,
		EntityID:   uuid.New(),
		MatrixData: MatrixData{"billing": {"pay": {orgs.RoleOwner: true}}},
	})
	assert.ErrorIs(t, err, ErrUnknownCategory)

	err = store.Create(ctx, &PermissionMatrix{
		EntityType: EntityTeam,
		EntityID:   uuid.New(),
		MatrixData: MatrixData{CategoryTasks: {"read": {orgs.Role("guest"): true}}},
	})
	assert.ErrorIs(t, err, orgs.ErrUnknownRole)
}

func TestStore_UnknownEntityTypeInStorage(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	entity := uuid.New()
	now := time.Now().UTC()

	_, err := db.Exec(`INSERT INTO permission_matrices VALUES ($1, $2, $3, 1, '{}', '{}', '{}', NULL, TRUE, $4, $4)`,
		uuid.NewString(), "user", entity.String(), now)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), EntityType("user"), entity)
	assert.ErrorIs(t, err, ErrUnknownEntityType)
}

func TestStore_CreateDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db)

	mock.ExpectExec(`INSERT INTO permission_matrices`).
		WillReturnError(&pq.Error{Code: "23505"})

	err = store.Create(context.Background(), &PermissionMatrix{EntityType: EntityOrganization, EntityID: uuid.New()})
	assert.ErrorIs(t, err, ErrMatrixExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCachedStore(t *testing.T) {
	db := setupTestDB(t)
	cached := NewCachedStore(NewStore(db), 16, time.Minute)
	ctx := context.Background()
	org := uuid.New()

	_, err := cached.Get(ctx, EntityOrganization, org)
	assert.ErrorIs(t, err, ErrMatrixNotFound)

	// Writes through the cache replace the cached absence.
	pm := &PermissionMatrix{EntityType: EntityOrganization, EntityID: org, MatrixData: matrix(CategoryTasks, "read", orgs.RoleViewer, false)}
	require.NoError(t, cached.Create(ctx, pm))

	got, err := cached.Get(ctx, EntityOrganization, org)
	require.NoError(t, err)
	assert.Equal(t, pm.ID, got.ID)

	// A write behind the cache's back is not seen until invalidated.
	_, err = db.Exec(`UPDATE permission_matrices SET is_active = FALSE`)
	require.NoError(t, err)
	got, err = cached.Get(ctx, EntityOrganization, org)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	cached.Invalidate(EntityOrganization, org)
	got, err = cached.Get(ctx, EntityOrganization, org)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}
