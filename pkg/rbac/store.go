package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"
)

// MatrixStore reads permission matrices
type MatrixStore interface {
	// Get returns ErrMatrixNotFound when the entity has no matrix
	Get(ctx context.Context, entityType EntityType, entityID uuid.UUID) (*PermissionMatrix, error)
}

// Store persists permission matrices in the permission_matrices table
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ MatrixStore = (*Store)(nil)

// NewStore creates a new Store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func nullableUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func encodeSettings(pm *PermissionMatrix) (matrixJSON, inheritanceJSON, complianceJSON string, err error) {
	m, err := json.Marshal(pm.MatrixData)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal matrix data: %w", err)
	}
	i, err := json.Marshal(pm.InheritanceSettings)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal inheritance settings: %w", err)
	}
	c, err := json.Marshal(pm.ComplianceSettings)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal compliance settings: %w", err)
	}
	return string(m), string(i), string(c), nil
}

// Create stores a new matrix at version 1
func (s *Store) Create(ctx context.Context, pm *PermissionMatrix) error {
	if pm.MatrixData == nil {
		pm.MatrixData = MatrixData{}
	}
	if err := pm.Validate(); err != nil {
		return err
	}
	matrixJSON, inheritanceJSON, complianceJSON, err := encodeSettings(pm)
	if err != nil {
		return err
	}

	if pm.ID == uuid.Nil {
		pm.ID = uuid.New()
	}
	now := s.timestamp()

	query := `
		INSERT INTO permission_matrices (id, entity_type, entity_id, matrix_version, matrix_data, inheritance_settings, compliance_settings, updated_by, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		pm.ID,
		string(pm.EntityType),
		pm.EntityID,
		1,
		matrixJSON,
		inheritanceJSON,
		complianceJSON,
		nullableUUID(pm.UpdatedBy),
		true,
		now,
		now,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrMatrixExists
		}
		return fmt.Errorf("failed to create permission matrix: %w", err)
	}

	pm.MatrixVersion = 1
	pm.IsActive = true
	pm.CreatedAt = now
	pm.UpdatedAt = now
	return nil
}

// Update replaces the matrix contents if pm.MatrixVersion is still current.
// On success pm.MatrixVersion is the new version.
func (s *Store) Update(ctx context.Context, pm *PermissionMatrix) error {
	if err := pm.Validate(); err != nil {
		return err
	}
	matrixJSON, inheritanceJSON, complianceJSON, err := encodeSettings(pm)
	if err != nil {
		return err
	}
	now := s.timestamp()

	query := `
		UPDATE permission_matrices
		SET matrix_data = $1, inheritance_settings = $2, compliance_settings = $3,
			updated_by = $4, is_active = $5, updated_at = $6, matrix_version = matrix_version + 1
		WHERE entity_type = $7 AND entity_id = $8 AND matrix_version = $9
		RETURNING matrix_version
	`
	var version int
	err = s.db.QueryRowContext(ctx, query,
		matrixJSON,
		inheritanceJSON,
		complianceJSON,
		nullableUUID(pm.UpdatedBy),
		pm.IsActive,
		now,
		string(pm.EntityType),
		pm.EntityID,
		pm.MatrixVersion,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, pm.EntityType, pm.EntityID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update permission matrix: %w", err)
	}

	pm.MatrixVersion = version
	pm.UpdatedAt = now
	return nil
}

// Deactivate switches a matrix off without deleting it
func (s *Store) Deactivate(ctx context.Context, entityType EntityType, entityID uuid.UUID, updatedBy *uuid.UUID) error {
	query := `
		UPDATE permission_matrices
		SET is_active = FALSE, updated_at = $1, updated_by = $2, matrix_version = matrix_version + 1
		WHERE entity_type = $3 AND entity_id = $4
	`
	result, err := s.db.ExecContext(ctx, query, s.timestamp(), nullableUUID(updatedBy), string(entityType), entityID)
	if err != nil {
		return fmt.Errorf("failed to deactivate permission matrix: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrMatrixNotFound
	}
	return nil
}

// Get retrieves the matrix of one entity, active or not
func (s *Store) Get(ctx context.Context, entityType EntityType, entityID uuid.UUID) (*PermissionMatrix, error) {
	query := `
		SELECT id, entity_type, entity_id, matrix_version, matrix_data, inheritance_settings, compliance_settings,
			updated_by, is_active, created_at, updated_at
		FROM permission_matrices
		WHERE entity_type = $1 AND entity_id = $2
	`

	var (
		pm                                          PermissionMatrix
		entity                                      string
		matrixJSON, inheritanceJSON, complianceJSON []byte
		updatedBy                                   uuid.NullUUID
	)
	err := s.db.QueryRowContext(ctx, query, string(entityType), entityID).Scan(
		&pm.ID,
		&entity,
		&pm.EntityID,
		&pm.MatrixVersion,
		&matrixJSON,
		&inheritanceJSON,
		&complianceJSON,
		&updatedBy,
		&pm.IsActive,
		&pm.CreatedAt,
		&pm.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMatrixNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission matrix: %w", err)
	}

	if pm.EntityType, err = ParseEntityType(entity); err != nil {
		return nil, err
	}
	if err := decodeMatrixJSON(matrixJSON, inheritanceJSON, complianceJSON, &pm); err != nil {
		return nil, err
	}
	if updatedBy.Valid {
		id := updatedBy.UUID
		pm.UpdatedBy = &id
	}
	return &pm, nil
}

// DefaultMatrixCacheSize bounds the number of cached matrix lookups
const DefaultMatrixCacheSize = 4096

type matrixKey struct {
	entityType EntityType
	entityID   uuid.UUID
}

// matrixEntry caches absence as well as presence
type matrixEntry struct {
	matrix *PermissionMatrix
}

// CachedStore keeps recent matrix lookups in a bounded LRU with a TTL.
// Writes through it invalidate the affected entry.
type CachedStore struct {
	store *Store
	cache *expirable.LRU[matrixKey, matrixEntry]
}

var _ MatrixStore = (*CachedStore)(nil)

// NewCachedStore wraps store with a cache of size entries that expire after ttl
func NewCachedStore(store *Store, size int, ttl time.Duration) *CachedStore {
	if size <= 0 {
		size = DefaultMatrixCacheSize
	}
	return &CachedStore{
		store: store,
		cache: expirable.NewLRU[matrixKey, matrixEntry](size, nil, ttl),
	}
}

func (c *CachedStore) Get(ctx context.Context, entityType EntityType, entityID uuid.UUID) (*PermissionMatrix, error) {
	key := matrixKey{entityType, entityID}
	if entry, ok := c.cache.Get(key); ok {
		if entry.matrix == nil {
			return nil, ErrMatrixNotFound
		}
		return entry.matrix, nil
	}

	pm, err := c.store.Get(ctx, entityType, entityID)
	switch {
	case errors.Is(err, ErrMatrixNotFound):
		c.cache.Add(key, matrixEntry{})
		return nil, err
	case err != nil:
		return nil, err
	}
	c.cache.Add(key, matrixEntry{matrix: pm})
	return pm, nil
}

func (c *CachedStore) Create(ctx context.Context, pm *PermissionMatrix) error {
	defer c.Invalidate(pm.EntityType, pm.EntityID)
	return c.store.Create(ctx, pm)
}

func (c *CachedStore) Update(ctx context.Context, pm *PermissionMatrix) error {
	defer c.Invalidate(pm.EntityType, pm.EntityID)
	return c.store.Update(ctx, pm)
}

func (c *CachedStore) Deactivate(ctx context.Context, entityType EntityType, entityID uuid.UUID, updatedBy *uuid.UUID) error {
	defer c.Invalidate(entityType, entityID)
	return c.store.Deactivate(ctx, entityType, entityID, updatedBy)
}

// Invalidate drops the cached lookup for one entity
func (c *CachedStore) Invalidate(entityType EntityType, entityID uuid.UUID) {
	c.cache.Remove(matrixKey{entityType, entityID})
}
