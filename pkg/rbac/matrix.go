package rbac

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/orgs"
)

// EntityType is the kind of entity that owns a permission matrix
type EntityType string

const (
	EntityOrganization EntityType = "organization"
	EntityDepartment   EntityType = "department"
	EntityTeam         EntityType = "team"
)

// ParseEntityType parses an entity type. Unknown values are rejected.
func ParseEntityType(s string) (EntityType, error) {
	switch e := EntityType(strings.ToLower(strings.TrimSpace(s))); e {
	case EntityOrganization, EntityDepartment, EntityTeam:
		return e, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, s)
	}
}

// MatrixData maps category -> verb -> role -> allowed
type MatrixData map[Category]map[string]map[orgs.Role]bool

// Lookup returns the explicit entry for (category, verb, role), if any
func (m MatrixData) Lookup(category Category, verb string, role orgs.Role) (allowed, ok bool) {
	verbs, ok := m[category]
	if !ok {
		return false, false
	}
	roles, ok := verbs[verb]
	if !ok {
		return false, false
	}
	allowed, ok = roles[role]
	return allowed, ok
}

// Set records an explicit entry, creating intermediate maps
func (m MatrixData) Set(category Category, verb string, role orgs.Role, allowed bool) {
	if m[category] == nil {
		m[category] = make(map[string]map[orgs.Role]bool)
	}
	if m[category][verb] == nil {
		m[category][verb] = make(map[orgs.Role]bool)
	}
	m[category][verb][role] = allowed
}

// Validate rejects unknown categories and roles
func (m MatrixData) Validate() error {
	for category, verbs := range m {
		if !category.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownCategory, category)
		}
		for verb, roles := range verbs {
			for role := range roles {
				if !role.Valid() {
					return fmt.Errorf("%s.%s: %w: %q", category, verb, orgs.ErrUnknownRole, role)
				}
			}
		}
	}
	return nil
}

// InheritanceSettings controls fallback to the parent entity
type InheritanceSettings struct {
	InheritFromParent bool `json:"inherit_from_parent"`
}

// ComplianceSettings are stored with the matrix for compliance tooling
type ComplianceSettings struct {
	AuditAllDecisions bool `json:"audit_all_decisions,omitempty"`
	DataRetentionDays int  `json:"data_retention_days,omitempty"`
}

// PermissionMatrix is a per-entity override of role-derived permissions
type PermissionMatrix struct {
	ID                  uuid.UUID           `json:"id"`
	EntityType          EntityType          `json:"entity_type"`
	EntityID            uuid.UUID           `json:"entity_id"`
	MatrixVersion       int                 `json:"matrix_version"`
	MatrixData          MatrixData          `json:"matrix_data"`
	InheritanceSettings InheritanceSettings `json:"inheritance_settings"`
	ComplianceSettings  ComplianceSettings  `json:"compliance_settings"`
	UpdatedBy           *uuid.UUID          `json:"updated_by,omitempty"`
	IsActive            bool                `json:"is_active"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Validate checks the matrix before it is stored
func (pm *PermissionMatrix) Validate() error {
	if _, err := ParseEntityType(string(pm.EntityType)); err != nil {
		return err
	}
	if pm.EntityID == uuid.Nil {
		return fmt.Errorf("permission matrix entity id is required")
	}
	return pm.MatrixData.Validate()
}

func decodeMatrixJSON(matrixJSON, inheritanceJSON, complianceJSON []byte, pm *PermissionMatrix) error {
	pm.MatrixData = MatrixData{}
	if len(matrixJSON) > 0 {
		if err := json.Unmarshal(matrixJSON, &pm.MatrixData); err != nil {
			return fmt.Errorf("failed to unmarshal matrix data: %w", err)
		}
	}
	if len(inheritanceJSON) > 0 {
		if err := json.Unmarshal(inheritanceJSON, &pm.InheritanceSettings); err != nil {
			return fmt.Errorf("failed to unmarshal inheritance settings: %w", err)
		}
	}
	if len(complianceJSON) > 0 {
		if err := json.Unmarshal(complianceJSON, &pm.ComplianceSettings); err != nil {
			return fmt.Errorf("failed to unmarshal compliance settings: %w", err)
		}
	}
	return pm.MatrixData.Validate()
}
