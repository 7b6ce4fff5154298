package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

const uniqueViolation = "23505"

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db          *sql.DB
	invalidator Invalidator
	audit       audit.Logger
	logger      *observability.Logger
}

var _ Service = (*PostgresService)(nil)

// Option configures a PostgresService
type Option func(*PostgresService)

// WithInvalidator sets the hook called after every membership change
func WithInvalidator(inv Invalidator) Option {
	return func(s *PostgresService) {
		s.invalidator = inv
	}
}

// WithAuditLogger records membership changes
func WithAuditLogger(l audit.Logger) Option {
	return func(s *PostgresService) {
		s.audit = l
	}
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(s *PostgresService) {
		s.logger = l
	}
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, opts ...Option) *PostgresService {
	s := &PostgresService{
		db:     db,
		audit:  audit.NoOp{},
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetInvalidator replaces the invalidation hook. It is not safe to call
// concurrently with mutations.
func (s *PostgresService) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

// changed runs after a successful write
func (s *PostgresService) changed(ctx context.Context, userID uuid.UUID, resourceType audit.ResourceType, resourceID uuid.UUID, action string, role Role) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(userID)
	}

	event := audit.NewEvent(audit.EventTypeMembershipChanged, audit.EventStatusSuccess).WithUser(userID)
	event.ResourceType = resourceType
	event.ResourceID = resourceID.String()
	event.Action = action
	if role != "" {
		event.WithMetadata("role", string(role))
	}
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.WithError(err).Warn("failed to write membership audit event")
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrMemberNotFound
	}
	return nil
}

func validRole(role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return nil
}

// ListTeamMemberships returns every active team the user belongs to
func (s *PostgresService) ListTeamMemberships(ctx context.Context, userID uuid.UUID) ([]*TeamMembership, error) {
	query := `
		SELECT tm.team_id, t.organization_id, t.department_id, tm.role, tm.joined_at
		FROM team_members tm
		JOIN teams t ON t.id = tm.team_id
		WHERE tm.user_id = $1 AND t.is_active = TRUE
		ORDER BY tm.joined_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*TeamMembership
	for rows.Next() {
		m := &TeamMembership{}
		var (
			department uuid.NullUUID
			role       string
		)
		if err := rows.Scan(&m.TeamID, &m.OrganizationID, &department, &role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan team membership: %w", err)
		}
		if department.Valid {
			id := department.UUID
			m.DepartmentID = &id
		}
		if m.Role, err = ParseRole(role); err != nil {
			return nil, fmt.Errorf("team %s: %w", m.TeamID, err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list team memberships: %w", err)
	}

	return memberships, nil
}

// TeamOrganization returns the organization of an active team
func (s *PostgresService) TeamOrganization(ctx context.Context, teamID uuid.UUID) (uuid.UUID, error) {
	var orgID uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id FROM teams WHERE id = $1 AND is_active = TRUE
	`, teamID).Scan(&orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, ErrTeamNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up team organization: %w", err)
	}
	return orgID, nil
}

// ListOrganizationMemberships returns every organization the user belongs to
func (s *PostgresService) ListOrganizationMemberships(ctx context.Context, userID uuid.UUID) ([]*OrgMembership, error) {
	query := `
		SELECT organization_id, role, joined_at
		FROM organization_members
		WHERE user_id = $1
		ORDER BY joined_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organization memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*OrgMembership
	for rows.Next() {
		m := &OrgMembership{}
		var role string
		if err := rows.Scan(&m.OrganizationID, &role, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan organization membership: %w", err)
		}
		if m.Role, err = ParseRole(role); err != nil {
			return nil, fmt.Errorf("organization %s: %w", m.OrganizationID, err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list organization memberships: %w", err)
	}

	return memberships, nil
}

// ListTeamMembers lists the members of the given teams
func (s *PostgresService) ListTeamMembers(ctx context.Context, teamIDs ...uuid.UUID) ([]*Member, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(teamIDs))
	for i, id := range teamIDs {
		ids[i] = id.String()
	}

	query := `
		SELECT team_id, user_id, role, invited_by, joined_at
		FROM team_members
		WHERE team_id = ANY($1::uuid[])
		ORDER BY team_id, joined_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m := &Member{}
		var (
			invitedBy uuid.NullUUID
			role      string
		)
		if err := rows.Scan(&m.TeamID, &m.UserID, &role, &invitedBy, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan team member: %w", err)
		}
		if invitedBy.Valid {
			id := invitedBy.UUID
			m.InvitedBy = &id
		}
		if m.Role, err = ParseRole(role); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}

	return members, nil
}

func nullableUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

// AddTeamMember adds a user to a team
func (s *PostgresService) AddTeamMember(ctx context.Context, teamID, userID uuid.UUID, role Role, invitedBy *uuid.UUID) error {
	if err := validRole(role); err != nil {
		return err
	}

	query := `INSERT INTO team_members (team_id, user_id, role, invited_by) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, teamID, userID, string(role), nullableUUID(invitedBy)); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("failed to add team member: %w", err)
	}

	s.changed(ctx, userID, audit.ResourceTypeTeam, teamID, "add", role)
	return nil
}

// UpdateTeamMemberRole changes a team member's role
func (s *PostgresService) UpdateTeamMemberRole(ctx context.Context, teamID, userID uuid.UUID, role Role) error {
	if err := validRole(role); err != nil {
		return err
	}

	query := `UPDATE team_members SET role = $1 WHERE team_id = $2 AND user_id = $3`
	result, err := s.db.ExecContext(ctx, query, string(role), teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to update team member role: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}

	s.changed(ctx, userID, audit.ResourceTypeTeam, teamID, "update_role", role)
	return nil
}

// RemoveTeamMember removes a user from a team
func (s *PostgresService) RemoveTeamMember(ctx context.Context, teamID, userID uuid.UUID) error {
	query := `DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`
	result, err := s.db.ExecContext(ctx, query, teamID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove team member: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}

	s.changed(ctx, userID, audit.ResourceTypeTeam, teamID, "remove", "")
	return nil
}

// AddOrgMember adds a user to an organization
func (s *PostgresService) AddOrgMember(ctx context.Context, orgID, userID uuid.UUID, role Role, invitedBy *uuid.UUID) error {
	if err := validRole(role); err != nil {
		return err
	}

	query := `INSERT INTO organization_members (organization_id, user_id, role, invited_by) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, orgID, userID, string(role), nullableUUID(invitedBy)); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyMember
		}
		return fmt.Errorf("failed to add member: %w", err)
	}

	s.changed(ctx, userID, audit.ResourceTypeOrganization, orgID, "add", role)
	return nil
}

// UpdateOrgMemberRole changes an organization member's role
func (s *PostgresService) UpdateOrgMemberRole(ctx context.Context, orgID, userID uuid.UUID, role Role) error {
	if err := validRole(role); err != nil {
		return err
	}

	query := `UPDATE organization_members SET role = $1 WHERE organization_id = $2 AND user_id = $3`
	result, err := s.db.ExecContext(ctx, query, string(role), orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to update member role: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}

	s.changed(ctx, userID, audit.ResourceTypeOrganization, orgID, "update_role", role)
	return nil
}

// RemoveOrgMember removes a user from an organization and from all of its teams
func (s *PostgresService) RemoveOrgMember(ctx context.Context, orgID, userID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	result, err := tx.ExecContext(ctx,
		`DELETE FROM organization_members WHERE organization_id = $1 AND user_id = $2`, orgID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if err := checkAffected(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM team_members
		WHERE user_id = $1 AND team_id IN (SELECT id FROM teams WHERE organization_id = $2)
	`, userID, orgID); err != nil {
		return fmt.Errorf("failed to remove team memberships: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.changed(ctx, userID, audit.ResourceTypeOrganization, orgID, "remove", "")
	return nil
}
