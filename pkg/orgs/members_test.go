package orgs

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/audit"
)

type recordingInvalidator struct {
	users []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(userID uuid.UUID) {
	r.users = append(r.users, userID)
}

type recordingAudit struct {
	audit.NoOp
	events []*audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e *audit.Event) error {
	r.events = append(r.events, e)
	return nil
}

func newMockService(t *testing.T) (*PostgresService, sqlmock.Sqlmock, *recordingInvalidator, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	inv := &recordingInvalidator{}
	service := NewPostgresService(db, WithInvalidator(inv))
	return service, mock, inv, db
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"owner", "Admin", " member ", "VIEWER"} {
		r, err := ParseRole(s)
		require.NoError(t, err, s)
		assert.True(t, r.Valid())
	}

	_, err := ParseRole("developer")
	assert.ErrorIs(t, err, ErrUnknownRole)
	_, err = ParseRole("")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleOwner.AtLeast(RoleAdmin))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.False(t, RoleMember.AtLeast(RoleAdmin))
	assert.True(t, RoleViewer.AtLeast(RoleViewer))
	assert.False(t, Role("ghost").AtLeast(RoleViewer))

	assert.Equal(t, RoleAdmin, MaxRole(RoleViewer, RoleAdmin))
	assert.Equal(t, RoleOwner, MaxRole(RoleOwner, RoleMember))
	assert.Equal(t, RoleMember, MaxRole(RoleMember, ""))

	assert.True(t, RoleAdmin.CanInvite())
	assert.False(t, RoleMember.CanInvite())
	assert.True(t, RoleOwner.CanManageRoles())
	assert.False(t, RoleViewer.CanManageRoles())
}

func TestListTeamMemberships(t *testing.T) {
	service, mock, _, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		userID := uuid.New()
		team1, team2 := uuid.New(), uuid.New()
		org := uuid.New()
		dept := uuid.New()
		now := time.Now()

		rows := sqlmock.NewRows([]string{"team_id", "organization_id", "department_id", "role", "joined_at"}).
			AddRow(team1.String(), org.String(), dept.String(), "admin", now).
			AddRow(team2.String(), org.String(), nil, "viewer", now)

		mock.ExpectQuery(`SELECT tm.team_id, t.organization_id, t.department_id, tm.role, tm.joined_at`).
			WithArgs(userID).
			WillReturnRows(rows)

		memberships, err := service.ListTeamMemberships(ctx, userID)
		require.NoError(t, err)
		require.Len(t, memberships, 2)
		assert.Equal(t, team1, memberships[0].TeamID)
		assert.Equal(t, RoleAdmin, memberships[0].Role)
		require.NotNil(t, memberships[0].DepartmentID)
		assert.Equal(t, dept, *memberships[0].DepartmentID)
		assert.Nil(t, memberships[1].DepartmentID)
		assert.Equal(t, RoleViewer, memberships[1].Role)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown role is an error", func(t *testing.T) {
		userID := uuid.New()
		rows := sqlmock.NewRows([]string{"team_id", "organization_id", "department_id", "role", "joined_at"}).
			AddRow(uuid.NewString(), uuid.NewString(), nil, "superuser", time.Now())

		mock.ExpectQuery(`SELECT tm.team_id`).WithArgs(userID).WillReturnRows(rows)

		_, err := service.ListTeamMemberships(ctx, userID)
		assert.ErrorIs(t, err, ErrUnknownRole)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error", func(t *testing.T) {
		userID := uuid.New()
		mock.ExpectQuery(`SELECT tm.team_id`).WithArgs(userID).WillReturnError(sql.ErrConnDone)

		_, err := service.ListTeamMemberships(ctx, userID)
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListOrganizationMemberships(t *testing.T) {
	service, mock, _, db := newMockService(t)
	defer db.Close()

	userID := uuid.New()
	org := uuid.New()
	rows := sqlmock.NewRows([]string{"organization_id", "role", "joined_at"}).
		AddRow(org.String(), "owner", time.Now())

	mock.ExpectQuery(`SELECT organization_id, role, joined_at\s+FROM organization_members`).
		WithArgs(userID).
		WillReturnRows(rows)

	memberships, err := service.ListOrganizationMemberships(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, memberships, 1)
	assert.Equal(t, org, memberships[0].OrganizationID)
	assert.Equal(t, RoleOwner, memberships[0].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTeamMembers(t *testing.T) {
	service, mock, _, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()

	t.Run("no teams", func(t *testing.T) {
		members, err := service.ListTeamMembers(ctx)
		require.NoError(t, err)
		assert.Empty(t, members)
	})

	t.Run("success", func(t *testing.T) {
		team := uuid.New()
		inviter := uuid.New()
		rows := sqlmock.NewRows([]string{"team_id", "user_id", "role", "invited_by", "joined_at"}).
			AddRow(team.String(), uuid.NewString(), "member", inviter.String(), time.Now()).
			AddRow(team.String(), uuid.NewString(), "owner", nil, time.Now())

		mock.ExpectQuery(`SELECT team_id, user_id, role, invited_by, joined_at`).
			WithArgs(pq.Array([]string{team.String()})).
			WillReturnRows(rows)

		members, err := service.ListTeamMembers(ctx, team)
		require.NoError(t, err)
		require.Len(t, members, 2)
		require.NotNil(t, members[0].InvitedBy)
		assert.Equal(t, inviter, *members[0].InvitedBy)
		assert.Nil(t, members[1].InvitedBy)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAddTeamMember(t *testing.T) {
	ctx := context.Background()

	t.Run("success invalidates and audits", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		inv := &recordingInvalidator{}
		rec := &recordingAudit{}
		service := NewPostgresService(db, WithInvalidator(inv), WithAuditLogger(rec))

		team, user, inviter := uuid.New(), uuid.New(), uuid.New()
		mock.ExpectExec(`INSERT INTO team_members`).
			WithArgs(team, user, "member", inviter).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, service.AddTeamMember(ctx, team, user, RoleMember, &inviter))
		assert.Equal(t, []uuid.UUID{user}, inv.users)
		require.Len(t, rec.events, 1)
		assert.Equal(t, audit.EventTypeMembershipChanged, rec.events[0].EventType)
		assert.Equal(t, team.String(), rec.events[0].ResourceID)
		assert.Equal(t, "add", rec.events[0].Action)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate", func(t *testing.T) {
		service, mock, inv, db := newMockService(t)
		defer db.Close()

		team, user := uuid.New(), uuid.New()
		mock.ExpectExec(`INSERT INTO team_members`).
			WithArgs(team, user, "viewer", nil).
			WillReturnError(&pq.Error{Code: uniqueViolation})

		err := service.AddTeamMember(ctx, team, user, RoleViewer, nil)
		assert.ErrorIs(t, err, ErrAlreadyMember)
		assert.Empty(t, inv.users)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown role rejected before query", func(t *testing.T) {
		service, mock, _, db := newMockService(t)
		defer db.Close()

		err := service.AddTeamMember(ctx, uuid.New(), uuid.New(), Role("developer"), nil)
		assert.ErrorIs(t, err, ErrUnknownRole)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpdateTeamMemberRole(t *testing.T) {
	service, mock, inv, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		team, user := uuid.New(), uuid.New()
		mock.ExpectExec(`UPDATE team_members SET role = \$1`).
			WithArgs("admin", team, user).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, service.UpdateTeamMemberRole(ctx, team, user, RoleAdmin))
		assert.Contains(t, inv.users, user)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		team, user := uuid.New(), uuid.New()
		mock.ExpectExec(`UPDATE team_members SET role = \$1`).
			WithArgs("admin", team, user).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := service.UpdateTeamMemberRole(ctx, team, user, RoleAdmin)
		assert.ErrorIs(t, err, ErrMemberNotFound)
		assert.NotContains(t, inv.users, user)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRemoveTeamMember(t *testing.T) {
	service, mock, inv, db := newMockService(t)
	defer db.Close()

	team, user := uuid.New(), uuid.New()
	mock.ExpectExec(`DELETE FROM team_members WHERE team_id = \$1 AND user_id = \$2`).
		WithArgs(team, user).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, service.RemoveTeamMember(context.Background(), team, user))
	assert.Equal(t, []uuid.UUID{user}, inv.users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrgMembers(t *testing.T) {
	ctx := context.Background()

	t.Run("add and update", func(t *testing.T) {
		service, mock, inv, db := newMockService(t)
		defer db.Close()

		org, user := uuid.New(), uuid.New()
		mock.ExpectExec(`INSERT INTO organization_members`).
			WithArgs(org, user, "member", nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE organization_members SET role = \$1`).
			WithArgs("owner", org, user).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, service.AddOrgMember(ctx, org, user, RoleMember, nil))
		require.NoError(t, service.UpdateOrgMemberRole(ctx, org, user, RoleOwner))
		assert.Equal(t, []uuid.UUID{user, user}, inv.users)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("remove cascades to teams", func(t *testing.T) {
		service, mock, inv, db := newMockService(t)
		defer db.Close()

		org, user := uuid.New(), uuid.New()
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM organization_members`).
			WithArgs(org, user).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DELETE FROM team_members\s+WHERE user_id = \$1 AND team_id IN`).
			WithArgs(user, org).
			WillReturnResult(sqlmock.NewResult(0, 3))
		mock.ExpectCommit()

		require.NoError(t, service.RemoveOrgMember(ctx, org, user))
		assert.Equal(t, []uuid.UUID{user}, inv.users)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("remove missing member rolls back", func(t *testing.T) {
		service, mock, inv, db := newMockService(t)
		defer db.Close()

		org, user := uuid.New(), uuid.New()
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM organization_members`).
			WithArgs(org, user).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := service.RemoveOrgMember(ctx, org, user)
		assert.True(t, errors.Is(err, ErrMemberNotFound))
		assert.Empty(t, inv.users)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSetInvalidator(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewPostgresService(db)
	var got []uuid.UUID
	service.SetInvalidator(InvalidatorFunc(func(id uuid.UUID) { got = append(got, id) }))

	team, user := uuid.New(), uuid.New()
	mock.ExpectExec(`DELETE FROM team_members`).
		WithArgs(team, user).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, service.RemoveTeamMember(context.Background(), team, user))
	assert.Equal(t, []uuid.UUID{user}, got)
}

func TestTeamOrganization(t *testing.T) {
	service, mock, _, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()
	team, org := uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT organization_id FROM teams`).
		WithArgs(team).
		WillReturnRows(sqlmock.NewRows([]string{"organization_id"}).AddRow(org.String()))
	got, err := service.TeamOrganization(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, org, got)

	mock.ExpectQuery(`SELECT organization_id FROM teams`).
		WithArgs(team).
		WillReturnError(sql.ErrNoRows)
	_, err = service.TeamOrganization(ctx, team)
	assert.ErrorIs(t, err, ErrTeamNotFound)

	mock.ExpectQuery(`SELECT organization_id FROM teams`).
		WithArgs(team).
		WillReturnError(errors.New("connection reset"))
	_, err = service.TeamOrganization(ctx, team)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTeamNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
