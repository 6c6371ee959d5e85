package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/repository/memory"
)

func TestApproverResolver(t *testing.T) {
	store := memory.New()
	store.PutUser(repository.User{ID: "u1", CompanyID: testCompany, Status: repository.UserStatusActive, RoleIDs: []string{"manager"}})
	store.PutUser(repository.User{ID: "u2", CompanyID: testCompany, Status: repository.UserStatusActive, RoleIDs: []string{"finance", "manager"}})
	store.PutUser(repository.User{ID: "u3", CompanyID: testCompany, Status: "INACTIVE", RoleIDs: []string{"finance"}})
	store.PutUser(repository.User{ID: "x1", CompanyID: "company-2", Status: repository.UserStatusActive, RoleIDs: []string{"manager"}})

	resolver := NewApproverResolver(store, logger.Nop())

	tests := []struct {
		name     string
		level    repository.Level
		kind     ApproverKind
		users    []string
		roles    []string
		fellBack bool
	}{
		{
			name:  "active users only",
			level: repository.Level{LevelNumber: 1, ApproverUserIDs: []string{"u1", "u3", "x1"}},
			kind:  ApproverKindUser,
			users: []string{"u1"},
		},
		{
			name:  "user list wins over roles",
			level: repository.Level{LevelNumber: 1, ApproverUserIDs: []string{"u2"}, ApproverRoleIDs: []string{"manager"}},
			kind:  ApproverKindUser,
			users: []string{"u2"},
		},
		{
			name:  "roles resolve to active holders",
			level: repository.Level{LevelNumber: 1, ApproverRoleIDs: []string{"finance"}},
			kind:  ApproverKindRole,
			users: []string{"u2"},
			roles: []string{"finance"},
		},
		{
			name:     "unknown user ids fall back to role ids",
			level:    repository.Level{LevelNumber: 2, ApproverUserIDs: []string{"u3"}, ApproverRoleIDs: []string{"manager"}},
			kind:     ApproverKindRole,
			users:    []string{"u1", "u2"},
			roles:    []string{"manager"},
			fellBack: true,
		},
		{
			name:     "user ids reinterpreted as roles",
			level:    repository.Level{LevelNumber: 3, ApproverUserIDs: []string{"manager", "auditor"}},
			kind:     ApproverKindRole,
			users:    []string{"u1", "u2"},
			roles:    []string{"manager"},
			fellBack: true,
		},
		{
			name:  "no references",
			level: repository.Level{LevelNumber: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := resolver.Resolve(context.Background(), testCompany, tt.level)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, set.Kind)
			assert.Equal(t, tt.users, set.UserIDs)
			assert.Equal(t, tt.roles, set.RoleIDs)
			assert.Equal(t, tt.fellBack, set.FellBack)
		})
	}
}

func TestApproverSetContains(t *testing.T) {
	set := ApproverSet{Kind: ApproverKindUser, UserIDs: []string{"a", "b"}}
	assert.True(t, set.Contains("b"))
	assert.False(t, set.Contains("c"))
	assert.False(t, set.Empty())
	assert.True(t, ApproverSet{}.Empty())
	assert.Equal(t, "role", ApproverKindRole.String())
}
