package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/metrics"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// ApproverKind says how a level's approvers were resolved.
type ApproverKind int

const (
	ApproverKindUser ApproverKind = iota + 1
	ApproverKindRole
)

func (k ApproverKind) String() string {
	switch k {
	case ApproverKindUser:
		return "user"
	case ApproverKindRole:
		return "role"
	default:
		return "none"
	}
}

// ApproverSet is the concrete set of active users allowed to act on a level.
// For role-based sets RoleIDs holds the roles that have at least one active
// holder; PARALLEL-ALL completion is counted over those roles.
type ApproverSet struct {
	Kind      ApproverKind
	UserIDs   []string
	RoleIDs   []string
	UserRoles map[string][]string
	// FellBack is set when configured user ids resolved to nobody and the
	// set was rebuilt from roles.
	FellBack bool
}

// Empty reports whether nobody can act.
func (s ApproverSet) Empty() bool { return len(s.UserIDs) == 0 }

// Contains reports whether userID may act.
func (s ApproverSet) Contains(userID string) bool {
	for _, id := range s.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// ApproverResolver turns a level's approver references into active users.
type ApproverResolver struct {
	dir Directory
	log *logger.Logger
}

// NewApproverResolver creates a new ApproverResolver.
func NewApproverResolver(dir Directory, log *logger.Logger) *ApproverResolver {
	return &ApproverResolver{dir: dir, log: log.WithComponent("approver_resolver")}
}

// Resolve returns the approvers of a matrix level. User ids take precedence
// over role ids. When the user ids match no active user they are assumed to
// hold role ids and resolution is retried through role membership, using
// ApproverRoleIDs when present.
func (r *ApproverResolver) Resolve(ctx context.Context, companyID string, level repository.Level) (ApproverSet, error) {
	if len(level.ApproverUserIDs) > 0 {
		set, err := r.resolveUsers(ctx, companyID, level.ApproverUserIDs)
		if err != nil || !set.Empty() {
			return set, err
		}

		roleIDs := level.ApproverRoleIDs
		source := "approver_role_ids"
		if len(roleIDs) == 0 {
			roleIDs = level.ApproverUserIDs
			source = "approver_user_ids"
		}

		r.log.Warn().
			Str("company_id", companyID).
			Int("level", level.LevelNumber).
			Strs("user_ids", level.ApproverUserIDs).
			Strs("role_ids", roleIDs).
			Str("role_source", source).
			Msg("No active users for configured approver ids, resolving as roles")
		metrics.IncResolverFallback()

		set, err = r.resolveRoles(ctx, companyID, roleIDs)
		set.FellBack = true
		return set, err
	}

	if len(level.ApproverRoleIDs) > 0 {
		return r.resolveRoles(ctx, companyID, level.ApproverRoleIDs)
	}
	return ApproverSet{}, nil
}

func (r *ApproverResolver) resolveUsers(ctx context.Context, companyID string, ids []string) (ApproverSet, error) {
	users, err := r.dir.GetUsers(ctx, companyID, ids)
	if err != nil {
		return ApproverSet{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approver users")
	}

	set := ApproverSet{Kind: ApproverKindUser}
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		if u.CompanyID != companyID || !u.IsActive() || seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		set.UserIDs = append(set.UserIDs, u.ID)
	}
	sort.Strings(set.UserIDs)
	return set, nil
}

func (r *ApproverResolver) resolveRoles(ctx context.Context, companyID string, roleIDs []string) (ApproverSet, error) {
	users, err := r.dir.GetActiveUsersByRoles(ctx, companyID, roleIDs)
	if err != nil {
		return ApproverSet{}, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approver roles")
	}

	wanted := make(map[string]bool, len(roleIDs))
	for _, id := range roleIDs {
		wanted[id] = true
	}

	set := ApproverSet{Kind: ApproverKindRole, UserRoles: make(map[string][]string)}
	held := make(map[string]bool)
	for _, u := range users {
		if u.CompanyID != companyID || !u.IsActive() {
			continue
		}
		var roles []string
		for _, role := range u.RoleIDs {
			if wanted[role] {
				roles = append(roles, role)
				held[role] = true
			}
		}
		if len(roles) == 0 {
			continue
		}
		if _, dup := set.UserRoles[u.ID]; !dup {
			set.UserIDs = append(set.UserIDs, u.ID)
		}
		set.UserRoles[u.ID] = roles
	}
	for _, role := range dedupeStrings(roleIDs) {
		if held[role] {
			set.RoleIDs = append(set.RoleIDs, role)
		}
	}
	sort.Strings(set.UserIDs)
	return set, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
