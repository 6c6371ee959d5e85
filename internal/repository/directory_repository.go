package repository

import (
	"context"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// DirectoryRepository reads users and their role assignments.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// GetUsers returns the users of a company whose id is in ids, in any status.
func (r *DirectoryRepository) GetUsers(ctx context.Context, companyID string, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT u.id, u.company_id, u.status,
		       COALESCE(array_agg(ur.role_id) FILTER (WHERE ur.role_id IS NOT NULL), '{}')
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id AND ur.company_id = u.company_id
		WHERE u.company_id = $1
		  AND u.id = ANY($2)
		GROUP BY u.id, u.company_id, u.status
		ORDER BY u.id
	`
	return r.queryUsers(ctx, query, companyID, ids)
}

// GetActiveUsersByRoles returns the active users of a company holding any of roleIDs.
func (r *DirectoryRepository) GetActiveUsersByRoles(ctx context.Context, companyID string, roleIDs []string) ([]User, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT u.id, u.company_id, u.status,
		       array_agg(ur.role_id ORDER BY ur.role_id)
		FROM users u
		JOIN user_roles ur ON ur.user_id = u.id AND ur.company_id = u.company_id
		WHERE u.company_id = $1
		  AND u.status = 'ACTIVE'
		  AND ur.role_id = ANY($2)
		GROUP BY u.id, u.company_id, u.status
		ORDER BY u.id
	`
	return r.queryUsers(ctx, query, companyID, roleIDs)
}

func (r *DirectoryRepository) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query users")
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.CompanyID, &u.Status, &u.RoleIDs); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan user")
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
