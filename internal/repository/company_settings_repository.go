package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// DefaultSelfApprovalPolicy applies to companies without a settings row.
const DefaultSelfApprovalPolicy = PolicySkipSelf

// CompanySettingsRepository reads company-level approval settings.
type CompanySettingsRepository struct {
	db *database.DB
}

// NewCompanySettingsRepository creates a new CompanySettingsRepository.
func NewCompanySettingsRepository(db *database.DB) *CompanySettingsRepository {
	return &CompanySettingsRepository{db: db}
}

// GetCompanySelfApprovalPolicy returns the company's policy, defaulting to
// SKIP_SELF.
func (r *CompanySettingsRepository) GetCompanySelfApprovalPolicy(ctx context.Context, companyID string) (SelfApprovalPolicy, error) {
	query := `
		SELECT self_approval_policy
		FROM company_settings
		WHERE company_id = $1
	`

	var policy SelfApprovalPolicy
	err := r.db.QueryRow(ctx, query, companyID).Scan(&policy)
	if err == pgx.ErrNoRows {
		return DefaultSelfApprovalPolicy, nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to load company settings")
	}
	return policy, nil
}

// SetSelfApprovalPolicy upserts the company's policy.
func (r *CompanySettingsRepository) SetSelfApprovalPolicy(ctx context.Context, companyID string, policy SelfApprovalPolicy) error {
	query := `
		INSERT INTO company_settings (company_id, self_approval_policy)
		VALUES ($1, $2)
		ON CONFLICT (company_id) DO UPDATE
		SET self_approval_policy = EXCLUDED.self_approval_policy,
		    updated_at           = NOW()
	`

	if _, err := r.db.Exec(ctx, query, companyID, policy); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save company settings")
	}
	return nil
}
