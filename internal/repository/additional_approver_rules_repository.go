package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// AdditionalApproverRulesRepository reads amount-threshold rules that add
// approvers after the static matrix.
type AdditionalApproverRulesRepository struct {
	db *database.DB
}

// NewAdditionalApproverRulesRepository creates a new AdditionalApproverRulesRepository.
func NewAdditionalApproverRulesRepository(db *database.DB) *AdditionalApproverRulesRepository {
	return &AdditionalApproverRulesRepository{db: db}
}

// ListActive returns the active rules of a company ordered by sequence.
func (r *AdditionalApproverRulesRepository) ListActive(ctx context.Context, companyID string) ([]*AdditionalApproverRule, error) {
	query := `
		SELECT id, company_id, min_amount::text, user_id, COALESCE(role, ''), sequence, is_active
		FROM additional_approver_rules
		WHERE company_id = $1 AND is_active
		ORDER BY sequence ASC, min_amount ASC
	`

	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list additional approver rules")
	}
	defer rows.Close()

	var rules []*AdditionalApproverRule
	for rows.Next() {
		rule := &AdditionalApproverRule{}
		var minAmount string
		if err := rows.Scan(&rule.ID, &rule.CompanyID, &minAmount, &rule.UserID, &rule.Role, &rule.Sequence, &rule.IsActive); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan additional approver rule")
		}
		if rule.MinAmount, err = decimal.NewFromString(minAmount); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid rule amount")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
