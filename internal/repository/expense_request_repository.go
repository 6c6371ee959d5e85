package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// ExpenseRequestRepository reads the host expense report record. Its
// denormalized approval fields are written inside routing transactions.
// Line items, receipts and totals are owned elsewhere.
type ExpenseRequestRepository struct {
	db *database.DB
}

// NewExpenseRequestRepository creates a new ExpenseRequestRepository.
func NewExpenseRequestRepository(db *database.DB) *ExpenseRequestRepository {
	return &ExpenseRequestRepository{db: db}
}

// LoadRequestData fetches the routing view of an expense report.
func (r *ExpenseRequestRepository) LoadRequestData(ctx context.Context, requestID string) (*RequestSnapshot, error) {
	query := `
		SELECT id, company_id, submitted_by, total_amount::text, currency,
		       COALESCE(category, ''), status,
		       additional_approvers, custom_fields
		FROM expense_reports
		WHERE id = $1
	`

	snap := &RequestSnapshot{}
	var amount string
	var approversJSON, fieldsJSON []byte

	err := r.db.QueryRow(ctx, query, requestID).Scan(
		&snap.ID,
		&snap.CompanyID,
		&snap.SubmitterID,
		&amount,
		&snap.Currency,
		&snap.Category,
		&snap.Status,
		&approversJSON,
		&fieldsJSON,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("expense_report", requestID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load expense report")
	}

	if snap.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "invalid expense report amount")
	}
	if len(approversJSON) > 0 {
		if err := json.Unmarshal(approversJSON, &snap.AdditionalApprovers); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal additional approvers")
		}
	}
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &snap.Fields); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal custom fields")
		}
	}
	return snap, nil
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func setRequestStatus(ctx context.Context, db execer, requestID string, status Status, approvedAt *time.Time) error {
	query := `
		UPDATE expense_reports
		SET approval_status = $2,
		    status          = $2,
		    approved_at     = COALESCE($3, approved_at),
		    updated_at      = NOW()
		WHERE id = $1
	`

	tag, err := db.Exec(ctx, query, requestID, status, approvedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update expense report status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("expense_report", requestID)
	}
	return nil
}

func setAdditionalApprovers(ctx context.Context, db execer, requestID string, approvers []AdditionalApprover) error {
	if approvers == nil {
		approvers = []AdditionalApprover{}
	}
	data, err := json.Marshal(approvers)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal additional approvers")
	}

	query := `
		UPDATE expense_reports
		SET additional_approvers = $2,
		    updated_at           = NOW()
		WHERE id = $1
	`

	tag, err := db.Exec(ctx, query, requestID, data)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to store additional approvers")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("expense_report", requestID)
	}
	return nil
}
