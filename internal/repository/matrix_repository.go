package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// MatrixRepository handles approval_matrices. Level configuration is stored
// as a JSONB array and never updated in place.
type MatrixRepository struct {
	db *database.DB
}

// NewMatrixRepository creates a new MatrixRepository.
func NewMatrixRepository(db *database.DB) *MatrixRepository {
	return &MatrixRepository{db: db}
}

// Create inserts a new matrix. When m.IsActive is set, every other matrix of
// the company is deactivated in the same transaction.
func (r *MatrixRepository) Create(ctx context.Context, m *ApprovalMatrix) error {
	levelsJSON, err := json.Marshal(m.Levels)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal matrix levels")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if m.IsActive {
			if _, err := tx.Exec(ctx, deactivateMatricesQuery, m.CompanyID); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate matrices")
			}
		}

		query := `
			INSERT INTO approval_matrices
			    (company_id, name, is_active, levels, created_by)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, updated_at
		`
		err := tx.QueryRow(ctx, query,
			m.CompanyID,
			m.Name,
			m.IsActive,
			levelsJSON,
			m.CreatedBy,
		).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval matrix")
		}
		return nil
	})
}

// GetByID retrieves a matrix regardless of its active flag. Running
// instances always resolve their matrix through this.
func (r *MatrixRepository) GetByID(ctx context.Context, id string) (*ApprovalMatrix, error) {
	query := `
		SELECT id, company_id, name, is_active, levels,
		       COALESCE(created_by, ''), created_at, updated_at
		FROM approval_matrices
		WHERE id = $1
	`

	m, err := r.scanMatrix(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_matrix", id)
	}
	return m, err
}

// GetActive returns the company's active matrix, or nil when there is none.
func (r *MatrixRepository) GetActive(ctx context.Context, companyID string) (*ApprovalMatrix, error) {
	query := `
		SELECT id, company_id, name, is_active, levels,
		       COALESCE(created_by, ''), created_at, updated_at
		FROM approval_matrices
		WHERE company_id = $1 AND is_active
		LIMIT 1
	`

	m, err := r.scanMatrix(r.db.QueryRow(ctx, query, companyID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// List returns every matrix of a company, newest first.
func (r *MatrixRepository) List(ctx context.Context, companyID string) ([]*ApprovalMatrix, error) {
	query := `
		SELECT id, company_id, name, is_active, levels,
		       COALESCE(created_by, ''), created_at, updated_at
		FROM approval_matrices
		WHERE company_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval matrices")
	}
	defer rows.Close()

	var matrices []*ApprovalMatrix
	for rows.Next() {
		m, err := r.scanMatrix(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval matrix")
		}
		matrices = append(matrices, m)
	}
	return matrices, rows.Err()
}

const deactivateMatricesQuery = `
	UPDATE approval_matrices
	SET is_active  = FALSE,
	    updated_at = NOW()
	WHERE company_id = $1 AND is_active
`

// Activate makes matrixID the only active matrix of the company.
func (r *MatrixRepository) Activate(ctx context.Context, companyID, matrixID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deactivateMatricesQuery, companyID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate matrices")
		}

		query := `
			UPDATE approval_matrices
			SET is_active  = TRUE,
			    updated_at = NOW()
			WHERE id = $1 AND company_id = $2
			RETURNING id
		`
		var returnedID string
		err := tx.QueryRow(ctx, query, matrixID, companyID).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("approval_matrix", matrixID)
		}
		return err
	})
}

// ── scan helper ──────────────────────────────────────────────────────────────

type matrixScanner interface {
	Scan(dest ...any) error
}

func (r *MatrixRepository) scanMatrix(row matrixScanner) (*ApprovalMatrix, error) {
	m := &ApprovalMatrix{}
	var levelsJSON []byte

	err := row.Scan(
		&m.ID,
		&m.CompanyID,
		&m.Name,
		&m.IsActive,
		&levelsJSON,
		&m.CreatedBy,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levelsJSON, &m.Levels); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal matrix levels")
	}
	return m, nil
}
