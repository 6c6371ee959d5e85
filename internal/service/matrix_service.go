package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// MatrixService administers approval matrices. A stored matrix is never
// changed; a new configuration is created as a new matrix and activated.
type MatrixService struct {
	matrices MatrixStore
	validate *validator.Validate
	log      *logger.Logger
}

// NewMatrixService creates a new MatrixService.
func NewMatrixService(matrices MatrixStore, log *logger.Logger) *MatrixService {
	return &MatrixService{
		matrices: matrices,
		validate: validator.New(),
		log:      log.WithComponent("matrix_service"),
	}
}

// CreateMatrix validates and stores a matrix. An active matrix replaces the
// company's previous active matrix.
func (s *MatrixService) CreateMatrix(ctx context.Context, m *repository.ApprovalMatrix) error {
	if err := s.Validate(m); err != nil {
		return err
	}
	if err := s.matrices.Create(ctx, m); err != nil {
		return err
	}

	s.log.Info().
		Str("matrix_id", m.ID).
		Str("company_id", m.CompanyID).
		Bool("is_active", m.IsActive).
		Int("levels", len(m.Levels)).
		Msg("Approval matrix created")
	return nil
}

// ActivateMatrix makes matrixID the company's only active matrix.
func (s *MatrixService) ActivateMatrix(ctx context.Context, companyID, matrixID string) error {
	if err := s.matrices.Activate(ctx, companyID, matrixID); err != nil {
		return err
	}
	s.log.Info().Str("matrix_id", matrixID).Str("company_id", companyID).Msg("Approval matrix activated")
	return nil
}

// GetActiveMatrix returns the company's active matrix.
func (s *MatrixService) GetActiveMatrix(ctx context.Context, companyID string) (*repository.ApprovalMatrix, error) {
	m, err := s.matrices.GetActive(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New(errors.ErrCodeNoActiveMatrix, fmt.Sprintf("company %s has no active approval matrix", companyID))
	}
	return m, nil
}

// GetMatrix returns a matrix by id.
func (s *MatrixService) GetMatrix(ctx context.Context, matrixID string) (*repository.ApprovalMatrix, error) {
	return s.matrices.GetByID(ctx, matrixID)
}

// ListMatrices returns every matrix of a company, newest first.
func (s *MatrixService) ListMatrices(ctx context.Context, companyID string) ([]*repository.ApprovalMatrix, error) {
	return s.matrices.List(ctx, companyID)
}

// Validate checks a matrix before it is stored.
func (s *MatrixService) Validate(m *repository.ApprovalMatrix) error {
	if m == nil {
		return errors.InvalidInput("matrix", "matrix is required")
	}
	if err := s.validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.InvalidInput(fieldPath(fe.Namespace()), fmt.Sprintf("failed on %q", fe.Tag()))
		}
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid matrix")
	}

	prev := 0
	for _, l := range m.EnabledLevels() {
		field := fmt.Sprintf("levels[%d]", l.LevelNumber)
		if l.LevelNumber == prev {
			return errors.InvalidInput(field, "enabled level numbers must be unique")
		}
		prev = l.LevelNumber

		switch l.ApprovalType {
		case repository.ApprovalTypeParallel:
			if l.ParallelRule == "" {
				return errors.InvalidInput(field+".parallel_rule", "parallel_rule is required for PARALLEL levels")
			}
		case repository.ApprovalTypeSequential:
			if l.ParallelRule != "" {
				return errors.InvalidInput(field+".parallel_rule", "parallel_rule is only allowed on PARALLEL levels")
			}
		}
		if len(l.ApproverUserIDs) == 0 && len(l.ApproverRoleIDs) == 0 {
			return errors.InvalidInput(field, "at least one approver user or role is required")
		}
	}
	return nil
}

// fieldPath turns "ApprovalMatrix.Levels[0].ApprovalType" into
// "Levels[0].ApprovalType".
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
