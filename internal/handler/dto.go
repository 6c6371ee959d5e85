package handler

import (
	"context"
	"time"

	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// ApprovalEngine is the routing engine as seen by the transport layer.
type ApprovalEngine interface {
	InitiateApproval(ctx context.Context, companyID, requestID, requestType string, snap *repository.RequestSnapshot) (*repository.ApprovalInstance, error)
	ProcessAction(ctx context.Context, instanceID, userID string, action repository.Action, comments string) (*repository.ApprovalInstance, error)
	GetInstance(ctx context.Context, instanceID string) (*repository.ApprovalInstance, error)
	GetInstanceByRequest(ctx context.Context, requestID string) (*repository.ApprovalInstance, error)
	ListPendingForUser(ctx context.Context, companyID, userID string) ([]*repository.ApprovalInstance, error)
}

// MatrixAdmin administers approval matrices.
type MatrixAdmin interface {
	CreateMatrix(ctx context.Context, m *repository.ApprovalMatrix) error
	ActivateMatrix(ctx context.Context, companyID, matrixID string) error
	GetActiveMatrix(ctx context.Context, companyID string) (*repository.ApprovalMatrix, error)
	GetMatrix(ctx context.Context, matrixID string) (*repository.ApprovalMatrix, error)
	ListMatrices(ctx context.Context, companyID string) ([]*repository.ApprovalMatrix, error)
}

// AuditTrail reads the audit log of a request.
type AuditTrail interface {
	GetByRequestID(ctx context.Context, requestID, companyID string) ([]*repository.ApprovalAuditEntry, error)
}

// PolicySettings reads and writes the company self-approval policy.
type PolicySettings interface {
	GetCompanySelfApprovalPolicy(ctx context.Context, companyID string) (repository.SelfApprovalPolicy, error)
	SetSelfApprovalPolicy(ctx context.Context, companyID string, policy repository.SelfApprovalPolicy) error
}

type initiateRequest struct {
	RequestID   string `json:"request_id"`
	RequestType string `json:"request_type"`
}

type actionRequest struct {
	Action   repository.Action `json:"action"`
	Comments string            `json:"comments,omitempty"`
}

type matrixRequest struct {
	Name     string             `json:"name"`
	IsActive bool               `json:"is_active"`
	Levels   []repository.Level `json:"levels"`
}

type policyRequest struct {
	SelfApprovalPolicy repository.SelfApprovalPolicy `json:"self_approval_policy"`
}

type instanceResponse struct {
	ID           string                    `json:"id"`
	CompanyID    string                    `json:"company_id"`
	MatrixID     string                    `json:"matrix_id"`
	RequestID    string                    `json:"request_id"`
	RequestType  string                    `json:"request_type"`
	SubmitterID  string                    `json:"submitter_id"`
	CurrentLevel int                       `json:"current_level"`
	Status       repository.Status         `json:"status"`
	AutoApproved bool                      `json:"auto_approved"`
	History      []repository.HistoryEntry `json:"history"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
}

func toInstanceResponse(inst *repository.ApprovalInstance) *instanceResponse {
	history := inst.History
	if history == nil {
		history = []repository.HistoryEntry{}
	}
	return &instanceResponse{
		ID:           inst.ID,
		CompanyID:    inst.CompanyID,
		MatrixID:     inst.MatrixID,
		RequestID:    inst.RequestID,
		RequestType:  inst.RequestType,
		SubmitterID:  inst.SubmitterID,
		CurrentLevel: inst.CurrentLevel,
		Status:       inst.Status,
		AutoApproved: inst.IsAutoApproved(),
		History:      history,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
		CompletedAt:  inst.CompletedAt,
	}
}

type matrixResponse struct {
	ID        string             `json:"id"`
	CompanyID string             `json:"company_id"`
	Name      string             `json:"name"`
	IsActive  bool               `json:"is_active"`
	Levels    []repository.Level `json:"levels"`
	CreatedBy string             `json:"created_by,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func toMatrixResponse(m *repository.ApprovalMatrix) *matrixResponse {
	return &matrixResponse{
		ID:        m.ID,
		CompanyID: m.CompanyID,
		Name:      m.Name,
		IsActive:  m.IsActive,
		Levels:    m.Levels,
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}
