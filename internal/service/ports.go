package service

import (
	"context"

	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// MatrixStore persists approval matrices. GetActive returns (nil, nil) when
// the company has no active matrix.
type MatrixStore interface {
	Create(ctx context.Context, m *repository.ApprovalMatrix) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalMatrix, error)
	GetActive(ctx context.Context, companyID string) (*repository.ApprovalMatrix, error)
	List(ctx context.Context, companyID string) ([]*repository.ApprovalMatrix, error)
	Activate(ctx context.Context, companyID, matrixID string) error
}

// Directory looks up users and role membership.
type Directory interface {
	// GetUsers returns the users of companyID among ids, whatever their status.
	GetUsers(ctx context.Context, companyID string, ids []string) ([]repository.User, error)
	// GetActiveUsersByRoles returns active users of companyID holding any of roleIDs.
	GetActiveUsersByRoles(ctx context.Context, companyID string, roleIDs []string) ([]repository.User, error)
}

// InstanceStore persists approval instances. All mutations go through InTx.
type InstanceStore interface {
	InTx(ctx context.Context, fn func(tx repository.InstanceTx) error) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error)
	// GetByRequestID returns the most recent instance for a request.
	GetByRequestID(ctx context.Context, requestID string) (*repository.ApprovalInstance, error)
	ListPending(ctx context.Context, companyID string) ([]*repository.ApprovalInstance, error)
}

// RequestGateway fetches the host request record.
type RequestGateway interface {
	LoadRequestData(ctx context.Context, requestID string) (*repository.RequestSnapshot, error)
}

// AdditionalApproverResolver computes dynamic approvers for a request.
type AdditionalApproverResolver interface {
	ResolveAdditionalApprovers(ctx context.Context, snap *repository.RequestSnapshot) ([]repository.AdditionalApprover, error)
}

// Notifier publishes approval events. Implementations must not block on
// delivery and report failures only through their own logging.
type Notifier interface {
	NotifyApprovalRequired(ctx context.Context, inst *repository.ApprovalInstance, level int, approverIDs []string, snap *repository.RequestSnapshot)
	NotifyStatusChanged(ctx context.Context, inst *repository.ApprovalInstance, snap *repository.RequestSnapshot, status repository.Status, comments string)
}

// FundsGateway applies or releases financial holds tied to a request.
type FundsGateway interface {
	ApplyPostApprovalEffects(ctx context.Context, requestID string) error
	ReverseHoldsOnRejection(ctx context.Context, requestID, actorID, reason string) error
}

// PolicyProvider returns a company's self-approval policy.
type PolicyProvider interface {
	GetCompanySelfApprovalPolicy(ctx context.Context, companyID string) (repository.SelfApprovalPolicy, error)
}

// AuditLog records transitions outside the instance history. Failures are
// logged and never affect routing.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.ApprovalAuditEntry) error
}

// Locker serializes work on one key across workers.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
