package handler

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/repository/memory"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
)

const (
	companyA  = "company-a"
	companyB  = "company-b"
	submitter = "submitter"
)

var (
	_ ApprovalEngine = (*service.ApprovalService)(nil)
	_ MatrixAdmin    = (*service.MatrixService)(nil)
)

type testEnv struct {
	store     *memory.Store
	approvals *service.ApprovalService
	matrices  *service.MatrixService
}

// newTestEnv wires the real services over the in-memory store with a
// two-level sequential matrix for companyA: manager, then director.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.Nop()
	store := memory.New()

	for _, u := range []repository.User{
		{ID: submitter, CompanyID: companyA, Status: repository.UserStatusActive},
		{ID: "manager", CompanyID: companyA, Status: repository.UserStatusActive},
		{ID: "director", CompanyID: companyA, Status: repository.UserStatusActive},
		{ID: "outsider", CompanyID: companyB, Status: repository.UserStatusActive},
	} {
		store.PutUser(u)
	}
	store.SetSelfApprovalPolicy(companyA, repository.PolicySkipSelf)

	env := &testEnv{
		store: store,
		approvals: service.NewApprovalService(
			store,
			store.Instances(),
			store,
			store,
			service.NewApproverResolver(store, log),
			client.NewNotificationPublisher(nil, log),
			client.NewNoopFunds(log),
			log,
			service.WithAuditLog(store),
		),
		matrices: service.NewMatrixService(store, log),
	}

	require.NoError(t, env.matrices.CreateMatrix(context.Background(), &repository.ApprovalMatrix{
		CompanyID: companyA,
		Name:      "default",
		IsActive:  true,
		Levels: []repository.Level{
			{LevelNumber: 1, Enabled: true, ApprovalType: repository.ApprovalTypeSequential, ApproverUserIDs: []string{"manager"}},
			{LevelNumber: 2, Enabled: true, ApprovalType: repository.ApprovalTypeSequential, ApproverUserIDs: []string{"director"}},
		},
	}))
	return env
}

func (e *testEnv) request(id string) {
	e.store.PutRequest(repository.RequestSnapshot{
		ID:          id,
		CompanyID:   companyA,
		SubmitterID: submitter,
		Amount:      decimal.NewFromInt(250),
		Currency:    "USD",
		Status:      "SUBMITTED",
	})
}
