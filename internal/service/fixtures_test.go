package service

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/repository/memory"
)

const (
	testCompany   = "company-1"
	testSubmitter = "submitter"
)

var (
	_ MatrixStore    = (*memory.Store)(nil)
	_ Directory      = (*memory.Store)(nil)
	_ RequestGateway = (*memory.Store)(nil)
	_ PolicyProvider = (*memory.Store)(nil)
	_ AuditLog       = (*memory.Store)(nil)
	_ RulesLister    = (*memory.Store)(nil)
	_ InstanceStore  = (*memory.InstanceStore)(nil)
)

type approvalRequired struct {
	InstanceID  string
	Level       int
	ApproverIDs []string
}

type recordingNotifier struct {
	mu       sync.Mutex
	required []approvalRequired
	changed  []repository.Status
}

func (n *recordingNotifier) NotifyApprovalRequired(_ context.Context, inst *repository.ApprovalInstance, level int, approverIDs []string, _ *repository.RequestSnapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.required = append(n.required, approvalRequired{InstanceID: inst.ID, Level: level, ApproverIDs: approverIDs})
}

func (n *recordingNotifier) NotifyStatusChanged(_ context.Context, _ *repository.ApprovalInstance, _ *repository.RequestSnapshot, status repository.Status, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changed = append(n.changed, status)
}

func (n *recordingNotifier) statusChanges() []repository.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]repository.Status(nil), n.changed...)
}

func (n *recordingNotifier) lastRequired() approvalRequired {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.required) == 0 {
		return approvalRequired{}
	}
	return n.required[len(n.required)-1]
}

type fakeFunds struct {
	mu       sync.Mutex
	applied  []string
	reversed []string
	applyErr error
}

func (f *fakeFunds) ApplyPostApprovalEffects(_ context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, requestID)
	return f.applyErr
}

func (f *fakeFunds) ReverseHoldsOnRejection(_ context.Context, requestID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reversed = append(f.reversed, requestID)
	return nil
}

func (f *fakeFunds) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

type fixture struct {
	store    *memory.Store
	svc      *ApprovalService
	notifier *recordingNotifier
	funds    *fakeFunds
}

func newFixture(t *testing.T, policy repository.SelfApprovalPolicy, opts ...Option) *fixture {
	t.Helper()

	store := memory.New()
	store.SetSelfApprovalPolicy(testCompany, policy)
	f := &fixture{store: store, notifier: &recordingNotifier{}, funds: &fakeFunds{}}

	log := logger.Nop()
	opts = append([]Option{WithAuditLog(store)}, opts...)
	f.svc = NewApprovalService(
		store,
		store.Instances(),
		store,
		store,
		NewApproverResolver(store, log),
		f.notifier,
		f.funds,
		log,
		opts...,
	)
	return f
}

func (f *fixture) users(ids ...string) {
	for _, id := range ids {
		f.store.PutUser(repository.User{ID: id, CompanyID: testCompany, Status: repository.UserStatusActive})
	}
}

func (f *fixture) userWithRoles(id string, roles ...string) {
	f.store.PutUser(repository.User{ID: id, CompanyID: testCompany, Status: repository.UserStatusActive, RoleIDs: roles})
}

func (f *fixture) matrix(t *testing.T, levels ...repository.Level) *repository.ApprovalMatrix {
	t.Helper()
	m := &repository.ApprovalMatrix{CompanyID: testCompany, Name: "default", IsActive: true, Levels: levels}
	require.NoError(t, f.store.Create(context.Background(), m))
	return m
}

func (f *fixture) request(id string, amount int64, additional ...repository.AdditionalApprover) {
	f.store.PutRequest(repository.RequestSnapshot{
		ID:                  id,
		CompanyID:           testCompany,
		SubmitterID:         testSubmitter,
		Amount:              decimal.NewFromInt(amount),
		Currency:            "USD",
		Status:              "SUBMITTED",
		AdditionalApprovers: additional,
	})
}

func (f *fixture) initiate(t *testing.T, requestID string) *repository.ApprovalInstance {
	t.Helper()
	inst, err := f.svc.InitiateApproval(context.Background(), testCompany, requestID, "expense_report", nil)
	require.NoError(t, err)
	return inst
}

func sequential(n int, approvers ...string) repository.Level {
	return repository.Level{
		LevelNumber:     n,
		Enabled:         true,
		ApprovalType:    repository.ApprovalTypeSequential,
		ApproverUserIDs: approvers,
	}
}

func parallel(n int, rule repository.ParallelRule, approvers ...string) repository.Level {
	return repository.Level{
		LevelNumber:     n,
		Enabled:         true,
		ApprovalType:    repository.ApprovalTypeParallel,
		ParallelRule:    rule,
		ApproverUserIDs: approvers,
	}
}
