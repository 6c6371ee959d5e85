//go:build integration

package repository_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-expense-approvals/internal/client"
	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/service"
	"github.com/pesio-ai/be-expense-approvals/migrations"
)

const company = "company-int"

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("approvals_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	db := database.FromPool(pool)
	require.NoError(t, db.ApplyMigrations(ctx, migrations.FS))
	// a second run is a no-op
	require.NoError(t, db.ApplyMigrations(ctx, migrations.FS))
	return db
}

func seed(t *testing.T, db *database.DB) {
	t.Helper()
	ctx := context.Background()
	stmts := []string{
		`INSERT INTO users (id, company_id, status) VALUES
			('submitter', $1, 'ACTIVE'),
			('manager',   $1, 'ACTIVE'),
			('fin-1',     $1, 'ACTIVE'),
			('fin-2',     $1, 'ACTIVE'),
			('cfo',       $1, 'ACTIVE'),
			('gone',      $1, 'INACTIVE')`,
		`INSERT INTO user_roles (user_id, role_id, company_id) VALUES
			('fin-1', 'finance', $1),
			('fin-2', 'finance', $1),
			('gone',  'finance', $1)`,
		`INSERT INTO expense_reports (id, company_id, submitted_by, total_amount, currency, status) VALUES
			('req-small', $1, 'submitter', 120.50, 'USD', 'SUBMITTED'),
			('req-large', $1, 'submitter', 25000.00, 'USD', 'SUBMITTED')`,
		`INSERT INTO additional_approver_rules (company_id, min_amount, user_id, role, sequence) VALUES
			($1, 10000, 'cfo', 'CFO', 1)`,
	}
	for _, stmt := range stmts {
		_, err := db.Exec(ctx, stmt, company)
		require.NoError(t, err)
	}
}

func newEngine(db *database.DB) (*service.ApprovalService, *repository.MatrixRepository) {
	log := logger.Nop()
	matrices := repository.NewMatrixRepository(db)
	rules := repository.NewAdditionalApproverRulesRepository(db)
	return service.NewApprovalService(
		matrices,
		repository.NewInstanceRepository(db, log),
		repository.NewExpenseRequestRepository(db),
		repository.NewCompanySettingsRepository(db),
		service.NewApproverResolver(repository.NewDirectoryRepository(db), log),
		client.NewNotificationPublisher(nil, log),
		client.NewNoopFunds(log),
		log,
		service.WithAdditionalApprovers(service.NewThresholdRules(rules)),
		service.WithAuditLog(repository.NewApprovalAuditRepository(db)),
	), matrices
}

func createMatrix(t *testing.T, matrices *repository.MatrixRepository) *repository.ApprovalMatrix {
	t.Helper()
	m := &repository.ApprovalMatrix{
		CompanyID: company,
		Name:      "default",
		IsActive:  true,
		Levels: []repository.Level{
			{LevelNumber: 1, Enabled: true, ApprovalType: repository.ApprovalTypeSequential, ApproverUserIDs: []string{"manager"}},
			{LevelNumber: 2, Enabled: true, ApprovalType: repository.ApprovalTypeParallel, ParallelRule: repository.ParallelRuleAll, ApproverUserIDs: []string{"fin-1", "fin-2"}},
			{LevelNumber: 3, Enabled: false, ApprovalType: repository.ApprovalTypeSequential, ApproverUserIDs: []string{"gone"}},
		},
		CreatedBy: "admin",
	}
	require.NoError(t, matrices.Create(context.Background(), m))
	return m
}

func TestMatrixRepository(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	matrices := repository.NewMatrixRepository(db)

	first := createMatrix(t, matrices)
	require.NotEmpty(t, first.ID)

	got, err := matrices.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Levels, got.Levels)

	second := &repository.ApprovalMatrix{
		CompanyID: company,
		Name:      "v2",
		Levels:    []repository.Level{{LevelNumber: 1, Enabled: true, ApprovalType: repository.ApprovalTypeSequential, ApproverUserIDs: []string{"cfo"}}},
	}
	require.NoError(t, matrices.Create(ctx, second))
	require.NoError(t, matrices.Activate(ctx, company, second.ID))

	active, err := matrices.GetActive(ctx, company)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	all, err := matrices.List(ctx, company)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := matrices.GetActive(ctx, "other-company")
	require.NoError(t, err)
	assert.Nil(t, none)

	err = matrices.Activate(ctx, "other-company", first.ID)
	assert.Equal(t, errors.ErrCodeNotFound, errors.CodeOf(err))
}

func TestCompanySettingsRepository(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	settings := repository.NewCompanySettingsRepository(db)

	policy, err := settings.GetCompanySelfApprovalPolicy(ctx, company)
	require.NoError(t, err)
	assert.Equal(t, repository.PolicySkipSelf, policy)

	require.NoError(t, settings.SetSelfApprovalPolicy(ctx, company, repository.PolicyAllowSelf))
	policy, err = settings.GetCompanySelfApprovalPolicy(ctx, company)
	require.NoError(t, err)
	assert.Equal(t, repository.PolicyAllowSelf, policy)
}

func TestDirectoryRepository(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	ctx := context.Background()
	dir := repository.NewDirectoryRepository(db)

	users, err := dir.GetUsers(ctx, company, []string{"manager", "gone", "nobody"})
	require.NoError(t, err)
	assert.Len(t, users, 2)

	finance, err := dir.GetActiveUsersByRoles(ctx, company, []string{"finance"})
	require.NoError(t, err)
	ids := make([]string, 0, len(finance))
	for _, u := range finance {
		ids = append(ids, u.ID)
		assert.Contains(t, u.RoleIDs, "finance")
	}
	assert.ElementsMatch(t, []string{"fin-1", "fin-2"}, ids)
}

func TestEngineOverPostgres(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	ctx := context.Background()
	engine, matrices := newEngine(db)
	createMatrix(t, matrices)

	inst, err := engine.InitiateApproval(ctx, company, "req-large", "expense_report", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, inst.Status)
	assert.Equal(t, 1, inst.CurrentLevel)

	_, err = engine.InitiateApproval(ctx, company, "req-large", "expense_report", nil)
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))

	inst, err = engine.ProcessAction(ctx, inst.ID, "manager", repository.ActionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 2, inst.CurrentLevel)

	// both finance approvers race; the level completes exactly once
	var wg sync.WaitGroup
	for _, u := range []string{"fin-1", "fin-2"} {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := engine.ProcessAction(ctx, inst.ID, userID, repository.ActionApprove, "")
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	inst, err = engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, repository.StatusPending, inst.Status)
	assert.Equal(t, 3, inst.CurrentLevel, "additional approver is placed after the last enabled level")

	snap, err := repository.NewExpenseRequestRepository(db).LoadRequestData(ctx, "req-large")
	require.NoError(t, err)
	require.Len(t, snap.AdditionalApprovers, 1)
	assert.Equal(t, "cfo", snap.AdditionalApprovers[0].UserID)
	assert.True(t, snap.Amount.Equal(decimal.NewFromInt(25000)))

	inst, err = engine.ProcessAction(ctx, inst.ID, "cfo", repository.ActionApprove, "fine")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusApproved, inst.Status)
	require.NotNil(t, inst.CompletedAt)

	var approvalStatus string
	var approvedAt *time.Time
	require.NoError(t, db.QueryRow(ctx,
		`SELECT approval_status, approved_at FROM expense_reports WHERE id = 'req-large'`,
	).Scan(&approvalStatus, &approvedAt))
	assert.Equal(t, "APPROVED", approvalStatus)
	assert.NotNil(t, approvedAt)

	audit, err := repository.NewApprovalAuditRepository(db).GetByRequestID(ctx, "req-large", company)
	require.NoError(t, err)
	require.NotEmpty(t, audit)
	assert.Equal(t, "submitted", audit[0].Action)
	assert.Equal(t, "approved", audit[len(audit)-1].Action)

	pending, err := engine.ListPendingForUser(ctx, company, "manager")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRejectionOverPostgres(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	ctx := context.Background()
	engine, matrices := newEngine(db)
	createMatrix(t, matrices)

	inst, err := engine.InitiateApproval(ctx, company, "req-small", "expense_report", nil)
	require.NoError(t, err)

	pending, err := engine.ListPendingForUser(ctx, company, "manager")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	inst, err = engine.ProcessAction(ctx, inst.ID, "manager", repository.ActionReject, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, repository.StatusRejected, inst.Status)

	_, err = engine.ProcessAction(ctx, inst.ID, "manager", repository.ActionApprove, "")
	assert.True(t, errors.Is(err, errors.ErrAlreadyDecided))

	// a rejected request can be resubmitted
	again, err := engine.InitiateApproval(ctx, company, "req-small", "expense_report", nil)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, again.ID)

	latest, err := engine.GetInstanceByRequest(ctx, "req-small")
	require.NoError(t, err)
	assert.Equal(t, again.ID, latest.ID)
}

func TestListPendingSkipsMalformedRows(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db)
	ctx := context.Background()
	engine, matrices := newEngine(db)
	m := createMatrix(t, matrices)

	good, err := engine.InitiateApproval(ctx, company, "req-small", "expense_report", nil)
	require.NoError(t, err)

	_, err = db.Exec(ctx, `
		INSERT INTO approval_instances
		    (company_id, matrix_id, request_id, request_type, submitter_id, current_level, status, history)
		VALUES ($1, $2, 'req-broken', 'expense_report', 'submitter', 1, 'PENDING', '{"not":"a list"}'::jsonb)
	`, company, m.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	repo := repository.NewInstanceRepository(db, logger.New(logger.Config{Level: "warn", Output: &buf}))

	pending, err := repo.ListPending(ctx, company)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, good.ID, pending[0].ID)
	assert.Contains(t, buf.String(), "Skipping malformed approval instance")
}
