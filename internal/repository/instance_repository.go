package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
)

// InstanceTx is the transactional view used by the routing engine. The
// instance row and the host request status are written through the same
// transaction so they commit together.
type InstanceTx interface {
	// Create inserts a new instance. It fails with a conflict when the
	// request already has a PENDING instance.
	Create(ctx context.Context, inst *ApprovalInstance) error
	// LockByID loads an instance and holds it exclusively until the
	// transaction ends.
	LockByID(ctx context.Context, id string) (*ApprovalInstance, error)
	Save(ctx context.Context, inst *ApprovalInstance) error
	// ActiveUserIDs returns the subset of ids that exist in companyID with
	// status ACTIVE.
	ActiveUserIDs(ctx context.Context, companyID string, ids []string) (map[string]bool, error)
	SetRequestStatus(ctx context.Context, requestID string, status Status, approvedAt *time.Time) error
	SetAdditionalApprovers(ctx context.Context, requestID string, approvers []AdditionalApprover) error
}

// InstanceRepository manages approval_instances. Every mutation runs through
// InTx; the instance row is locked with SELECT ... FOR UPDATE before it is
// changed.
type InstanceRepository struct {
	db  *database.DB
	log *logger.Logger
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB, log *logger.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, log: log.WithComponent("instance_repository")}
}

// InTx runs fn in a single database transaction.
func (r *InstanceRepository) InTx(ctx context.Context, fn func(tx InstanceTx) error) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&instanceTx{tx: tx})
	})
}

const instanceColumns = `
	id, company_id, matrix_id, request_id, request_type, submitter_id,
	current_level, status, history, meta,
	created_at, updated_at, completed_at
`

// GetByID retrieves an instance without locking it.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// GetByRequestID returns the most recent instance for a request.
func (r *InstanceRepository) GetByRequestID(ctx context.Context, requestID string) (*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", requestID)
	}
	return inst, err
}

// ListPending returns every PENDING instance of a company, oldest first.
// Rows that fail to decode are logged and skipped.
func (r *InstanceRepository) ListPending(ctx context.Context, companyID string) ([]*ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE company_id = $1 AND status = 'PENDING'
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, companyID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending instances")
	}
	defer rows.Close()

	var out []*ApprovalInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			r.log.Warn().Err(err).
				Str("company_id", companyID).
				Msg("Skipping malformed approval instance")
			continue
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ── transaction ──────────────────────────────────────────────────────────────

type instanceTx struct {
	tx pgx.Tx
}

func (t *instanceTx) Create(ctx context.Context, inst *ApprovalInstance) error {
	historyJSON, metaJSON, err := marshalInstanceState(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_instances
		    (company_id, matrix_id, request_id, request_type, submitter_id,
		     current_level, status, history, meta, completed_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`

	err = t.tx.QueryRow(ctx, query,
		inst.CompanyID,
		inst.MatrixID,
		inst.RequestID,
		inst.RequestType,
		inst.SubmitterID,
		inst.CurrentLevel,
		inst.Status,
		historyJSON,
		metaJSON,
		inst.CompletedAt,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.New(errors.ErrCodeConflict, "request already has a pending approval")
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
	}
	return nil
}

func (t *instanceTx) LockByID(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1 FOR UPDATE`

	inst, err := scanInstance(t.tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

func (t *instanceTx) Save(ctx context.Context, inst *ApprovalInstance) error {
	historyJSON, metaJSON, err := marshalInstanceState(inst)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_instances
		SET current_level = $2,
		    status        = $3,
		    history       = $4,
		    meta          = $5,
		    completed_at  = $6,
		    updated_at    = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = t.tx.QueryRow(ctx, query,
		inst.ID,
		inst.CurrentLevel,
		inst.Status,
		historyJSON,
		metaJSON,
		inst.CompletedAt,
	).Scan(&inst.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_instance", inst.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save approval instance")
	}
	return nil
}

func (t *instanceTx) ActiveUserIDs(ctx context.Context, companyID string, ids []string) (map[string]bool, error) {
	active := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return active, nil
	}

	query := `
		SELECT id
		FROM users
		WHERE company_id = $1
		  AND status = 'ACTIVE'
		  AND id = ANY($2)
		FOR SHARE
	`

	rows, err := t.tx.Query(ctx, query, companyID, ids)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to validate approvers")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		active[id] = true
	}
	return active, rows.Err()
}

func (t *instanceTx) SetRequestStatus(ctx context.Context, requestID string, status Status, approvedAt *time.Time) error {
	return setRequestStatus(ctx, t.tx, requestID, status, approvedAt)
}

func (t *instanceTx) SetAdditionalApprovers(ctx context.Context, requestID string, approvers []AdditionalApprover) error {
	return setAdditionalApprovers(ctx, t.tx, requestID, approvers)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type instanceScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row instanceScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	var historyJSON, metaJSON []byte

	err := row.Scan(
		&inst.ID,
		&inst.CompanyID,
		&inst.MatrixID,
		&inst.RequestID,
		&inst.RequestType,
		&inst.SubmitterID,
		&inst.CurrentLevel,
		&inst.Status,
		&historyJSON,
		&metaJSON,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(historyJSON, &inst.History); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to unmarshal history of instance %s", inst.ID))
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &inst.Meta); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, fmt.Sprintf("failed to unmarshal meta of instance %s", inst.ID))
		}
	}
	return inst, nil
}

func marshalInstanceState(inst *ApprovalInstance) (history, meta []byte, err error) {
	entries := inst.History
	if entries == nil {
		entries = []HistoryEntry{}
	}
	history, err = json.Marshal(entries)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal instance history")
	}

	m := inst.Meta
	if m == nil {
		m = map[string]string{}
	}
	meta, err = json.Marshal(m)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal instance meta")
	}
	return history, meta, nil
}
