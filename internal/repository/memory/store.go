// Package memory provides an in-memory implementation of the approval stores.
// It is suitable for tests and local development and mirrors the
// transactional behaviour of the PostgreSQL repositories: transactions are
// serialized and their writes become visible only on commit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// RequestRecord is the stored host request with its denormalized fields.
type RequestRecord struct {
	Snapshot       repository.RequestSnapshot
	ApprovalStatus repository.Status
	ApprovedAt     *time.Time
}

// Store is a thread-safe in-memory store.
type Store struct {
	txMu sync.Mutex   // serializes transactions
	mu   sync.RWMutex // guards the maps below

	matrices  map[string]*repository.ApprovalMatrix
	instances map[string]*repository.ApprovalInstance
	users     map[string]repository.User
	requests  map[string]*RequestRecord
	policies  map[string]repository.SelfApprovalPolicy
	rules     map[string][]*repository.AdditionalApproverRule
	audit     []*repository.ApprovalAuditEntry

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		matrices:  make(map[string]*repository.ApprovalMatrix),
		instances: make(map[string]*repository.ApprovalInstance),
		users:     make(map[string]repository.User),
		requests:  make(map[string]*RequestRecord),
		policies:  make(map[string]repository.SelfApprovalPolicy),
		rules:     make(map[string][]*repository.AdditionalApproverRule),
		now:       time.Now,
	}
}

// ── Seeding ──────────────────────────────────────────────────────────────────

// PutUser adds or replaces a user.
func (s *Store) PutUser(u repository.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.RoleIDs = append([]string(nil), u.RoleIDs...)
	s.users[u.ID] = u
}

// PutRequest adds or replaces a host request.
func (s *Store) PutRequest(snap repository.RequestSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[snap.ID] = &RequestRecord{Snapshot: cloneSnapshot(snap)}
}

// SetSelfApprovalPolicy sets a company's policy.
func (s *Store) SetSelfApprovalPolicy(companyID string, policy repository.SelfApprovalPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[companyID] = policy
}

// PutAdditionalApproverRule adds a threshold rule.
func (s *Store) PutAdditionalApproverRule(rule repository.AdditionalApproverRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	s.rules[rule.CompanyID] = append(s.rules[rule.CompanyID], &rule)
}

// Request returns a copy of the stored host request.
func (s *Store) Request(id string) (RequestRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.requests[id]
	if !ok {
		return RequestRecord{}, false
	}
	out := *rec
	out.Snapshot = cloneSnapshot(rec.Snapshot)
	return out, true
}

// AuditEntries returns the recorded audit entries in order.
func (s *Store) AuditEntries() []*repository.ApprovalAuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*repository.ApprovalAuditEntry(nil), s.audit...)
}

// ── Matrices ─────────────────────────────────────────────────────────────────

func (s *Store) Create(ctx context.Context, m *repository.ApprovalMatrix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.IsActive {
		s.deactivateLocked(m.CompanyID)
	}
	now := s.now()
	m.ID = uuid.NewString()
	m.CreatedAt, m.UpdatedAt = now, now
	s.matrices[m.ID] = cloneMatrix(m)
	return nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*repository.ApprovalMatrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matrices[id]
	if !ok {
		return nil, errors.NotFound("approval_matrix", id)
	}
	return cloneMatrix(m), nil
}

func (s *Store) GetActive(ctx context.Context, companyID string) (*repository.ApprovalMatrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.matrices {
		if m.CompanyID == companyID && m.IsActive {
			return cloneMatrix(m), nil
		}
	}
	return nil, nil
}

func (s *Store) List(ctx context.Context, companyID string) ([]*repository.ApprovalMatrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*repository.ApprovalMatrix
	for _, m := range s.matrices {
		if m.CompanyID == companyID {
			out = append(out, cloneMatrix(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Activate(ctx context.Context, companyID, matrixID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matrices[matrixID]
	if !ok || m.CompanyID != companyID {
		return errors.NotFound("approval_matrix", matrixID)
	}
	s.deactivateLocked(companyID)
	m.IsActive = true
	m.UpdatedAt = s.now()
	return nil
}

func (s *Store) deactivateLocked(companyID string) {
	for _, m := range s.matrices {
		if m.CompanyID == companyID && m.IsActive {
			m.IsActive = false
			m.UpdatedAt = s.now()
		}
	}
}

// ── Directory ────────────────────────────────────────────────────────────────

func (s *Store) GetUsers(ctx context.Context, companyID string, ids []string) ([]repository.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []repository.User
	for _, id := range dedupe(ids) {
		if u, ok := s.users[id]; ok && u.CompanyID == companyID {
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out, nil
}

func (s *Store) GetActiveUsersByRoles(ctx context.Context, companyID string, roleIDs []string) ([]repository.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[string]bool, len(roleIDs))
	for _, r := range roleIDs {
		wanted[r] = true
	}
	var out []repository.User
	for _, u := range s.users {
		if u.CompanyID != companyID || !u.IsActive() {
			continue
		}
		var held []string
		for _, r := range u.RoleIDs {
			if wanted[r] {
				held = append(held, r)
			}
		}
		if len(held) > 0 {
			sort.Strings(held)
			u.RoleIDs = held
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out, nil
}

// ── Host requests and settings ───────────────────────────────────────────────

func (s *Store) LoadRequestData(ctx context.Context, requestID string) (*repository.RequestSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.requests[requestID]
	if !ok {
		return nil, errors.NotFound("expense_report", requestID)
	}
	snap := cloneSnapshot(rec.Snapshot)
	return &snap, nil
}

func (s *Store) GetCompanySelfApprovalPolicy(ctx context.Context, companyID string) (repository.SelfApprovalPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[companyID]; ok {
		return p, nil
	}
	return repository.DefaultSelfApprovalPolicy, nil
}

// ListActive returns the active threshold rules of a company.
func (s *Store) ListActive(ctx context.Context, companyID string) ([]*repository.AdditionalApproverRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*repository.AdditionalApproverRule
	for _, r := range s.rules[companyID] {
		if r.IsActive {
			c := *r
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Append records an audit entry.
func (s *Store) Append(ctx context.Context, entry *repository.ApprovalAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.NewString()
	entry.PerformedAt = s.now()
	c := *entry
	s.audit = append(s.audit, &c)
	return nil
}

// ── Instances ────────────────────────────────────────────────────────────────

// Instances exposes the instance half of the store under the names the
// routing engine expects.
func (s *Store) Instances() *InstanceStore {
	return &InstanceStore{s: s}
}

// InstanceStore is the instance view of Store.
type InstanceStore struct {
	s *Store
}

func (is *InstanceStore) GetByID(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	s := is.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst.Clone(), nil
}

func (is *InstanceStore) GetByRequestID(ctx context.Context, requestID string) (*repository.ApprovalInstance, error) {
	s := is.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *repository.ApprovalInstance
	for _, inst := range s.instances {
		if inst.RequestID != requestID {
			continue
		}
		if latest == nil || inst.CreatedAt.After(latest.CreatedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, errors.NotFound("approval_instance", requestID)
	}
	return latest.Clone(), nil
}

func (is *InstanceStore) ListPending(ctx context.Context, companyID string) ([]*repository.ApprovalInstance, error) {
	s := is.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*repository.ApprovalInstance
	for _, inst := range s.instances {
		if inst.CompanyID == companyID && inst.Status == repository.StatusPending {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// InTx runs fn with exclusive access to the store. Writes are staged and
// applied only when fn returns nil.
func (is *InstanceStore) InTx(ctx context.Context, fn func(tx repository.InstanceTx) error) error {
	s := is.s
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memTx{
		s:          s,
		instances:  make(map[string]*repository.ApprovalInstance),
		statuses:   make(map[string]statusUpdate),
		additional: make(map[string][]repository.AdditionalApprover),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type statusUpdate struct {
	status     repository.Status
	approvedAt *time.Time
}

type memTx struct {
	s          *Store
	instances  map[string]*repository.ApprovalInstance
	statuses   map[string]statusUpdate
	additional map[string][]repository.AdditionalApprover
}

func (t *memTx) Create(ctx context.Context, inst *repository.ApprovalInstance) error {
	t.s.mu.RLock()
	for _, existing := range t.s.instances {
		if existing.RequestID == inst.RequestID && existing.Status == repository.StatusPending {
			t.s.mu.RUnlock()
			return errors.New(errors.ErrCodeConflict, "request already has a pending approval")
		}
	}
	t.s.mu.RUnlock()

	now := t.s.now()
	inst.ID = uuid.NewString()
	inst.CreatedAt, inst.UpdatedAt = now, now
	t.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *memTx) LockByID(ctx context.Context, id string) (*repository.ApprovalInstance, error) {
	if staged, ok := t.instances[id]; ok {
		return staged.Clone(), nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	inst, ok := t.s.instances[id]
	if !ok {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst.Clone(), nil
}

func (t *memTx) Save(ctx context.Context, inst *repository.ApprovalInstance) error {
	if _, staged := t.instances[inst.ID]; !staged {
		t.s.mu.RLock()
		_, ok := t.s.instances[inst.ID]
		t.s.mu.RUnlock()
		if !ok {
			return errors.NotFound("approval_instance", inst.ID)
		}
	}
	inst.UpdatedAt = t.s.now()
	t.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *memTx) ActiveUserIDs(ctx context.Context, companyID string, ids []string) (map[string]bool, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	active := make(map[string]bool, len(ids))
	for _, id := range ids {
		if u, ok := t.s.users[id]; ok && u.CompanyID == companyID && u.IsActive() {
			active[id] = true
		}
	}
	return active, nil
}

func (t *memTx) SetRequestStatus(ctx context.Context, requestID string, status repository.Status, approvedAt *time.Time) error {
	t.s.mu.RLock()
	_, ok := t.s.requests[requestID]
	t.s.mu.RUnlock()
	if !ok {
		return errors.NotFound("expense_report", requestID)
	}
	t.statuses[requestID] = statusUpdate{status: status, approvedAt: approvedAt}
	return nil
}

func (t *memTx) SetAdditionalApprovers(ctx context.Context, requestID string, approvers []repository.AdditionalApprover) error {
	t.s.mu.RLock()
	_, ok := t.s.requests[requestID]
	t.s.mu.RUnlock()
	if !ok {
		return errors.NotFound("expense_report", requestID)
	}
	t.additional[requestID] = append([]repository.AdditionalApprover(nil), approvers...)
	return nil
}

func (t *memTx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for id, inst := range t.instances {
		t.s.instances[id] = inst
	}
	for id, u := range t.statuses {
		rec := t.s.requests[id]
		rec.ApprovalStatus = u.status
		rec.Snapshot.Status = string(u.status)
		if u.approvedAt != nil {
			at := *u.approvedAt
			rec.ApprovedAt = &at
		}
	}
	for id, approvers := range t.additional {
		t.s.requests[id].Snapshot.AdditionalApprovers = approvers
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func cloneMatrix(m *repository.ApprovalMatrix) *repository.ApprovalMatrix {
	c := *m
	c.Levels = make([]repository.Level, len(m.Levels))
	for i, l := range m.Levels {
		l.ApproverUserIDs = append([]string(nil), l.ApproverUserIDs...)
		l.ApproverRoleIDs = append([]string(nil), l.ApproverRoleIDs...)
		l.Conditions = append([]repository.Condition(nil), l.Conditions...)
		c.Levels[i] = l
	}
	return &c
}

func cloneSnapshot(snap repository.RequestSnapshot) repository.RequestSnapshot {
	c := snap
	c.AdditionalApprovers = append([]repository.AdditionalApprover(nil), snap.AdditionalApprovers...)
	if snap.Fields != nil {
		c.Fields = make(map[string]string, len(snap.Fields))
		for k, v := range snap.Fields {
			c.Fields[k] = v
		}
	}
	return c
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortUsers(users []repository.User) {
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
}
