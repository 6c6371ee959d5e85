package service

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/metrics"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// listConcurrency bounds the per-instance work of ListPendingForUser.
const listConcurrency = 8

// ApprovalService is the routing engine. It creates approval instances,
// applies approver actions and decides when a request is resolved.
type ApprovalService struct {
	matrices   MatrixStore
	instances  InstanceStore
	requests   RequestGateway
	policies   PolicyProvider
	resolver   *ApproverResolver
	notifier   Notifier
	funds      FundsGateway
	conditions ConditionEvaluator
	additional AdditionalApproverResolver
	audit      AuditLog
	locker     Locker
	now        func() time.Time
	log        *logger.Logger
}

// Option configures optional collaborators of ApprovalService.
type Option func(*ApprovalService)

// WithConditionEvaluator replaces the default PermissiveEvaluator.
func WithConditionEvaluator(e ConditionEvaluator) Option {
	return func(s *ApprovalService) { s.conditions = e }
}

// WithAdditionalApprovers sets the resolver consulted when the matrix
// completes and the request carries no additional approvers yet.
func WithAdditionalApprovers(r AdditionalApproverResolver) Option {
	return func(s *ApprovalService) { s.additional = r }
}

// WithAuditLog records every transition in a.
func WithAuditLog(a AuditLog) Option {
	return func(s *ApprovalService) { s.audit = a }
}

// WithLocker serializes actions on an instance across workers.
func WithLocker(l Locker) Option {
	return func(s *ApprovalService) { s.locker = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *ApprovalService) { s.now = now }
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	matrices MatrixStore,
	instances InstanceStore,
	requests RequestGateway,
	policies PolicyProvider,
	resolver *ApproverResolver,
	notifier Notifier,
	funds FundsGateway,
	log *logger.Logger,
	opts ...Option,
) *ApprovalService {
	s := &ApprovalService{
		matrices:   matrices,
		instances:  instances,
		requests:   requests,
		policies:   policies,
		resolver:   resolver,
		notifier:   notifier,
		funds:      funds,
		conditions: PermissiveEvaluator{},
		now:        time.Now,
		log:        log.WithComponent("approval_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// transition is what a committed routing transaction leaves for the
// post-commit phase.
type transition struct {
	inst        *repository.ApprovalInstance
	snap        *repository.RequestSnapshot
	actorID     string
	comments    string
	auditAction string
	statusFrom  repository.Status
	// set when the instance parked on a new level
	pending *routeResult
}

// ── Initiation ────────────────────────────────────────────────────────────────

// InitiateApproval starts routing a request through the company's active
// matrix. snap may be nil, in which case the request is loaded through the
// request gateway.
func (s *ApprovalService) InitiateApproval(
	ctx context.Context,
	companyID, requestID, requestType string,
	snap *repository.RequestSnapshot,
) (*repository.ApprovalInstance, error) {
	inst, err := s.initiate(ctx, companyID, requestID, requestType, snap)
	switch {
	case err != nil && !errors.Is(err, errors.ErrPostApprovalEffectFailed):
		metrics.IncInitiation("error")
	case inst != nil && inst.IsAutoApproved():
		metrics.IncInitiation("auto_approved")
	default:
		metrics.IncInitiation("pending")
	}
	return inst, err
}

func (s *ApprovalService) initiate(
	ctx context.Context,
	companyID, requestID, requestType string,
	snap *repository.RequestSnapshot,
) (*repository.ApprovalInstance, error) {
	if companyID == "" {
		return nil, errors.InvalidInput("company_id", "company_id is required")
	}
	if requestID == "" {
		return nil, errors.InvalidInput("request_id", "request_id is required")
	}

	if snap == nil {
		loaded, err := s.requests.LoadRequestData(ctx, requestID)
		if err != nil {
			return nil, err
		}
		snap = loaded
	}
	if snap.CompanyID != "" && snap.CompanyID != companyID {
		return nil, errors.InvalidInput("company_id", "request belongs to another company")
	}

	matrix, err := s.matrices.GetActive(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if matrix == nil {
		return nil, errors.New(errors.ErrCodeNoActiveMatrix, fmt.Sprintf("company %s has no active approval matrix", companyID))
	}

	policy, err := s.policies.GetCompanySelfApprovalPolicy(ctx, companyID)
	if err != nil {
		return nil, err
	}

	inst := &repository.ApprovalInstance{
		CompanyID:    companyID,
		MatrixID:     matrix.ID,
		RequestID:    requestID,
		RequestType:  requestType,
		SubmitterID:  snap.SubmitterID,
		CurrentLevel: 1,
		Status:       repository.StatusPending,
		Meta:         map[string]string{},
	}

	t := transition{snap: snap, actorID: snap.SubmitterID, auditAction: "submitted"}
	err = s.instances.InTx(ctx, func(tx repository.InstanceTx) error {
		// A resubmitted request may no longer meet the thresholds that
		// produced its stored list; it is recomputed when the matrix is
		// exhausted.
		if s.additional != nil && len(snap.AdditionalApprovers) > 0 {
			if err := tx.SetAdditionalApprovers(ctx, requestID, nil); err != nil {
				return err
			}
			snap.AdditionalApprovers = nil
		}

		res, err := s.route(ctx, tx, inst, matrix, snap, policy, 1)
		if err != nil {
			return err
		}

		if res.Status == repository.StatusApproved {
			inst.Meta[repository.MetaAutoApproved] = "true"
			s.finalize(inst, repository.StatusApproved)
			t.auditAction = "auto_approved"
		} else {
			t.pending = &res
		}

		if err := tx.Create(ctx, inst); err != nil {
			return err
		}
		return tx.SetRequestStatus(ctx, requestID, inst.Status, inst.CompletedAt)
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("company_id", companyID).
			Str("request_id", requestID).
			Msg("Failed to initiate approval")
		return nil, err
	}

	s.log.Info().
		Str("instance_id", inst.ID).
		Str("request_id", requestID).
		Str("status", string(inst.Status)).
		Int("current_level", inst.CurrentLevel).
		Msg("Approval initiated")

	t.inst = inst.Clone()
	return inst, s.afterCommit(ctx, t)
}

// ── Action processing ─────────────────────────────────────────────────────────

// ProcessAction applies an approver's decision to the instance's current
// level. When the request is approved but its post-approval effect fails,
// the committed instance is returned together with a
// POST_APPROVAL_EFFECT_FAILED error.
func (s *ApprovalService) ProcessAction(
	ctx context.Context,
	instanceID, userID string,
	action repository.Action,
	comments string,
) (*repository.ApprovalInstance, error) {
	inst, err := s.processAction(ctx, instanceID, userID, action, comments)
	outcome := "ok"
	if err != nil {
		outcome = string(errors.CodeOf(err))
	}
	label := string(action)
	switch action {
	case repository.ActionApprove, repository.ActionReject, repository.ActionRequestChanges:
	default:
		label = "unknown"
	}
	metrics.IncAction(label, outcome)
	return inst, err
}

func (s *ApprovalService) processAction(
	ctx context.Context,
	instanceID, userID string,
	action repository.Action,
	comments string,
) (*repository.ApprovalInstance, error) {
	if instanceID == "" {
		return nil, errors.InvalidInput("instance_id", "instance_id is required")
	}
	if userID == "" {
		return nil, errors.InvalidInput("user_id", "user_id is required")
	}
	switch action {
	case repository.ActionApprove, repository.ActionReject, repository.ActionRequestChanges:
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", action))
	}

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, "approval:instance:"+instanceID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	var t transition
	var result *repository.ApprovalInstance
	err := s.instances.InTx(ctx, func(tx repository.InstanceTx) error {
		inst, err := tx.LockByID(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status != repository.StatusPending {
			return errors.ErrAlreadyDecided
		}

		matrix, err := s.matrices.GetByID(ctx, inst.MatrixID)
		if err != nil {
			return err
		}
		snap, err := s.requests.LoadRequestData(ctx, inst.RequestID)
		if err != nil {
			return err
		}
		policy, err := s.policies.GetCompanySelfApprovalPolicy(ctx, inst.CompanyID)
		if err != nil {
			return err
		}

		if action == repository.ActionApprove && userID == inst.SubmitterID && policy == repository.PolicySkipSelf {
			return errors.ErrSelfApprovalNotAllowed
		}

		cur, err := s.currentLevel(ctx, inst, matrix, snap)
		if err != nil {
			return err
		}
		if !cur.set.Contains(userID) {
			return errors.ErrNotAuthorized
		}
		if inst.HasActed(inst.CurrentLevel, userID) {
			return errors.ErrAlreadyActed
		}

		t = transition{snap: snap, actorID: userID, comments: comments, statusFrom: inst.Status}
		entry := repository.HistoryEntry{
			LevelNumber: inst.CurrentLevel,
			ApproverID:  userID,
			Timestamp:   s.now().UTC(),
			Comments:    comments,
			Additional:  cur.additional,
		}

		switch action {
		case repository.ActionReject, repository.ActionRequestChanges:
			status := repository.StatusRejected
			t.auditAction = "rejected"
			if action == repository.ActionRequestChanges {
				status = repository.StatusChangesRequested
				t.auditAction = "changes_requested"
			}
			entry.Status = status
			entry.RoleID = roleForEntry(cur.set, inst, userID)
			inst.Append(entry)
			s.finalize(inst, status)

		case repository.ActionApprove:
			entry.Status = repository.StatusApproved
			entry.RoleID = roleForEntry(cur.set, inst, userID)
			inst.Append(entry)
			t.auditAction = "approved"

			if cur.complete(inst) {
				res, err := s.route(ctx, tx, inst, matrix, snap, policy, inst.CurrentLevel+1)
				if err != nil {
					return err
				}
				if res.Status == repository.StatusApproved {
					s.finalize(inst, repository.StatusApproved)
				} else {
					t.pending = &res
					t.auditAction = "advanced"
				}
			}
		}

		if err := tx.Save(ctx, inst); err != nil {
			return err
		}
		if inst.Status != t.statusFrom {
			if err := tx.SetRequestStatus(ctx, inst.RequestID, inst.Status, approvedAt(inst)); err != nil {
				return err
			}
		}
		result = inst
		return nil
	})
	if err != nil {
		s.log.Debug().Err(err).
			Str("instance_id", instanceID).
			Str("user_id", userID).
			Str("action", string(action)).
			Msg("Approval action refused")
		return nil, err
	}

	s.log.Info().
		Str("instance_id", result.ID).
		Str("user_id", userID).
		Str("action", string(action)).
		Str("status", string(result.Status)).
		Int("current_level", result.CurrentLevel).
		Msg("Approval action processed")

	t.inst = result.Clone()
	return result, s.afterCommit(ctx, t)
}

// ── Routing ───────────────────────────────────────────────────────────────────

// routeResult is where routing stopped: PENDING at Level, or APPROVED when
// nothing is left to approve.
type routeResult struct {
	Status      repository.Status
	Level       int
	ApproverIDs []string
	Additional  bool
}

// route walks the enabled matrix levels from level `from` upwards, then the
// additional-approver levels, and parks the instance on the first level
// that needs a human decision. Levels whose conditions do not apply, and
// under SKIP_SELF levels the submitter could approve, are recorded as
// SKIPPED. The walk visits each level at most once.
func (s *ApprovalService) route(
	ctx context.Context,
	tx repository.InstanceTx,
	inst *repository.ApprovalInstance,
	matrix *repository.ApprovalMatrix,
	snap *repository.RequestSnapshot,
	policy repository.SelfApprovalPolicy,
	from int,
) (routeResult, error) {
	for _, level := range matrix.EnabledLevels() {
		if level.LevelNumber < from {
			continue
		}

		active, err := s.conditions.LevelActive(level, snap)
		if err != nil {
			return routeResult{}, err
		}
		if !active {
			s.skip(inst, level.LevelNumber, repository.SkipReasonCondition, false)
			continue
		}

		set, err := s.resolver.Resolve(ctx, inst.CompanyID, level)
		if err != nil {
			return routeResult{}, err
		}
		if policy == repository.PolicySkipSelf && set.Contains(inst.SubmitterID) {
			s.skip(inst, level.LevelNumber, repository.SkipReasonSelfApproval, false)
			continue
		}

		if err := guardApprovers(ctx, tx, inst.CompanyID, level.LevelNumber, set); err != nil {
			return routeResult{}, err
		}
		inst.CurrentLevel = level.LevelNumber
		return routeResult{Status: repository.StatusPending, Level: level.LevelNumber, ApproverIDs: set.UserIDs}, nil
	}

	levels, err := s.additionalLevels(ctx, tx, matrix, snap)
	if err != nil {
		return routeResult{}, err
	}
	for _, level := range levels {
		if level.Number < from {
			continue
		}

		set := ApproverSet{Kind: ApproverKindUser, UserIDs: level.UserIDs}
		if policy == repository.PolicySkipSelf && set.Contains(inst.SubmitterID) {
			s.skip(inst, level.Number, repository.SkipReasonSelfApproval, true)
			continue
		}

		if err := guardApprovers(ctx, tx, inst.CompanyID, level.Number, set); err != nil {
			return routeResult{}, err
		}
		inst.CurrentLevel = level.Number
		return routeResult{Status: repository.StatusPending, Level: level.Number, ApproverIDs: set.UserIDs, Additional: true}, nil
	}

	return routeResult{Status: repository.StatusApproved, Level: inst.CurrentLevel}, nil
}

// additionalLevels returns the request's additional-approver levels placed
// after the matrix. When the request carries none yet, they are computed
// once and stored on the request in the same transaction.
func (s *ApprovalService) additionalLevels(
	ctx context.Context,
	tx repository.InstanceTx,
	matrix *repository.ApprovalMatrix,
	snap *repository.RequestSnapshot,
) ([]additionalLevel, error) {
	approvers := snap.AdditionalApprovers
	if len(approvers) == 0 && s.additional != nil && tx != nil {
		computed, err := s.additional.ResolveAdditionalApprovers(ctx, snap)
		if err != nil {
			return nil, err
		}
		if len(computed) == 0 {
			return nil, nil
		}
		approvers = placeAdditional(computed, matrix.MaxEnabledLevel())
		if err := tx.SetAdditionalApprovers(ctx, snap.ID, approvers); err != nil {
			return nil, err
		}
		snap.AdditionalApprovers = approvers
	}
	return groupAdditional(placeAdditional(approvers, matrix.MaxEnabledLevel())), nil
}

func (s *ApprovalService) skip(inst *repository.ApprovalInstance, level int, reason string, additional bool) {
	inst.Append(repository.HistoryEntry{
		LevelNumber: level,
		Status:      repository.StatusSkipped,
		Timestamp:   s.now().UTC(),
		Comments:    reason,
		Additional:  additional,
	})
	metrics.IncLevelSkip(reason)
}

func (s *ApprovalService) finalize(inst *repository.ApprovalInstance, status repository.Status) {
	now := s.now().UTC()
	inst.Status = status
	inst.CompletedAt = &now
}

func approvedAt(inst *repository.ApprovalInstance) *time.Time {
	if inst.Status == repository.StatusApproved {
		return inst.CompletedAt
	}
	return nil
}

// ── Level completion ──────────────────────────────────────────────────────────

// levelState is the resolved view of the level an instance is parked on.
type levelState struct {
	set        ApproverSet
	level      repository.Level
	additional bool
}

func (s *ApprovalService) currentLevel(
	ctx context.Context,
	inst *repository.ApprovalInstance,
	matrix *repository.ApprovalMatrix,
	snap *repository.RequestSnapshot,
) (levelState, error) {
	if level, ok := matrix.EnabledLevel(inst.CurrentLevel); ok {
		set, err := s.resolver.Resolve(ctx, inst.CompanyID, level)
		if err != nil {
			return levelState{}, err
		}
		return levelState{set: set, level: level}, nil
	}

	levels, err := s.additionalLevels(ctx, nil, matrix, snap)
	if err != nil {
		return levelState{}, err
	}
	for _, l := range levels {
		if l.Number == inst.CurrentLevel {
			return levelState{set: ApproverSet{Kind: ApproverKindUser, UserIDs: l.UserIDs}, additional: true}, nil
		}
	}
	return levelState{}, errors.New(errors.ErrCodeInternal,
		fmt.Sprintf("instance %s is parked on unknown level %d", inst.ID, inst.CurrentLevel))
}

// complete reports whether the approvals recorded at the current level
// resolve it.
func (ls levelState) complete(inst *repository.ApprovalInstance) bool {
	approvals := inst.ApprovalsAt(inst.CurrentLevel)
	if len(approvals) == 0 {
		return false
	}

	if ls.additional {
		return allApproved(ls.set.UserIDs, approvals)
	}
	if ls.level.ApprovalType != repository.ApprovalTypeParallel || ls.level.ParallelRule != repository.ParallelRuleAll {
		return true
	}

	if ls.set.Kind == ApproverKindRole {
		assigned := assignRoles(ls.set, approvals)
		covered := make(map[string]bool, len(assigned))
		for _, r := range assigned {
			covered[r] = true
		}
		for _, r := range ls.set.RoleIDs {
			if !covered[r] {
				return false
			}
		}
		return true
	}
	return allApproved(ls.set.UserIDs, approvals)
}

// assignRoles matches approvers to distinct roles so that each approval
// covers at most one role and each role is covered by at most one approval.
// The matching is maximal; earlier assignments move when a later approver
// can only cover a role already taken.
func assignRoles(set ApproverSet, approvals []repository.HistoryEntry) map[string]string {
	candidates := make(map[string][]string, len(approvals))
	var order []string
	for _, e := range approvals {
		if _, seen := candidates[e.ApproverID]; seen {
			continue
		}
		roles := set.UserRoles[e.ApproverID]
		if len(roles) == 0 && e.RoleID != "" {
			roles = []string{e.RoleID}
		}
		candidates[e.ApproverID] = roles
		order = append(order, e.ApproverID)
	}

	holder := make(map[string]string)
	var augment func(userID string, visited map[string]bool) bool
	augment = func(userID string, visited map[string]bool) bool {
		for _, r := range candidates[userID] {
			if visited[r] {
				continue
			}
			visited[r] = true
			if cur, taken := holder[r]; !taken || augment(cur, visited) {
				holder[r] = userID
				return true
			}
		}
		return false
	}
	for _, id := range order {
		augment(id, make(map[string]bool))
	}

	out := make(map[string]string, len(holder))
	for r, id := range holder {
		out[id] = r
	}
	return out
}

func allApproved(userIDs []string, approvals []repository.HistoryEntry) bool {
	approved := make(map[string]bool, len(approvals))
	for _, e := range approvals {
		approved[e.ApproverID] = true
	}
	for _, id := range userIDs {
		if !approved[id] {
			return false
		}
	}
	return true
}

// roleForEntry picks the role recorded on a role-based action: the role the
// user covers once their approval joins the level, falling back to the first
// of their roles.
func roleForEntry(set ApproverSet, inst *repository.ApprovalInstance, userID string) string {
	roles := set.UserRoles[userID]
	if set.Kind != ApproverKindRole || len(roles) == 0 {
		return ""
	}
	approvals := append(inst.ApprovalsAt(inst.CurrentLevel), repository.HistoryEntry{ApproverID: userID})
	if r, ok := assignRoles(set, approvals)[userID]; ok {
		return r
	}
	return roles[0]
}

// ── Post-commit ───────────────────────────────────────────────────────────────

// afterCommit runs the side effects of a committed transition. Only a
// failed post-approval effect is returned; everything else is logged.
func (s *ApprovalService) afterCommit(ctx context.Context, t transition) error {
	inst := t.inst
	var effectErr error

	switch inst.Status {
	case repository.StatusApproved:
		metrics.IncFinalization(string(inst.Status))
		if err := s.funds.ApplyPostApprovalEffects(ctx, inst.RequestID); err != nil {
			metrics.IncSideEffectFailure("apply_post_approval")
			s.log.Error().Err(err).
				Str("instance_id", inst.ID).
				Str("request_id", inst.RequestID).
				Msg("Post-approval effect failed")
			effectErr = errors.Wrap(err, errors.ErrCodePostApprovalEffectFailed,
				fmt.Sprintf("request %s approved but post-approval effect failed", inst.RequestID))
		}
		s.notifier.NotifyStatusChanged(ctx, inst, t.snap, inst.Status, t.comments)

	case repository.StatusRejected:
		metrics.IncFinalization(string(inst.Status))
		if err := s.funds.ReverseHoldsOnRejection(ctx, inst.RequestID, t.actorID, t.comments); err != nil {
			metrics.IncSideEffectFailure("reverse_holds")
			s.log.Warn().Err(err).
				Str("instance_id", inst.ID).
				Str("request_id", inst.RequestID).
				Msg("Failed to release holds on rejection")
		}
		s.notifier.NotifyStatusChanged(ctx, inst, t.snap, inst.Status, t.comments)

	case repository.StatusChangesRequested:
		metrics.IncFinalization(string(inst.Status))
		s.notifier.NotifyStatusChanged(ctx, inst, t.snap, inst.Status, t.comments)

	default:
		if t.pending != nil {
			s.notifier.NotifyApprovalRequired(ctx, inst, t.pending.Level, t.pending.ApproverIDs, t.snap)
		}
	}

	s.recordAudit(ctx, t)
	return effectErr
}

func (s *ApprovalService) recordAudit(ctx context.Context, t transition) {
	if s.audit == nil {
		return
	}
	inst := t.inst

	var before *string
	if t.statusFrom != "" {
		b := string(t.statusFrom)
		before = &b
	}
	after := string(inst.Status)

	meta := map[string]interface{}{"current_level": inst.CurrentLevel}
	if t.comments != "" {
		meta["comments"] = t.comments
	}
	if t.pending != nil {
		meta["approver_ids"] = t.pending.ApproverIDs
		meta["additional"] = t.pending.Additional
	}

	entry := &repository.ApprovalAuditEntry{
		InstanceID:   inst.ID,
		RequestID:    inst.RequestID,
		CompanyID:    inst.CompanyID,
		Action:       t.auditAction,
		PerformedBy:  t.actorID,
		StatusBefore: before,
		StatusAfter:  &after,
		Metadata:     meta,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Failed to record approval audit entry")
	}
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance returns an instance by id.
func (s *ApprovalService) GetInstance(ctx context.Context, instanceID string) (*repository.ApprovalInstance, error) {
	return s.instances.GetByID(ctx, instanceID)
}

// GetInstanceByRequest returns the latest instance of a request.
func (s *ApprovalService) GetInstanceByRequest(ctx context.Context, requestID string) (*repository.ApprovalInstance, error) {
	return s.instances.GetByRequestID(ctx, requestID)
}

// GetHistory returns the history of an instance in the order it was written.
func (s *ApprovalService) GetHistory(ctx context.Context, instanceID string) ([]repository.HistoryEntry, error) {
	inst, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.History, nil
}

// ListPendingForUser returns the PENDING instances of a company on which
// userID can act now. Instances that fail to resolve are logged and left
// out of the result.
func (s *ApprovalService) ListPendingForUser(ctx context.Context, companyID, userID string) ([]*repository.ApprovalInstance, error) {
	pending, err := s.instances.ListPending(ctx, companyID)
	if err != nil {
		return nil, err
	}

	actionable := make([]bool, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listConcurrency)
	for i, inst := range pending {
		i, inst := i, inst
		g.Go(func() error {
			ok, err := s.canAct(gctx, inst, userID)
			if err != nil {
				s.log.Warn().Err(err).
					Str("instance_id", inst.ID).
					Str("user_id", userID).
					Msg("Skipping pending instance that failed to resolve")
				return nil
			}
			actionable[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*repository.ApprovalInstance, 0, len(pending))
	for i, inst := range pending {
		if actionable[i] {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (s *ApprovalService) canAct(ctx context.Context, inst *repository.ApprovalInstance, userID string) (bool, error) {
	matrix, err := s.matrices.GetByID(ctx, inst.MatrixID)
	if err != nil {
		return false, err
	}
	snap, err := s.requests.LoadRequestData(ctx, inst.RequestID)
	if err != nil {
		return false, err
	}
	cur, err := s.currentLevel(ctx, inst, matrix, snap)
	if err != nil {
		return false, err
	}
	return cur.set.Contains(userID) && !inst.HasActed(inst.CurrentLevel, userID), nil
}
