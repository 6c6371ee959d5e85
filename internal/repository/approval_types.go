package repository

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

type ApprovalType string

const (
	ApprovalTypeSequential ApprovalType = "SEQUENTIAL"
	ApprovalTypeParallel   ApprovalType = "PARALLEL"
)

type ParallelRule string

const (
	ParallelRuleAll ParallelRule = "ALL"
	ParallelRuleAny ParallelRule = "ANY"
)

// Status is used both for instances and for history entries. SKIPPED only
// ever appears on history entries.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusApproved         Status = "APPROVED"
	StatusRejected         Status = "REJECTED"
	StatusChangesRequested Status = "CHANGES_REQUESTED"
	StatusSkipped          Status = "SKIPPED"
)

// Terminal reports whether no further action can be taken on an instance in
// this status.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusChangesRequested
}

type Action string

const (
	ActionApprove        Action = "APPROVE"
	ActionReject         Action = "REJECT"
	ActionRequestChanges Action = "REQUEST_CHANGES"
)

type SelfApprovalPolicy string

const (
	PolicySkipSelf  SelfApprovalPolicy = "SKIP_SELF"
	PolicyAllowSelf SelfApprovalPolicy = "ALLOW_SELF"
)

type ConditionType string

const (
	ConditionAmount ConditionType = "AMOUNT"
	ConditionBudget ConditionType = "BUDGET"
	ConditionPolicy ConditionType = "POLICY"
)

type ConditionOperator string

const (
	OpGreaterThan    ConditionOperator = ">"
	OpLessThan       ConditionOperator = "<"
	OpGreaterOrEqual ConditionOperator = ">="
	OpLessOrEqual    ConditionOperator = "<="
	OpEqual          ConditionOperator = "=="
)

type ConditionAction string

const (
	ConditionActivate ConditionAction = "ACTIVATE"
	ConditionSkip     ConditionAction = "SKIP"
)

const UserStatusActive = "ACTIVE"

// Skip reasons recorded in history comments.
const (
	SkipReasonSelfApproval = "self-approval"
	SkipReasonCondition    = "condition"
)

// MetaAutoApproved marks instances finalized without any human action.
const MetaAutoApproved = "AUTO_APPROVED"

// ── Matrix ───────────────────────────────────────────────────────────────────

// Condition is one predicate attached to a level.
type Condition struct {
	Type     ConditionType     `json:"type" validate:"required,oneof=AMOUNT BUDGET POLICY"`
	Field    string            `json:"field,omitempty"`
	Operator ConditionOperator `json:"operator" validate:"required,oneof=> < >= <= =="`
	Value    decimal.Decimal   `json:"value"`
	Action   ConditionAction   `json:"action" validate:"required,oneof=ACTIVATE SKIP"`
}

// Level is one step of a matrix. ApproverUserIDs takes precedence over
// ApproverRoleIDs when both are set.
type Level struct {
	LevelNumber     int          `json:"level_number" validate:"gt=0"`
	Enabled         bool         `json:"enabled"`
	ApprovalType    ApprovalType `json:"approval_type" validate:"required,oneof=SEQUENTIAL PARALLEL"`
	ParallelRule    ParallelRule `json:"parallel_rule,omitempty" validate:"omitempty,oneof=ALL ANY"`
	ApproverUserIDs []string     `json:"approver_user_ids,omitempty" validate:"dive,required"`
	ApproverRoleIDs []string     `json:"approver_role_ids,omitempty" validate:"dive,required"`
	Conditions      []Condition  `json:"conditions,omitempty" validate:"dive"`
	SkipAllowed     bool         `json:"skip_allowed"`
}

// ApprovalMatrix is a company's ordered level configuration. Its levels are
// never edited in place; a changed configuration is a new matrix.
type ApprovalMatrix struct {
	ID        string
	CompanyID string  `validate:"required"`
	Name      string  `validate:"required,max=200"`
	IsActive  bool
	Levels    []Level `validate:"required,min=1,dive"`
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EnabledLevels returns the enabled levels sorted by level number.
func (m *ApprovalMatrix) EnabledLevels() []Level {
	levels := make([]Level, 0, len(m.Levels))
	for _, l := range m.Levels {
		if l.Enabled {
			levels = append(levels, l)
		}
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].LevelNumber < levels[j].LevelNumber })
	return levels
}

// EnabledLevel returns the enabled level with the given number.
func (m *ApprovalMatrix) EnabledLevel(number int) (Level, bool) {
	for _, l := range m.Levels {
		if l.Enabled && l.LevelNumber == number {
			return l, true
		}
	}
	return Level{}, false
}

// MaxEnabledLevel returns the highest enabled level number, or 0.
func (m *ApprovalMatrix) MaxEnabledLevel() int {
	max := 0
	for _, l := range m.Levels {
		if l.Enabled && l.LevelNumber > max {
			max = l.LevelNumber
		}
	}
	return max
}

// ── Instance ─────────────────────────────────────────────────────────────────

// HistoryEntry is one immutable record of what happened at a level.
type HistoryEntry struct {
	LevelNumber int       `json:"level_number"`
	Status      Status    `json:"status"`
	ApproverID  string    `json:"approver_id,omitempty"`
	RoleID      string    `json:"role_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Comments    string    `json:"comments,omitempty"`
	Additional  bool      `json:"additional,omitempty"`
}

// ApprovalInstance is the live approval state for one request.
type ApprovalInstance struct {
	ID           string
	CompanyID    string
	MatrixID     string
	RequestID    string
	RequestType  string
	SubmitterID  string
	CurrentLevel int
	Status       Status
	History      []HistoryEntry
	Meta         map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// Append adds a history entry. History is never rewritten.
func (i *ApprovalInstance) Append(e HistoryEntry) {
	i.History = append(i.History, e)
}

// HasActed reports whether userID already has a non-skip entry at level.
func (i *ApprovalInstance) HasActed(level int, userID string) bool {
	for _, e := range i.History {
		if e.LevelNumber == level && e.ApproverID == userID && e.Status != StatusSkipped {
			return true
		}
	}
	return false
}

// ApprovalsAt returns the APPROVED entries recorded at level.
func (i *ApprovalInstance) ApprovalsAt(level int) []HistoryEntry {
	var out []HistoryEntry
	for _, e := range i.History {
		if e.LevelNumber == level && e.Status == StatusApproved {
			out = append(out, e)
		}
	}
	return out
}

// IsAutoApproved reports whether the instance was finalized without a human action.
func (i *ApprovalInstance) IsAutoApproved() bool {
	return i.Meta != nil && i.Meta[MetaAutoApproved] == "true"
}

// Clone returns a deep copy.
func (i *ApprovalInstance) Clone() *ApprovalInstance {
	c := *i
	c.History = append([]HistoryEntry(nil), i.History...)
	if i.Meta != nil {
		c.Meta = make(map[string]string, len(i.Meta))
		for k, v := range i.Meta {
			c.Meta[k] = v
		}
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ── Host request ─────────────────────────────────────────────────────────────

// AdditionalApprover is a dynamically computed approver attached to a request.
type AdditionalApprover struct {
	Level                int    `json:"level"`
	UserID               string `json:"user_id"`
	Role                 string `json:"role,omitempty"`
	TriggerReason        string `json:"trigger_reason,omitempty"`
	IsAdditionalApproval bool   `json:"is_additional_approval"`
}

// RequestSnapshot is the read-only view of a request needed for routing.
type RequestSnapshot struct {
	ID                  string
	CompanyID           string
	SubmitterID         string
	Amount              decimal.Decimal
	Currency            string
	Category            string
	Status              string
	Fields              map[string]string
	AdditionalApprovers []AdditionalApprover
}

// ── Directory ────────────────────────────────────────────────────────────────

type User struct {
	ID        string
	CompanyID string
	Status    string
	RoleIDs   []string
}

// IsActive reports whether the user may act on approvals.
func (u User) IsActive() bool { return u.Status == UserStatusActive }

// AdditionalApproverRule triggers an additional approver once a request
// amount reaches MinAmount.
type AdditionalApproverRule struct {
	ID        string
	CompanyID string
	MinAmount decimal.Decimal
	UserID    string
	Role      string
	Sequence  int
	IsActive  bool
}

// ── Audit ────────────────────────────────────────────────────────────────────

// ApprovalAuditEntry is one immutable record of an instance transition.
type ApprovalAuditEntry struct {
	ID           string                 `json:"id"`
	InstanceID   string                 `json:"instance_id"`
	RequestID    string                 `json:"request_id"`
	CompanyID    string                 `json:"company_id"`
	Action       string                 `json:"action"` // submitted | approved | rejected | changes_requested | auto_approved | advanced
	PerformedBy  string                 `json:"performed_by"`
	PerformedAt  time.Time              `json:"performed_at"`
	StatusBefore *string                `json:"status_before,omitempty"`
	StatusAfter  *string                `json:"status_after,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}
