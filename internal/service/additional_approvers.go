package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// RulesLister lists a company's active additional-approver rules.
type RulesLister interface {
	ListActive(ctx context.Context, companyID string) ([]*repository.AdditionalApproverRule, error)
}

// ThresholdRules adds an approver for every active rule whose minimum
// amount the request reaches. Rules are ordered by sequence and each
// matching rule becomes its own level.
type ThresholdRules struct {
	rules RulesLister
}

// NewThresholdRules creates a new ThresholdRules.
func NewThresholdRules(rules RulesLister) *ThresholdRules {
	return &ThresholdRules{rules: rules}
}

// ResolveAdditionalApprovers returns the approvers triggered by snap. Levels
// are relative (1, 2, ...); the engine places them after the matrix.
func (t *ThresholdRules) ResolveAdditionalApprovers(ctx context.Context, snap *repository.RequestSnapshot) ([]repository.AdditionalApprover, error) {
	rules, err := t.rules.ListActive(ctx, snap.CompanyID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Sequence < rules[j].Sequence })

	var out []repository.AdditionalApprover
	seen := make(map[string]bool)
	for _, rule := range rules {
		if !rule.IsActive || snap.Amount.LessThan(rule.MinAmount) || seen[rule.UserID] {
			continue
		}
		seen[rule.UserID] = true
		out = append(out, repository.AdditionalApprover{
			Level:                len(out) + 1,
			UserID:               rule.UserID,
			Role:                 rule.Role,
			TriggerReason:        fmt.Sprintf("amount >= %s", rule.MinAmount.String()),
			IsAdditionalApproval: true,
		})
	}
	return out, nil
}

// additionalLevel is one additional-approver level after renumbering.
type additionalLevel struct {
	Number  int
	UserIDs []string
}

// placeAdditional renumbers approvers so their levels follow afterLevel
// contiguously, keeping the relative order of the original levels.
// Approvers that share a level stay together. Applying it to an already
// placed list leaves the levels unchanged.
func placeAdditional(approvers []repository.AdditionalApprover, afterLevel int) []repository.AdditionalApprover {
	if len(approvers) == 0 {
		return nil
	}

	var levels []int
	seen := make(map[int]bool)
	for _, a := range approvers {
		if !seen[a.Level] {
			seen[a.Level] = true
			levels = append(levels, a.Level)
		}
	}
	sort.Ints(levels)

	number := make(map[int]int, len(levels))
	for i, l := range levels {
		number[l] = afterLevel + i + 1
	}

	out := make([]repository.AdditionalApprover, len(approvers))
	for i, a := range approvers {
		a.Level = number[a.Level]
		a.IsAdditionalApproval = true
		out[i] = a
	}
	return out
}

// groupAdditional returns the levels of placed approvers in ascending order.
func groupAdditional(approvers []repository.AdditionalApprover) []additionalLevel {
	byLevel := make(map[int][]string)
	for _, a := range approvers {
		byLevel[a.Level] = append(byLevel[a.Level], a.UserID)
	}

	out := make([]additionalLevel, 0, len(byLevel))
	for n, users := range byLevel {
		users = dedupeStrings(users)
		sort.Strings(users)
		out = append(out, additionalLevel{Number: n, UserIDs: users})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
