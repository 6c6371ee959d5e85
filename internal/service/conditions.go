package service

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// ConditionEvaluator decides whether a level takes part in routing for a
// request. A level that is not active is recorded as SKIPPED.
type ConditionEvaluator interface {
	LevelActive(level repository.Level, snap *repository.RequestSnapshot) (bool, error)
}

// PermissiveEvaluator treats every level as active.
type PermissiveEvaluator struct{}

func (PermissiveEvaluator) LevelActive(repository.Level, *repository.RequestSnapshot) (bool, error) {
	return true, nil
}

// AmountEvaluator evaluates AMOUNT conditions against the request. A level
// is active when every ACTIVATE condition holds and no SKIP condition holds.
// BUDGET and POLICY conditions are not evaluated and never block a level.
//
// The compared value is the request amount, or the named custom field when
// Field is set to something other than "amount".
type AmountEvaluator struct{}

func (AmountEvaluator) LevelActive(level repository.Level, snap *repository.RequestSnapshot) (bool, error) {
	for _, c := range level.Conditions {
		if c.Type != repository.ConditionAmount {
			continue
		}

		value, ok := conditionValue(c, snap)
		var holds bool
		if ok {
			var err error
			if holds, err = compare(value, c.Operator, c.Value); err != nil {
				return false, err
			}
		}

		switch c.Action {
		case repository.ConditionActivate:
			if !holds {
				return false, nil
			}
		case repository.ConditionSkip:
			if holds {
				return false, nil
			}
		default:
			return false, errors.InvalidInput("conditions.action", fmt.Sprintf("unknown condition action %q", c.Action))
		}
	}
	return true, nil
}

func conditionValue(c repository.Condition, snap *repository.RequestSnapshot) (decimal.Decimal, bool) {
	if snap == nil {
		return decimal.Zero, false
	}
	field := strings.ToLower(strings.TrimSpace(c.Field))
	if field == "" || field == "amount" || field == "total_amount" {
		return snap.Amount, true
	}
	raw, ok := snap.Fields[c.Field]
	if !ok {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func compare(value decimal.Decimal, op repository.ConditionOperator, threshold decimal.Decimal) (bool, error) {
	switch op {
	case repository.OpGreaterThan:
		return value.GreaterThan(threshold), nil
	case repository.OpLessThan:
		return value.LessThan(threshold), nil
	case repository.OpGreaterOrEqual:
		return value.GreaterThanOrEqual(threshold), nil
	case repository.OpLessOrEqual:
		return value.LessThanOrEqual(threshold), nil
	case repository.OpEqual:
		return value.Equal(threshold), nil
	default:
		return false, errors.InvalidInput("conditions.operator", fmt.Sprintf("unknown operator %q", op))
	}
}
