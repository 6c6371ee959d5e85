package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/repository"
	"github.com/pesio-ai/be-expense-approvals/internal/repository/memory"
)

func TestThresholdRules(t *testing.T) {
	store := memory.New()
	for i, rule := range []repository.AdditionalApproverRule{
		{MinAmount: decimal.NewFromInt(10000), UserID: "ceo", Role: "CEO", Sequence: 2, IsActive: true},
		{MinAmount: decimal.NewFromInt(1000), UserID: "cfo", Role: "CFO", Sequence: 1, IsActive: true},
		{MinAmount: decimal.NewFromInt(0), UserID: "retired", Sequence: 0, IsActive: false},
		{MinAmount: decimal.NewFromInt(5000), UserID: "cfo", Sequence: 3, IsActive: true},
	} {
		rule.CompanyID = testCompany
		rule.ID = string(rune('a' + i))
		store.PutAdditionalApproverRule(rule)
	}
	rules := NewThresholdRules(store)

	got, err := rules.ResolveAdditionalApprovers(context.Background(), &repository.RequestSnapshot{
		CompanyID: testCompany,
		Amount:    decimal.NewFromInt(20000),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "cfo", got[0].UserID)
	assert.Equal(t, 1, got[0].Level)
	assert.Equal(t, "ceo", got[1].UserID)
	assert.Equal(t, 2, got[1].Level)
	assert.True(t, got[1].IsAdditionalApproval)
	assert.Equal(t, "amount >= 10000", got[1].TriggerReason)

	got, err = rules.ResolveAdditionalApprovers(context.Background(), &repository.RequestSnapshot{
		CompanyID: testCompany,
		Amount:    decimal.NewFromInt(999),
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPlaceAdditional(t *testing.T) {
	approvers := []repository.AdditionalApprover{
		{Level: 7, UserID: "b"},
		{Level: 2, UserID: "a"},
		{Level: 7, UserID: "c"},
	}

	placed := placeAdditional(approvers, 3)
	assert.Equal(t, 5, placed[0].Level)
	assert.Equal(t, 4, placed[1].Level)
	assert.Equal(t, 5, placed[2].Level)
	assert.Equal(t, placed, placeAdditional(placed, 3), "placing twice is stable")

	levels := groupAdditional(placed)
	require.Len(t, levels, 2)
	assert.Equal(t, additionalLevel{Number: 4, UserIDs: []string{"a"}}, levels[0])
	assert.Equal(t, additionalLevel{Number: 5, UserIDs: []string{"b", "c"}}, levels[1])

	assert.Nil(t, placeAdditional(nil, 3))
}
