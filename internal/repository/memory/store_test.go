package memory

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

func TestInTxDiscardsWritesOnError(t *testing.T) {
	s := New()
	s.PutRequest(repository.RequestSnapshot{ID: "req-1", CompanyID: "c1"})
	instances := s.Instances()
	ctx := context.Background()

	boom := stderrors.New("boom")
	err := instances.InTx(ctx, func(tx repository.InstanceTx) error {
		inst := &repository.ApprovalInstance{CompanyID: "c1", RequestID: "req-1", Status: repository.StatusPending}
		require.NoError(t, tx.Create(ctx, inst))
		require.NoError(t, tx.SetRequestStatus(ctx, "req-1", repository.StatusPending, nil))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	pending, err := instances.ListPending(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	rec, ok := s.Request("req-1")
	require.True(t, ok)
	assert.Empty(t, rec.ApprovalStatus)
}

func TestInTxCommits(t *testing.T) {
	s := New()
	s.PutRequest(repository.RequestSnapshot{ID: "req-1", CompanyID: "c1"})
	instances := s.Instances()
	ctx := context.Background()

	var id string
	err := instances.InTx(ctx, func(tx repository.InstanceTx) error {
		inst := &repository.ApprovalInstance{CompanyID: "c1", RequestID: "req-1", Status: repository.StatusPending}
		if err := tx.Create(ctx, inst); err != nil {
			return err
		}
		id = inst.ID
		if err := tx.SetAdditionalApprovers(ctx, "req-1", []repository.AdditionalApprover{{Level: 2, UserID: "cfo"}}); err != nil {
			return err
		}
		return tx.SetRequestStatus(ctx, "req-1", repository.StatusPending, nil)
	})
	require.NoError(t, err)

	got, err := instances.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)

	rec, _ := s.Request("req-1")
	assert.Equal(t, repository.StatusPending, rec.ApprovalStatus)
	require.Len(t, rec.Snapshot.AdditionalApprovers, 1)

	err = instances.InTx(ctx, func(tx repository.InstanceTx) error {
		return tx.Create(ctx, &repository.ApprovalInstance{CompanyID: "c1", RequestID: "req-1", Status: repository.StatusPending})
	})
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(err))
}

func TestLockedInstanceIsACopy(t *testing.T) {
	s := New()
	instances := s.Instances()
	ctx := context.Background()

	var id string
	require.NoError(t, instances.InTx(ctx, func(tx repository.InstanceTx) error {
		inst := &repository.ApprovalInstance{CompanyID: "c1", RequestID: "req-1", Status: repository.StatusPending}
		err := tx.Create(ctx, inst)
		id = inst.ID
		return err
	}))

	require.NoError(t, instances.InTx(ctx, func(tx repository.InstanceTx) error {
		inst, err := tx.LockByID(ctx, id)
		require.NoError(t, err)
		inst.Append(repository.HistoryEntry{LevelNumber: 1, Status: repository.StatusApproved, ApproverID: "a1"})

		stored, err := instances.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, stored.History)
		return tx.Save(ctx, inst)
	}))

	stored, err := instances.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Len(t, stored.History, 1)
}

func TestDirectory(t *testing.T) {
	s := New()
	s.PutUser(repository.User{ID: "u1", CompanyID: "c1", Status: repository.UserStatusActive, RoleIDs: []string{"manager", "finance"}})
	s.PutUser(repository.User{ID: "u2", CompanyID: "c1", Status: "INACTIVE", RoleIDs: []string{"manager"}})
	s.PutUser(repository.User{ID: "u3", CompanyID: "c2", Status: repository.UserStatusActive, RoleIDs: []string{"manager"}})
	ctx := context.Background()

	users, err := s.GetUsers(ctx, "c1", []string{"u1", "u2", "u3", "u1"})
	require.NoError(t, err)
	require.Len(t, users, 2)

	holders, err := s.GetActiveUsersByRoles(ctx, "c1", []string{"manager"})
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, "u1", holders[0].ID)
	assert.Equal(t, []string{"manager"}, holders[0].RoleIDs)

	policy, err := s.GetCompanySelfApprovalPolicy(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, repository.PolicySkipSelf, policy)
}
