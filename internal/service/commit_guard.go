package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// guardApprovers checks, inside the routing transaction, that the approvers
// of the level an instance is about to park on exist and are active. The
// instance must not be left PENDING with nobody able to act.
func guardApprovers(ctx context.Context, tx repository.InstanceTx, companyID string, level int, set ApproverSet) error {
	if set.Empty() {
		return errors.New(errors.ErrCodeApproversInvalid,
			fmt.Sprintf("level %d has no active approvers", level))
	}

	active, err := tx.ActiveUserIDs(ctx, companyID, set.UserIDs)
	if err != nil {
		return err
	}

	var missing []string
	for _, id := range set.UserIDs {
		if !active[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return errors.New(errors.ErrCodeApproversInvalid,
			fmt.Sprintf("level %d approvers are missing or inactive: %s", level, strings.Join(missing, ", ")))
	}
	return nil
}
