package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

func TestFundsClient(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody ReverseHoldsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
		}
		if r.URL.Path == "/api/v1/expense-reports/broken/post-approval-effects" {
			http.Error(w, "ledger down", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewFundsClient(srv.URL+"/", 0)

	ctx := WithAuthorization(context.Background(), "Bearer abc")
	require.NoError(t, c.ApplyPostApprovalEffects(ctx, "req-1"))
	assert.Equal(t, "/api/v1/expense-reports/req-1/post-approval-effects", gotPath)
	assert.Equal(t, "Bearer abc", gotAuth)

	grpcCtx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer grpc"))
	require.NoError(t, c.ReverseHoldsOnRejection(grpcCtx, "req-2", "u1", "duplicate"))
	assert.Equal(t, "/api/v1/expense-reports/req-2/holds/reverse", gotPath)
	assert.Equal(t, "Bearer grpc", gotAuth)
	assert.Equal(t, ReverseHoldsRequest{ActorID: "u1", Reason: "duplicate"}, gotBody)

	err := c.ApplyPostApprovalEffects(context.Background(), "broken")
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "ledger down")
}

func TestFundsClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewFundsClient(url, 0).ApplyPostApprovalEffects(context.Background(), "req-1")
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
}
