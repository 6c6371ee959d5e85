package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
)

func dialBufconn(t *testing.T, env *testEnv) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger.Nop())))
	RegisterApprovalServiceServer(srv, NewGRPCHandler(env.approvals, logger.Nop()))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method, userID, companyID string, in map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	ctx := context.Background()
	if userID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, mdUserID, userID, mdCompanyID, companyID)
	}
	out := new(structpb.Struct)
	err = conn.Invoke(ctx, "/"+ApprovalServiceName+"/"+method, req, out)
	return out, err
}

func TestGRPCApprovalFlow(t *testing.T) {
	env := newTestEnv(t)
	env.request("req-1")
	conn := dialBufconn(t, env)

	out, err := invoke(t, conn, "InitiateApproval", submitter, companyA, map[string]interface{}{"request_id": "req-1"})
	require.NoError(t, err)
	instanceID := out.Fields["id"].GetStringValue()
	require.NotEmpty(t, instanceID)
	assert.Equal(t, "PENDING", out.Fields["status"].GetStringValue())

	out, err = invoke(t, conn, "ListPendingForUser", "manager", companyA, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, out.Fields["total"].GetNumberValue())

	_, err = invoke(t, conn, "ProcessAction", "director", companyA, map[string]interface{}{
		"instance_id": instanceID, "action": "APPROVE",
	})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	out, err = invoke(t, conn, "ProcessAction", "manager", companyA, map[string]interface{}{
		"instance_id": instanceID, "action": "REQUEST_CHANGES", "comments": "missing receipt",
	})
	require.NoError(t, err)
	assert.Equal(t, "CHANGES_REQUESTED", out.Fields["status"].GetStringValue())

	_, err = invoke(t, conn, "ProcessAction", "manager", companyA, map[string]interface{}{
		"instance_id": instanceID, "action": "APPROVE",
	})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	out, err = invoke(t, conn, "GetHistory", submitter, companyA, map[string]interface{}{"instance_id": instanceID})
	require.NoError(t, err)
	history := out.Fields["history"].GetListValue().GetValues()
	require.Len(t, history, 1)
	assert.Equal(t, "missing receipt", history[0].GetStructValue().Fields["comments"].GetStringValue())

	out, err = invoke(t, conn, "GetInstance", submitter, companyA, map[string]interface{}{"request_id": "req-1"})
	require.NoError(t, err)
	assert.Equal(t, instanceID, out.Fields["id"].GetStringValue())
}

func TestGRPCIdentityAndIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.request("req-1")
	conn := dialBufconn(t, env)

	_, err := invoke(t, conn, "ListPendingForUser", "", "", nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	out, err := invoke(t, conn, "InitiateApproval", submitter, companyA, map[string]interface{}{"request_id": "req-1"})
	require.NoError(t, err)
	instanceID := out.Fields["id"].GetStringValue()

	_, err = invoke(t, conn, "GetInstance", "outsider", companyB, map[string]interface{}{"instance_id": instanceID})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = invoke(t, conn, "InitiateApproval", submitter, companyA, map[string]interface{}{"request_id": "req-1"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestMapErrorToGRPC(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errors.NotFound("approval instance", "x"), codes.NotFound},
		{errors.InvalidInput("action", "bad"), codes.InvalidArgument},
		{errors.ErrNotAuthorized, codes.PermissionDenied},
		{errors.ErrSelfApprovalNotAllowed, codes.PermissionDenied},
		{errors.New(errors.ErrCodeConflict, "dup"), codes.AlreadyExists},
		{errors.ErrAlreadyActed, codes.FailedPrecondition},
		{errors.ErrAlreadyDecided, codes.FailedPrecondition},
		{errors.ErrNoActiveMatrix, codes.FailedPrecondition},
		{errors.ErrApproversInvalid, codes.FailedPrecondition},
		{errors.ErrPostApprovalEffectFailed, codes.Unavailable},
		{errors.New(errors.ErrCodeUnavailable, "down"), codes.Unavailable},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(mapErrorToGRPC(tt.err)), tt.err.Error())
	}
	assert.NoError(t, mapErrorToGRPC(nil))
}
