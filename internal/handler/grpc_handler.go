package handler

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-expense-approvals/internal/errors"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
	"github.com/pesio-ai/be-expense-approvals/internal/repository"
)

// ApprovalServiceName is the fully qualified gRPC service name. Messages
// are google.protobuf.Struct documents carrying the same JSON shapes as the
// REST API.
const ApprovalServiceName = "expenseapprovals.v1.ApprovalService"

// Metadata keys carrying the caller identity, set by the gateway.
const (
	mdUserID    = "x-user-id"
	mdCompanyID = "x-company-id"
)

// ApprovalServiceServer is the server API of ApprovalService.
type ApprovalServiceServer interface {
	InitiateApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ProcessAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPendingForUser(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// GRPCHandler implements ApprovalServiceServer
type GRPCHandler struct {
	approvals ApprovalEngine
	log       *logger.Logger
}

var _ ApprovalServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(approvals ApprovalEngine, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		approvals: approvals,
		log:       log.WithComponent("grpc"),
	}
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&approvalServiceDesc, srv)
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("InitiateApproval", ApprovalServiceServer.InitiateApproval),
		unaryMethod("ProcessAction", ApprovalServiceServer.ProcessAction),
		unaryMethod("GetInstance", ApprovalServiceServer.GetInstance),
		unaryMethod("GetHistory", ApprovalServiceServer.GetHistory),
		unaryMethod("ListPendingForUser", ApprovalServiceServer.ListPendingForUser),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "expenseapprovals/v1/approval_service.proto",
}

type structMethod func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, fn structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ApprovalServiceName + "/" + name}
			return interceptor(ctx, in, info, call)
		},
	}
}

// InitiateApproval starts routing a submitted request.
func (h *GRPCHandler) InitiateApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := grpcCaller(ctx)
	if err != nil {
		return nil, err
	}
	requestID := stringField(req, "request_id")
	requestType := stringField(req, "request_type")
	if requestType == "" {
		requestType = "expense_report"
	}

	h.log.Info().
		Str("company_id", caller.CompanyID).
		Str("request_id", requestID).
		Msg("gRPC InitiateApproval called")

	inst, err := h.approvals.InitiateApproval(ctx, caller.CompanyID, requestID, requestType, nil)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toInstanceResponse(inst))
}

// ProcessAction records the caller's decision on the current level.
func (h *GRPCHandler) ProcessAction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := grpcCaller(ctx)
	if err != nil {
		return nil, err
	}
	instanceID := stringField(req, "instance_id")
	if _, err := h.companyInstance(ctx, caller, instanceID); err != nil {
		return nil, err
	}

	action := repository.Action(stringField(req, "action"))
	h.log.Info().
		Str("instance_id", instanceID).
		Str("user_id", caller.UserID).
		Str("action", string(action)).
		Msg("gRPC ProcessAction called")

	inst, err := h.approvals.ProcessAction(ctx, instanceID, caller.UserID, action, stringField(req, "comments"))
	if err != nil {
		if inst != nil && errors.Is(err, errors.ErrPostApprovalEffectFailed) {
			h.log.Warn().Err(err).Str("instance_id", inst.ID).Msg("Approval committed but post-approval effect failed")
		}
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toInstanceResponse(inst))
}

// GetInstance returns one approval instance, looked up by instance_id or
// request_id.
func (h *GRPCHandler) GetInstance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := grpcCaller(ctx)
	if err != nil {
		return nil, err
	}

	var inst *repository.ApprovalInstance
	if requestID := stringField(req, "request_id"); requestID != "" {
		inst, err = h.approvals.GetInstanceByRequest(ctx, requestID)
		if err != nil {
			return nil, mapErrorToGRPC(err)
		}
		if inst.CompanyID != caller.CompanyID {
			return nil, mapErrorToGRPC(errors.NotFound("approval instance", requestID))
		}
	} else {
		inst, err = h.companyInstance(ctx, caller, stringField(req, "instance_id"))
		if err != nil {
			return nil, err
		}
	}
	return toStruct(toInstanceResponse(inst))
}

// GetHistory returns the history of one approval instance.
func (h *GRPCHandler) GetHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, err := grpcCaller(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := h.companyInstance(ctx, caller, stringField(req, "instance_id"))
	if err != nil {
		return nil, err
	}
	history := inst.History
	if history == nil {
		history = []repository.HistoryEntry{}
	}
	return toStruct(map[string]interface{}{"history": history})
}

// ListPendingForUser returns the instances the caller can act on now.
func (h *GRPCHandler) ListPendingForUser(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	caller, err := grpcCaller(ctx)
	if err != nil {
		return nil, err
	}
	insts, err := h.approvals.ListPendingForUser(ctx, caller.CompanyID, caller.UserID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	out := make([]*instanceResponse, 0, len(insts))
	for _, inst := range insts {
		out = append(out, toInstanceResponse(inst))
	}
	return toStruct(map[string]interface{}{"instances": out, "total": len(out)})
}

func (h *GRPCHandler) companyInstance(ctx context.Context, caller Caller, instanceID string) (*repository.ApprovalInstance, error) {
	inst, err := h.approvals.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	if inst.CompanyID != caller.CompanyID {
		return nil, mapErrorToGRPC(errors.NotFound("approval instance", instanceID))
	}
	return inst, nil
}

// grpcCaller extracts the gateway identity from incoming metadata.
func grpcCaller(ctx context.Context) (Caller, error) {
	if c, ok := CallerFrom(ctx); ok {
		return c, nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	c := Caller{UserID: firstMD(md, mdUserID), CompanyID: firstMD(md, mdCompanyID)}
	if c.UserID == "" || c.CompanyID == "" {
		return Caller{}, status.Error(codes.Unauthenticated, "missing caller identity")
	}
	return c, nil
}

func firstMD(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return s, nil
}

// mapErrorToGRPC maps application error codes to gRPC status codes.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	code := errors.CodeOf(err)
	msg := err.Error()
	switch code {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, msg)
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, msg)
	case errors.ErrCodeNotAuthorized, errors.ErrCodeSelfApprovalNotAllowed:
		return status.Error(codes.PermissionDenied, msg)
	case errors.ErrCodeConflict:
		return status.Error(codes.AlreadyExists, msg)
	case errors.ErrCodeAlreadyActed, errors.ErrCodeAlreadyDecided,
		errors.ErrCodeNoActiveMatrix, errors.ErrCodeApproversInvalid:
		return status.Error(codes.FailedPrecondition, msg)
	case errors.ErrCodePostApprovalEffectFailed, errors.ErrCodeUnavailable:
		return status.Error(codes.Unavailable, msg)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// LoggingInterceptor logs every unary call with its outcome.
func LoggingInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	log = log.WithComponent("grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}
