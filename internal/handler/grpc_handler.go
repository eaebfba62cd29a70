package handler

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-workflows/internal/auth"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

// GRPCServiceName is the fully qualified name of the approvals gRPC service.
const GRPCServiceName = "approvals.v1.ApprovalService"

// Incoming metadata keys carrying the caller identity.
const (
	mdUserID    = "x-user-id"
	mdUserEmail = "x-user-email"
	mdUserRoles = "x-user-roles"
)

// ApprovalServer is the gRPC surface. Messages are google.protobuf.Struct
// documents with the same field names as the HTTP API.
type ApprovalServer interface {
	GetRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetHistory(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// GRPCHandler implements ApprovalServer on top of the approval service.
type GRPCHandler struct {
	approvals *service.ApprovalService
	logger    zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(approvals *service.ApprovalService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		approvals: approvals,
		logger:    logger.With().Str("handler", "grpc").Logger(),
	}
}

// RegisterApprovalServer registers srv on s.
func RegisterApprovalServer(s grpc.ServiceRegistrar, srv ApprovalServer) {
	s.RegisterService(&approvalServiceDesc, srv)
}

// GetRequest returns one request by {"id"}.
func (h *GRPCHandler) GetRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	h.logger.Info().Str("request_id", id).Msg("gRPC GetRequest called")

	req, err := h.approvals.GetRequest(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(req)
}

// ListPending returns the caller's inbox.
func (h *GRPCHandler) ListPending(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	principal, err := auth.FromContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	h.logger.Info().Str("principal", principal.ID).Msg("gRPC ListPending called")

	requests, err := h.approvals.ListPendingForApprover(ctx, principal)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]interface{}{"requests": requests})
}

// Decide applies {"id","action","comments","retry_on_conflict"} as the caller.
func (h *GRPCHandler) Decide(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, err := auth.FromContext(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}

	action, err := workflow.ParseAction(stringField(in, "action"))
	if err != nil {
		return nil, mapErrorToGRPC(errors.InvalidInput("action", err.Error()))
	}

	decideIn := service.DecideInput{
		RequestID: stringField(in, "id"),
		Actor:     principal,
		Action:    action,
		Comments:  stringField(in, "comments"),
	}
	h.logger.Info().
		Str("request_id", decideIn.RequestID).
		Str("action", action.String()).
		Str("principal", principal.ID).
		Msg("gRPC Decide called")

	decide := h.approvals.Decide
	if in.GetFields()["retry_on_conflict"].GetBoolValue() {
		decide = h.approvals.DecideWithRetry
	}
	updated, err := decide(ctx, decideIn)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(updated)
}

// GetHistory returns the ledger of {"id"}.
func (h *GRPCHandler) GetHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(in, "id")
	h.logger.Info().Str("request_id", id).Msg("gRPC GetHistory called")

	entries, err := h.approvals.GetHistory(ctx, id)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]interface{}{"history": entries})
}

// ── Interceptors ──────────────────────────────────────────────────────────────

// UnaryPrincipalInterceptor lifts the caller identity from incoming metadata
// into the context.
func UnaryPrincipalInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if p, ok := principalFromMetadata(md); ok {
			ctx = auth.WithPrincipal(ctx, p)
		}
	}
	return handler(ctx, req)
}

// UnaryLoggingInterceptor logs every call with its status code and duration.
func UnaryLoggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		ev := logger.Info()
		if err != nil {
			ev = logger.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}

// UnaryRecoveryInterceptor converts a handler panic into codes.Internal.
func UnaryRecoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().
					Interface("panic", rec).
					Str("method", info.FullMethod).
					Bytes("stack", debug.Stack()).
					Msg("gRPC handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func principalFromMetadata(md metadata.MD) (auth.Principal, bool) {
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}

	id := first(mdUserID)
	if id == "" {
		return auth.Principal{}, false
	}
	p := auth.Principal{ID: id, Email: first(mdUserEmail)}
	for _, v := range md.Get(mdUserRoles) {
		for _, role := range strings.Split(v, ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p, true
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// mapErrorToGRPC converts a service error into a gRPC status error.
func mapErrorToGRPC(err error) error {
	var coded *errors.Error
	if errors.As(err, &coded) {
		return coded.GRPCStatus().Err()
	}
	return status.Error(codes.Internal, "internal error")
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

// toStruct converts any JSON-encodable value into a Struct, keeping the JSON
// field names of the HTTP API.
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func unaryHandler(call func(ApprovalServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + GRPCServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(ApprovalServer), ctx, req.(*structpb.Struct))
		})
	}
}

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: GRPCServiceName,
	HandlerType: (*ApprovalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetRequest", Handler: unaryHandler(ApprovalServer.GetRequest, "GetRequest")},
		{MethodName: "ListPending", Handler: unaryHandler(ApprovalServer.ListPending, "ListPending")},
		{MethodName: "Decide", Handler: unaryHandler(ApprovalServer.Decide, "Decide")},
		{MethodName: "GetHistory", Handler: unaryHandler(ApprovalServer.GetHistory, "GetHistory")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: approvalsProtoFile,
}
