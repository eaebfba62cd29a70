package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-approval-workflows/internal/auth"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/middleware"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

type nopDispatcher struct{}

func (nopDispatcher) Send(context.Context, service.NotificationEvent) error { return nil }

type testServer struct {
	router    http.Handler
	approvals *service.ApprovalService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	log := logger.Nop()
	registry := service.NewFlowRegistryService(store, time.Minute, log)
	approvals := service.NewApprovalService(registry, store, store, nopDispatcher{}, log)
	t.Cleanup(approvals.Wait)

	r := mux.NewRouter()
	NewHTTPHandler(registry, approvals, store, log).Register(r)
	return &testServer{router: middleware.Principal(r), approvals: approvals}
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if user != "" {
		r.Header.Set(middleware.HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)

	out := map[string]interface{}{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func (s *testServer) budgetFlow(t *testing.T) string {
	t.Helper()
	code, ft := s.do(t, http.MethodPost, "/api/v1/flow-types", "admin", map[string]string{"name": "Budget"})
	require.Equal(t, http.StatusCreated, code)
	id := ft["id"].(string)

	code, _ = s.do(t, http.MethodPut, "/api/v1/flow-types/"+id+"/steps", "admin", map[string]interface{}{
		"steps": []map[string]string{{"approver_ref": "user-a"}, {"approver_ref": "user-b"}},
	})
	require.Equal(t, http.StatusOK, code)
	return id
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	c, _ := e["code"].(string)
	return c
}

func TestHTTPApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	flowID := s.budgetFlow(t)

	code, req := s.do(t, http.MethodPost, "/api/v1/requests", "user-u", map[string]interface{}{
		"flow_type_id": flowID, "title": "Q3 budget", "amount": 125000,
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", req["status"])
	assert.EqualValues(t, 1, req["current_step"])
	assert.EqualValues(t, 2, req["total_steps"])
	id := req["id"].(string)

	code, inbox := s.do(t, http.MethodGet, "/api/v1/requests/pending", "user-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, inbox["requests"], 1)

	code, body := s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/decision", "user-b", map[string]string{"action": "approve"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "AUTHORIZATION_ERROR", errorCode(body))

	code, body = s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/decision", "user-a", map[string]string{"action": "approve"})
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["current_step"])

	code, body = s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/decision", "user-b", map[string]string{"action": "reject"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	code, body = s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/decision", "user-b", map[string]interface{}{
		"action": "reject", "comments": "over budget", "retry_on_conflict": true,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", body["status"])

	code, body = s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/decision", "user-b", map[string]string{"action": "approve"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_STATE", errorCode(body))

	code, body = s.do(t, http.MethodGet, "/api/v1/requests/"+id+"/history", "", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "AUTHORIZATION_ERROR", errorCode(body))

	code, hist := s.do(t, http.MethodGet, "/api/v1/requests/"+id+"/history", "user-u", nil)
	require.Equal(t, http.StatusOK, code)
	entries := hist["history"].([]interface{})
	require.Len(t, entries, 3)
	assert.Equal(t, "created", entries[0].(map[string]interface{})["action"])
	assert.Equal(t, "rejected", entries[2].(map[string]interface{})["action"])
}

func TestHTTPErrors(t *testing.T) {
	s := newTestServer(t)
	flowID := s.budgetFlow(t)

	code, body := s.do(t, http.MethodPost, "/api/v1/requests", "", map[string]string{"flow_type_id": flowID, "title": "x"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "AUTHORIZATION_ERROR", errorCode(body))

	code, body = s.do(t, http.MethodGet, "/api/v1/requests/00000000-0000-0000-0000-000000000000", "user-u", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	code, body = s.do(t, http.MethodPost, "/api/v1/requests/not-a-uuid/decision", "user-a", map[string]string{"action": "escalate"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	code, body = s.do(t, http.MethodPost, "/api/v1/flow-types/"+flowID+"/active", "admin", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))

	code, _ = s.do(t, http.MethodPost, "/api/v1/flow-types/"+flowID+"/active", "admin", map[string]bool{"active": false})
	assert.Equal(t, http.StatusOK, code)

	code, body = s.do(t, http.MethodPost, "/api/v1/requests", "user-u", map[string]string{"flow_type_id": flowID, "title": "x"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestHTTPCancelAndHealth(t *testing.T) {
	s := newTestServer(t)
	flowID := s.budgetFlow(t)

	code, _ := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)

	_, req := s.do(t, http.MethodPost, "/api/v1/requests", "user-u", map[string]string{"flow_type_id": flowID, "title": "Laptop"})
	id := req["id"].(string)

	code, _ = s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/cancel", "user-a", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body := s.do(t, http.MethodPost, "/api/v1/requests/"+id+"/cancel", "user-u", map[string]string{"comments": "no longer needed"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["status"])

	code, mine := s.do(t, http.MethodGet, "/api/v1/requests", "user-u", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, mine["requests"], 1)
	for _, path := range []string{
		"/api/v1/requests/" + id,
		"/api/v1/requests/" + id + "/history",
		"/api/v1/requests/" + id + "/attachments",
		"/api/v1/requests/" + id + "/attachments/quote.pdf",
	} {
		code, body = s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusForbidden, code, path)
		assert.Equal(t, "AUTHORIZATION_ERROR", errorCode(body), path)
	}

	code, got := s.do(t, http.MethodGet, "/api/v1/requests/"+id, "user-a", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", got["status"])
}

func TestGRPCHandler(t *testing.T) {
	s := newTestServer(t)
	flowID := s.budgetFlow(t)
	_, req := s.do(t, http.MethodPost, "/api/v1/requests", "user-u", map[string]string{"flow_type_id": flowID, "title": "Q3"})
	id := req["id"].(string)

	h := NewGRPCHandler(s.approvals, logger.Nop().Logger)
	asUserA := auth.WithPrincipal(context.Background(), auth.Principal{ID: "user-a"})

	pending, err := h.ListPending(asUserA, &structpb.Struct{})
	require.NoError(t, err)
	assert.Len(t, pending.GetFields()["requests"].GetListValue().GetValues(), 1)

	_, err = h.ListPending(context.Background(), &structpb.Struct{})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	in, err := structpb.NewStruct(map[string]interface{}{"id": id, "action": "approve"})
	require.NoError(t, err)
	out, err := h.Decide(asUserA, in)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out.GetFields()["current_step"].GetNumberValue())

	_, err = h.Decide(asUserA, in)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	got, err := h.GetRequest(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.GetFields()["status"].GetStringValue())

	hist, err := h.GetHistory(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, hist.GetFields()["history"].GetListValue().GetValues(), 2)

	missing, _ := structpb.NewStruct(map[string]interface{}{"id": "00000000-0000-0000-0000-000000000000"})
	_, err = h.GetRequest(context.Background(), missing)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestUnaryPrincipalInterceptor(t *testing.T) {
	md := metadata.Pairs(mdUserID, "user-a", mdUserEmail, "A@Example.com", mdUserRoles, "finance,legal")
	ctx := metadata.NewIncomingContext(context.Background(), md)

	var got auth.Principal
	_, err := UnaryPrincipalInterceptor(ctx, nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req interface{}) (interface{}, error) {
		var err error
		got, err = auth.FromContext(ctx)
		return nil, err
	})
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{ID: "user-a", Email: "A@Example.com", Roles: []string{"finance", "legal"}}, got)
}

func TestUnaryRecoveryInterceptor(t *testing.T) {
	intercept := UnaryRecoveryInterceptor(logger.Nop().Logger)
	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x"}, func(context.Context, interface{}) (interface{}, error) {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestApprovalServiceDescriptorRegistered(t *testing.T) {
	fd, err := protoregistry.GlobalFiles.FindFileByPath(approvalServiceDesc.Metadata.(string))
	require.NoError(t, err)
	assert.Same(t, approvalsFile, fd)

	desc, err := protoregistry.GlobalFiles.FindDescriptorByName(GRPCServiceName)
	require.NoError(t, err)
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	require.True(t, ok)

	require.Equal(t, len(approvalServiceDesc.Methods), svc.Methods().Len())
	for _, m := range approvalServiceDesc.Methods {
		md := svc.Methods().ByName(protoreflect.Name(m.MethodName))
		require.NotNil(t, md, m.MethodName)
		assert.Equal(t, protoreflect.FullName("google.protobuf.Struct"), md.Input().FullName())
		assert.Equal(t, protoreflect.FullName("google.protobuf.Struct"), md.Output().FullName())
	}
}
