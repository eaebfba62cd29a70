package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-approval-workflows/internal/auth"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

// maxAttachmentSize caps a single attachment upload.
const maxAttachmentSize = 10 << 20

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	registry  *service.FlowRegistryService
	approvals *service.ApprovalService
	store     Pinger
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(registry *service.FlowRegistryService, approvals *service.ApprovalService, store Pinger, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		registry:  registry,
		approvals: approvals,
		store:     store,
		log:       log,
	}
}

// Register mounts every route on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/flow-types", h.CreateFlowType).Methods(http.MethodPost)
	api.HandleFunc("/flow-types", h.ListFlowTypes).Methods(http.MethodGet)
	api.HandleFunc("/flow-types/{id}", h.GetFlowType).Methods(http.MethodGet)
	api.HandleFunc("/flow-types/{id}/steps", h.DefineSteps).Methods(http.MethodPut)
	api.HandleFunc("/flow-types/{id}/steps", h.ListSteps).Methods(http.MethodGet)
	api.HandleFunc("/flow-types/{id}/active", h.SetFlowTypeActive).Methods(http.MethodPost)

	api.HandleFunc("/requests", h.CreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests", h.ListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/pending", h.ListPending).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", h.GetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/decision", h.Decide).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", h.CancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/history", h.GetHistory).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/attachments", h.ListAttachments).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/attachments/{name}", h.UploadAttachment).Methods(http.MethodPut)
	api.HandleFunc("/requests/{id}/attachments/{name}", h.DownloadAttachment).Methods(http.MethodGet)
}

// Health reports whether storage is reachable.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("Health check failed")
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ── Flow types ────────────────────────────────────────────────────────────────

// CreateFlowType handles create flow type HTTP requests
func (h *HTTPHandler) CreateFlowType(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	ft, err := h.registry.CreateFlowType(r.Context(), req.Name, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, ft)
}

// ListFlowTypes handles list flow types HTTP requests; ?active=true filters.
func (h *HTTPHandler) ListFlowTypes(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))

	types, err := h.registry.ListFlowTypes(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"flow_types": types})
}

// GetFlowType handles get flow type HTTP requests
func (h *HTTPHandler) GetFlowType(w http.ResponseWriter, r *http.Request) {
	ft, err := h.registry.GetFlowType(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ft)
}

// DefineSteps replaces a flow type's step list.
func (h *HTTPHandler) DefineSteps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Steps []service.StepDefinition `json:"steps"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	steps, err := h.registry.DefineSteps(r.Context(), mux.Vars(r)["id"], req.Steps)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// ListSteps handles list steps HTTP requests
func (h *HTTPHandler) ListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := h.registry.ListSteps(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// SetFlowTypeActive toggles whether new requests may use a flow type.
func (h *HTTPHandler) SetFlowTypeActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Active == nil {
		h.writeError(w, r, errors.InvalidInput("active", "is required"))
		return
	}

	ft, err := h.registry.SetFlowTypeActive(r.Context(), mux.Vars(r)["id"], *req.Active)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ft)
}

// ── Requests ──────────────────────────────────────────────────────────────────

// CreateRequest handles create request HTTP requests
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req service.CreateRequestInput
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.approvals.CreateRequest(r.Context(), principal, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// ListRequests lists the caller's own requests.
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	requests, err := h.approvals.ListRequestsForRequester(r.Context(), principal.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// ListPending lists the requests awaiting the caller's decision.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	requests, err := h.approvals.ListPendingForApprover(r.Context(), principal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// GetRequest handles get request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r); !ok {
		return
	}

	req, err := h.approvals.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// Decide records the caller's decision on the request's current step.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req struct {
		Action          string `json:"action"`
		Comments        string `json:"comments"`
		RetryOnConflict bool   `json:"retry_on_conflict"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	action, err := workflow.ParseAction(req.Action)
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("action", err.Error()))
		return
	}

	in := service.DecideInput{
		RequestID: mux.Vars(r)["id"],
		Actor:     principal,
		Action:    action,
		Comments:  req.Comments,
	}
	decide := h.approvals.Decide
	if req.RetryOnConflict {
		decide = h.approvals.DecideWithRetry
	}

	updated, err := decide(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// CancelRequest withdraws a pending request on behalf of its requester.
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req struct {
		Comments string `json:"comments"`
	}
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	updated, err := h.approvals.CancelRequest(r.Context(), mux.Vars(r)["id"], principal, req.Comments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// GetHistory returns the request's ledger oldest first.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r); !ok {
		return
	}

	entries, err := h.approvals.GetHistory(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}

// ── Attachments ───────────────────────────────────────────────────────────────

// UploadAttachment stores the raw request body as a named attachment.
func (h *HTTPHandler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r); !ok {
		return
	}

	vars := mux.Vars(r)
	body := http.MaxBytesReader(w, r.Body, maxAttachmentSize)
	if err := h.approvals.UploadAttachment(r.Context(), vars["id"], vars["name"], body); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// DownloadAttachment streams a stored attachment back.
func (h *HTTPHandler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r); !ok {
		return
	}

	vars := mux.Vars(r)
	data, err := h.approvals.DownloadAttachment(r.Context(), vars["id"], vars["name"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.log.Warn().Err(err).Msg("Failed to write attachment")
	}
}

// ListAttachments lists a request's attachments.
func (h *HTTPHandler) ListAttachments(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r); !ok {
		return
	}

	objects, err := h.approvals.ListAttachments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"attachments": objects})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func (h *HTTPHandler) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.FromContext(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return auth.Principal{}, false
	}
	return p, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		h.writeError(w, r, errors.InvalidInput("body", "invalid JSON"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatusOf(err)
	body := errorBody{Code: errors.CodeOf(err), Message: "internal error"}

	var coded *errors.Error
	if errors.As(err, &coded) && coded.Code != errors.ErrCodeInternal {
		body.Message = coded.Message
		body.Field = coded.Field
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Request rejected")
	}
	h.writeJSON(w, status, map[string]errorBody{"error": body})
}
