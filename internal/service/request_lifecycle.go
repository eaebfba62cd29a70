package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-approval-workflows/internal/auth"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/tracing"
	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

// CreateRequestInput carries the requester-supplied fields of a new request.
type CreateRequestInput struct {
	FlowTypeID  string `json:"flow_type_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Amount      *int64 `json:"amount,omitempty"`
	Priority    string `json:"priority"`
}

// ── Create ────────────────────────────────────────────────────────────────────

// CreateRequest submits a new request at step 1 with status pending and writes
// its "created" history entry. total_steps is snapshotted from the registry.
func (s *ApprovalService) CreateRequest(ctx context.Context, requester auth.Principal, in CreateRequestInput) (*repository.ApprovalRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.CreateRequest")
	defer span.End()

	req, err := s.createRequest(ctx, requester, in)
	span.SetStatus(err)
	return req, err
}

func (s *ApprovalService) createRequest(ctx context.Context, requester auth.Principal, in CreateRequestInput) (*repository.ApprovalRequest, error) {
	if requester.ID == "" {
		return nil, errors.InvalidInput("requester_ref", "requester is required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, errors.InvalidInput("title", "title is required")
	}
	if in.Amount != nil && *in.Amount < 0 {
		return nil, errors.InvalidInput("amount", "amount cannot be negative")
	}
	priority, err := workflow.ParsePriority(in.Priority)
	if err != nil {
		return nil, errors.InvalidInput("priority", err.Error())
	}

	totalSteps, err := s.registry.StepCount(ctx, in.FlowTypeID)
	if err != nil {
		return nil, err
	}
	if totalSteps == 0 {
		return nil, errors.InvalidInput("flow_type_id", "flow type has no steps and cannot be approved")
	}

	req := &repository.ApprovalRequest{
		FlowTypeID:   in.FlowTypeID,
		Title:        title,
		Description:  strings.TrimSpace(in.Description),
		Amount:       in.Amount,
		Priority:     priority,
		RequesterRef: requester.ID,
		Status:       workflow.StatusPending,
		CurrentStep:  1,
		TotalSteps:   totalSteps,
	}
	created := &repository.HistoryEntry{
		ActorRef:  requester.ID,
		Action:    workflow.HistoryCreated,
		StepOrder: 1,
	}

	if err := s.requests.Create(ctx, req, created); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("flow_type_id", req.FlowTypeID).
		Str("requester", req.RequesterRef).
		Int("total_steps", req.TotalSteps).
		Msg("Approval request created")

	if approver, err := s.registry.ResolveApprover(ctx, req.FlowTypeID, 1); err == nil {
		s.notify(ctx, req, workflow.HistoryCreated, requester.ID, approver)
	} else {
		s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Could not resolve first approver for notification")
	}

	return req, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// CancelRequest lets the requester withdraw a pending request.
func (s *ApprovalService) CancelRequest(ctx context.Context, requestID string, actor auth.Principal, comments string) (*repository.ApprovalRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.CancelRequest")
	defer span.End()

	req, err := s.cancelRequest(ctx, requestID, actor, comments)
	span.SetStatus(err)
	return req, err
}

func (s *ApprovalService) cancelRequest(ctx context.Context, requestID string, actor auth.Principal, comments string) (*repository.ApprovalRequest, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterRef != actor.ID {
		return nil, errors.Unauthorized("only the requester can cancel the request")
	}

	expected := req.Position()
	tr, err := workflow.Cancel(expected)
	if err != nil {
		return nil, errors.InvalidState(err.Error())
	}

	updated := req.Clone()
	updated.Status = tr.To.Status
	entry := &repository.HistoryEntry{
		ActorRef:  actor.ID,
		Action:    tr.Record,
		Comments:  optionalComment(comments),
		StepOrder: tr.AtStep,
	}
	if err := s.requests.ApplyTransition(ctx, updated, expected, entry); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", updated.ID).
		Str("actor", actor.ID).
		Int("step", tr.AtStep).
		Msg("Approval request cancelled")

	if approver, err := s.registry.ResolveApprover(ctx, updated.FlowTypeID, tr.AtStep); err == nil {
		s.notify(ctx, updated, tr.Record, actor.ID, approver)
	}
	return updated, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request by id.
func (s *ApprovalService) GetRequest(ctx context.Context, requestID string) (*repository.ApprovalRequest, error) {
	if err := validateID("approval_request", requestID); err != nil {
		return nil, err
	}
	return s.requests.GetByID(ctx, requestID)
}

// ListRequestsForRequester returns every request the principal submitted, newest first.
func (s *ApprovalService) ListRequestsForRequester(ctx context.Context, requesterRef string) ([]*repository.ApprovalRequest, error) {
	if strings.TrimSpace(requesterRef) == "" {
		return nil, errors.InvalidInput("requester_ref", "requester is required")
	}
	return s.requests.ListByRequester(ctx, requesterRef)
}

// ListPendingForApprover returns the approver's inbox: pending requests of
// active flow types whose current step is bound to any reference the
// principal answers to (id, email or role tag), oldest first.
func (s *ApprovalService) ListPendingForApprover(ctx context.Context, principal auth.Principal) ([]*repository.ApprovalRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.ListPendingForApprover")
	defer span.End()

	refs := principal.Refs()
	if len(refs) == 0 {
		err := errors.InvalidInput("principal", "approver is required")
		span.SetStatus(err)
		return nil, err
	}
	pending, err := s.requests.ListPendingForApprover(ctx, refs)
	span.SetStatus(err)
	return pending, err
}

// GetHistory returns the ledger of a request ordered by created_at.
func (s *ApprovalService) GetHistory(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error) {
	if _, err := s.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.history.ListByRequest(ctx, requestID)
}

func optionalComment(comments string) *string {
	comments = strings.TrimSpace(comments)
	if comments == "" {
		return nil
	}
	return &comments
}
