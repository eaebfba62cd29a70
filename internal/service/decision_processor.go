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

// DecideInput is one approver decision against a request's current step.
type DecideInput struct {
	RequestID string
	Actor     auth.Principal
	Action    workflow.Action
	Comments  string
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide applies an approve, reject or request_adjustment decision.
//
// The request is loaded, checked for pending status, the actor is matched
// against the approver of the current step and comments are validated before
// the transition table is consulted. The new state and its history entry are
// committed together with a compare-and-swap on the (status, current_step)
// read at the start; losing that race yields CONCURRENCY_CONFLICT. A
// notification is dispatched after the commit and can never undo it.
func (s *ApprovalService) Decide(ctx context.Context, in DecideInput) (*repository.ApprovalRequest, error) {
	ctx, span := tracing.StartSpan(ctx, "approvals.Decide")
	defer span.End()
	span.SetAttributes(map[string]string{
		"request_id": in.RequestID,
		"action":     string(in.Action),
	})

	req, err := s.decide(ctx, in)
	span.SetStatus(err)
	return req, err
}

// DecideWithRetry calls Decide and, on CONCURRENCY_CONFLICT, re-reads state
// and tries exactly once more. The retry surfaces whatever the fresh state
// implies, typically INVALID_STATE or AUTHORIZATION_ERROR when another
// approver already moved the request on.
func (s *ApprovalService) DecideWithRetry(ctx context.Context, in DecideInput) (*repository.ApprovalRequest, error) {
	req, err := s.Decide(ctx, in)
	if err == nil || !errors.Is(err, errors.ErrConflict) {
		return req, err
	}
	s.log.Debug().
		Str("request_id", in.RequestID).
		Str("actor", in.Actor.ID).
		Msg("Decision lost a concurrent update; retrying once")
	return s.Decide(ctx, in)
}

func (s *ApprovalService) decide(ctx context.Context, in DecideInput) (*repository.ApprovalRequest, error) {
	req, err := s.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status != workflow.StatusPending {
		return nil, errors.InvalidState("request is " + string(req.Status) + ", not pending")
	}

	approver, err := s.registry.ResolveApprover(ctx, req.FlowTypeID, req.CurrentStep)
	if err != nil {
		return nil, err
	}
	if !in.Actor.Matches(approver) {
		return nil, errors.Unauthorized("actor is not the approver for the current step")
	}

	comments := strings.TrimSpace(in.Comments)
	if in.Action.RequiresComment() && comments == "" {
		return nil, errors.InvalidInput("comments", "comments are required to "+string(in.Action))
	}

	expected := req.Position()
	tr, err := workflow.Apply(expected, in.Action)
	if err != nil {
		if _, ok := err.(workflow.ErrNotPending); ok {
			return nil, errors.InvalidState(err.Error())
		}
		return nil, errors.InvalidInput("action", err.Error())
	}

	updated := req.Clone()
	updated.Status = tr.To.Status
	updated.CurrentStep = tr.To.CurrentStep

	entry := &repository.HistoryEntry{
		ActorRef:  in.Actor.ID,
		Action:    tr.Record,
		Comments:  optionalComment(comments),
		StepOrder: tr.AtStep,
	}
	if err := s.requests.ApplyTransition(ctx, updated, expected, entry); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			s.log.Info().
				Str("request_id", req.ID).
				Str("actor", in.Actor.ID).
				Int("step", tr.AtStep).
				Msg("Decision lost to a concurrent update")
		}
		return nil, err
	}

	s.log.Info().
		Str("request_id", updated.ID).
		Str("flow_type_id", updated.FlowTypeID).
		Str("actor", in.Actor.ID).
		Str("action", string(tr.Record)).
		Int("step", tr.AtStep).
		Str("status", string(updated.Status)).
		Msg("Decision applied")

	s.notifyDecision(ctx, updated, tr, in.Actor.ID)
	return updated, nil
}

// notifyDecision tells the next approver when the request advanced and the
// requester on every other outcome.
func (s *ApprovalService) notifyDecision(ctx context.Context, req *repository.ApprovalRequest, tr workflow.Transition, actorRef string) {
	if !tr.Advance {
		s.notify(ctx, req, tr.Record, actorRef, req.RequesterRef)
		return
	}

	next, err := s.registry.ResolveApprover(ctx, req.FlowTypeID, req.CurrentStep)
	if err != nil {
		s.log.Warn().Err(err).
			Str("request_id", req.ID).
			Int("step", req.CurrentStep).
			Msg("Could not resolve next approver for notification")
		return
	}
	s.notify(ctx, req, tr.Record, actorRef, next)
}
