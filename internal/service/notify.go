package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

// notify dispatches one event in the background. The request and its history
// are already committed; a failing or panicking dispatcher is logged and
// otherwise ignored.
func (s *ApprovalService) notify(ctx context.Context, req *repository.ApprovalRequest, action workflow.HistoryAction, actorRef, recipientRef string) {
	if s.dispatcher == nil || recipientRef == "" {
		return
	}

	event := NotificationEvent{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		FlowTypeID:   req.FlowTypeID,
		Action:       action,
		Status:       req.Status,
		Step:         req.CurrentStep,
		ActorRef:     actorRef,
		RecipientRef: recipientRef,
		Message:      notificationMessage(req, action),
		OccurredAt:   s.now().UTC(),
	}

	// The caller's context ends with its request; keep its values only.
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Interface("panic", r).
					Str("request_id", event.RequestID).
					Msg("Notification dispatcher panicked")
			}
		}()

		if err := s.dispatcher.Send(dispatchCtx, event); err != nil {
			s.log.Warn().Err(err).
				Str("request_id", event.RequestID).
				Str("action", string(event.Action)).
				Str("recipient", event.RecipientRef).
				Msg("Failed to dispatch notification (non-fatal)")
		}
	}()
}

func notificationMessage(req *repository.ApprovalRequest, action workflow.HistoryAction) string {
	switch {
	case req.Status == workflow.StatusPending:
		return fmt.Sprintf("Request %q is awaiting your approval (step %d of %d)", req.Title, req.CurrentStep, req.TotalSteps)
	case action == workflow.HistoryRequiresAdjustment:
		return fmt.Sprintf("Request %q needs adjustment", req.Title)
	default:
		return fmt.Sprintf("Request %q was %s", req.Title, req.Status)
	}
}
