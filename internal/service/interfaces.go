package service

import (
	"context"
	"io"
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

// FlowRepository stores flow types and their ordered steps.
type FlowRepository interface {
	CreateFlowType(ctx context.Context, ft *repository.FlowType) error
	GetFlowType(ctx context.Context, id string) (*repository.FlowType, error)
	ListFlowTypes(ctx context.Context, activeOnly bool) ([]*repository.FlowType, error)
	SetFlowTypeActive(ctx context.Context, id string, active bool) (*repository.FlowType, error)
	ReplaceSteps(ctx context.Context, flowTypeID string, steps []*repository.Step) error
	ListSteps(ctx context.Context, flowTypeID string) ([]*repository.Step, error)
}

// RequestRepository stores approval requests. Create and ApplyTransition
// write the accompanying history entry in the same atomic unit; ApplyTransition
// returns a CONCURRENCY_CONFLICT error when (status, current_step) no longer
// matches expected.
type RequestRepository interface {
	Create(ctx context.Context, req *repository.ApprovalRequest, created *repository.HistoryEntry) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	ListByRequester(ctx context.Context, requesterRef string) ([]*repository.ApprovalRequest, error)
	ListPendingForApprover(ctx context.Context, principalRefs []string) ([]*repository.ApprovalRequest, error)
	ApplyTransition(ctx context.Context, req *repository.ApprovalRequest, expected workflow.Position, entry *repository.HistoryEntry) error
}

// HistoryRepository reads the append-only ledger.
type HistoryRepository interface {
	ListByRequest(ctx context.Context, requestID string) ([]*repository.HistoryEntry, error)
}

// NotificationEvent describes a state change worth telling someone about.
type NotificationEvent struct {
	ID           string                 `json:"id"` // unique per event
	RequestID    string                 `json:"request_id"`
	FlowTypeID   string                 `json:"flow_type_id"`
	Action       workflow.HistoryAction `json:"action"`
	Status       workflow.Status        `json:"status"`
	Step         int                    `json:"step"`
	ActorRef     string                 `json:"actor_ref"`
	RecipientRef string                 `json:"recipient_ref"`
	Message      string                 `json:"message"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// Dispatcher delivers notification events. Delivery is best effort: the
// engine logs a returned error and never retries or rolls back.
type Dispatcher interface {
	Send(ctx context.Context, event NotificationEvent) error
}

// AttachmentObject describes a stored attachment.
type AttachmentObject struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// AttachmentStore keeps opaque files keyed by request id.
type AttachmentStore interface {
	Upload(ctx context.Context, requestID, name string, content io.Reader) error
	Download(ctx context.Context, requestID, name string) ([]byte, error)
	List(ctx context.Context, requestID string) ([]AttachmentObject, error)
}
