package repository

import (
	"time"

	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

// ── Domain types for the approval workflow engine ────────────────────────────

// FlowType is a named class of approvable request, e.g. "Budget Approval".
type FlowType struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Step binds one approver reference to a 1-based position in a flow type.
// ApproverRef is a user id, an email or a role tag ("role:<name>").
type Step struct {
	ID          string    `json:"id"`
	FlowTypeID  string    `json:"flow_type_id"`
	Order       int       `json:"order"`
	ApproverRef string    `json:"approver_ref"`
	Required    bool      `json:"required"`
	CreatedAt   time.Time `json:"created_at"`
}

// ApprovalRequest is one instance of a flow type moving through its steps.
// TotalSteps is a snapshot taken at creation.
type ApprovalRequest struct {
	ID           string            `json:"id"`
	FlowTypeID   string            `json:"flow_type_id"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	Amount       *int64            `json:"amount,omitempty"` // cents
	Priority     workflow.Priority `json:"priority"`
	RequesterRef string            `json:"requester_ref"`
	Status       workflow.Status   `json:"status"`
	CurrentStep  int               `json:"current_step"`
	TotalSteps   int               `json:"total_steps"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Position returns the compare-and-swap key of the request.
func (r *ApprovalRequest) Position() workflow.Position {
	return workflow.Position{
		Status:      r.Status,
		CurrentStep: r.CurrentStep,
		TotalSteps:  r.TotalSteps,
	}
}

// Clone returns a copy that shares no pointers with r.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	c := *r
	if r.Amount != nil {
		amount := *r.Amount
		c.Amount = &amount
	}
	return &c
}

// HistoryEntry is one immutable record in the history ledger.
type HistoryEntry struct {
	ID        string                 `json:"id"`
	RequestID string                 `json:"request_id"`
	ActorRef  string                 `json:"actor_ref"`
	Action    workflow.HistoryAction `json:"action"`
	Comments  *string                `json:"comments,omitempty"`
	StepOrder int                    `json:"step_order"`
	CreatedAt time.Time              `json:"created_at"`
}
