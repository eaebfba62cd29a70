package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

const requestColumns = `
	id, flow_type_id, title, description, amount, priority, requester_ref,
	status::text, current_step, total_steps, version, created_at, updated_at
`

// ApprovalRequestRepository persists approval requests. Every mutation writes
// the matching history entry in the same transaction.
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

// Create inserts a request and its "created" history entry in one transaction.
// The flow type row is share-locked and its step count re-checked against
// req.TotalSteps so a concurrent step redefinition cannot slip in between.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *ApprovalRequest, created *HistoryEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var active bool
		err := tx.QueryRow(ctx, `SELECT active FROM flow_types WHERE id = $1 FOR SHARE`, req.FlowTypeID).Scan(&active)
		if err == pgx.ErrNoRows {
			return errors.NotFound("flow_type", req.FlowTypeID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock flow type")
		}
		if !active {
			return errors.NotFound("flow_type", req.FlowTypeID)
		}

		var stepCount int
		err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM flow_steps WHERE flow_type_id = $1`, req.FlowTypeID).Scan(&stepCount)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count flow steps")
		}
		if stepCount != req.TotalSteps {
			return errors.Conflict("flow type steps changed while creating the request")
		}

		query := `
			INSERT INTO approval_requests
			    (flow_type_id, title, description, amount, priority,
			     requester_ref, status, current_step, total_steps)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7::approval_request_status, $8, $9)
			RETURNING id, version, created_at, updated_at
		`

		err = tx.QueryRow(ctx, query,
			req.FlowTypeID,
			req.Title,
			req.Description,
			req.Amount,
			string(req.Priority),
			req.RequesterRef,
			string(req.Status),
			req.CurrentStep,
			req.TotalSteps,
		).Scan(&req.ID, &req.Version, &req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
		}

		created.RequestID = req.ID
		return appendHistory(ctx, tx, created)
	})
}

// GetByID retrieves a request by its primary key.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// ListByRequester returns every request submitted by requesterRef, newest first.
func (r *ApprovalRequestRepository) ListByRequester(ctx context.Context, requesterRef string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE requester_ref = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, requesterRef)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list requests")
	}
	defer rows.Close()

	return scanRequests(rows)
}

// ListPendingForApprover resolves principal -> eligible steps -> eligible
// requests in a single join: pending requests of active flow types whose
// current step is bound to any of the principal's references.
func (r *ApprovalRequestRepository) ListPendingForApprover(ctx context.Context, principalRefs []string) ([]*ApprovalRequest, error) {
	if len(principalRefs) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT ON (r.created_at, r.id)
		       r.id, r.flow_type_id, r.title, r.description, r.amount, r.priority, r.requester_ref,
		       r.status::text, r.current_step, r.total_steps, r.version, r.created_at, r.updated_at
		FROM flow_steps s
		JOIN flow_types f        ON f.id = s.flow_type_id AND f.active = TRUE
		JOIN approval_requests r ON r.flow_type_id = s.flow_type_id
		                        AND r.current_step = s.step_order
		                        AND r.status = 'pending'
		WHERE s.approver_ref = ANY($1)
		ORDER BY r.created_at ASC, r.id
	`

	rows, err := r.db.Query(ctx, query, principalRefs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanRequests(rows)
}

// ApplyTransition persists a state change and its history entry atomically.
// The update is a compare-and-swap on (status, current_step): when another
// writer got there first no row matches and ErrConflict is returned.
func (r *ApprovalRequestRepository) ApplyTransition(
	ctx context.Context,
	req *ApprovalRequest,
	expected workflow.Position,
	entry *HistoryEntry,
) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET status       = $4::approval_request_status,
			    current_step = $5,
			    version      = version + 1,
			    updated_at   = NOW()
			WHERE id = $1
			  AND status = $2::approval_request_status
			  AND current_step = $3
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, query,
			req.ID,
			string(expected.Status),
			expected.CurrentStep,
			string(req.Status),
			req.CurrentStep,
		).Scan(&req.Version, &req.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.Conflict("request was modified concurrently")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
		}

		entry.RequestID = req.ID
		return appendHistory(ctx, tx, entry)
	})
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var priority, status string
	err := row.Scan(
		&req.ID,
		&req.FlowTypeID,
		&req.Title,
		&req.Description,
		&req.Amount,
		&priority,
		&req.RequesterRef,
		&status,
		&req.CurrentStep,
		&req.TotalSteps,
		&req.Version,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Priority = workflow.Priority(priority)
	if req.Status, err = workflow.ParseStatus(status); err != nil {
		return nil, err
	}
	return req, nil
}

func scanRequests(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval requests")
	}
	return requests, nil
}
