package repository

import (
	"context"

	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
	"github.com/pesio-ai/be-approval-workflows/internal/workflow"
)

// ApprovalHistoryRepository reads the append-only history ledger. Entries are
// only ever written by ApprovalRequestRepository, inside the transaction that
// mutates the request; the table carries an update/delete-prevention trigger.
type ApprovalHistoryRepository struct {
	db *database.DB
}

// NewApprovalHistoryRepository creates a new ApprovalHistoryRepository.
func NewApprovalHistoryRepository(db *database.DB) *ApprovalHistoryRepository {
	return &ApprovalHistoryRepository{db: db}
}

// ListByRequest returns the full history of a request ordered oldest-first.
func (r *ApprovalHistoryRepository) ListByRequest(ctx context.Context, requestID string) ([]*HistoryEntry, error) {
	query := `
		SELECT id, request_id, actor_ref, action::text, comments, step_order, created_at
		FROM approval_history
		WHERE request_id = $1
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		entry := &HistoryEntry{}
		var action string
		err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.ActorRef,
			&action,
			&entry.Comments,
			&entry.StepOrder,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		if entry.Action, err = workflow.ParseHistoryAction(action); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode history entry")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval history")
	}
	return entries, nil
}

// appendHistory inserts one ledger entry using the caller's transaction.
func appendHistory(ctx context.Context, q database.Querier, entry *HistoryEntry) error {
	query := `
		INSERT INTO approval_history
		    (request_id, actor_ref, action, comments, step_order)
		VALUES ($1, $2, $3::approval_history_action, $4, $5)
		RETURNING id, created_at
	`

	err := q.QueryRow(ctx, query,
		entry.RequestID,
		entry.ActorRef,
		string(entry.Action),
		entry.Comments,
		entry.StepOrder,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append history entry")
	}
	return nil
}
