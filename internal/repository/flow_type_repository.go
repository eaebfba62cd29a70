package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-approval-workflows/internal/database"
	"github.com/pesio-ai/be-approval-workflows/internal/errors"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// FlowTypeRepository handles CRUD for flow_types and their ordered flow_steps.
type FlowTypeRepository struct {
	db *database.DB
}

// NewFlowTypeRepository creates a new FlowTypeRepository.
func NewFlowTypeRepository(db *database.DB) *FlowTypeRepository {
	return &FlowTypeRepository{db: db}
}

// CreateFlowType inserts a new flow type.
func (r *FlowTypeRepository) CreateFlowType(ctx context.Context, ft *FlowType) error {
	query := `
		INSERT INTO flow_types (name, description, active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query, ft.Name, ft.Description, ft.Active).
		Scan(&ft.ID, &ft.CreatedAt, &ft.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.InvalidInput("name", "flow type name already exists")
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create flow type")
	}
	return nil
}

// GetFlowType retrieves a flow type by primary key.
func (r *FlowTypeRepository) GetFlowType(ctx context.Context, id string) (*FlowType, error) {
	query := `
		SELECT id, name, description, active, created_at, updated_at
		FROM flow_types
		WHERE id = $1
	`

	ft, err := r.scanFlowType(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("flow_type", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get flow type")
	}
	return ft, nil
}

// ListFlowTypes returns flow types ordered by name, optionally active only.
func (r *FlowTypeRepository) ListFlowTypes(ctx context.Context, activeOnly bool) ([]*FlowType, error) {
	query := `
		SELECT id, name, description, active, created_at, updated_at
		FROM flow_types
	`
	if activeOnly {
		query += " WHERE active = TRUE"
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list flow types")
	}
	defer rows.Close()

	var types []*FlowType
	for rows.Next() {
		ft, err := r.scanFlowType(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan flow type")
		}
		types = append(types, ft)
	}
	return types, rows.Err()
}

// SetFlowTypeActive toggles the active flag, the only edit allowed once
// requests reference the flow type.
func (r *FlowTypeRepository) SetFlowTypeActive(ctx context.Context, id string, active bool) (*FlowType, error) {
	query := `
		UPDATE flow_types
		SET active     = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, description, active, created_at, updated_at
	`

	ft, err := r.scanFlowType(r.db.QueryRow(ctx, query, id, active))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("flow_type", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to update flow type")
	}
	return ft, nil
}

// ReplaceSteps swaps the whole step list of a flow type in one transaction.
// The flow type row is locked so a concurrent request creation cannot observe
// a half-written list, and the swap is refused once any request references it.
func (r *FlowTypeRepository) ReplaceSteps(ctx context.Context, flowTypeID string, steps []*Step) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `SELECT id FROM flow_types WHERE id = $1 FOR UPDATE`, flowTypeID).Scan(&locked)
		if err == pgx.ErrNoRows {
			return errors.NotFound("flow_type", flowTypeID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock flow type")
		}

		var referenced bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE flow_type_id = $1)`,
			flowTypeID,
		).Scan(&referenced)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check flow type references")
		}
		if referenced {
			return errors.InvalidState("steps cannot be redefined once requests reference the flow type")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM flow_steps WHERE flow_type_id = $1`, flowTypeID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear flow steps")
		}

		stepQuery := `
			INSERT INTO flow_steps (flow_type_id, step_order, approver_ref, required)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at
		`
		for _, step := range steps {
			step.FlowTypeID = flowTypeID
			err := tx.QueryRow(ctx, stepQuery,
				step.FlowTypeID,
				step.Order,
				step.ApproverRef,
				step.Required,
			).Scan(&step.ID, &step.CreatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create flow step")
			}
		}

		_, err = tx.Exec(ctx, `UPDATE flow_types SET updated_at = NOW() WHERE id = $1`, flowTypeID)
		return err
	})
}

// ListSteps returns the steps of a flow type ordered by step_order.
func (r *FlowTypeRepository) ListSteps(ctx context.Context, flowTypeID string) ([]*Step, error) {
	query := `
		SELECT id, flow_type_id, step_order, approver_ref, required, created_at
		FROM flow_steps
		WHERE flow_type_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, flowTypeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list flow steps")
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		s := &Step{}
		if err := rows.Scan(&s.ID, &s.FlowTypeID, &s.Order, &s.ApproverRef, &s.Required, &s.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan flow step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type flowTypeScanner interface {
	Scan(dest ...any) error
}

func (r *FlowTypeRepository) scanFlowType(row flowTypeScanner) (*FlowType, error) {
	ft := &FlowType{}
	err := row.Scan(
		&ft.ID,
		&ft.Name,
		&ft.Description,
		&ft.Active,
		&ft.CreatedAt,
		&ft.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return ft, nil
}
