package quarantine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var (
	ErrOperationNotFound = errors.New("quarantined operation not found")
	ErrNotQuarantined    = errors.New("operation is not in quarantined state")
)

type Repository interface {
	Insert(ctx context.Context, op Operation) (created bool, out *Operation, err error)
	GetByID(ctx context.Context, id int64) (*Operation, error)
	List(ctx context.Context, status string, limit, offset int) ([]Operation, error)
	Transition(ctx context.Context, id int64, toStatus, actor string) (*Operation, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const opColumns = `id, domain, operation_type, operation_id, entity_type, entity_id, reason, source, severity, alert_id, incident_id, payload, status, released_by, released_at, created_at, updated_at`

// Insert records a quarantined operation idempotently: at most one open
// quarantine exists per (domain, operation_type, operation_id), enforced by
// a partial unique index over status = quarantined. Re-quarantining an
// operation that is already quarantined returns the existing record;
// released and cancelled history rows never block a new cycle.
func (r *repository) Insert(ctx context.Context, op Operation) (bool, *Operation, error) {
	if op.Domain == "" {
		op.Domain = Domain
	}
	payload := op.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	out := &Operation{}
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO quarantined_operations
		   (domain, operation_type, operation_id, entity_type, entity_id, reason, source, severity, alert_id, incident_id, payload, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (domain, operation_type, operation_id) WHERE status = 'quarantined' DO NOTHING
		 RETURNING `+opColumns,
		op.Domain, op.OperationType, op.OperationID, op.EntityType, op.EntityID,
		op.Reason, op.Source, op.Severity, op.AlertID, op.IncidentID, payload, StatusQuarantined,
	).StructScan(out)
	if err == nil {
		return true, out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, err
	}

	err = r.db.GetContext(ctx, out,
		`SELECT `+opColumns+` FROM quarantined_operations
		 WHERE domain = $1 AND operation_type = $2 AND operation_id = $3 AND status = $4`,
		op.Domain, op.OperationType, op.OperationID, StatusQuarantined)
	if err != nil {
		return false, nil, err
	}
	return false, out, nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*Operation, error) {
	op := &Operation{}
	err := r.db.GetContext(ctx, op,
		`SELECT `+opColumns+` FROM quarantined_operations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r *repository) List(ctx context.Context, status string, limit, offset int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}

	var ops []Operation
	var err error
	if status == "" {
		err = r.db.SelectContext(ctx, &ops,
			`SELECT `+opColumns+` FROM quarantined_operations ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &ops,
			`SELECT `+opColumns+` FROM quarantined_operations WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			status, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// Transition moves a record out of quarantined. The conditional update is
// what enforces "only quarantined records can be released or cancelled".
func (r *repository) Transition(ctx context.Context, id int64, toStatus, actor string) (*Operation, error) {
	op := &Operation{}
	err := r.db.QueryRowxContext(ctx,
		`UPDATE quarantined_operations
		 SET status = $1, released_by = $2, released_at = NOW(), updated_at = NOW()
		 WHERE id = $3 AND status = $4
		 RETURNING `+opColumns,
		toStatus, actor, id, StatusQuarantined,
	).StructScan(op)
	if errors.Is(err, sql.ErrNoRows) {
		// Either missing or not currently quarantined.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotQuarantined
	}
	if err != nil {
		return nil, err
	}
	return op, nil
}
