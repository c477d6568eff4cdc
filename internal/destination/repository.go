package destination

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrDestinationNotFound = errors.New("destination not found")

type Repository interface {
	Upsert(ctx context.Context, d Destination) (*Destination, error)
	ListByEntity(ctx context.Context, entityType string, entityID int64) ([]Destination, error)
	SetVerified(ctx context.Context, id int64, verified bool) error
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Upsert(ctx context.Context, d Destination) (*Destination, error) {
	out := &Destination{}
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO payout_destinations (entity_type, entity_id, dest_type, dest_value, verified)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (entity_type, entity_id, dest_type, dest_value)
		 DO UPDATE SET updated_at = NOW()
		 RETURNING id, entity_type, entity_id, dest_type, dest_value, verified, created_at, updated_at`,
		d.EntityType, d.EntityID, d.DestType, d.DestValue, d.Verified,
	).StructScan(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]Destination, error) {
	var ds []Destination
	err := r.db.SelectContext(ctx, &ds,
		`SELECT id, entity_type, entity_id, dest_type, dest_value, verified, created_at, updated_at
		 FROM payout_destinations
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY verified DESC, dest_type, id`,
		entityType, entityID)
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (r *repository) SetVerified(ctx context.Context, id int64, verified bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payout_destinations SET verified = $1, updated_at = NOW() WHERE id = $2`,
		verified, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDestinationNotFound
	}
	return nil
}
