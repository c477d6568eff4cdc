package callback

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

type Repository interface {
	InsertTx(ctx context.Context, tx *sqlx.Tx, conf Confirmation) (created bool, ev *Event, err error)
	SetOutcomeTx(ctx context.Context, tx *sqlx.Tx, id int64, outcome string, walletID *int64) error
	GetByRef(ctx context.Context, kind, providerRef string) (*Event, error)
	DuplicatesSince(ctx context.Context, since time.Time) ([]Event, error)
	CountByRequesterSince(ctx context.Context, since time.Time) ([]RequesterCount, error)
	CreditedSince(ctx context.Context, since time.Time) ([]Event, error)
}

type RequesterCount struct {
	MSISDN string `db:"msisdn" json:"msisdn"`
	Count  int    `db:"count" json:"count"`
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const eventColumns = `id, kind, provider_ref, amount, msisdn, account_ref, outcome, wallet_id, duplicate_count, raw, created_at, last_seen_at`

// InsertTx records a confirmation idempotently on (kind, provider_ref).
// The first writer wins; replays return the stored event with its
// duplicate counter bumped.
func (r *repository) InsertTx(ctx context.Context, tx *sqlx.Tx, conf Confirmation) (bool, *Event, error) {
	raw := conf.Raw
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	ev := &Event{}
	err := tx.QueryRowxContext(ctx,
		`INSERT INTO callback_events (kind, provider_ref, amount, msisdn, account_ref, outcome, raw)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (kind, provider_ref) DO NOTHING
		 RETURNING `+eventColumns,
		conf.Kind, conf.ProviderRef, conf.Amount, conf.MSISDN, conf.AccountRef, OutcomeUnmatched, raw,
	).StructScan(ev)
	if err == nil {
		return true, ev, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, err
	}

	err = tx.QueryRowxContext(ctx,
		`UPDATE callback_events
		 SET duplicate_count = duplicate_count + 1, last_seen_at = NOW()
		 WHERE kind = $1 AND provider_ref = $2
		 RETURNING `+eventColumns,
		conf.Kind, conf.ProviderRef,
	).StructScan(ev)
	if err != nil {
		return false, nil, err
	}
	return false, ev, nil
}

func (r *repository) SetOutcomeTx(ctx context.Context, tx *sqlx.Tx, id int64, outcome string, walletID *int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE callback_events SET outcome = $1, wallet_id = $2 WHERE id = $3`,
		outcome, walletID, id)
	return err
}

func (r *repository) GetByRef(ctx context.Context, kind, providerRef string) (*Event, error) {
	ev := &Event{}
	err := r.db.GetContext(ctx, ev,
		`SELECT `+eventColumns+` FROM callback_events WHERE kind = $1 AND provider_ref = $2`,
		kind, providerRef)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// DuplicatesSince returns events that have been replayed at least twice in
// the window. duplicate_count counts replays after the original delivery.
func (r *repository) DuplicatesSince(ctx context.Context, since time.Time) ([]Event, error) {
	var evs []Event
	err := r.db.SelectContext(ctx, &evs,
		`SELECT `+eventColumns+` FROM callback_events
		 WHERE duplicate_count >= 2 AND last_seen_at >= $1
		 ORDER BY last_seen_at DESC`,
		since)
	if err != nil {
		return nil, err
	}
	return evs, nil
}

func (r *repository) CountByRequesterSince(ctx context.Context, since time.Time) ([]RequesterCount, error) {
	var counts []RequesterCount
	err := r.db.SelectContext(ctx, &counts,
		`SELECT msisdn, COUNT(*) AS count FROM callback_events
		 WHERE msisdn <> '' AND last_seen_at >= $1
		 GROUP BY msisdn
		 ORDER BY count DESC`,
		since)
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *repository) CreditedSince(ctx context.Context, since time.Time) ([]Event, error) {
	var evs []Event
	err := r.db.SelectContext(ctx, &evs,
		`SELECT `+eventColumns+` FROM callback_events
		 WHERE outcome = $1 AND created_at >= $2
		 ORDER BY id`,
		OutcomeCredited, since)
	if err != nil {
		return nil, err
	}
	return evs, nil
}
