package recon

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

type Repository interface {
	UpsertItem(ctx context.Context, it Item) (*Item, error)
	ListItems(ctx context.Context, status string, limit, offset int) ([]Item, error)
	OpenExceptions(ctx context.Context, since time.Time) ([]Item, error)
	InsertRun(ctx context.Context, run Run) error
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	InboundCandidates(ctx context.Context, kind, providerRef string) ([]Candidate, error)
	OutboundCandidates(ctx context.Context, providerRef string) ([]Candidate, error)
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const itemColumns = `id, domain, kind, provider_ref, provider_amount, status, internal_ref, details, last_seen_at, created_at`

// UpsertItem writes the verdict for one provider ref. The conflict target is
// the natural key, so a re-run refreshes the row in place.
func (r *repository) UpsertItem(ctx context.Context, it Item) (*Item, error) {
	if it.Domain == "" {
		it.Domain = Domain
	}
	details := it.Details
	if len(details) == 0 {
		details = []byte("{}")
	}

	out := &Item{}
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO recon_items (domain, kind, provider_ref, provider_amount, status, internal_ref, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (domain, kind, provider_ref)
		 DO UPDATE SET provider_amount = EXCLUDED.provider_amount,
		               status = EXCLUDED.status,
		               internal_ref = EXCLUDED.internal_ref,
		               details = EXCLUDED.details,
		               last_seen_at = NOW()
		 RETURNING `+itemColumns,
		it.Domain, it.Kind, it.ProviderRef, it.ProviderAmount, it.Status, it.InternalRef, details,
	).StructScan(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *repository) ListItems(ctx context.Context, status string, limit, offset int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}

	var items []Item
	var err error
	if status == "" {
		err = r.db.SelectContext(ctx, &items,
			`SELECT `+itemColumns+` FROM recon_items ORDER BY last_seen_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &items,
			`SELECT `+itemColumns+` FROM recon_items WHERE status = $1 ORDER BY last_seen_at DESC LIMIT $2 OFFSET $3`,
			status, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) OpenExceptions(ctx context.Context, since time.Time) ([]Item, error) {
	var items []Item
	err := r.db.SelectContext(ctx, &items,
		`SELECT `+itemColumns+` FROM recon_items
		 WHERE status != $1 AND last_seen_at >= $2
		 ORDER BY last_seen_at DESC`,
		StatusMatched, since)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) InsertRun(ctx context.Context, run Run) error {
	totals := run.Totals
	if len(totals) == 0 {
		totals = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recon_runs (id, window_start, window_end, dry, totals)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.WindowStart, run.WindowEnd, run.Dry, totals)
	return err
}

func (r *repository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []Run
	err := r.db.SelectContext(ctx, &runs,
		`SELECT id, window_start, window_end, dry, totals, created_at
		 FROM recon_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// InboundCandidates matches a provider inbound transaction against recorded
// payment callbacks.
func (r *repository) InboundCandidates(ctx context.Context, kind, providerRef string) ([]Candidate, error) {
	var cs []Candidate
	err := r.db.SelectContext(ctx, &cs,
		`SELECT id, provider_ref AS ref, amount FROM callback_events
		 WHERE kind = $1 AND provider_ref = $2 ORDER BY id`,
		kind, providerRef)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// OutboundCandidates matches a provider disbursement against dispatched
// payout items by either identifier the provider may echo back.
func (r *repository) OutboundCandidates(ctx context.Context, providerRef string) ([]Candidate, error) {
	var cs []Candidate
	err := r.db.SelectContext(ctx, &cs,
		`SELECT id, COALESCE(provider_request_id, conversation_id, '') AS ref, amount FROM payout_items
		 WHERE provider_request_id = $1 OR conversation_id = $1 ORDER BY id`,
		providerRef)
	if err != nil {
		return nil, err
	}
	return cs, nil
}
