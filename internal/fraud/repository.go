package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var ErrAlertNotFound = errors.New("alert not found")

type Repository interface {
	Upsert(ctx context.Context, a Alert) (created bool, alert *Alert, err error)
	GetByID(ctx context.Context, id int64) (*Alert, error)
	List(ctx context.Context, status string, limit, offset int) ([]Alert, error)
	LatestOpenHighForEntity(ctx context.Context, entityType, entityID string) (*Alert, error)
	Resolve(ctx context.Context, id int64) error
	Escalate(ctx context.Context, olderThan time.Time) ([]Alert, error)
	OpenHighSilentSince(ctx context.Context, silentSince time.Time) ([]Alert, error)
	MarkNotified(ctx context.Context, id int64) error

	DuplicateCallbacks(ctx context.Context, since time.Time) ([]DuplicateGroup, error)
	CallbacksByRequester(ctx context.Context, since time.Time) ([]RequesterGroup, error)
	OpenAmountMismatches(ctx context.Context) ([]MismatchRow, error)
	FailedPayoutsByDestination(ctx context.Context, since time.Time) ([]DestinationFailureGroup, error)
	CountOpenReconExceptions(ctx context.Context, since time.Time) (int, error)
}

type DuplicateGroup struct {
	Kind        string    `db:"kind" json:"kind"`
	ProviderRef string    `db:"provider_ref" json:"provider_ref"`
	Count       int       `db:"count" json:"count"`
	LastSeenAt  time.Time `db:"last_seen_at" json:"last_seen_at"`
}

type RequesterGroup struct {
	MSISDN string `db:"msisdn" json:"msisdn"`
	Count  int    `db:"count" json:"count"`
}

type MismatchRow struct {
	ID          int64           `db:"id" json:"id"`
	Kind        string          `db:"kind" json:"kind"`
	ProviderRef string          `db:"provider_ref" json:"provider_ref"`
	Details     json.RawMessage `db:"details" json:"details"`
}

type DestinationFailureGroup struct {
	DestRef string          `db:"dest_ref" json:"dest_ref"`
	Count   int             `db:"count" json:"count"`
	Total   decimal.Decimal `db:"total" json:"total"`
}

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const alertColumns = `id, domain, alert_type, severity, status, entity_type, entity_id, window_start, window_end, fingerprint, summary, details, last_notified_at, notified_count, created_at, updated_at`

// Upsert inserts an alert idempotently on (domain, fingerprint). The first
// writer wins; a duplicate raise returns the existing row unmodified.
func (r *repository) Upsert(ctx context.Context, a Alert) (bool, *Alert, error) {
	if a.Domain == "" {
		a.Domain = Domain
	}
	details := a.Details
	if len(details) == 0 {
		details = []byte("{}")
	}

	out := &Alert{}
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO fraud_alerts (domain, alert_type, severity, status, entity_type, entity_id, window_start, window_end, fingerprint, summary, details)
		 VALUES ($1, $2, $3, 'open', $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (domain, fingerprint) DO NOTHING
		 RETURNING `+alertColumns,
		a.Domain, a.Type, a.Severity, a.EntityType, a.EntityID,
		a.WindowStart, a.WindowEnd, a.Fingerprint, a.Summary, details,
	).StructScan(out)
	if err == nil {
		return true, out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, err
	}

	err = r.db.GetContext(ctx, out,
		`SELECT `+alertColumns+` FROM fraud_alerts WHERE domain = $1 AND fingerprint = $2`,
		a.Domain, a.Fingerprint)
	if err != nil {
		return false, nil, err
	}
	return false, out, nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*Alert, error) {
	a := &Alert{}
	err := r.db.GetContext(ctx, a, `SELECT `+alertColumns+` FROM fraud_alerts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *repository) List(ctx context.Context, status string, limit, offset int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}

	var alerts []Alert
	var err error
	if status == "" {
		err = r.db.SelectContext(ctx, &alerts,
			`SELECT `+alertColumns+` FROM fraud_alerts ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &alerts,
			`SELECT `+alertColumns+` FROM fraud_alerts WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			status, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repository) LatestOpenHighForEntity(ctx context.Context, entityType, entityID string) (*Alert, error) {
	a := &Alert{}
	err := r.db.GetContext(ctx, a,
		`SELECT `+alertColumns+` FROM fraud_alerts
		 WHERE entity_type = $1 AND entity_id = $2 AND status = 'open' AND severity IN ('high', 'critical')
		 ORDER BY created_at DESC
		 LIMIT 1`,
		entityType, entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *repository) Resolve(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE fraud_alerts SET status = 'resolved', updated_at = NOW() WHERE id = $1 AND status = 'open'`,
		id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// Escalate promotes open medium alerts older than the threshold to high and
// returns the promoted rows for notification.
func (r *repository) Escalate(ctx context.Context, olderThan time.Time) ([]Alert, error) {
	var alerts []Alert
	err := r.db.SelectContext(ctx, &alerts,
		`UPDATE fraud_alerts
		 SET severity = 'high', updated_at = NOW()
		 WHERE status = 'open' AND severity = 'medium' AND created_at < $1
		 RETURNING `+alertColumns,
		olderThan)
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repository) OpenHighSilentSince(ctx context.Context, silentSince time.Time) ([]Alert, error) {
	var alerts []Alert
	err := r.db.SelectContext(ctx, &alerts,
		`SELECT `+alertColumns+` FROM fraud_alerts
		 WHERE status = 'open' AND severity IN ('high', 'critical')
		   AND (last_notified_at IS NULL OR last_notified_at < $1)
		 ORDER BY created_at`,
		silentSince)
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

func (r *repository) MarkNotified(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE fraud_alerts
		 SET last_notified_at = NOW(), notified_count = notified_count + 1, updated_at = NOW()
		 WHERE id = $1`,
		id)
	return err
}

func (r *repository) DuplicateCallbacks(ctx context.Context, since time.Time) ([]DuplicateGroup, error) {
	var groups []DuplicateGroup
	err := r.db.SelectContext(ctx, &groups,
		`SELECT kind, provider_ref, duplicate_count AS count, last_seen_at
		 FROM callback_events
		 WHERE duplicate_count >= 2 AND last_seen_at >= $1
		 ORDER BY last_seen_at DESC`,
		since)
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *repository) CallbacksByRequester(ctx context.Context, since time.Time) ([]RequesterGroup, error) {
	var groups []RequesterGroup
	err := r.db.SelectContext(ctx, &groups,
		`SELECT msisdn, COUNT(*) + COALESCE(SUM(duplicate_count), 0) AS count
		 FROM callback_events
		 WHERE msisdn <> '' AND last_seen_at >= $1
		 GROUP BY msisdn`,
		since)
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *repository) OpenAmountMismatches(ctx context.Context) ([]MismatchRow, error) {
	var rows []MismatchRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT id, kind, provider_ref, details
		 FROM recon_items
		 WHERE status = 'mismatch_amount'
		 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repository) FailedPayoutsByDestination(ctx context.Context, since time.Time) ([]DestinationFailureGroup, error) {
	var groups []DestinationFailureGroup
	err := r.db.SelectContext(ctx, &groups,
		`SELECT dest_ref, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total
		 FROM payout_items
		 WHERE status = 'FAILED' AND updated_at >= $1 AND dest_ref <> ''
		 GROUP BY dest_ref`,
		since)
	if err != nil {
		return nil, err
	}
	return groups, nil
}

func (r *repository) CountOpenReconExceptions(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM recon_items
		 WHERE status IN ('mismatch_amount', 'missing_internal', 'duplicate') AND last_seen_at >= $1`,
		since)
	if err != nil {
		return 0, err
	}
	return count, nil
}
