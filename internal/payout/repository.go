package payout

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

var (
	ErrBatchNotFound     = errors.New("payout batch not found")
	ErrItemNotFound      = errors.New("payout item not found")
	ErrIllegalTransition = errors.New("illegal batch transition")
)

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const batchColumns = `id, operator_id, period_start, period_end, status, total_amount, metadata, created_at, updated_at`

const itemColumns = `id, batch_id, wallet_id, wallet_kind, amount, dest_type, dest_ref, status, idempotency_key, provider_request_id, conversation_id, failure_reason, block_reason, created_at, updated_at`

func (r *repository) CreateBatch(ctx context.Context, operatorID int64, periodStart, periodEnd time.Time, metadata []byte) (*Batch, error) {
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	b := &Batch{}
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO payout_batches (operator_id, period_start, period_end, status, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+batchColumns,
		operatorID, periodStart, periodEnd, BatchDraft, metadata,
	).StructScan(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// FindBatchForPeriod returns the newest batch covering the same operator and
// window, so a repeated draft run attaches to it instead of opening a second
// batch.
func (r *repository) FindBatchForPeriod(ctx context.Context, operatorID int64, periodStart, periodEnd time.Time) (*Batch, error) {
	b := &Batch{}
	err := r.db.GetContext(ctx, b,
		`SELECT `+batchColumns+` FROM payout_batches
		 WHERE operator_id = $1 AND period_start = $2 AND period_end = $3
		 ORDER BY id DESC LIMIT 1`,
		operatorID, periodStart, periodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *repository) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	b := &Batch{}
	err := r.db.GetContext(ctx, b,
		`SELECT `+batchColumns+` FROM payout_batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *repository) ListBatches(ctx context.Context, status string, limit, offset int) ([]Batch, error) {
	if limit <= 0 {
		limit = 50
	}

	var batches []Batch
	var err error
	if status == "" {
		err = r.db.SelectContext(ctx, &batches,
			`SELECT `+batchColumns+` FROM payout_batches ORDER BY id DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	} else {
		err = r.db.SelectContext(ctx, &batches,
			`SELECT `+batchColumns+` FROM payout_batches WHERE status = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`,
			status, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	return batches, nil
}

// TransitionBatch moves a batch from→to with a conditional update so two
// racing workers cannot both win the same transition.
func (r *repository) TransitionBatch(ctx context.Context, id int64, from, to string) (*Batch, error) {
	b := &Batch{}
	err := r.db.QueryRowxContext(ctx,
		`UPDATE payout_batches SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3
		 RETURNING `+batchColumns,
		to, id, from,
	).StructScan(b)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.GetBatch(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status == to {
			// Someone else already moved it. Idempotent no-op.
			return current, nil
		}
		return nil, ErrIllegalTransition
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *repository) SetBatchTotal(ctx context.Context, id int64, total decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payout_batches SET total_amount = $1, updated_at = NOW() WHERE id = $2`,
		total, id)
	return err
}

// InsertItems writes draft items, skipping any whose idempotency key already
// exists. Returns how many rows were actually inserted.
func (r *repository) InsertItems(ctx context.Context, items []Item) (int, error) {
	inserted := 0
	for _, it := range items {
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO payout_items
			   (batch_id, wallet_id, wallet_kind, amount, dest_type, dest_ref, status, idempotency_key, block_reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (idempotency_key) DO NOTHING`,
			it.BatchID, it.WalletID, it.WalletKind, it.Amount, it.DestType, it.DestRef,
			it.Status, it.IdempotencyKey, it.BlockReason)
		if err != nil {
			return inserted, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (r *repository) ItemsByBatch(ctx context.Context, batchID int64) ([]Item, error) {
	var items []Item
	err := r.db.SelectContext(ctx, &items,
		`SELECT `+itemColumns+` FROM payout_items WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) GetItem(ctx context.Context, id int64) (*Item, error) {
	it := &Item{}
	err := r.db.GetContext(ctx, it,
		`SELECT `+itemColumns+` FROM payout_items WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// ClaimItem is the dispatch safeguard: only one caller can move an item out
// of PENDING, and never one that already carries a provider request id.
func (r *repository) ClaimItem(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payout_items SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3 AND provider_request_id IS NULL`,
		ItemSending, id, ItemPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSent persists the provider identifiers. The guard mirrors ClaimItem so
// a result callback racing the dispatcher cannot double-write.
func (r *repository) MarkSent(ctx context.Context, id int64, providerRequestID, conversationID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payout_items
		 SET status = $1, provider_request_id = $2, conversation_id = $3, updated_at = NOW()
		 WHERE id = $4 AND status = $5 AND provider_request_id IS NULL`,
		ItemSent, providerRequestID, nullIfEmpty(conversationID), id, ItemSending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *repository) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payout_items SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3`,
		ItemFailed, reason, id)
	return err
}

func (r *repository) MarkBlocked(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payout_items SET status = $1, block_reason = $2, updated_at = NOW() WHERE id = $3`,
		ItemBlocked, reason, id)
	return err
}

func (r *repository) MarkQuarantined(ctx context.Context, id int64, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE payout_items SET status = $1, block_reason = $2, updated_at = NOW() WHERE id = $3`,
		ItemQuarantined, reason, id)
	return err
}

// RequeueItem puts a released quarantined item back in line for the next
// processor sweep.
func (r *repository) RequeueItem(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payout_items SET status = $1, block_reason = '', updated_at = NOW()
		 WHERE id = $2 AND status = $3 AND provider_request_id IS NULL`,
		ItemPending, id, ItemQuarantined)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *repository) CancelPendingItems(ctx context.Context, batchID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payout_items SET status = $1, updated_at = NOW()
		 WHERE batch_id = $2 AND status = $3`,
		ItemCancelled, batchID, ItemPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetItemResult applies the provider's asynchronous disbursement outcome.
// Only SENT or SENDING items accept a result.
func (r *repository) SetItemResult(ctx context.Context, id int64, status, failureReason string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payout_items SET status = $1, failure_reason = $2, updated_at = NOW()
		 WHERE id = $3 AND status IN ($4, $5)`,
		status, failureReason, id, ItemSent, ItemSending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *repository) ItemByProviderRef(ctx context.Context, ref string) (*Item, error) {
	it := &Item{}
	err := r.db.GetContext(ctx, it,
		`SELECT `+itemColumns+` FROM payout_items
		 WHERE provider_request_id = $1 OR conversation_id = $1
		 ORDER BY id LIMIT 1`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (r *repository) StatusCounts(ctx context.Context, batchID int64) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) AS n FROM payout_items WHERE batch_id = $1 GROUP BY status`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// StuckSending lists items that have sat in SENDING longer than olderThan.
// They are inspection candidates, not auto-failures: the provider may still
// deliver a result.
func (r *repository) StuckSending(ctx context.Context, olderThan time.Duration) ([]Item, error) {
	cutoff := time.Now().Add(-olderThan)
	var items []Item
	err := r.db.SelectContext(ctx, &items,
		`SELECT `+itemColumns+` FROM payout_items
		 WHERE status = $1 AND updated_at < $2 ORDER BY id`,
		ItemSending, cutoff)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// OperatorsWithBalance lists entities the auto-draft sweep should consider.
func (r *repository) OperatorsWithBalance(ctx context.Context, entityType string) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT entity_id FROM wallets WHERE entity_type = $1 AND balance > 0 ORDER BY entity_id`,
		entityType)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
