package wallet

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"teketeke/internal/metrics"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

type repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetOrCreate(ctx context.Context, entityType string, entityID int64, kind string) (*Wallet, error) {
	return r.getOrCreate(ctx, r.db, entityType, entityID, kind)
}

func (r *repository) GetOrCreateTx(ctx context.Context, tx *sqlx.Tx, entityType string, entityID int64, kind string) (*Wallet, error) {
	return r.getOrCreate(ctx, tx, entityType, entityID, kind)
}

func (r *repository) getOrCreate(ctx context.Context, q sqlx.ExtContext, entityType string, entityID int64, kind string) (*Wallet, error) {
	w := &Wallet{}
	err := sqlx.GetContext(ctx, q, w,
		`SELECT * FROM wallets WHERE entity_type = $1 AND entity_id = $2 AND kind = $3`,
		entityType, entityID, kind)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// Two callers can race here; ON CONFLICT folds them onto the same row.
	err = q.QueryRowxContext(ctx,
		`INSERT INTO wallets (entity_type, entity_id, kind)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (entity_type, entity_id, kind) DO UPDATE SET updated_at = NOW()
		 RETURNING id, entity_type, entity_id, kind, balance, created_at, updated_at`,
		entityType, entityID, kind,
	).StructScan(w)
	if err != nil {
		return nil, err
	}

	return w, nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*Wallet, error) {
	w := &Wallet{}
	err := r.db.GetContext(ctx, w, `SELECT * FROM wallets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *repository) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]Wallet, error) {
	var ws []Wallet
	err := r.db.SelectContext(ctx, &ws,
		`SELECT * FROM wallets WHERE entity_type = $1 AND entity_id = $2 ORDER BY kind`,
		entityType, entityID)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (r *repository) PositiveBalancesByEntity(ctx context.Context, entityType string, entityID int64) ([]KindTotal, error) {
	var totals []KindTotal
	err := r.db.SelectContext(ctx, &totals,
		`SELECT id, kind, balance FROM wallets
		 WHERE entity_type = $1 AND entity_id = $2 AND balance > 0
		 ORDER BY kind`,
		entityType, entityID)
	if err != nil {
		return nil, err
	}
	return totals, nil
}

func (r *repository) Credit(ctx context.Context, p MovementParams) (*Entry, error) {
	return r.move(ctx, DirectionCredit, p)
}

func (r *repository) Debit(ctx context.Context, p MovementParams) (*Entry, error) {
	return r.move(ctx, DirectionDebit, p)
}

func (r *repository) move(ctx context.Context, direction string, p MovementParams) (*Entry, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := r.moveTx(ctx, tx, direction, p)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// CreditTx applies a credit inside a caller-owned transaction so the ledger
// write can commit atomically with the caller's own state changes.
func (r *repository) CreditTx(ctx context.Context, tx *sqlx.Tx, p MovementParams) (*Entry, error) {
	return r.moveTx(ctx, tx, DirectionCredit, p)
}

func (r *repository) DebitTx(ctx context.Context, tx *sqlx.Tx, p MovementParams) (*Entry, error) {
	return r.moveTx(ctx, tx, DirectionDebit, p)
}

// moveTx is the single read-modify-write path for wallet balances: lock the
// wallet row, validate, update the balance, append the entry. Nothing else
// in the codebase mutates wallets.balance.
func (r *repository) moveTx(ctx context.Context, tx *sqlx.Tx, direction string, p MovementParams) (*Entry, error) {
	if p.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	var w Wallet
	err := tx.QueryRowxContext(ctx,
		`SELECT id, entity_type, entity_id, kind, balance, created_at, updated_at
		 FROM wallets
		 WHERE id = $1
		 FOR UPDATE`,
		p.WalletID,
	).StructScan(&w)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}

	balanceBefore := w.Balance
	var balanceAfter decimal.Decimal
	if direction == DirectionCredit {
		balanceAfter = balanceBefore.Add(p.Amount)
	} else {
		if balanceBefore.LessThan(p.Amount) {
			return nil, ErrInsufficientBalance
		}
		balanceAfter = balanceBefore.Sub(p.Amount)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`,
		balanceAfter, w.ID,
	)
	if err != nil {
		return nil, err
	}

	entry := &Entry{}
	err = tx.QueryRowxContext(ctx,
		`INSERT INTO ledger_entries
		   (wallet_id, direction, amount, balance_before, balance_after, entry_type, reference_type, reference_id, description)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, wallet_id, direction, amount, balance_before, balance_after, entry_type, reference_type, reference_id, description, created_at`,
		w.ID, direction, p.Amount, balanceBefore, balanceAfter,
		p.EntryType, p.ReferenceType, p.ReferenceID, p.Description,
	).StructScan(entry)
	if err != nil {
		return nil, err
	}

	metrics.RecordLedgerEntry(direction, p.EntryType)
	return entry, nil
}

func (r *repository) Entries(ctx context.Context, walletID int64, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var entries []Entry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT id, wallet_id, direction, amount, balance_before, balance_after, entry_type, reference_type, reference_id, description, created_at
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, walletID, limit, offset)
	if err != nil {
		return nil, err
	}

	return entries, nil
}

func (r *repository) EntriesByReference(ctx context.Context, referenceType, referenceID string) ([]Entry, error) {
	var entries []Entry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT id, wallet_id, direction, amount, balance_before, balance_after, entry_type, reference_type, reference_id, description, created_at
		FROM ledger_entries
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY id
	`, referenceType, referenceID)
	if err != nil {
		return nil, err
	}

	return entries, nil
}
