package wallet

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type Repository interface {
	GetOrCreate(ctx context.Context, entityType string, entityID int64, kind string) (*Wallet, error)
	GetOrCreateTx(ctx context.Context, tx *sqlx.Tx, entityType string, entityID int64, kind string) (*Wallet, error)
	GetByID(ctx context.Context, id int64) (*Wallet, error)
	ListByEntity(ctx context.Context, entityType string, entityID int64) ([]Wallet, error)
	PositiveBalancesByEntity(ctx context.Context, entityType string, entityID int64) ([]KindTotal, error)
	Credit(ctx context.Context, p MovementParams) (*Entry, error)
	Debit(ctx context.Context, p MovementParams) (*Entry, error)
	CreditTx(ctx context.Context, tx *sqlx.Tx, p MovementParams) (*Entry, error)
	DebitTx(ctx context.Context, tx *sqlx.Tx, p MovementParams) (*Entry, error)
	Entries(ctx context.Context, walletID int64, limit, offset int) ([]Entry, error)
	EntriesByReference(ctx context.Context, referenceType, referenceID string) ([]Entry, error)
}

// MovementParams describes one credit or debit against a wallet.
type MovementParams struct {
	WalletID      int64
	Amount        decimal.Decimal
	EntryType     string
	ReferenceType string
	ReferenceID   string
	Description   string
}
