package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet kinds. One entity can hold several wallets, one per purpose.
const (
	KindFees     = "fees"
	KindLoans    = "loans"
	KindSavings  = "savings"
	KindPersonal = "personal"
)

const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

const (
	EntryExternalCredit = "external_credit"
	EntryExternalDebit  = "external_debit"
	EntryAdjustment     = "adjustment"
	EntryReversal       = "reversal"
)

type Wallet struct {
	ID         int64           `db:"id" json:"id"`
	EntityType string          `db:"entity_type" json:"entity_type"`
	EntityID   int64           `db:"entity_id" json:"entity_id"`
	Kind       string          `db:"kind" json:"kind"`
	Balance    decimal.Decimal `db:"balance" json:"balance"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Entry is one immutable signed balance change. BalanceBefore/BalanceAfter
// chain per wallet: the latest entry's balance_after always equals the
// wallet's current balance.
type Entry struct {
	ID            int64           `db:"id" json:"id"`
	WalletID      int64           `db:"wallet_id" json:"wallet_id"`
	Direction     string          `db:"direction" json:"direction"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	BalanceBefore decimal.Decimal `db:"balance_before" json:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after" json:"balance_after"`
	EntryType     string          `db:"entry_type" json:"entry_type"`
	ReferenceType string          `db:"reference_type" json:"reference_type"`
	ReferenceID   string          `db:"reference_id" json:"reference_id"`
	Description   string          `db:"description" json:"description"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

type KindTotal struct {
	WalletID int64           `db:"id" json:"wallet_id"`
	Kind     string          `db:"kind" json:"kind"`
	Balance  decimal.Decimal `db:"balance" json:"balance"`
}
