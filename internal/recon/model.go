package recon

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const Domain = "payments"

// Transaction kinds on the provider statement.
const (
	KindC2B = "c2b"
	KindSTK = "stk"
	KindB2C = "b2c"
)

// Classification outcomes, in priority order.
const (
	StatusMissingInternal = "missing_internal"
	StatusDuplicate       = "duplicate"
	StatusMismatchAmount  = "mismatch_amount"
	StatusMatched         = "matched"
)

// Item is one provider transaction's reconciliation verdict. Re-running a
// window updates the same row, so verdicts converge instead of piling up.
type Item struct {
	ID             int64           `db:"id" json:"id"`
	Domain         string          `db:"domain" json:"domain"`
	Kind           string          `db:"kind" json:"kind"`
	ProviderRef    string          `db:"provider_ref" json:"provider_ref"`
	ProviderAmount decimal.Decimal `db:"provider_amount" json:"provider_amount"`
	Status         string          `db:"status" json:"status"`
	InternalRef    string          `db:"internal_ref" json:"internal_ref,omitempty"`
	Details        json.RawMessage `db:"details" json:"details"`
	LastSeenAt     time.Time       `db:"last_seen_at" json:"last_seen_at"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Run records one reconciliation pass over a window.
type Run struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	WindowStart time.Time       `db:"window_start" json:"window_start"`
	WindowEnd   time.Time       `db:"window_end" json:"window_end"`
	Dry         bool            `db:"dry" json:"dry"`
	Totals      json.RawMessage `db:"totals" json:"totals"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
}

// ProviderTxn is one transaction as the provider statement reports it.
type ProviderTxn struct {
	Kind       string          `json:"kind"`
	Ref        string          `json:"ref"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Candidate is an internal record that may correspond to a provider txn.
type Candidate struct {
	ID     int64           `db:"id"`
	Ref    string          `db:"ref"`
	Amount decimal.Decimal `db:"amount"`
}

// Exception reports whether a status needs operator attention.
func Exception(status string) bool {
	return status != StatusMatched
}
