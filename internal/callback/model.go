package callback

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	KindC2B = "c2b"
	KindSTK = "stk"
)

const (
	OutcomeCredited  = "credited"
	OutcomeDuplicate = "duplicate"
	OutcomeUnmatched = "unmatched"
)

// Event is one provider confirmation, stored exactly once per
// (kind, provider_ref). Replays collapse onto the original row and bump
// duplicate_count; that counter feeds the duplicate-attempt detector.
type Event struct {
	ID             int64           `db:"id" json:"id"`
	Kind           string          `db:"kind" json:"kind"`
	ProviderRef    string          `db:"provider_ref" json:"provider_ref"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	MSISDN         string          `db:"msisdn" json:"msisdn"`
	AccountRef     string          `db:"account_ref" json:"account_ref"`
	Outcome        string          `db:"outcome" json:"outcome"`
	WalletID       *int64          `db:"wallet_id" json:"wallet_id,omitempty"`
	DuplicateCount int             `db:"duplicate_count" json:"duplicate_count"`
	Raw            json.RawMessage `db:"raw" json:"raw"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	LastSeenAt     time.Time       `db:"last_seen_at" json:"last_seen_at"`
}

// Confirmation is the payload delivered by the payment provider.
type Confirmation struct {
	Kind        string          `json:"kind" binding:"required,oneof=c2b stk"`
	ProviderRef string          `json:"provider_ref" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	MSISDN      string          `json:"msisdn" binding:"omitempty,msisdn"`
	AccountRef  string          `json:"account_ref"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}
