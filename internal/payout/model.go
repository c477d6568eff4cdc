package payout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Batch states.
const (
	BatchDraft      = "DRAFT"
	BatchSubmitted  = "SUBMITTED"
	BatchApproved   = "APPROVED"
	BatchProcessing = "PROCESSING"
	BatchCompleted  = "COMPLETED"
	BatchFailed     = "FAILED"
	BatchCancelled  = "CANCELLED"
)

// Item states. CONFIRMED arrives later via the disbursement result callback.
const (
	ItemPending     = "PENDING"
	ItemSending     = "SENDING"
	ItemSent        = "SENT"
	ItemConfirmed   = "CONFIRMED"
	ItemFailed      = "FAILED"
	ItemBlocked     = "BLOCKED"
	ItemQuarantined = "QUARANTINED"
	ItemCancelled   = "CANCELLED"
)

// Block reasons for items that can never be dispatched automatically.
const (
	BlockDestinationNotVerified = "DESTINATION_NOT_VERIFIED"
	BlockB2BNotSupported        = "B2B_NOT_SUPPORTED"
	BlockDestinationMissing     = "DESTINATION_MISSING"
)

// Readiness reason codes.
const (
	ReadyB2CEnvMissing      = "B2C_ENV_MISSING"
	ReadyNotApproved        = "BATCH_NOT_APPROVED"
	ReadyQuarantinesPresent = "QUARANTINES_PRESENT"
	ReadyNoPendingItems     = "NO_PENDING_ITEMS"
	ReadyUnverifiedDest     = "DESTINATION_NOT_VERIFIED"
)

const (
	DestMobile  = "mobile"
	DestPaybill = "paybill"
	DestNone    = "none"
)

type Batch struct {
	ID          int64           `db:"id" json:"id"`
	OperatorID  int64           `db:"operator_id" json:"operator_id"`
	PeriodStart time.Time       `db:"period_start" json:"period_start"`
	PeriodEnd   time.Time       `db:"period_end" json:"period_end"`
	Status      string          `db:"status" json:"status"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"total_amount"`
	Metadata    json.RawMessage `db:"metadata" json:"metadata"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

type Item struct {
	ID                int64           `db:"id" json:"id"`
	BatchID           int64           `db:"batch_id" json:"batch_id"`
	WalletID          int64           `db:"wallet_id" json:"wallet_id"`
	WalletKind        string          `db:"wallet_kind" json:"wallet_kind"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	DestType          string          `db:"dest_type" json:"dest_type"`
	DestRef           string          `db:"dest_ref" json:"dest_ref"`
	Status            string          `db:"status" json:"status"`
	IdempotencyKey    string          `db:"idempotency_key" json:"idempotency_key"`
	ProviderRequestID *string         `db:"provider_request_id" json:"provider_request_id,omitempty"`
	ConversationID    *string         `db:"conversation_id" json:"conversation_id,omitempty"`
	FailureReason     string          `db:"failure_reason" json:"failure_reason,omitempty"`
	BlockReason       string          `db:"block_reason" json:"block_reason,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Dispatched reports whether the item already reached the provider.
func (i *Item) Dispatched() bool {
	return i.ProviderRequestID != nil && *i.ProviderRequestID != ""
}

// ItemIdempotencyKey derives the deterministic dedup key for one item so
// re-running batch creation for the same window inserts nothing new.
func ItemIdempotencyKey(batchID int64, walletKind string, amount decimal.Decimal, destRef string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s", batchID, walletKind, amount.StringFixed(2), destRef)))
	return hex.EncodeToString(sum[:])
}

var batchTransitions = map[string][]string{
	BatchDraft:      {BatchSubmitted, BatchCancelled},
	BatchSubmitted:  {BatchApproved, BatchCancelled},
	BatchApproved:   {BatchProcessing, BatchCancelled},
	BatchProcessing: {BatchCompleted, BatchFailed},
}

// CanTransition reports whether from→to is a legal batch move. Same-state
// moves are legal no-ops.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ItemTerminal reports whether an item needs no further processing.
func ItemTerminal(status string) bool {
	switch status {
	case ItemSent, ItemConfirmed, ItemFailed, ItemBlocked, ItemQuarantined, ItemCancelled:
		return true
	}
	return false
}

// ReadinessCheck is one precondition for processing a batch.
type ReadinessCheck struct {
	Code   string `json:"code"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type Readiness struct {
	Ready  bool             `json:"ready"`
	Checks []ReadinessCheck `json:"checks"`
}
