package quarantine

import (
	"encoding/json"
	"time"
)

const Domain = "payments"

const (
	StatusQuarantined = "quarantined"
	StatusReleased    = "released"
	StatusCancelled   = "cancelled"
)

const (
	SourceFraudAlert = "FRAUD_ALERT"
	SourceRiskScore  = "RISK_SCORE"
)

// Operation types with registered resume handlers.
const (
	OpPayoutItem   = "payout_item"
	OpWalletCredit = "wallet_credit"
)

// Operation is a blocked operation awaiting manual review. Payload holds the
// snapshot needed to replay it on release.
type Operation struct {
	ID            int64           `db:"id" json:"id"`
	Domain        string          `db:"domain" json:"domain"`
	OperationType string          `db:"operation_type" json:"operation_type"`
	OperationID   string          `db:"operation_id" json:"operation_id"`
	EntityType    string          `db:"entity_type" json:"entity_type"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	Reason        string          `db:"reason" json:"reason"`
	Source        string          `db:"source" json:"source"`
	Severity      string          `db:"severity" json:"severity"`
	AlertID       *int64          `db:"alert_id" json:"alert_id,omitempty"`
	IncidentID    *string         `db:"incident_id" json:"incident_id,omitempty"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        string          `db:"status" json:"status"`
	ReleasedBy    *string         `db:"released_by" json:"released_by,omitempty"`
	ReleasedAt    *time.Time      `db:"released_at" json:"released_at,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Decision is the gate's answer for one entity/operation.
type Decision struct {
	Quarantine bool   `json:"quarantine"`
	Reason     string `json:"reason,omitempty"`
	Source     string `json:"source,omitempty"`
	Severity   string `json:"severity,omitempty"`
	AlertID    *int64 `json:"alert_id,omitempty"`
	IncidentID string `json:"incident_id,omitempty"`
}
