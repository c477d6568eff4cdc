package fraud

import (
	"encoding/json"
	"fmt"
	"time"
)

const Domain = "payments"

const (
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Detector names double as alert types.
const (
	TypeDuplicateAttempt   = "DUPLICATE_ATTEMPT"
	TypeCallbackBurst      = "CALLBACK_BURST"
	TypeAmountMismatch     = "AMOUNT_MISMATCH"
	TypePayoutFailureSpike = "PAYOUT_FAILURE_SPIKE"
	TypeReconExceptionSpike = "RECON_EXCEPTION_SPIKE"
	TypeStuckPayout        = "STUCK_PAYOUT"
)

type Alert struct {
	ID             int64           `db:"id" json:"id"`
	Domain         string          `db:"domain" json:"domain"`
	Type           string          `db:"alert_type" json:"type"`
	Severity       string          `db:"severity" json:"severity"`
	Status         string          `db:"status" json:"status"`
	EntityType     string          `db:"entity_type" json:"entity_type"`
	EntityID       string          `db:"entity_id" json:"entity_id"`
	WindowStart    *time.Time      `db:"window_start" json:"window_start,omitempty"`
	WindowEnd      *time.Time      `db:"window_end" json:"window_end,omitempty"`
	Fingerprint    string          `db:"fingerprint" json:"fingerprint"`
	Summary        string          `db:"summary" json:"summary"`
	Details        json.RawMessage `db:"details" json:"details"`
	LastNotifiedAt *time.Time      `db:"last_notified_at" json:"last_notified_at,omitempty"`
	NotifiedCount  int             `db:"notified_count" json:"notified_count"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Fingerprint identifies one anomaly instance within a minute-granularity
// bucket, so the same detector pass (and near-in-time re-runs) dedupes onto
// a single alert row.
func Fingerprint(alertType, key string, bucket time.Time) string {
	return fmt.Sprintf("%s:%s:%s", alertType, key, bucket.UTC().Truncate(time.Minute).Format("200601021504"))
}
