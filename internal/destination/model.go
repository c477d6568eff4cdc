package destination

import "time"

const (
	TypeMobile  = "mobile"
	TypePaybill = "paybill"
)

// Destination is a registered payout target for an entity. Batch creation
// prefers verified mobile numbers; everything else blocks the item with a
// reason code.
type Destination struct {
	ID         int64     `db:"id" json:"id"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   int64     `db:"entity_id" json:"entity_id"`
	DestType   string    `db:"dest_type" json:"dest_type"`
	DestValue  string    `db:"dest_value" json:"dest_value"`
	Verified   bool      `db:"verified" json:"verified"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}
