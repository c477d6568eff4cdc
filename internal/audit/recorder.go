package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"teketeke/internal/logger"
)

type Event struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	Actor        string          `db:"actor" json:"actor"`
	Action       string          `db:"action" json:"action"`
	ResourceType string          `db:"resource_type" json:"resource_type"`
	ResourceID   string          `db:"resource_id" json:"resource_id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// Recorder is a best-effort sink for state-transition events. Record never
// returns an error: a failed audit write must not roll back the financial
// operation that produced it.
type Recorder struct {
	db *sqlx.DB
}

func NewRecorder(db *sqlx.DB) *Recorder {
	return &Recorder{db: db}
}

func (r *Recorder) Record(ctx context.Context, actor, action, resourceType, resourceID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Errorf("audit: failed to marshal payload for %s %s/%s: %v", action, resourceType, resourceID, err)
		data = []byte("{}")
	}
	if payload == nil {
		data = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, actor, action, resource_type, resource_id, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), actor, action, resourceType, resourceID, data)
	if err != nil {
		logger.Errorf("audit: failed to record %s %s/%s: %v", action, resourceType, resourceID, err)
	}
}

func (r *Recorder) ListByResource(ctx context.Context, resourceType, resourceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	var events []Event
	err := r.db.SelectContext(ctx, &events,
		`SELECT id, actor, action, resource_type, resource_id, payload, created_at
		 FROM audit_events
		 WHERE resource_type = $1 AND resource_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		resourceType, resourceID, limit)
	if err != nil {
		return nil, err
	}
	return events, nil
}
