package payout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Repository interface {
	CreateBatch(ctx context.Context, operatorID int64, periodStart, periodEnd time.Time, metadata []byte) (*Batch, error)
	FindBatchForPeriod(ctx context.Context, operatorID int64, periodStart, periodEnd time.Time) (*Batch, error)
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	ListBatches(ctx context.Context, status string, limit, offset int) ([]Batch, error)
	TransitionBatch(ctx context.Context, id int64, from, to string) (*Batch, error)
	SetBatchTotal(ctx context.Context, id int64, total decimal.Decimal) error

	InsertItems(ctx context.Context, items []Item) (int, error)
	ItemsByBatch(ctx context.Context, batchID int64) ([]Item, error)
	GetItem(ctx context.Context, id int64) (*Item, error)
	ClaimItem(ctx context.Context, id int64) (bool, error)
	MarkSent(ctx context.Context, id int64, providerRequestID, conversationID string) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) error
	MarkBlocked(ctx context.Context, id int64, reason string) error
	MarkQuarantined(ctx context.Context, id int64, reason string) error
	RequeueItem(ctx context.Context, id int64) (bool, error)
	CancelPendingItems(ctx context.Context, batchID int64) (int64, error)
	SetItemResult(ctx context.Context, id int64, status, failureReason string) (bool, error)
	ItemByProviderRef(ctx context.Context, ref string) (*Item, error)
	StatusCounts(ctx context.Context, batchID int64) (map[string]int, error)
	StuckSending(ctx context.Context, olderThan time.Duration) ([]Item, error)
	OperatorsWithBalance(ctx context.Context, entityType string) ([]int64, error)
}
