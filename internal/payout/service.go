package payout

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"teketeke/internal/audit"
	"teketeke/internal/db"
	"teketeke/internal/destination"
	"teketeke/internal/fraud"
	"teketeke/internal/logger"
	"teketeke/internal/metrics"
	"teketeke/internal/quarantine"
	"teketeke/internal/wallet"
)

// Gate is the quarantine decision surface the processor consults before
// dispatching an item.
type Gate interface {
	Decide(ctx context.Context, entityType, entityID string, alertID *int64, incidentID string) (*quarantine.Decision, error)
	Quarantine(ctx context.Context, op quarantine.Operation) (bool, *quarantine.Operation, error)
}

// AlertRaiser lets the processor record operational anomalies without
// owning the alert lifecycle.
type AlertRaiser interface {
	Raise(ctx context.Context, a fraud.Alert) (bool, *fraud.Alert, error)
}

// DestinationSource resolves where an entity's money should go.
type DestinationSource interface {
	ListByEntity(ctx context.Context, entityType string, entityID int64) ([]destination.Destination, error)
}

type CreateBatchParams struct {
	OperatorID  int64
	EntityType  string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Actor       string
}

type ProcessResult struct {
	BatchID     int64          `json:"batch_id"`
	BatchStatus string         `json:"batch_status"`
	Dispatched  int            `json:"dispatched"`
	Failed      int            `json:"failed"`
	Blocked     int            `json:"blocked"`
	Quarantined int            `json:"quarantined"`
	Skipped     int            `json:"skipped"`
	Counts      map[string]int `json:"counts"`
}

type Service interface {
	CreateBatch(ctx context.Context, p CreateBatchParams) (*Batch, []Item, error)
	GetBatch(ctx context.Context, id int64) (*Batch, []Item, error)
	ListBatches(ctx context.Context, status string, limit, offset int) ([]Batch, error)
	Submit(ctx context.Context, id int64, actor string) (*Batch, error)
	Approve(ctx context.Context, id int64, actor string) (*Batch, error)
	Cancel(ctx context.Context, id int64, actor string) (*Batch, error)
	Process(ctx context.Context, batchID int64, actor string) (*ProcessResult, error)
	Readiness(ctx context.Context, batchID int64) (*Readiness, error)
	HandleDispatchResult(ctx context.Context, providerRef string, success bool, description string) (*Item, error)
	RequeueItem(ctx context.Context, itemID int64) error
	SweepStuckSending(ctx context.Context) ([]Item, error)
	AutoDraft(ctx context.Context, entityType string, periodStart, periodEnd time.Time) (int, error)
}

type service struct {
	db         *sqlx.DB
	repo       Repository
	wallets    wallet.Repository
	dests      DestinationSource
	gate       Gate
	alerts     AlertRaiser
	dispatcher Dispatcher
	recorder   *audit.Recorder

	b2cReady        func() bool
	stuckSendingAge time.Duration
}

func NewService(
	sqlDB *sqlx.DB,
	repo Repository,
	wallets wallet.Repository,
	dests DestinationSource,
	gate Gate,
	alerts AlertRaiser,
	dispatcher Dispatcher,
	recorder *audit.Recorder,
	b2cReady func() bool,
	stuckSendingAge time.Duration,
) Service {
	return &service{
		db:              sqlDB,
		repo:            repo,
		wallets:         wallets,
		dests:           dests,
		gate:            gate,
		alerts:          alerts,
		dispatcher:      dispatcher,
		recorder:        recorder,
		b2cReady:        b2cReady,
		stuckSendingAge: stuckSendingAge,
	}
}

// CreateBatch drafts (or re-drafts) the payout batch for one operator and
// window. Re-runs attach to the existing draft and the per-item idempotency
// keys keep previously drafted items from duplicating.
func (s *service) CreateBatch(ctx context.Context, p CreateBatchParams) (*Batch, []Item, error) {
	if p.EntityType == "" {
		p.EntityType = "sacco"
	}

	batch, err := s.repo.FindBatchForPeriod(ctx, p.OperatorID, p.PeriodStart, p.PeriodEnd)
	if err != nil {
		return nil, nil, err
	}
	if batch != nil && batch.Status != BatchDraft {
		// Window already drafted and moved on. Idempotent no-op.
		items, err := s.repo.ItemsByBatch(ctx, batch.ID)
		return batch, items, err
	}
	if batch == nil {
		metadata, _ := json.Marshal(map[string]string{"entity_type": p.EntityType})
		batch, err = s.repo.CreateBatch(ctx, p.OperatorID, p.PeriodStart, p.PeriodEnd, metadata)
		if err != nil {
			return nil, nil, err
		}
		metrics.RecordBatchTransition(BatchDraft)
	}

	balances, err := s.wallets.PositiveBalancesByEntity(ctx, p.EntityType, p.OperatorID)
	if err != nil {
		return nil, nil, err
	}
	dests, err := s.dests.ListByEntity(ctx, p.EntityType, p.OperatorID)
	if err != nil {
		return nil, nil, err
	}
	destType, destRef, itemStatus, blockReason := resolveDestination(dests)

	drafted := make([]Item, 0, len(balances))
	for _, b := range balances {
		drafted = append(drafted, Item{
			BatchID:        batch.ID,
			WalletID:       b.WalletID,
			WalletKind:     b.Kind,
			Amount:         b.Balance,
			DestType:       destType,
			DestRef:        destRef,
			Status:         itemStatus,
			IdempotencyKey: ItemIdempotencyKey(batch.ID, b.Kind, b.Balance, destRef),
			BlockReason:    blockReason,
		})
	}

	inserted, err := s.repo.InsertItems(ctx, drafted)
	if err != nil {
		return nil, nil, err
	}
	for i := 0; i < inserted; i++ {
		metrics.RecordPayoutItem(itemStatus)
	}

	items, err := s.repo.ItemsByBatch(ctx, batch.ID)
	if err != nil {
		return nil, nil, err
	}
	total := decimal.Zero
	for _, it := range items {
		if it.Status == ItemPending {
			total = total.Add(it.Amount)
		}
	}
	if err := s.repo.SetBatchTotal(ctx, batch.ID, total); err != nil {
		return nil, nil, err
	}
	batch.TotalAmount = total

	s.recorder.Record(ctx, p.Actor, "payout_batch_drafted", "payout_batch",
		strconv.FormatInt(batch.ID, 10),
		map[string]interface{}{"items": len(items), "inserted": inserted, "total": total})

	return batch, items, nil
}

// resolveDestination applies the preference order: a verified mobile number
// pays out, anything else drafts blocked so an operator can intervene.
func resolveDestination(dests []destination.Destination) (destType, destRef, status, blockReason string) {
	var unverifiedMobile, paybill *destination.Destination
	for i := range dests {
		d := dests[i]
		switch {
		case d.DestType == DestMobile && d.Verified:
			return DestMobile, d.DestValue, ItemPending, ""
		case d.DestType == DestMobile && unverifiedMobile == nil:
			unverifiedMobile = &d
		case d.DestType == DestPaybill && paybill == nil:
			paybill = &d
		}
	}
	if unverifiedMobile != nil {
		return DestMobile, unverifiedMobile.DestValue, ItemBlocked, BlockDestinationNotVerified
	}
	if paybill != nil {
		return DestPaybill, paybill.DestValue, ItemBlocked, BlockB2BNotSupported
	}
	return DestNone, "", ItemBlocked, BlockDestinationMissing
}

func (s *service) GetBatch(ctx context.Context, id int64) (*Batch, []Item, error) {
	batch, err := s.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.repo.ItemsByBatch(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return batch, items, nil
}

func (s *service) ListBatches(ctx context.Context, status string, limit, offset int) ([]Batch, error) {
	return s.repo.ListBatches(ctx, status, limit, offset)
}

func (s *service) Submit(ctx context.Context, id int64, actor string) (*Batch, error) {
	return s.transition(ctx, id, BatchSubmitted, actor)
}

func (s *service) Approve(ctx context.Context, id int64, actor string) (*Batch, error) {
	return s.transition(ctx, id, BatchApproved, actor)
}

func (s *service) Cancel(ctx context.Context, id int64, actor string) (*Batch, error) {
	batch, err := s.transition(ctx, id, BatchCancelled, actor)
	if err != nil {
		return nil, err
	}
	n, err := s.repo.CancelPendingItems(ctx, id)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		logger.Info("cancelled pending payout items", "batch_id", id, "count", n)
	}
	return batch, nil
}

func (s *service) transition(ctx context.Context, id int64, to, actor string) (*Batch, error) {
	batch, err := s.repo.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch.Status == to {
		return batch, nil
	}
	if !CanTransition(batch.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, batch.Status, to)
	}

	out, err := s.repo.TransitionBatch(ctx, id, batch.Status, to)
	if err != nil {
		return nil, err
	}
	metrics.RecordBatchTransition(to)
	s.recorder.Record(ctx, actor, "payout_batch_"+to, "payout_batch",
		strconv.FormatInt(id, 10), map[string]string{"from": batch.Status})
	return out, nil
}

// Process runs one dispatch sweep over the batch. Safe to invoke
// concurrently: the per-item claim is a conditional update, so two workers
// never dispatch the same item.
func (s *service) Process(ctx context.Context, batchID int64, actor string) (*ProcessResult, error) {
	batch, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case BatchApproved:
		if _, err := s.repo.TransitionBatch(ctx, batchID, BatchApproved, BatchProcessing); err != nil {
			return nil, err
		}
		metrics.RecordBatchTransition(BatchProcessing)
	case BatchProcessing:
		// Resume of an interrupted run.
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, batch.Status, BatchProcessing)
	}

	items, err := s.repo.ItemsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	result := &ProcessResult{BatchID: batchID}
	for i := range items {
		s.processItem(ctx, batch, &items[i], result)
	}

	status, counts, err := s.recomputeBatchStatus(ctx, batchID)
	if err != nil {
		return nil, err
	}
	result.BatchStatus = status
	result.Counts = counts

	s.recorder.Record(ctx, actor, "payout_batch_processed", "payout_batch",
		strconv.FormatInt(batchID, 10), result)
	return result, nil
}

func (s *service) processItem(ctx context.Context, batch *Batch, it *Item, result *ProcessResult) {
	if it.Status != ItemPending || it.Dispatched() {
		result.Skipped++
		return
	}

	if it.DestRef != "" {
		decision, err := s.gate.Decide(ctx, "payout_destination", it.DestRef, nil, "")
		if err != nil {
			logger.Error("quarantine gate check failed", "item_id", it.ID, "error", err)
			result.Skipped++
			return
		}
		if decision.Quarantine {
			s.quarantineItem(ctx, it, decision)
			result.Quarantined++
			return
		}
	}

	if it.DestType != DestMobile {
		if err := s.repo.MarkBlocked(ctx, it.ID, BlockB2BNotSupported); err != nil {
			logger.Error("mark blocked failed", "item_id", it.ID, "error", err)
			return
		}
		metrics.RecordPayoutItem(ItemBlocked)
		result.Blocked++
		return
	}

	claimed, err := s.repo.ClaimItem(ctx, it.ID)
	if err != nil {
		logger.Error("claim failed", "item_id", it.ID, "error", err)
		return
	}
	if !claimed {
		// Lost the race to a concurrent worker.
		result.Skipped++
		return
	}

	if err := s.debitForItem(ctx, it); err != nil {
		s.failItem(ctx, it, fmt.Sprintf("debit: %v", err), false)
		result.Failed++
		return
	}

	res, err := s.dispatcher.Send(ctx, it.ID, it.Amount, it.DestRef, it.IdempotencyKey)
	if err != nil {
		s.failItem(ctx, it, err.Error(), true)
		result.Failed++
		return
	}

	providerID := res.ProviderRequestID
	if providerID == "" {
		providerID = res.ConversationID
	}
	if _, err := s.repo.MarkSent(ctx, it.ID, providerID, res.ConversationID); err != nil {
		logger.Error("mark sent failed", "item_id", it.ID, "error", err)
		return
	}
	metrics.RecordPayoutItem(ItemSent)
	result.Dispatched++
	logger.Info("payout item dispatched",
		"item_id", it.ID, "batch_id", batch.ID, "amount", it.Amount, "provider_request_id", providerID)
}

func (s *service) quarantineItem(ctx context.Context, it *Item, decision *quarantine.Decision) {
	payload, _ := json.Marshal(it)
	_, _, err := s.gate.Quarantine(ctx, quarantine.Operation{
		OperationType: quarantine.OpPayoutItem,
		OperationID:   strconv.FormatInt(it.ID, 10),
		EntityType:    "payout_destination",
		EntityID:      it.DestRef,
		Reason:        decision.Reason,
		Source:        decision.Source,
		Severity:      decision.Severity,
		AlertID:       decision.AlertID,
		Payload:       payload,
	})
	if err != nil {
		logger.Error("quarantine record failed", "item_id", it.ID, "error", err)
		return
	}
	if err := s.repo.MarkQuarantined(ctx, it.ID, decision.Reason); err != nil {
		logger.Error("mark quarantined failed", "item_id", it.ID, "error", err)
		return
	}
	metrics.RecordPayoutItem(ItemQuarantined)
}

// debitForItem moves the item's amount out of the wallet before dispatch, so
// the balance can never be paid out twice.
func (s *service) debitForItem(ctx context.Context, it *Item) error {
	return db.InTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := s.wallets.DebitTx(ctx, tx, wallet.MovementParams{
			WalletID:      it.WalletID,
			Amount:        it.Amount,
			EntryType:     wallet.EntryExternalDebit,
			ReferenceType: "payout_item",
			ReferenceID:   strconv.FormatInt(it.ID, 10),
			Description:   fmt.Sprintf("payout batch %d", it.BatchID),
		})
		return err
	})
}

// failItem records the failure and, when the debit already happened, puts the
// money back with a reversal entry.
func (s *service) failItem(ctx context.Context, it *Item, reason string, refund bool) {
	if err := s.repo.MarkFailed(ctx, it.ID, reason); err != nil {
		logger.Error("mark failed failed", "item_id", it.ID, "error", err)
	}
	metrics.RecordPayoutItem(ItemFailed)

	if refund {
		_, err := s.wallets.Credit(ctx, wallet.MovementParams{
			WalletID:      it.WalletID,
			Amount:        it.Amount,
			EntryType:     wallet.EntryReversal,
			ReferenceType: "payout_item",
			ReferenceID:   strconv.FormatInt(it.ID, 10),
			Description:   "payout dispatch failed, hold released",
		})
		if err != nil {
			logger.Error("refund after dispatch failure failed", "item_id", it.ID, "error", err)
		}
	}

	now := time.Now()
	if s.alerts != nil {
		_, _, err := s.alerts.Raise(ctx, fraud.Alert{
			Type:        fraud.TypePayoutFailureSpike,
			Severity:    fraud.SeverityHigh,
			EntityType:  "payout_destination",
			EntityID:    it.DestRef,
			Fingerprint: fraud.Fingerprint(fraud.TypePayoutFailureSpike, it.DestRef, now),
			Summary:     fmt.Sprintf("payout item %d failed: %s", it.ID, reason),
		})
		if err != nil {
			logger.Error("raise dispatch failure alert failed", "item_id", it.ID, "error", err)
		}
	}
	logger.Error("payout item failed", "item_id", it.ID, "reason", reason)
}

func (s *service) recomputeBatchStatus(ctx context.Context, batchID int64) (string, map[string]int, error) {
	counts, err := s.repo.StatusCounts(ctx, batchID)
	if err != nil {
		return "", nil, err
	}

	next := BatchProcessing
	switch {
	case counts[ItemFailed] > 0:
		next = BatchFailed
	case counts[ItemQuarantined] > 0:
		// Quarantined items wait for manual release; the batch stays open
		// so released items can still be dispatched.
	case counts[ItemPending] == 0 && counts[ItemSending] == 0 && counts[ItemSent] == 0:
		next = BatchCompleted
	}
	if next != BatchProcessing {
		if _, err := s.repo.TransitionBatch(ctx, batchID, BatchProcessing, next); err != nil {
			return "", nil, err
		}
		metrics.RecordBatchTransition(next)
	}
	return next, counts, nil
}

// Readiness reports the structured preconditions for processing a batch.
func (s *service) Readiness(ctx context.Context, batchID int64) (*Readiness, error) {
	batch, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.StatusCounts(ctx, batchID)
	if err != nil {
		return nil, err
	}

	out := &Readiness{Ready: true}
	add := func(code string, ok bool, detail string) {
		out.Checks = append(out.Checks, ReadinessCheck{Code: code, OK: ok, Detail: detail})
		if !ok {
			out.Ready = false
		}
	}

	add(ReadyB2CEnvMissing, s.b2cReady(), "disbursement environment configured")
	add(ReadyNotApproved, batch.Status == BatchApproved || batch.Status == BatchProcessing,
		fmt.Sprintf("batch status %s", batch.Status))
	add(ReadyNoPendingItems, counts[ItemPending] > 0,
		fmt.Sprintf("%d pending items", counts[ItemPending]))
	add(ReadyQuarantinesPresent, counts[ItemQuarantined] == 0,
		fmt.Sprintf("%d quarantined items", counts[ItemQuarantined]))
	add(ReadyUnverifiedDest, counts[ItemBlocked] == 0,
		fmt.Sprintf("%d blocked items", counts[ItemBlocked]))

	return out, nil
}

// HandleDispatchResult applies the provider's asynchronous outcome for a
// dispatched item, looked up by provider request or conversation id.
func (s *service) HandleDispatchResult(ctx context.Context, providerRef string, success bool, description string) (*Item, error) {
	it, err := s.repo.ItemByProviderRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}

	if success {
		applied, err := s.repo.SetItemResult(ctx, it.ID, ItemConfirmed, "")
		if err != nil {
			return nil, err
		}
		if applied {
			metrics.RecordPayoutItem(ItemConfirmed)
		}
	} else {
		applied, err := s.repo.SetItemResult(ctx, it.ID, ItemFailed, description)
		if err != nil {
			return nil, err
		}
		if applied {
			metrics.RecordPayoutItem(ItemFailed)
			// The debit happened at dispatch time. Put the money back.
			_, err := s.wallets.Credit(ctx, wallet.MovementParams{
				WalletID:      it.WalletID,
				Amount:        it.Amount,
				EntryType:     wallet.EntryReversal,
				ReferenceType: "payout_item",
				ReferenceID:   strconv.FormatInt(it.ID, 10),
				Description:   "provider rejected payout, hold released",
			})
			if err != nil {
				logger.Error("refund after provider failure failed", "item_id", it.ID, "error", err)
			}
		}
	}

	if _, _, err := s.recomputeBatchStatus(ctx, it.BatchID); err != nil {
		logger.Error("recompute batch status failed", "batch_id", it.BatchID, "error", err)
	}

	s.recorder.Record(ctx, "provider", "payout_result", "payout_item",
		strconv.FormatInt(it.ID, 10),
		map[string]interface{}{"success": success, "description": description})
	return s.repo.GetItem(ctx, it.ID)
}

// RequeueItem is the quarantine resume hook: a released item goes back to
// PENDING for the next processor sweep.
func (s *service) RequeueItem(ctx context.Context, itemID int64) error {
	ok, err := s.repo.RequeueItem(ctx, itemID)
	if err != nil {
		return err
	}
	if !ok {
		it, err := s.repo.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		return fmt.Errorf("payout item %d not requeueable in status %s", itemID, it.Status)
	}
	metrics.RecordPayoutItem(ItemPending)
	logger.Info("payout item requeued after quarantine release", "item_id", itemID)
	return nil
}

// SweepStuckSending flags items stuck in SENDING for operator inspection.
// No automatic transition: the provider may still deliver a result.
func (s *service) SweepStuckSending(ctx context.Context) ([]Item, error) {
	items, err := s.repo.StuckSending(ctx, s.stuckSendingAge)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, it := range items {
		id := strconv.FormatInt(it.ID, 10)
		_, _, err := s.alerts.Raise(ctx, fraud.Alert{
			Type:        fraud.TypeStuckPayout,
			Severity:    fraud.SeverityHigh,
			EntityType:  "payout_item",
			EntityID:    id,
			Fingerprint: fraud.Fingerprint(fraud.TypeStuckPayout, id, now),
			Summary:     fmt.Sprintf("payout item %d stuck in SENDING since %s", it.ID, it.UpdatedAt.Format(time.RFC3339)),
		})
		if err != nil {
			logger.Error("raise stuck payout alert failed", "item_id", it.ID, "error", err)
		}
	}
	return items, nil
}

// AutoDraft drafts batches for every entity holding a positive balance.
func (s *service) AutoDraft(ctx context.Context, entityType string, periodStart, periodEnd time.Time) (int, error) {
	ids, err := s.repo.OperatorsWithBalance(ctx, entityType)
	if err != nil {
		return 0, err
	}

	drafted := 0
	for _, id := range ids {
		_, _, err := s.CreateBatch(ctx, CreateBatchParams{
			OperatorID:  id,
			EntityType:  entityType,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			Actor:       "scheduler",
		})
		if err != nil {
			logger.Error("auto-draft failed", "entity_type", entityType, "entity_id", id, "error", err)
			continue
		}
		drafted++
	}
	return drafted, nil
}
