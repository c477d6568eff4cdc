package payout

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"teketeke/internal/audit"
	"teketeke/internal/destination"
	"teketeke/internal/fraud"
	"teketeke/internal/logger"
	"teketeke/internal/quarantine"
	"teketeke/internal/wallet"
)

type MockPayoutRepo struct{ mock.Mock }

func (m *MockPayoutRepo) CreateBatch(ctx context.Context, operatorID int64, periodStart, periodEnd time.Time, metadata []byte) (*Batch, error) {
	args := m.Called(ctx, operatorID, periodStart, periodEnd, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Batch), args.Error(1)
}

func (m *MockPayoutRepo) FindBatchForPeriod(ctx context.Context, operatorID int64, periodStart, periodEnd time.Time) (*Batch, error) {
	args := m.Called(ctx, operatorID, periodStart, periodEnd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Batch), args.Error(1)
}

func (m *MockPayoutRepo) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Batch), args.Error(1)
}

func (m *MockPayoutRepo) ListBatches(ctx context.Context, status string, limit, offset int) ([]Batch, error) {
	args := m.Called(ctx, status, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Batch), args.Error(1)
}

func (m *MockPayoutRepo) TransitionBatch(ctx context.Context, id int64, from, to string) (*Batch, error) {
	args := m.Called(ctx, id, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Batch), args.Error(1)
}

func (m *MockPayoutRepo) SetBatchTotal(ctx context.Context, id int64, total decimal.Decimal) error {
	args := m.Called(ctx, id, total)
	return args.Error(0)
}

func (m *MockPayoutRepo) InsertItems(ctx context.Context, items []Item) (int, error) {
	args := m.Called(ctx, items)
	return args.Int(0), args.Error(1)
}

func (m *MockPayoutRepo) ItemsByBatch(ctx context.Context, batchID int64) ([]Item, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Item), args.Error(1)
}

func (m *MockPayoutRepo) GetItem(ctx context.Context, id int64) (*Item, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Item), args.Error(1)
}

func (m *MockPayoutRepo) ClaimItem(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockPayoutRepo) MarkSent(ctx context.Context, id int64, providerRequestID, conversationID string) (bool, error) {
	args := m.Called(ctx, id, providerRequestID, conversationID)
	return args.Bool(0), args.Error(1)
}

func (m *MockPayoutRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockPayoutRepo) MarkBlocked(ctx context.Context, id int64, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockPayoutRepo) MarkQuarantined(ctx context.Context, id int64, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockPayoutRepo) RequeueItem(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockPayoutRepo) CancelPendingItems(ctx context.Context, batchID int64) (int64, error) {
	args := m.Called(ctx, batchID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPayoutRepo) SetItemResult(ctx context.Context, id int64, status, failureReason string) (bool, error) {
	args := m.Called(ctx, id, status, failureReason)
	return args.Bool(0), args.Error(1)
}

func (m *MockPayoutRepo) ItemByProviderRef(ctx context.Context, ref string) (*Item, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Item), args.Error(1)
}

func (m *MockPayoutRepo) StatusCounts(ctx context.Context, batchID int64) (map[string]int, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}

func (m *MockPayoutRepo) StuckSending(ctx context.Context, olderThan time.Duration) ([]Item, error) {
	args := m.Called(ctx, olderThan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Item), args.Error(1)
}

func (m *MockPayoutRepo) OperatorsWithBalance(ctx context.Context, entityType string) ([]int64, error) {
	args := m.Called(ctx, entityType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

type MockWalletRepo struct{ mock.Mock }

func (m *MockWalletRepo) GetOrCreate(ctx context.Context, entityType string, entityID int64, kind string) (*wallet.Wallet, error) {
	args := m.Called(ctx, entityType, entityID, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.Wallet), args.Error(1)
}

func (m *MockWalletRepo) GetOrCreateTx(ctx context.Context, tx *sqlx.Tx, entityType string, entityID int64, kind string) (*wallet.Wallet, error) {
	args := m.Called(ctx, tx, entityType, entityID, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.Wallet), args.Error(1)
}

func (m *MockWalletRepo) GetByID(ctx context.Context, id int64) (*wallet.Wallet, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.Wallet), args.Error(1)
}

func (m *MockWalletRepo) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]wallet.Wallet, error) {
	args := m.Called(ctx, entityType, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]wallet.Wallet), args.Error(1)
}

func (m *MockWalletRepo) PositiveBalancesByEntity(ctx context.Context, entityType string, entityID int64) ([]wallet.KindTotal, error) {
	args := m.Called(ctx, entityType, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]wallet.KindTotal), args.Error(1)
}

func (m *MockWalletRepo) Credit(ctx context.Context, p wallet.MovementParams) (*wallet.Entry, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.Entry), args.Error(1)
}

func (m *MockWalletRepo) Debit(ctx context.Context, p wallet.MovementParams) (*wallet.Entry, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.Entry), args.Error(1)
}

func (m *MockWalletRepo) CreditTx(ctx context.Context, tx *sqlx.Tx, p wallet.MovementParams) (*wallet.Entry, error) {
	args := m.Called(ctx, tx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.Entry), args.Error(1)
}

func (m *MockWalletRepo) DebitTx(ctx context.Context, tx *sqlx.Tx, p wallet.MovementParams) (*wallet.Entry, error) {
	args := m.Called(ctx, tx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*wallet.Entry), args.Error(1)
}

func (m *MockWalletRepo) Entries(ctx context.Context, walletID int64, limit, offset int) ([]wallet.Entry, error) {
	args := m.Called(ctx, walletID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]wallet.Entry), args.Error(1)
}

func (m *MockWalletRepo) EntriesByReference(ctx context.Context, referenceType, referenceID string) ([]wallet.Entry, error) {
	args := m.Called(ctx, referenceType, referenceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]wallet.Entry), args.Error(1)
}

type MockGate struct{ mock.Mock }

func (m *MockGate) Decide(ctx context.Context, entityType, entityID string, alertID *int64, incidentID string) (*quarantine.Decision, error) {
	args := m.Called(ctx, entityType, entityID, alertID, incidentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*quarantine.Decision), args.Error(1)
}

func (m *MockGate) Quarantine(ctx context.Context, op quarantine.Operation) (bool, *quarantine.Operation, error) {
	args := m.Called(ctx, op)
	if args.Get(1) == nil {
		return args.Bool(0), nil, args.Error(2)
	}
	return args.Bool(0), args.Get(1).(*quarantine.Operation), args.Error(2)
}

type MockAlertRaiser struct{ mock.Mock }

func (m *MockAlertRaiser) Raise(ctx context.Context, a fraud.Alert) (bool, *fraud.Alert, error) {
	args := m.Called(ctx, a)
	if args.Get(1) == nil {
		return args.Bool(0), nil, args.Error(2)
	}
	return args.Bool(0), args.Get(1).(*fraud.Alert), args.Error(2)
}

type MockDispatcher struct{ mock.Mock }

func (m *MockDispatcher) Send(ctx context.Context, itemID int64, amount decimal.Decimal, phone, idempotencyKey string) (*DispatchResult, error) {
	args := m.Called(ctx, itemID, amount, phone, idempotencyKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*DispatchResult), args.Error(1)
}

type MockDestSource struct{ mock.Mock }

func (m *MockDestSource) ListByEntity(ctx context.Context, entityType string, entityID int64) ([]destination.Destination, error) {
	args := m.Called(ctx, entityType, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]destination.Destination), args.Error(1)
}

type payoutFixture struct {
	svc        Service
	repo       *MockPayoutRepo
	wallets    *MockWalletRepo
	dests      *MockDestSource
	gate       *MockGate
	alerts     *MockAlertRaiser
	dispatcher *MockDispatcher
	dbMock     sqlmock.Sqlmock
}

func setupPayoutService(t *testing.T) *payoutFixture {
	t.Helper()
	logger.Init()

	rawDB, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })
	sqlxDB := sqlx.NewDb(rawDB, "sqlmock")

	f := &payoutFixture{
		repo:       &MockPayoutRepo{},
		wallets:    &MockWalletRepo{},
		dests:      &MockDestSource{},
		gate:       &MockGate{},
		alerts:     &MockAlertRaiser{},
		dispatcher: &MockDispatcher{},
		dbMock:     dbMock,
	}
	f.svc = NewService(sqlxDB, f.repo, f.wallets, f.dests, f.gate, f.alerts,
		f.dispatcher, audit.NewRecorder(sqlxDB), func() bool { return true }, time.Hour)
	return f
}

func noQuarantine(f *payoutFixture) {
	f.gate.On("Decide", mock.Anything, "payout_destination", mock.Anything, mock.Anything, "").
		Return(&quarantine.Decision{Quarantine: false}, nil)
}

var period = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func TestCreateBatch_VerifiedMobileDraftsPendingItems(t *testing.T) {
	f := setupPayoutService(t)

	batch := &Batch{ID: 3, OperatorID: 7, Status: BatchDraft}
	f.repo.On("FindBatchForPeriod", mock.Anything, int64(7), period, period.AddDate(0, 1, 0)).Return(nil, nil)
	f.repo.On("CreateBatch", mock.Anything, int64(7), period, period.AddDate(0, 1, 0), mock.Anything).Return(batch, nil)

	f.wallets.On("PositiveBalancesByEntity", mock.Anything, "sacco", int64(7)).Return([]wallet.KindTotal{
		{WalletID: 21, Kind: wallet.KindFees, Balance: decimal.NewFromInt(500)},
		{WalletID: 22, Kind: wallet.KindSavings, Balance: decimal.NewFromInt(120)},
	}, nil)
	f.dests.On("ListByEntity", mock.Anything, "sacco", int64(7)).Return([]destination.Destination{
		{DestType: destination.TypePaybill, DestValue: "555000", Verified: true},
		{DestType: destination.TypeMobile, DestValue: "+254722000111", Verified: true},
	}, nil)

	var drafted []Item
	f.repo.On("InsertItems", mock.Anything, mock.MatchedBy(func(items []Item) bool {
		drafted = items
		return len(items) == 2
	})).Return(2, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(3)).Return([]Item{
		{ID: 1, BatchID: 3, Status: ItemPending, Amount: decimal.NewFromInt(500)},
		{ID: 2, BatchID: 3, Status: ItemPending, Amount: decimal.NewFromInt(120)},
	}, nil)
	f.repo.On("SetBatchTotal", mock.Anything, int64(3), mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.Equal(decimal.NewFromInt(620))
	})).Return(nil)

	out, items, err := f.svc.CreateBatch(context.Background(), CreateBatchParams{
		OperatorID: 7, PeriodStart: period, PeriodEnd: period.AddDate(0, 1, 0), Actor: "ops",
	})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.True(t, out.TotalAmount.Equal(decimal.NewFromInt(620)))

	// Verified mobile wins over the paybill.
	require.Len(t, drafted, 2)
	for _, it := range drafted {
		assert.Equal(t, DestMobile, it.DestType)
		assert.Equal(t, "+254722000111", it.DestRef)
		assert.Equal(t, ItemPending, it.Status)
		assert.Len(t, it.IdempotencyKey, 64)
	}
	assert.NotEqual(t, drafted[0].IdempotencyKey, drafted[1].IdempotencyKey)
}

func TestCreateBatch_UnverifiedMobileBlocks(t *testing.T) {
	f := setupPayoutService(t)

	batch := &Batch{ID: 4, OperatorID: 7, Status: BatchDraft}
	f.repo.On("FindBatchForPeriod", mock.Anything, int64(7), period, period).Return(nil, nil)
	f.repo.On("CreateBatch", mock.Anything, int64(7), period, period, mock.Anything).Return(batch, nil)
	f.wallets.On("PositiveBalancesByEntity", mock.Anything, "sacco", int64(7)).Return([]wallet.KindTotal{
		{WalletID: 21, Kind: wallet.KindFees, Balance: decimal.NewFromInt(500)},
	}, nil)
	f.dests.On("ListByEntity", mock.Anything, "sacco", int64(7)).Return([]destination.Destination{
		{DestType: destination.TypeMobile, DestValue: "+254722000111", Verified: false},
	}, nil)

	f.repo.On("InsertItems", mock.Anything, mock.MatchedBy(func(items []Item) bool {
		return len(items) == 1 && items[0].Status == ItemBlocked &&
			items[0].BlockReason == BlockDestinationNotVerified
	})).Return(1, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(4)).Return([]Item{
		{ID: 1, Status: ItemBlocked, Amount: decimal.NewFromInt(500)},
	}, nil)
	f.repo.On("SetBatchTotal", mock.Anything, int64(4), mock.MatchedBy(func(d decimal.Decimal) bool {
		return d.IsZero()
	})).Return(nil)

	_, items, err := f.svc.CreateBatch(context.Background(), CreateBatchParams{
		OperatorID: 7, PeriodStart: period, PeriodEnd: period, Actor: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, ItemBlocked, items[0].Status)
}

func TestCreateBatch_RerunReusesDraft(t *testing.T) {
	f := setupPayoutService(t)

	batch := &Batch{ID: 3, OperatorID: 7, Status: BatchDraft}
	f.repo.On("FindBatchForPeriod", mock.Anything, int64(7), period, period).Return(batch, nil)
	f.wallets.On("PositiveBalancesByEntity", mock.Anything, "sacco", int64(7)).Return([]wallet.KindTotal{
		{WalletID: 21, Kind: wallet.KindFees, Balance: decimal.NewFromInt(500)},
	}, nil)
	f.dests.On("ListByEntity", mock.Anything, "sacco", int64(7)).Return([]destination.Destination{
		{DestType: destination.TypeMobile, DestValue: "+254722000111", Verified: true},
	}, nil)
	// Everything already drafted: the unique key skips all rows.
	f.repo.On("InsertItems", mock.Anything, mock.Anything).Return(0, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(3)).Return([]Item{
		{ID: 1, Status: ItemPending, Amount: decimal.NewFromInt(500)},
	}, nil)
	f.repo.On("SetBatchTotal", mock.Anything, int64(3), mock.Anything).Return(nil)

	_, items, err := f.svc.CreateBatch(context.Background(), CreateBatchParams{
		OperatorID: 7, PeriodStart: period, PeriodEnd: period, Actor: "ops",
	})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	f.repo.AssertNotCalled(t, "CreateBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTransition_ApproveFromDraftIsIllegal(t *testing.T) {
	f := setupPayoutService(t)

	f.repo.On("GetBatch", mock.Anything, int64(3)).Return(&Batch{ID: 3, Status: BatchDraft}, nil)

	_, err := f.svc.Approve(context.Background(), 3, "ops")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	f.repo.AssertNotCalled(t, "TransitionBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTransition_SameStateIsNoOp(t *testing.T) {
	f := setupPayoutService(t)

	f.repo.On("GetBatch", mock.Anything, int64(3)).Return(&Batch{ID: 3, Status: BatchSubmitted}, nil)

	out, err := f.svc.Submit(context.Background(), 3, "ops")
	require.NoError(t, err)
	assert.Equal(t, BatchSubmitted, out.Status)
	f.repo.AssertNotCalled(t, "TransitionBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_DispatchesPendingItem(t *testing.T) {
	f := setupPayoutService(t)
	noQuarantine(f)

	amount := decimal.NewFromInt(500)
	item := Item{ID: 1, BatchID: 3, WalletID: 21, WalletKind: wallet.KindFees, Amount: amount,
		DestType: DestMobile, DestRef: "+254722000111", Status: ItemPending, IdempotencyKey: "k1"}

	f.repo.On("GetBatch", mock.Anything, int64(3)).Return(&Batch{ID: 3, Status: BatchApproved}, nil)
	f.repo.On("TransitionBatch", mock.Anything, int64(3), BatchApproved, BatchProcessing).
		Return(&Batch{ID: 3, Status: BatchProcessing}, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(3)).Return([]Item{item}, nil)
	f.repo.On("ClaimItem", mock.Anything, int64(1)).Return(true, nil)

	// Debit runs in its own transaction.
	f.dbMock.ExpectBegin()
	f.dbMock.ExpectCommit()
	f.wallets.On("DebitTx", mock.Anything, mock.Anything, mock.MatchedBy(func(p wallet.MovementParams) bool {
		return p.WalletID == 21 && p.Amount.Equal(amount) &&
			p.EntryType == wallet.EntryExternalDebit && p.ReferenceType == "payout_item"
	})).Return(&wallet.Entry{ID: 9}, nil)

	f.dispatcher.On("Send", mock.Anything, int64(1), amount, "+254722000111", "k1").
		Return(&DispatchResult{ProviderRequestID: "REQ-1", ConversationID: "AG-1"}, nil)
	f.repo.On("MarkSent", mock.Anything, int64(1), "REQ-1", "AG-1").Return(true, nil)
	f.repo.On("StatusCounts", mock.Anything, int64(3)).Return(map[string]int{ItemSent: 1}, nil)

	result, err := f.svc.Process(context.Background(), 3, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, BatchProcessing, result.BatchStatus)
	f.dispatcher.AssertNumberOfCalls(t, "Send", 1)
}

func TestProcess_QuarantineBlocksDispatch(t *testing.T) {
	f := setupPayoutService(t)

	item := Item{ID: 1, BatchID: 3, WalletID: 21, Amount: decimal.NewFromInt(500),
		DestType: DestMobile, DestRef: "+254722000111", Status: ItemPending}
	alertID := int64(4)

	f.repo.On("GetBatch", mock.Anything, int64(3)).Return(&Batch{ID: 3, Status: BatchProcessing}, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(3)).Return([]Item{item}, nil)
	f.gate.On("Decide", mock.Anything, "payout_destination", "+254722000111", mock.Anything, "").
		Return(&quarantine.Decision{
			Quarantine: true, Reason: "open high alert", Source: quarantine.SourceFraudAlert,
			Severity: fraud.SeverityHigh, AlertID: &alertID,
		}, nil)
	f.gate.On("Quarantine", mock.Anything, mock.MatchedBy(func(op quarantine.Operation) bool {
		return op.OperationType == quarantine.OpPayoutItem && op.OperationID == "1" &&
			op.AlertID != nil && *op.AlertID == 4
	})).Return(true, &quarantine.Operation{ID: 50}, nil)
	f.repo.On("MarkQuarantined", mock.Anything, int64(1), "open high alert").Return(nil)
	f.repo.On("StatusCounts", mock.Anything, int64(3)).Return(map[string]int{ItemQuarantined: 1}, nil)

	result, err := f.svc.Process(context.Background(), 3, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Quarantined)
	assert.Equal(t, BatchProcessing, result.BatchStatus)
	f.dispatcher.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.wallets.AssertNotCalled(t, "DebitTx", mock.Anything, mock.Anything, mock.Anything)
	f.repo.AssertNotCalled(t, "TransitionBatch", mock.Anything, int64(3), BatchProcessing, BatchCompleted)
}

func TestProcess_QuarantinedItemKeepsBatchOpen(t *testing.T) {
	f := setupPayoutService(t)

	// The only remaining item sits in quarantine awaiting manual release.
	// The batch must stay PROCESSING so the released item can still run.
	item := Item{ID: 1, BatchID: 3, WalletID: 21, Amount: decimal.NewFromInt(500),
		DestType: DestMobile, DestRef: "+254722000111", Status: ItemQuarantined}

	f.repo.On("GetBatch", mock.Anything, int64(3)).Return(&Batch{ID: 3, Status: BatchProcessing}, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(3)).Return([]Item{item}, nil)
	f.repo.On("StatusCounts", mock.Anything, int64(3)).Return(map[string]int{ItemQuarantined: 1}, nil)

	result, err := f.svc.Process(context.Background(), 3, "ops")
	require.NoError(t, err)
	assert.Equal(t, BatchProcessing, result.BatchStatus)
	f.repo.AssertNotCalled(t, "TransitionBatch", mock.Anything, int64(3), BatchProcessing, BatchCompleted)

	// After release the item is requeued and a second pass still works.
	f.repo.ExpectedCalls = nil
	requeued := item
	requeued.Status = ItemPending
	f.repo.On("GetBatch", mock.Anything, int64(3)).Return(&Batch{ID: 3, Status: BatchProcessing}, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(3)).Return([]Item{requeued}, nil)
	noQuarantine(f)
	f.repo.On("ClaimItem", mock.Anything, int64(1)).Return(true, nil)
	f.repo.On("MarkSent", mock.Anything, int64(1), "REQ-1", "AG-1").Return(true, nil)
	f.repo.On("StatusCounts", mock.Anything, int64(3)).Return(map[string]int{ItemSent: 1}, nil)
	f.dispatcher.On("Send", mock.Anything, int64(1), mock.Anything, "+254722000111", mock.Anything).
		Return(&DispatchResult{ProviderRequestID: "REQ-1", ConversationID: "AG-1"}, nil)

	f.dbMock.ExpectBegin()
	f.dbMock.ExpectCommit()
	f.wallets.On("DebitTx", mock.Anything, mock.Anything, mock.Anything).
		Return(&wallet.Entry{ID: 9}, nil)

	result, err = f.svc.Process(context.Background(), 3, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Dispatched)
	assert.Equal(t, BatchProcessing, result.BatchStatus)
}

func TestProcess_DispatchFailureRefundsAndAlerts(t *testing.T) {
	f := setupPayoutService(t)
	noQuarantine(f)

	amount := decimal.NewFromInt(500)
	item := Item{ID: 1, BatchID: 3, WalletID: 21, Amount: amount,
		DestType: DestMobile, DestRef: "+254722000111", Status: ItemPending, IdempotencyKey: "k1"}

	f.repo.On("GetBatch", mock.Anything, int64(3)).Return(&Batch{ID: 3, Status: BatchProcessing}, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(3)).Return([]Item{item}, nil)
	f.repo.On("ClaimItem", mock.Anything, int64(1)).Return(true, nil)

	f.dbMock.ExpectBegin()
	f.dbMock.ExpectCommit()
	f.wallets.On("DebitTx", mock.Anything, mock.Anything, mock.Anything).Return(&wallet.Entry{ID: 9}, nil)

	f.dispatcher.On("Send", mock.Anything, int64(1), amount, "+254722000111", "k1").
		Return(nil, assert.AnError)
	f.repo.On("MarkFailed", mock.Anything, int64(1), mock.Anything).Return(nil)
	// The money goes back with a reversal entry.
	f.wallets.On("Credit", mock.Anything, mock.MatchedBy(func(p wallet.MovementParams) bool {
		return p.WalletID == 21 && p.Amount.Equal(amount) && p.EntryType == wallet.EntryReversal
	})).Return(&wallet.Entry{ID: 10}, nil)
	f.alerts.On("Raise", mock.Anything, mock.MatchedBy(func(a fraud.Alert) bool {
		return a.Type == fraud.TypePayoutFailureSpike && a.Severity == fraud.SeverityHigh
	})).Return(true, &fraud.Alert{ID: 60}, nil)

	f.repo.On("StatusCounts", mock.Anything, int64(3)).Return(map[string]int{ItemFailed: 1}, nil)
	f.repo.On("TransitionBatch", mock.Anything, int64(3), BatchProcessing, BatchFailed).
		Return(&Batch{ID: 3, Status: BatchFailed}, nil)

	result, err := f.svc.Process(context.Background(), 3, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, BatchFailed, result.BatchStatus)
}

func TestProcess_LostClaimRaceSkipsItem(t *testing.T) {
	f := setupPayoutService(t)
	noQuarantine(f)

	item := Item{ID: 1, BatchID: 3, WalletID: 21, Amount: decimal.NewFromInt(500),
		DestType: DestMobile, DestRef: "+254722000111", Status: ItemPending}

	f.repo.On("GetBatch", mock.Anything, int64(3)).Return(&Batch{ID: 3, Status: BatchProcessing}, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(3)).Return([]Item{item}, nil)
	f.repo.On("ClaimItem", mock.Anything, int64(1)).Return(false, nil)
	f.repo.On("StatusCounts", mock.Anything, int64(3)).Return(map[string]int{ItemSending: 1}, nil)

	result, err := f.svc.Process(context.Background(), 3, "ops")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	f.dispatcher.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_AllTerminalCompletesBatch(t *testing.T) {
	f := setupPayoutService(t)

	f.repo.On("GetBatch", mock.Anything, int64(3)).Return(&Batch{ID: 3, Status: BatchProcessing}, nil)
	f.repo.On("ItemsByBatch", mock.Anything, int64(3)).Return([]Item{
		{ID: 1, Status: ItemConfirmed},
		{ID: 2, Status: ItemBlocked},
	}, nil)
	f.repo.On("StatusCounts", mock.Anything, int64(3)).
		Return(map[string]int{ItemConfirmed: 1, ItemBlocked: 1}, nil)
	f.repo.On("TransitionBatch", mock.Anything, int64(3), BatchProcessing, BatchCompleted).
		Return(&Batch{ID: 3, Status: BatchCompleted}, nil)

	result, err := f.svc.Process(context.Background(), 3, "ops")
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, result.BatchStatus)
	assert.Equal(t, 2, result.Skipped)
}

func TestHandleDispatchResult_SuccessConfirms(t *testing.T) {
	f := setupPayoutService(t)

	item := &Item{ID: 1, BatchID: 3, WalletID: 21, Amount: decimal.NewFromInt(500), Status: ItemSent}
	f.repo.On("ItemByProviderRef", mock.Anything, "REQ-1").Return(item, nil)
	f.repo.On("SetItemResult", mock.Anything, int64(1), ItemConfirmed, "").Return(true, nil)
	f.repo.On("StatusCounts", mock.Anything, int64(3)).Return(map[string]int{ItemConfirmed: 1}, nil)
	f.repo.On("TransitionBatch", mock.Anything, int64(3), BatchProcessing, BatchCompleted).
		Return(&Batch{ID: 3, Status: BatchCompleted}, nil)
	f.repo.On("GetItem", mock.Anything, int64(1)).
		Return(&Item{ID: 1, Status: ItemConfirmed}, nil)

	out, err := f.svc.HandleDispatchResult(context.Background(), "REQ-1", true, "")
	require.NoError(t, err)
	assert.Equal(t, ItemConfirmed, out.Status)
	f.wallets.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything)
}

func TestHandleDispatchResult_FailureRefunds(t *testing.T) {
	f := setupPayoutService(t)

	amount := decimal.NewFromInt(500)
	item := &Item{ID: 1, BatchID: 3, WalletID: 21, Amount: amount, Status: ItemSent}
	f.repo.On("ItemByProviderRef", mock.Anything, "REQ-1").Return(item, nil)
	f.repo.On("SetItemResult", mock.Anything, int64(1), ItemFailed, "insufficient float").Return(true, nil)
	f.wallets.On("Credit", mock.Anything, mock.MatchedBy(func(p wallet.MovementParams) bool {
		return p.WalletID == 21 && p.Amount.Equal(amount) && p.EntryType == wallet.EntryReversal
	})).Return(&wallet.Entry{ID: 10}, nil)
	f.repo.On("StatusCounts", mock.Anything, int64(3)).Return(map[string]int{ItemFailed: 1}, nil)
	f.repo.On("TransitionBatch", mock.Anything, int64(3), BatchProcessing, BatchFailed).
		Return(&Batch{ID: 3, Status: BatchFailed}, nil)
	f.repo.On("GetItem", mock.Anything, int64(1)).
		Return(&Item{ID: 1, Status: ItemFailed}, nil)

	out, err := f.svc.HandleDispatchResult(context.Background(), "REQ-1", false, "insufficient float")
	require.NoError(t, err)
	assert.Equal(t, ItemFailed, out.Status)
	f.wallets.AssertExpectations(t)
}

func TestRequeueItem_OnlyFromQuarantined(t *testing.T) {
	f := setupPayoutService(t)

	f.repo.On("RequeueItem", mock.Anything, int64(1)).Return(false, nil)
	f.repo.On("GetItem", mock.Anything, int64(1)).Return(&Item{ID: 1, Status: ItemSent}, nil)

	err := f.svc.RequeueItem(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SENT")
}

func TestSweepStuckSending_RaisesAlerts(t *testing.T) {
	f := setupPayoutService(t)

	f.repo.On("StuckSending", mock.Anything, time.Hour).Return([]Item{
		{ID: 1, Status: ItemSending, UpdatedAt: time.Now().Add(-2 * time.Hour)},
	}, nil)
	f.alerts.On("Raise", mock.Anything, mock.MatchedBy(func(a fraud.Alert) bool {
		return a.Type == fraud.TypeStuckPayout && a.EntityID == "1"
	})).Return(true, &fraud.Alert{ID: 61}, nil)

	items, err := f.svc.SweepStuckSending(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
	f.alerts.AssertExpectations(t)
}

func TestResolveDestination_PreferenceOrder(t *testing.T) {
	cases := []struct {
		name        string
		dests       []destination.Destination
		wantType    string
		wantStatus  string
		wantBlock   string
	}{
		{
			name: "verified mobile wins",
			dests: []destination.Destination{
				{DestType: destination.TypePaybill, DestValue: "555000"},
				{DestType: destination.TypeMobile, DestValue: "+254722000111", Verified: true},
			},
			wantType: DestMobile, wantStatus: ItemPending,
		},
		{
			name: "unverified mobile blocks",
			dests: []destination.Destination{
				{DestType: destination.TypeMobile, DestValue: "+254722000111"},
			},
			wantType: DestMobile, wantStatus: ItemBlocked, wantBlock: BlockDestinationNotVerified,
		},
		{
			name: "paybill blocks",
			dests: []destination.Destination{
				{DestType: destination.TypePaybill, DestValue: "555000", Verified: true},
			},
			wantType: DestPaybill, wantStatus: ItemBlocked, wantBlock: BlockB2BNotSupported,
		},
		{
			name:     "nothing registered",
			wantType: DestNone, wantStatus: ItemBlocked, wantBlock: BlockDestinationMissing,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			destType, _, status, blockReason := resolveDestination(tc.dests)
			assert.Equal(t, tc.wantType, destType)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantBlock, blockReason)
		})
	}
}

func TestItemIdempotencyKey_Deterministic(t *testing.T) {
	a := ItemIdempotencyKey(3, wallet.KindFees, decimal.NewFromInt(500), "+254722000111")
	b := ItemIdempotencyKey(3, wallet.KindFees, decimal.New(50000, -2), "+254722000111")
	c := ItemIdempotencyKey(3, wallet.KindFees, decimal.NewFromInt(501), "+254722000111")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
