package service

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"github.com/smallbiznis/creatorledger/internal/ledger/repository"
	"github.com/smallbiznis/creatorledger/internal/testutil"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := testutil.OpenSQLite(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Repo:  repository.Provide(),
		Clock: clk,
	})
	return svc, db, clk
}

func creatorID(id int64) *snowflake.ID {
	v := snowflake.ID(id)
	return &v
}

func videoPurchase(payer int64, creator int64, price int64) domain.CreateTransactionRequest {
	return domain.CreateTransactionRequest{
		Payer:       account.User(snowflake.ID(payer)),
		CreatorID:   creatorID(creator),
		TargetType:  domain.TargetOrder,
		Category:    domain.CategoryVideo,
		ContentType: "video",
		ContentID:   creatorID(900),
		LineItems:   []domain.LineItem{{Name: "video", UnitPrice: price, Quantity: 1}},
		Currency:    "usd",
		Gateway:     "stripe",
	}
}

func TestCreateTransactionComputesPrices(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req := videoPurchase(1, 2, 500)
	req.LineItems = append(req.LineItems, domain.LineItem{Name: "extra", UnitPrice: 250, Quantity: 2})
	req.Coupon = &domain.CouponSnapshot{Code: "TEN", DiscountType: domain.DiscountPercent, DiscountValue: 10}

	tx, err := svc.CreateTransaction(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), tx.OriginalPrice)
	assert.Equal(t, int64(900), tx.FinalPrice)
	assert.Equal(t, domain.StatusCreated, tx.Status)
	assert.Equal(t, "USD", tx.Currency)

	stored, err := svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, stored.LineItems, 2)
	assert.Contains(t, string(stored.CouponSnapshot), `"applied_amount":100`)
}

func TestCreateTransactionFixedCouponNeverExceedsPrice(t *testing.T) {
	svc, _, _ := newTestService(t)

	req := videoPurchase(1, 2, 300)
	req.Coupon = &domain.CouponSnapshot{Code: "BIG", DiscountType: domain.DiscountFixed, DiscountValue: 1000}
	tx, err := svc.CreateTransaction(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), tx.FinalPrice)
}

func TestCreateTransactionValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.CreateTransactionRequest)
		want   error
	}{
		{"missing payer", func(r *domain.CreateTransactionRequest) { r.Payer = account.Ref{} }, domain.ErrInvalidPayer},
		{"missing creator", func(r *domain.CreateTransactionRequest) { r.CreatorID = nil }, domain.ErrInvalidTarget},
		{"bad category", func(r *domain.CreateTransactionRequest) { r.Category = "stream" }, domain.ErrInvalidCategory},
		{"no items", func(r *domain.CreateTransactionRequest) { r.LineItems = nil }, domain.ErrInvalidLineItems},
		{"negative price", func(r *domain.CreateTransactionRequest) { r.LineItems[0].UnitPrice = -1 }, domain.ErrInvalidLineItems},
		{"line total overflows", func(r *domain.CreateTransactionRequest) {
			r.LineItems[0].UnitPrice = math.MaxInt64 / 2
			r.LineItems[0].Quantity = 3
		}, domain.ErrInvalidLineItems},
		{"sum overflows", func(r *domain.CreateTransactionRequest) {
			r.LineItems = []domain.LineItem{
				{Name: "a", UnitPrice: math.MaxInt64 - 10, Quantity: 1},
				{Name: "b", UnitPrice: 11, Quantity: 1},
			}
		}, domain.ErrInvalidLineItems},
		{"no gateway", func(r *domain.CreateTransactionRequest) { r.Gateway = " " }, domain.ErrInvalidGateway},
		{"bad coupon", func(r *domain.CreateTransactionRequest) {
			r.Coupon = &domain.CouponSnapshot{DiscountType: domain.DiscountPercent, DiscountValue: 120}
		}, domain.ErrInvalidCoupon},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := videoPurchase(1, 2, 100)
			tc.mutate(&req)
			_, err := svc.CreateTransaction(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSumLineItemsAtBoundary(t *testing.T) {
	total, err := sumLineItems([]domain.LineItem{
		{Name: "a", UnitPrice: math.MaxInt64 - 1, Quantity: 1},
		{Name: "b", UnitPrice: 1, Quantity: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), total)

	total, err = sumLineItems([]domain.LineItem{{Name: "free", UnitPrice: 0, Quantity: math.MaxInt64}})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCreateTransactionDuplicateCorrelation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	req := videoPurchase(1, 2, 100)
	req.CorrelationID = "pi_123"
	_, err := svc.CreateTransaction(ctx, req)
	require.NoError(t, err)

	_, err = svc.CreateTransaction(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateCorrelation)

	found, err := svc.FindByCorrelation(ctx, "STRIPE", "pi_123")
	require.NoError(t, err)
	assert.Equal(t, int64(100), found.FinalPrice)

	_, err = svc.FindByCorrelation(ctx, "stripe", "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkSucceededIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, videoPurchase(1, 2, 999))
	require.NoError(t, err)

	payload := domain.GatewayPayload{
		Provider:      "stripe",
		CorrelationID: "pi_abc",
		Payload:       datatypes.JSON(`{"id":"evt_1"}`),
	}
	first, changed, err := svc.MarkSucceeded(ctx, tx.ID, payload)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusSucceeded, first.Status)
	require.NotNil(t, first.SucceededAt)
	require.NotNil(t, first.CorrelationID)
	assert.Equal(t, "pi_abc", *first.CorrelationID)

	second, changed, err := svc.MarkSucceeded(ctx, tx.ID, payload)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.StatusSucceeded, second.Status)
}

func TestMarkStatusRejectsBackwardTransitions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, videoPurchase(1, 2, 100))
	require.NoError(t, err)

	_, changed, err := svc.MarkStatus(ctx, tx.ID, domain.StatusFailed, domain.GatewayPayload{})
	require.NoError(t, err)
	assert.True(t, changed)

	_, _, err = svc.MarkSucceeded(ctx, tx.ID, domain.GatewayPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, _, err = svc.MarkRefunded(ctx, tx.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, _, err = svc.MarkSucceeded(ctx, snowflake.ID(12345), domain.GatewayPayload{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkRefundedAfterSuccess(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, videoPurchase(1, 2, 100))
	require.NoError(t, err)
	_, _, err = svc.MarkSucceeded(ctx, tx.ID, domain.GatewayPayload{})
	require.NoError(t, err)

	refunded, changed, err := svc.MarkRefunded(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusRefunded, refunded.Status)
	assert.NotNil(t, refunded.RefundedAt)

	_, changed, err = svc.MarkRefunded(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestClaimSettlementOnlyOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, domain.CreateTransactionRequest{
		Payer:       account.User(1),
		TargetType:  domain.TargetTokenPackage,
		LineItems:   []domain.LineItem{{Name: "500 tokens", UnitPrice: 499, Quantity: 1}},
		Currency:    "usd",
		TokenAmount: 500,
		Gateway:     "ccbill",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryTokenPackage, tx.Category)

	ok, err := svc.ClaimSettlement(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending transactions cannot be claimed")

	_, _, err = svc.MarkSucceeded(ctx, tx.ID, domain.GatewayPayload{})
	require.NoError(t, err)

	ok, err = svc.ClaimSettlement(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ClaimSettlement(ctx, tx.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateEarningRejectsDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, videoPurchase(1, 2, 999))
	require.NoError(t, err)

	req := domain.CreateEarningRequest{
		Transaction:      tx,
		CreatorID:        2,
		GrossAmount:      999,
		CommissionRate:   "0.25",
		CommissionAmount: 250,
		NetAmount:        749,
	}
	earning, err := svc.CreateEarning(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "0.25", earning.CommissionRate)
	assert.False(t, earning.IsToken)

	_, err = svc.CreateEarning(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateSettlement)

	found, err := svc.FindEarningByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, earning.ID, found.ID)
	assert.Equal(t, int64(749), found.NetAmount)
}

func TestCreateEarningValidatesSplit(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, videoPurchase(1, 2, 100))
	require.NoError(t, err)

	_, err = svc.CreateEarning(ctx, domain.CreateEarningRequest{
		Transaction: tx, CreatorID: 2, GrossAmount: 100,
		CommissionRate: "0.2", CommissionAmount: 20, NetAmount: 79,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidEarning)

	_, err = svc.CreateEarning(ctx, domain.CreateEarningRequest{
		Transaction: tx, CreatorID: 2, GrossAmount: 100,
		CommissionRate: "1.5", CommissionAmount: 0, NetAmount: 100,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidEarning)
}

func TestReverseEarningDeletesRecord(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tx, err := svc.CreateTransaction(ctx, videoPurchase(1, 2, 100))
	require.NoError(t, err)
	earning, err := svc.CreateEarning(ctx, domain.CreateEarningRequest{
		Transaction: tx, CreatorID: 2, GrossAmount: 100,
		CommissionRate: "0.2", CommissionAmount: 20, NetAmount: 80,
	})
	require.NoError(t, err)

	reversed, err := svc.ReverseEarning(ctx, earning.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), reversed.GrossAmount)

	_, err = svc.GetEarning(ctx, earning.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.ReverseEarning(ctx, earning.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListEarningsByTargetPages(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tx, err := svc.CreateTransaction(ctx, videoPurchase(int64(10+i), 2, 100))
		require.NoError(t, err)
		_, err = svc.CreateEarning(ctx, domain.CreateEarningRequest{
			Transaction: tx, CreatorID: 2, GrossAmount: 100,
			CommissionRate: "0.2", CommissionAmount: 20, NetAmount: 80,
		})
		require.NoError(t, err)
	}

	target := domain.EarningTarget{ContentType: "video", ContentID: creatorID(900)}
	var seen int
	var after snowflake.ID
	for {
		page, err := svc.ListEarningsByTarget(ctx, target, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		seen += len(page)
		after = page[len(page)-1].ID
	}
	assert.Equal(t, 5, seen)

	_, err := svc.ListEarningsByTarget(ctx, domain.EarningTarget{}, 0, 2)
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
}

func TestListEarningsCursor(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx, err := svc.CreateTransaction(ctx, videoPurchase(int64(20+i), 7, 100))
		require.NoError(t, err)
		_, err = svc.CreateEarning(ctx, domain.CreateEarningRequest{
			Transaction: tx, CreatorID: 7, GrossAmount: 100,
			CommissionRate: "0", CommissionAmount: 0, NetAmount: 100,
		})
		require.NoError(t, err)
	}

	first, info, err := svc.ListEarnings(ctx, 7, pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, info.HasMore)

	second, info, err := svc.ListEarnings(ctx, 7, pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.False(t, info.HasMore)
	assert.Less(t, int64(second[0].ID), int64(first[1].ID))

	_, _, err = svc.ListEarnings(ctx, 7, pagination.Pagination{PageToken: "%%%"})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}

func TestMarkEarningsPaidAndSum(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	var ids []snowflake.ID
	for i := 0; i < 2; i++ {
		tx, err := svc.CreateTransaction(ctx, videoPurchase(int64(30+i), 8, 500))
		require.NoError(t, err)
		e, err := svc.CreateEarning(ctx, domain.CreateEarningRequest{
			Transaction: tx, CreatorID: 8, GrossAmount: 500,
			CommissionRate: "0.2", CommissionAmount: 100, NetAmount: 400,
		})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	total, err := svc.SumNetEarnings(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(800), total)

	n, err := svc.MarkEarningsPaid(ctx, ids[:1], 77)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	unpaid, err := svc.ListUnpaidEarnings(ctx, 8)
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, ids[1], unpaid[0].ID)

	_, err = svc.ReverseEarning(ctx, ids[0])
	assert.ErrorIs(t, err, domain.ErrEarningPaid)
}

func TestExpireStaleAndListUnsettled(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()

	stale, err := svc.CreateTransaction(ctx, videoPurchase(1, 2, 100))
	require.NoError(t, err)
	settledLater, err := svc.CreateTransaction(ctx, videoPurchase(3, 2, 100))
	require.NoError(t, err)
	_, _, err = svc.MarkSucceeded(ctx, settledLater.ID, domain.GatewayPayload{})
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)

	expired, err := svc.ExpireStale(ctx, clk.Now().Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	got, err := svc.GetTransaction(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, got.Status)

	unsettled, err := svc.ListUnsettled(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, unsettled, 1)
	assert.Equal(t, settledLater.ID, unsettled[0].ID)
}

func TestAppendChangeLog(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ref := account.Performer(5)
	_, err := svc.AppendChangeLog(ctx, domain.ChangeLogRequest{
		Account: ref, SourceType: domain.SourceAdmin, SourceID: 1, Delta: 100, BalanceAfter: 100, Note: "bonus",
	})
	require.NoError(t, err)

	_, err = svc.AppendChangeLog(ctx, domain.ChangeLogRequest{Account: ref, SourceType: domain.SourceAdmin, SourceID: 1})
	assert.ErrorIs(t, err, domain.ErrInvalidChangeLog)

	logs, _, err := svc.ListChangeLogs(ctx, ref, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].Note)
	assert.Equal(t, "bonus", *logs[0].Note)
}

func TestWithTxRollsBack(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()

	_ = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.WithTx(tx).CreateTransaction(ctx, videoPurchase(1, 2, 100))
		require.NoError(t, err)
		return assert.AnError
	})

	items, _, err := svc.ListTransactions(ctx, account.User(1), pagination.Pagination{})
	require.NoError(t, err)
	assert.Empty(t, items)
}
