package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
	balanceservice "github.com/smallbiznis/creatorledger/internal/balance/service"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creatorledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creatorledger/internal/ledger/service"
	"github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/internal/payout/rails"
	"github.com/smallbiznis/creatorledger/internal/payout/rails/manual"
	"github.com/smallbiznis/creatorledger/internal/payout/repository"
	"github.com/smallbiznis/creatorledger/internal/testutil"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const creatorID = snowflake.ID(700)

// fakeRail stands in for paypal and records what it was asked to send.
type fakeRail struct {
	mu    sync.Mutex
	err   error
	block bool
	sent  []domain.Transfer

	// entered and proceed, when set, hold Send open until the test lets go.
	entered chan struct{}
	proceed chan struct{}
}

func (f *fakeRail) Name() string               { return domain.RailPayPal }
func (f *fakeRail) RequiresConfirmation() bool { return false }

func (f *fakeRail) Send(ctx context.Context, transfer domain.Transfer) (domain.TransferResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, transfer)
	err, block := f.err, f.block
	entered, proceed := f.entered, f.proceed
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-proceed
	}
	if block {
		<-ctx.Done()
		return domain.TransferResult{}, ctx.Err()
	}
	if err != nil {
		return domain.TransferResult{}, err
	}
	return domain.TransferResult{Reference: "BATCH-" + transfer.PayoutRequestID.String()}, nil
}

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	ledger  ledgerdomain.Service
	balance balancedomain.Service
	svc     domain.Service
	paypal  *fakeRail
}

func newFixture(t *testing.T, mutate ...func(*config.SettlementConfig)) *fixture {
	t.Helper()
	db := testutil.OpenSQLite(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	cfg := config.DefaultSettlementConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Repo: ledgerrepo.Provide(), Clock: clk})
	outbox := events.NewOutbox(events.OutboxParams{DB: db, Log: log, GenID: node, Clock: clk})
	balance := balanceservice.NewService(balanceservice.Params{DB: db, Log: log, GenID: node, Ledger: ledger, Outbox: outbox, Clock: clk})
	paypal := &fakeRail{}

	svc := NewService(Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Repo:    repository.Provide(),
		Rails:   rails.NewRegistry(manual.New(), paypal),
		Ledger:  ledger,
		Balance: balance,
		Outbox:  outbox,
		Config:  config.NewStaticSettlementConfigHolder(cfg),
		Clock:   clk,
	})
	return &fixture{db: db, node: node, ledger: ledger, balance: balance, svc: svc, paypal: paypal}
}

// earn records a settled earning of net and credits the creator, the way
// settlement would.
func (f *fixture) earn(t *testing.T, net int64) *ledgerdomain.Earning {
	t.Helper()
	ctx := context.Background()
	creator := creatorID
	tx, err := f.ledger.CreateTransaction(ctx, ledgerdomain.CreateTransactionRequest{
		Payer:      account.User(1),
		CreatorID:  &creator,
		TargetType: ledgerdomain.TargetOrder,
		Category:   ledgerdomain.CategoryVideo,
		LineItems:  []ledgerdomain.LineItem{{Name: "video", UnitPrice: net, Quantity: 1}},
		Currency:   "usd",
		Gateway:    "stripe",
		Status:     ledgerdomain.StatusSucceeded,
	})
	require.NoError(t, err)
	earning, err := f.ledger.CreateEarning(ctx, ledgerdomain.CreateEarningRequest{
		Transaction:    tx,
		CreatorID:      creatorID,
		GrossAmount:    net,
		CommissionRate: "0",
		NetAmount:      net,
	})
	require.NoError(t, err)
	_, err = f.balance.AdjustBalance(ctx, account.Performer(creatorID), net, balancedomain.AdjustOptions{
		Source: &balancedomain.Source{Type: ledgerdomain.SourceEarning, ID: earning.ID},
	})
	require.NoError(t, err)
	return earning
}

func (f *fixture) request(t *testing.T, amount int64, acct domain.PayoutAccount) *domain.PayoutRequest {
	t.Helper()
	p, err := f.svc.RequestPayout(context.Background(), domain.RequestPayoutRequest{
		CreatorID: creatorID,
		Amount:    amount,
		Account:   acct,
	})
	require.NoError(t, err)
	return p
}

func bankAccount() domain.PayoutAccount {
	return domain.PayoutAccount{Rail: domain.RailManual, BankName: "BCA", AccountName: "Creator", AccountNumber: "123456"}
}

func paypalAccount() domain.PayoutAccount {
	return domain.PayoutAccount{Rail: domain.RailPayPal, PayPalEmail: "creator@example.com"}
}

func (f *fixture) creatorBalance(t *testing.T) int64 {
	t.Helper()
	bal, err := f.balance.GetBalance(context.Background(), account.Performer(creatorID))
	require.NoError(t, err)
	return bal
}

func (f *fixture) countEvents(t *testing.T, channel events.Channel) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Table("bus_events").Where("channel = ?", string(channel)).Count(&n).Error)
	return n
}

func TestPayoutCannotOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, 600)
	f.earn(t, 400)

	bal, err := f.svc.AvailableBalance(ctx, creatorID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Available)

	_, err = f.svc.RequestPayout(ctx, domain.RequestPayoutRequest{CreatorID: creatorID, Amount: 1001, Account: bankAccount()})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	p := f.request(t, 1000, bankAccount())
	assert.Equal(t, domain.StatusPending, p.Status)

	bal, err = f.svc.AvailableBalance(ctx, creatorID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Pending)
	assert.Equal(t, int64(0), bal.Available)

	_, err = f.svc.RequestPayout(ctx, domain.RequestPayoutRequest{CreatorID: creatorID, Amount: 1, Account: bankAccount()})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestRequestPayoutValidation(t *testing.T) {
	f := newFixture(t, func(c *config.SettlementConfig) {
		c.Payout.MinAmount = 500
	})
	ctx := context.Background()
	f.earn(t, 2000)

	cases := []struct {
		name    string
		amount  int64
		account domain.PayoutAccount
		want    error
	}{
		{"zero amount", 0, bankAccount(), domain.ErrInvalidAmount},
		{"below minimum", 499, bankAccount(), domain.ErrBelowMinimum},
		{"unknown rail", 600, domain.PayoutAccount{Rail: "crypto"}, domain.ErrUnsupportedRail},
		{"registered but absent rail", 600, domain.PayoutAccount{Rail: domain.RailStripeConnect, StripeAccountID: "acct_1"}, domain.ErrUnsupportedRail},
		{"bad paypal email", 600, domain.PayoutAccount{Rail: domain.RailPayPal, PayPalEmail: "nope"}, domain.ErrInvalidAccount},
		{"bank without number", 600, domain.PayoutAccount{Rail: domain.RailManual, AccountName: "x"}, domain.ErrInvalidAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.RequestPayout(ctx, domain.RequestPayoutRequest{CreatorID: creatorID, Amount: tc.amount, Account: tc.account})
			assert.ErrorIs(t, err, tc.want)
		})
	}

	// An empty rail falls back to the configured default.
	p := f.request(t, 500, domain.PayoutAccount{AccountName: "Creator", AccountNumber: "99"})
	assert.Equal(t, domain.RailManual, p.Rail)
}

func TestManualPayoutRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.earn(t, 600)
	second := f.earn(t, 400)
	p := f.request(t, 700, bankAccount())

	_, err := f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: true})
	assert.ErrorIs(t, err, domain.ErrTransferNotConfirmed)
	still, err := f.svc.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, still.Status)

	done, err := f.svc.ApprovePayout(ctx, p.ID, domain.Decision{
		Approve:           true,
		ConfirmedTransfer: true,
		Reference:         "wire-1",
		Note:              "sent by bank form",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, done.Status)
	require.NotNil(t, done.ExternalReference)
	assert.Equal(t, "wire-1", *done.ExternalReference)
	require.NotNil(t, done.AdminNote)
	assert.NotNil(t, done.DecidedAt)

	e1, err := f.ledger.GetEarning(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, e1.IsPaid)
	require.NotNil(t, e1.PayoutRequestID)
	assert.Equal(t, p.ID, *e1.PayoutRequestID)
	e2, err := f.ledger.GetEarning(ctx, second.ID)
	require.NoError(t, err)
	assert.False(t, e2.IsPaid)

	assert.Equal(t, int64(300), f.creatorBalance(t))
	bal, err := f.svc.AvailableBalance(ctx, creatorID)
	require.NoError(t, err)
	assert.Equal(t, int64(700), bal.PaidOut)
	assert.Equal(t, int64(300), bal.Available)
	assert.Equal(t, int64(1), f.countEvents(t, events.ChannelPayoutCompleted))

	logs, _, err := f.ledger.ListChangeLogs(ctx, account.Performer(creatorID), pagination.Pagination{})
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, ledgerdomain.SourcePayout, logs[0].SourceType)
	assert.Equal(t, int64(-700), logs[0].Delta)

	_, err = f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: true, ConfirmedTransfer: true})
	assert.ErrorIs(t, err, domain.ErrAlreadyDecided)
}

func TestFailedTransferStaysPending(t *testing.T) {
	f := newFixture(t, func(c *config.SettlementConfig) {
		c.Payout.TokenToCashRate = "0.5"
	})
	ctx := context.Background()
	f.earn(t, 1000)
	p := f.request(t, 701, paypalAccount())
	assert.Equal(t, int64(350), p.CashAmount)
	assert.Equal(t, "0.5", p.ConversionRate)

	f.paypal.err = errors.New("receiver unconfirmed")
	_, err := f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: true})
	require.ErrorIs(t, err, domain.ErrTransferFailed)

	pending, err := f.svc.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)
	assert.Equal(t, 1, pending.Attempts)
	require.NotNil(t, pending.LastError)
	assert.Contains(t, *pending.LastError, "receiver unconfirmed")
	assert.Equal(t, int64(1000), f.creatorBalance(t))
	assert.Zero(t, f.countEvents(t, events.ChannelPayoutCompleted))

	f.paypal.err = nil
	done, err := f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, done.Status)
	assert.Nil(t, done.LastError)
	assert.Equal(t, 2, done.Attempts)

	require.Len(t, f.paypal.sent, 2)
	sent := f.paypal.sent[1]
	assert.Equal(t, int64(350), sent.Amount)
	assert.Equal(t, "USD", sent.Currency)
	assert.Equal(t, "payout-"+p.ID.String(), sent.IdempotencyKey)
	assert.Equal(t, f.paypal.sent[0].IdempotencyKey, sent.IdempotencyKey)
	assert.Equal(t, "creator@example.com", sent.Account.PayPalEmail)
	assert.Equal(t, int64(299), f.creatorBalance(t))
}

func TestConcurrentApprovalSendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, 800)
	p := f.request(t, 600, paypalAccount())

	f.paypal.entered = make(chan struct{})
	f.paypal.proceed = make(chan struct{})

	type outcome struct {
		payout *domain.PayoutRequest
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		out, err := f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: true})
		first <- outcome{out, err}
	}()
	<-f.paypal.entered

	inFlight, err := f.svc.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, inFlight.Status)

	_, err = f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: true})
	assert.ErrorIs(t, err, domain.ErrPayoutBusy)
	_, err = f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: false})
	assert.ErrorIs(t, err, domain.ErrPayoutBusy)

	bal, err := f.svc.AvailableBalance(ctx, creatorID)
	require.NoError(t, err)
	assert.Equal(t, int64(200), bal.Available)

	close(f.paypal.proceed)
	res := <-first
	require.NoError(t, res.err)
	assert.Equal(t, domain.StatusDone, res.payout.Status)
	assert.Len(t, f.paypal.sent, 1)
	assert.Equal(t, int64(200), f.creatorBalance(t))
	assert.Equal(t, int64(1), f.countEvents(t, events.ChannelPayoutCompleted))
}

func TestClaimLetsOneApprovalThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, 300)
	p := f.request(t, 300, paypalAccount())
	repo := repository.Provide()
	now := time.Now()

	claimed, err := repo.Claim(ctx, f.db, p.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, err = repo.Claim(ctx, f.db, p.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, repo.Release(ctx, f.db, p.ID, "rail down", now))
	released, err := f.svc.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, released.Status)
	assert.Equal(t, 1, released.Attempts)
}

func TestTransferTimeoutLeavesPending(t *testing.T) {
	f := newFixture(t, func(c *config.SettlementConfig) {
		c.Payout.TransferTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()
	f.earn(t, 500)
	p := f.request(t, 500, paypalAccount())

	f.paypal.block = true
	_, err := f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: true})
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())

	pending, err := f.svc.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)
}

func TestRejectReleasesPendingAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, 1000)
	p := f.request(t, 1000, bankAccount())

	rejected, err := f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: false, Note: "account name mismatch"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.AdminNote)
	assert.Equal(t, "account name mismatch", *rejected.AdminNote)

	bal, err := f.svc.AvailableBalance(ctx, creatorID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(1000), f.creatorBalance(t))

	_, err = f.svc.ApprovePayout(ctx, snowflake.ID(12345), domain.Decision{Approve: true})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApproveRefusesWhenBalanceFellShort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, 1000)
	p := f.request(t, 800, paypalAccount())

	// A reversal debited the creator after the request was made.
	_, err := f.balance.AdjustBalance(ctx, account.Performer(creatorID), -500, balancedomain.AdjustOptions{})
	require.NoError(t, err)

	_, err = f.svc.ApprovePayout(ctx, p.ID, domain.Decision{Approve: true})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Empty(t, f.paypal.sent)

	pending, err := f.svc.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)
	require.NotNil(t, pending.LastError)
}

func TestListPayoutsPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.earn(t, 1000)
	for i := 0; i < 3; i++ {
		f.request(t, 100, bankAccount())
	}

	page, info, err := f.svc.ListPayouts(ctx, creatorID, pagination.Pagination{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, info.HasMore)
	assert.Greater(t, page[0].ID, page[1].ID)

	rest, info, err := f.svc.ListPayouts(ctx, creatorID, pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.False(t, info.HasMore)
	assert.Less(t, rest[0].ID, page[1].ID)
}

func TestConsumeOldestFirst(t *testing.T) {
	unpaid := []ledgerdomain.Earning{
		{ID: 1, NetAmount: 300},
		{ID: 2, NetAmount: 300},
		{ID: 3, NetAmount: 50},
	}
	assert.Equal(t, []snowflake.ID{1, 2, 3}, consumeOldestFirst(unpaid, 650))
	assert.Equal(t, []snowflake.ID{1, 2}, consumeOldestFirst(unpaid, 649))
	assert.Empty(t, consumeOldestFirst(unpaid, 299))
}
