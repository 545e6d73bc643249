package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creatorledger/internal/account"
	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"github.com/smallbiznis/creatorledger/internal/payout/domain"
	"github.com/smallbiznis/creatorledger/internal/payout/rails"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Rails      *rails.Registry
	Ledger     ledgerdomain.Service
	Balance    balancedomain.Service
	Outbox     *events.Outbox
	Config     *config.SettlementConfigHolder
	Locker     *ratelimit.Locker             `optional:"true"`
	Clock      clock.Clock                   `optional:"true"`
	Metrics    *obsmetrics.SettlementMetrics `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	rails      *rails.Registry
	ledger     ledgerdomain.Service
	balance    balancedomain.Service
	outbox     *events.Outbox
	cfg        *config.SettlementConfigHolder
	locker     *ratelimit.Locker
	clock      clock.Clock
	metrics    *obsmetrics.SettlementMetrics
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		rails:      p.Rails,
		ledger:     p.Ledger,
		balance:    p.Balance,
		outbox:     p.Outbox,
		cfg:        p.Config,
		locker:     p.Locker,
		clock:      clk,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) AvailableBalance(ctx context.Context, creatorID snowflake.ID) (*domain.AvailableBalance, error) {
	if creatorID <= 0 {
		return nil, domain.ErrInvalidAccount
	}
	return s.available(ctx, s.db, creatorID)
}

func (s *Service) available(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (*domain.AvailableBalance, error) {
	earned, err := s.ledger.WithTx(db).SumNetEarnings(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.Totals(ctx, db, creatorID)
	if err != nil {
		return nil, err
	}
	return &domain.AvailableBalance{
		CreatorID: creatorID,
		Earned:    earned,
		PaidOut:   totals.Done,
		Pending:   totals.Pending,
		Available: earned - totals.Done - totals.Pending,
	}, nil
}

// RequestPayout opens a pending withdrawal. Requests for one creator are
// serialized so two concurrent requests cannot both spend the same balance.
func (s *Service) RequestPayout(ctx context.Context, req domain.RequestPayoutRequest) (*domain.PayoutRequest, error) {
	if req.CreatorID <= 0 {
		return nil, domain.ErrInvalidAccount
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	cfg := s.cfg.Get().Payout
	if req.Amount < cfg.MinAmount {
		return nil, domain.ErrBelowMinimum
	}

	acct := req.Account.Normalize()
	if acct.Rail == "" {
		acct.Rail = strings.ToLower(strings.TrimSpace(cfg.DefaultRail))
	}
	if _, err := s.rails.Get(acct.Rail); err != nil {
		return nil, err
	}
	if err := acct.Validate(); err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(acct)
	if err != nil {
		return nil, err
	}
	rate := cfg.ConversionRate()
	cash := decimal.NewFromInt(req.Amount).Mul(rate).Floor().IntPart()

	var created *domain.PayoutRequest
	err = s.withLock(ctx, creatorLockKey(req.CreatorID), func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := s.repo.LockCreator(ctx, tx, req.CreatorID); err != nil {
				return err
			}
			bal, err := s.available(ctx, tx, req.CreatorID)
			if err != nil {
				return err
			}
			if req.Amount > bal.Available {
				return domain.ErrInsufficientFunds
			}

			now := s.clock.Now()
			item := &domain.PayoutRequest{
				ID:              s.genID.Generate(),
				CreatorID:       req.CreatorID,
				Amount:          req.Amount,
				ConversionRate:  rate.String(),
				CashAmount:      cash,
				Rail:            acct.Rail,
				Status:          domain.StatusPending,
				AccountSnapshot: datatypes.JSON(snapshot),
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := s.repo.Insert(ctx, tx, item); err != nil {
				return err
			}
			created = item
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			s.log.Info("payout rejected for insufficient funds",
				zap.String("creator_id", req.CreatorID.String()),
				zap.Int64("amount", req.Amount),
			)
		}
		return nil, err
	}

	s.record(ctx, created.Rail, obsmetrics.PayoutStatusRequested)
	s.log.Info("payout requested",
		zap.String("payout_request_id", created.ID.String()),
		zap.String("creator_id", created.CreatorID.String()),
		zap.Int64("amount", created.Amount),
		zap.Int64("cash_amount", created.CashAmount),
		zap.String("rail", created.Rail),
	)
	return created, nil
}

// ApprovePayout applies an admin decision. An approved payout is claimed
// (pending to processing) before the rail is called, so two approvals racing
// without the Redis lock still send at most one transfer. It is only marked
// done after the rail confirms; a failed transfer puts it back to pending with
// the error recorded.
func (s *Service) ApprovePayout(ctx context.Context, id snowflake.ID, decision domain.Decision) (*domain.PayoutRequest, error) {
	current, err := s.repo.Find(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrNotFound
	}
	if err := decidable(current.Status); err != nil {
		return nil, err
	}

	note := optionalNote(decision.Note)
	if !decision.Approve {
		return s.reject(ctx, current, note)
	}

	var out *domain.PayoutRequest
	err = s.withLock(ctx, approvalLockKey(id), func() error {
		var err error
		out, err = s.approve(ctx, id, decision, note)
		return err
	})
	return out, err
}

// decidable reports whether an admin may still act on a request in status.
func decidable(status domain.Status) error {
	switch status {
	case domain.StatusPending:
		return nil
	case domain.StatusProcessing:
		return domain.ErrPayoutBusy
	default:
		return domain.ErrAlreadyDecided
	}
}

func (s *Service) reject(ctx context.Context, current *domain.PayoutRequest, note *string) (*domain.PayoutRequest, error) {
	var out *domain.PayoutRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed, err := s.repo.MarkRejected(ctx, tx, current.ID, note, s.clock.Now())
		if err != nil {
			return err
		}
		if !changed {
			return domain.ErrAlreadyDecided
		}
		out, err = s.repo.Find(ctx, tx, current.ID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, current.Rail, obsmetrics.PayoutStatusRejected)
	s.log.Info("payout rejected",
		zap.String("payout_request_id", current.ID.String()),
		zap.String("creator_id", current.CreatorID.String()),
	)
	return out, nil
}

func (s *Service) approve(ctx context.Context, id snowflake.ID, decision domain.Decision, note *string) (*domain.PayoutRequest, error) {
	current, err := s.repo.Find(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, domain.ErrNotFound
	}
	if err := decidable(current.Status); err != nil {
		return nil, err
	}

	rail, err := s.rails.Get(current.Rail)
	if err != nil {
		return nil, err
	}
	if rail.RequiresConfirmation() && !decision.ConfirmedTransfer {
		return nil, domain.ErrTransferNotConfirmed
	}
	acct, err := current.Account()
	if err != nil {
		return nil, err
	}

	creator := account.Performer(current.CreatorID)
	balance, err := s.balance.GetBalance(ctx, creator)
	if err != nil {
		return nil, err
	}
	if balance < current.Amount {
		s.fail(ctx, current, domain.ErrInsufficientFunds.Error(), false)
		return nil, domain.ErrInsufficientFunds
	}

	claimed, err := s.repo.Claim(ctx, s.db, current.ID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, domain.ErrAlreadyDecided
	}

	cfg := s.cfg.Get().Payout
	transferCtx, cancel := context.WithTimeout(ctx, cfg.TransferTimeout)
	defer cancel()
	result, err := rail.Send(transferCtx, domain.Transfer{
		PayoutRequestID: current.ID,
		CreatorID:       current.CreatorID,
		Amount:          current.CashAmount,
		Currency:        cfg.Currency,
		Account:         acct,
		Note:            decision.Note,
		Reference:       decision.Reference,
		IdempotencyKey:  "payout-" + current.ID.String(),
	})
	if err != nil {
		s.fail(ctx, current, err.Error(), true)
		return nil, fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}

	out, err := s.finalize(ctx, current, result.Reference, note)
	if err != nil {
		// Money has left; keep the reference so an operator can reconcile.
		s.log.Error("payout transferred but not recorded",
			zap.String("payout_request_id", current.ID.String()),
			zap.String("external_reference", result.Reference),
			zap.Error(err),
		)
		// It stays processing so no later approval can send it again.
		s.fail(ctx, current, fmt.Sprintf("transferred as %s but not recorded: %v", result.Reference, err), false)
		return nil, err
	}

	s.record(ctx, current.Rail, obsmetrics.PayoutStatusDone)
	s.log.Info("payout completed",
		zap.String("payout_request_id", out.ID.String()),
		zap.String("creator_id", out.CreatorID.String()),
		zap.Int64("amount", out.Amount),
		zap.String("rail", out.Rail),
		zap.String("external_reference", result.Reference),
	)
	return out, nil
}

// finalize marks the request done, consumes earnings oldest first, debits the
// creator and announces the payout, all in one database transaction.
func (s *Service) finalize(ctx context.Context, current *domain.PayoutRequest, reference string, note *string) (*domain.PayoutRequest, error) {
	var out *domain.PayoutRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.LockCreator(ctx, tx, current.CreatorID); err != nil {
			return err
		}
		changed, err := s.repo.MarkDone(ctx, tx, current.ID, note, reference, s.clock.Now())
		if err != nil {
			return err
		}
		if !changed {
			return domain.ErrAlreadyDecided
		}

		ledger := s.ledger.WithTx(tx)
		unpaid, err := ledger.ListUnpaidEarnings(ctx, current.CreatorID)
		if err != nil {
			return err
		}
		if ids := consumeOldestFirst(unpaid, current.Amount); len(ids) > 0 {
			if _, err := ledger.MarkEarningsPaid(ctx, ids, current.ID); err != nil {
				return err
			}
		}

		if _, err := s.balance.WithTx(tx).AdjustBalance(ctx, account.Performer(current.CreatorID), -current.Amount, balancedomain.AdjustOptions{
			AllowNegative: true,
			Source: &balancedomain.Source{
				Type: ledgerdomain.SourcePayout,
				ID:   current.ID,
				Note: "payout " + reference,
			},
			Notify: true,
		}); err != nil {
			return err
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			Channel: events.ChannelPayoutCompleted,
			Payload: events.PayoutCompleted{
				PayoutRequestID: current.ID,
				CreatorID:       current.CreatorID,
				Amount:          current.Amount,
				CashAmount:      current.CashAmount,
				Rail:            current.Rail,
				Reference:       reference,
			},
			DedupeKey: fmt.Sprintf("%s:%s", events.ChannelPayoutCompleted, current.ID),
		}); err != nil {
			return err
		}

		out, err = s.repo.Find(ctx, tx, current.ID, false)
		return err
	})
	return out, err
}

// fail records message on the request. requeue also hands a claimed request
// back to pending so it can be approved again.
func (s *Service) fail(ctx context.Context, current *domain.PayoutRequest, message string, requeue bool) {
	ctx = context.WithoutCancel(ctx)
	record := s.repo.RecordFailure
	if requeue {
		record = s.repo.Release
	}
	if err := record(ctx, s.db, current.ID, message, s.clock.Now()); err != nil {
		s.log.Error("failed to record payout failure",
			zap.String("payout_request_id", current.ID.String()),
			zap.Error(err),
		)
	}
	s.record(ctx, current.Rail, obsmetrics.PayoutStatusFailed)
	s.log.Warn("payout transfer failed",
		zap.String("payout_request_id", current.ID.String()),
		zap.String("rail", current.Rail),
		zap.String("error", message),
	)
}

func (s *Service) GetPayout(ctx context.Context, id snowflake.ID) (*domain.PayoutRequest, error) {
	item, err := s.repo.Find(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) ListPayouts(ctx context.Context, creatorID snowflake.ID, page pagination.Pagination) ([]domain.PayoutRequest, pagination.PageInfo, error) {
	if creatorID <= 0 {
		return nil, pagination.PageInfo{}, domain.ErrInvalidAccount
	}
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	var beforeID snowflake.ID
	if cursor != nil && cursor.ID != "" {
		beforeID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.PageInfo{}, pagination.ErrInvalidPageToken
		}
	}
	limit := page.Limit()
	items, err := s.repo.List(ctx, s.db, creatorID, beforeID, limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	items, info := pagination.Trim(items, limit, func(p domain.PayoutRequest) pagination.Cursor {
		return pagination.Cursor{ID: p.ID.String()}
	})
	return items, info, nil
}

func (s *Service) withLock(ctx context.Context, key string, fn func() error) error {
	err := s.locker.WithLock(ctx, key, s.cfg.Get().Payout.ApprovalLockTTL, fn)
	if errors.Is(err, ratelimit.ErrLockBusy) {
		return domain.ErrPayoutBusy
	}
	return err
}

func (s *Service) record(ctx context.Context, rail, status string) {
	s.metrics.IncPayout(rail, status)
	s.obsMetrics.RecordPayout(ctx, rail, status)
}

// consumeOldestFirst picks earnings, oldest first, while their running total
// still fits in amount.
func consumeOldestFirst(unpaid []ledgerdomain.Earning, amount int64) []snowflake.ID {
	var (
		ids   []snowflake.ID
		total int64
	)
	for _, e := range unpaid {
		if total+e.NetAmount > amount {
			break
		}
		total += e.NetAmount
		ids = append(ids, e.ID)
	}
	return ids
}

func creatorLockKey(id snowflake.ID) string  { return "payout:creator:" + id.String() }
func approvalLockKey(id snowflake.ID) string { return "payout:approve:" + id.String() }

func optionalNote(note string) *string {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	return &note
}
