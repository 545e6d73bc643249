package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
	"github.com/smallbiznis/creatorledger/internal/clock"
	commissiondomain "github.com/smallbiznis/creatorledger/internal/commission/domain"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"github.com/smallbiznis/creatorledger/internal/settlement/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tracerName = "github.com/smallbiznis/creatorledger/internal/settlement"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Ledger     ledgerdomain.Service
	Balance    balancedomain.Service
	Commission commissiondomain.Service
	Outbox     *events.Outbox
	Config     *config.SettlementConfigHolder
	Content    domain.ContentStore           `optional:"true"`
	Clock      clock.Clock                   `optional:"true"`
	Metrics    *obsmetrics.SettlementMetrics `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
}

// Service turns succeeded payments into earnings and balance mutations, and
// undoes them when content is removed or an order is refunded.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	ledger     ledgerdomain.Service
	balance    balancedomain.Service
	commission commissiondomain.Service
	outbox     *events.Outbox
	cfg        *config.SettlementConfigHolder
	content    domain.ContentStore
	clock      clock.Clock
	metrics    *obsmetrics.SettlementMetrics
	obsMetrics *obsmetrics.Metrics
	tracer     trace.Tracer
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	content := p.Content
	if content == nil {
		content = deletedContent{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("settlement.service"),
		genID:      p.GenID,
		ledger:     p.Ledger,
		balance:    p.Balance,
		commission: p.Commission,
		outbox:     p.Outbox,
		cfg:        p.Config,
		content:    content,
		clock:      clk,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
		tracer:     otel.Tracer(tracerName),
	}
}

// AsDomain exposes the engine through its domain interface.
func AsDomain(s *Service) domain.Service { return s }

// SettleTransaction applies the settlement side effects of a succeeded
// transaction exactly once. Replays return OutcomeDuplicate.
func (s *Service) SettleTransaction(ctx context.Context, transactionID snowflake.ID) (domain.Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "settlement.settle_transaction",
		trace.WithAttributes(attribute.String("transaction.id", transactionID.String())))
	defer span.End()

	t, err := s.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrNotFound) {
			return domain.OutcomeIgnored, domain.ErrNotFound
		}
		return "", err
	}
	if t.Status != ledgerdomain.StatusSucceeded {
		s.log.Debug("transaction not succeeded, skipping",
			zap.String("transaction_id", t.ID.String()),
			zap.String("status", string(t.Status)),
		)
		return domain.OutcomeIgnored, nil
	}

	if t.TargetType == ledgerdomain.TargetTokenPackage {
		return s.settleTokenPackage(ctx, t)
	}
	if t.CreatorID == nil || *t.CreatorID <= 0 || t.FinalPrice <= 0 {
		return domain.OutcomeIgnored, nil
	}
	return s.settleEarning(ctx, t)
}

func (s *Service) settleEarning(ctx context.Context, t *ledgerdomain.Transaction) (domain.Outcome, error) {
	if _, err := s.ledger.FindEarningByTransaction(ctx, t.ID); err == nil {
		return domain.OutcomeDuplicate, nil
	} else if !errors.Is(err, ledgerdomain.ErrNotFound) {
		return "", err
	}

	creatorID := *t.CreatorID
	resolution, err := s.commission.Resolve(ctx, creatorID, t.Category)
	if err != nil {
		return "", fmt.Errorf("resolve commission: %w", err)
	}
	split := commissiondomain.ComputeSplit(t.FinalPrice, resolution.Rate)

	var earning *ledgerdomain.Earning
	stale := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := s.ledger.WithTx(tx)
		// A refund may have landed since the handler read the transaction.
		current, err := ledger.LockTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		if current.Status != ledgerdomain.StatusSucceeded {
			stale = true
			return nil
		}

		earning, err = ledger.CreateEarning(ctx, ledgerdomain.CreateEarningRequest{
			Transaction:      t,
			CreatorID:        creatorID,
			GrossAmount:      split.Gross,
			CommissionRate:   split.Rate.String(),
			CommissionAmount: split.Commission,
			NetAmount:        split.Net,
		})
		if err != nil {
			return err
		}

		balances := s.balance.WithTx(tx)
		if split.Net > 0 {
			if _, err := balances.AdjustBalance(ctx, earning.Creator(), split.Net, balancedomain.AdjustOptions{
				Source: &balancedomain.Source{Type: ledgerdomain.SourceEarning, ID: earning.ID},
				Notify: true,
			}); err != nil {
				return fmt.Errorf("credit creator: %w", err)
			}
		}
		// Cash was captured by the gateway; only token purchases draw down
		// the payer's balance.
		if t.IsToken {
			if _, err := balances.AdjustBalance(ctx, t.Payer(), -split.Gross, balancedomain.AdjustOptions{
				Source: &balancedomain.Source{Type: ledgerdomain.SourcePurchase, ID: t.ID},
				Notify: true,
			}); err != nil {
				return fmt.Errorf("debit payer: %w", err)
			}
		}

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			Channel: events.ChannelEarningRecorded,
			Payload: events.EarningRecorded{
				EarningID:     earning.ID,
				TransactionID: t.ID,
				CreatorID:     creatorID,
				Category:      string(t.Category),
				Gross:         split.Gross,
				Commission:    split.Commission,
				Net:           split.Net,
				Rate:          split.Rate.String(),
				IsToken:       t.IsToken,
			},
			DedupeKey: fmt.Sprintf("%s:%s", events.ChannelEarningRecorded, t.ID),
		}); err != nil {
			return err
		}
		return s.publishCouponUsed(ctx, tx, t)
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateSettlement) {
		return domain.OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	if stale {
		s.log.Info("transaction left succeeded before settlement, skipping",
			zap.String("transaction_id", t.ID.String()),
		)
		return domain.OutcomeIgnored, nil
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordEarning(ctx, string(t.Category), t.IsToken, split.Gross)
	}
	s.log.Info("earning recorded",
		zap.String("transaction_id", t.ID.String()),
		zap.String("earning_id", earning.ID.String()),
		zap.String("creator_id", creatorID.String()),
		zap.String("category", string(t.Category)),
		zap.String("rate", split.Rate.String()),
		zap.String("rate_source", string(resolution.Source)),
		zap.Int64("gross", split.Gross),
		zap.Int64("net", split.Net),
		zap.Bool("is_token", t.IsToken),
	)
	return domain.OutcomeSettled, nil
}

// settleTokenPackage credits the purchased tokens. The settled_at claim makes
// it run once; there is no earning for a token package.
func (s *Service) settleTokenPackage(ctx context.Context, t *ledgerdomain.Transaction) (domain.Outcome, error) {
	if t.TokenAmount <= 0 {
		return domain.OutcomeIgnored, nil
	}
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.ledger.WithTx(tx).ClaimSettlement(ctx, t.ID)
		if err != nil || !ok {
			return err
		}
		claimed = true
		if _, err := s.balance.WithTx(tx).AdjustBalance(ctx, t.Payer(), t.TokenAmount, balancedomain.AdjustOptions{
			Source: &balancedomain.Source{Type: ledgerdomain.SourceTokenPackage, ID: t.ID},
			Notify: true,
		}); err != nil {
			return fmt.Errorf("credit tokens: %w", err)
		}
		return s.publishCouponUsed(ctx, tx, t)
	})
	if err != nil {
		return "", err
	}
	if !claimed {
		return domain.OutcomeDuplicate, nil
	}
	s.log.Info("token package settled",
		zap.String("transaction_id", t.ID.String()),
		zap.String("payer", t.Payer().String()),
		zap.Int64("tokens", t.TokenAmount),
	)
	return domain.OutcomeSettled, nil
}

func (s *Service) publishCouponUsed(ctx context.Context, tx *gorm.DB, t *ledgerdomain.Transaction) error {
	if len(t.CouponSnapshot) == 0 {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Channel: events.ChannelCouponUsed,
		Payload: events.CouponUsed{
			TransactionID: t.ID,
			Coupon:        []byte(t.CouponSnapshot),
			PayerKind:     string(t.PayerKind),
			PayerID:       t.PayerID,
		},
		DedupeKey: fmt.Sprintf("%s:%s", events.ChannelCouponUsed, t.ID),
	})
}

// PublishContentDeleted queues a reversal for every purchase of the content.
func (s *Service) PublishContentDeleted(ctx context.Context, contentType string, contentID snowflake.ID) error {
	if contentType == "" || contentID <= 0 {
		return domain.ErrInvalidContent
	}
	return s.outbox.Publish(ctx, events.Event{
		Channel: events.ChannelContentDeleted,
		Payload: events.ContentDeleted{ContentType: contentType, ContentID: contentID},
		DedupeKey: fmt.Sprintf("%s:%s:%s",
			events.ChannelContentDeleted, contentType, contentID),
	})
}

// RecoverUnsettled re-publishes succeeded transactions that still lack their
// settlement effects, skipping ones an operator is already looking at.
func (s *Service) RecoverUnsettled(ctx context.Context, limit int) (int, error) {
	cfg := s.cfg.Get()
	now := s.clock.Now()
	items, err := s.ledger.ListUnsettled(ctx, now.Add(-cfg.RecoverAfter), limit)
	if err != nil {
		return 0, err
	}
	republished := 0
	for _, t := range items {
		open, err := s.hasOpenFailure(ctx, t.ID)
		if err != nil {
			return republished, err
		}
		if open {
			continue
		}
		channel := events.ChannelTransactionSucceeded
		if t.IsToken {
			channel = events.ChannelTokenTransactionSucceeded
		}
		if err := s.outbox.Publish(ctx, events.Event{
			Channel:   channel,
			Payload:   events.TransactionSucceeded{TransactionID: t.ID, Action: events.ActionCreated},
			DedupeKey: fmt.Sprintf("%s:%s:recover:%d", channel, t.ID, now.Unix()),
		}); err != nil {
			return republished, err
		}
		republished++
	}
	if republished > 0 {
		s.log.Warn("republished unsettled transactions", zap.Int("count", republished))
	}
	return republished, nil
}

type deletedContent struct{}

func (deletedContent) Exists(context.Context, string, snowflake.ID) (bool, error) {
	return false, nil
}
