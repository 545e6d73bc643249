package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"github.com/smallbiznis/creatorledger/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
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
	Repo       paymentdomain.Repository
	Adapters   *adapters.Registry
	Ledger     ledgerdomain.Service
	Balance    balancedomain.Service
	Outbox     *events.Outbox
	Cfg        config.Config
	Limiter    *ratelimit.WebhookLimiter     `optional:"true"`
	Clock      clock.Clock                   `optional:"true"`
	Metrics    *obsmetrics.SettlementMetrics `optional:"true"`
	ObsMetrics *obsmetrics.Metrics           `optional:"true"`
}

// Service turns gateway webhooks into transaction status changes and bus
// events, and opens purchases on the configured rails.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       paymentdomain.Repository
	adapters   *adapters.Registry
	ledger     ledgerdomain.Service
	balance    balancedomain.Service
	outbox     *events.Outbox
	limiter    *ratelimit.WebhookLimiter
	clock      clock.Clock
	metrics    *obsmetrics.SettlementMetrics
	obsMetrics *obsmetrics.Metrics
	encKey     []byte
}

func NewService(p Params) paymentdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		adapters:   p.Adapters,
		ledger:     p.Ledger,
		balance:    p.Balance,
		outbox:     p.Outbox,
		limiter:    p.Limiter,
		clock:      clk,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
		encKey:     deriveKey(p.Cfg.PaymentConfigSecret),
	}
}

// IngestWebhook verifies, records and applies one gateway callback. Anything
// the gateway should not retry comes back as a Result with Handled=false; an
// error means the caller should answer non-2xx so the gateway tries again.
func (s *Service) IngestWebhook(ctx context.Context, provider string, in paymentdomain.Inbound) (paymentdomain.Result, error) {
	provider = adapters.Normalize(provider)
	log := s.log.With(zap.String("provider", provider))
	if !s.adapters.ProviderExists(provider) {
		return s.notHandled(ctx, provider, "", paymentdomain.ReasonUnknownProvider), nil
	}

	if s.limiter != nil {
		res, err := s.limiter.AllowProvider(ctx, provider)
		if err != nil {
			log.Warn("webhook rate limiter unavailable", zap.Error(err))
		} else if !res.Allowed {
			return paymentdomain.Result{}, paymentdomain.ErrWebhookRateLimited
		}
	}

	adapter, err := s.activeAdapter(ctx, provider)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrMissingGatewayConfig) || errors.Is(err, paymentdomain.ErrInvalidConfig) {
			log.Warn("webhook for unconfigured provider", zap.Error(err))
			return s.notHandled(ctx, provider, "", paymentdomain.ReasonNotConfigured), nil
		}
		return paymentdomain.Result{}, err
	}

	if err := adapter.Verify(ctx, in); err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			log.Warn("webhook signature rejected")
			return s.notHandled(ctx, provider, "", paymentdomain.ReasonInvalidSignature), nil
		}
		return paymentdomain.Result{}, err
	}

	n, err := adapter.Parse(ctx, in)
	switch {
	case errors.Is(err, paymentdomain.ErrEventIgnored):
		log.Info("webhook event ignored", zap.Error(err))
		return s.notHandled(ctx, provider, "", paymentdomain.ReasonIgnoredEvent), nil
	case errors.Is(err, paymentdomain.ErrInvalidWebhookPayload), errors.Is(err, paymentdomain.ErrInvalidEvent):
		log.Warn("invalid webhook payload", zap.Error(err))
		return s.notHandled(ctx, provider, "", paymentdomain.ReasonInvalidPayload), nil
	case err != nil:
		return paymentdomain.Result{}, err
	}
	n.Provider = provider
	n.ProviderEventID = strings.TrimSpace(n.ProviderEventID)
	n.CorrelationID = strings.TrimSpace(n.CorrelationID)
	if n.ProviderEventID == "" || n.CorrelationID == "" {
		return s.notHandled(ctx, provider, n.EventType, paymentdomain.ReasonMissingCorrelation), nil
	}
	if n.RawPayload == nil {
		n.RawPayload = in.Payload
	}

	if s.limiter != nil {
		first, err := s.limiter.MarkSeen(ctx, provider, n.ProviderEventID)
		if err != nil {
			log.Warn("webhook fast-path dedupe unavailable", zap.Error(err))
		} else if !first {
			return s.notHandled(ctx, provider, n.EventType, paymentdomain.ReasonDuplicate), nil
		}
	}

	result, err := s.apply(ctx, n)
	if err != nil {
		if s.limiter != nil {
			if ferr := s.limiter.Forget(ctx, provider, n.ProviderEventID); ferr != nil {
				log.Warn("failed to clear webhook marker", zap.Error(ferr))
			}
		}
		log.Error("webhook processing failed",
			zap.String("provider_event_id", n.ProviderEventID),
			zap.Error(err),
		)
		return paymentdomain.Result{}, err
	}

	s.count(ctx, provider, n.EventType, result)
	fields := []zap.Field{
		zap.String("provider_event_id", n.ProviderEventID),
		zap.String("event_type", n.EventType),
		zap.String("status", string(n.Status)),
		zap.Bool("handled", result.Handled),
		zap.String("reason", result.Reason),
	}
	if result.TransactionID != nil {
		fields = append(fields, zap.String("transaction_id", result.TransactionID.String()))
	}
	log.Info("webhook processed", fields...)
	return result, nil
}

// apply records the webhook and its effects in one database transaction so a
// crash can never leave a stored event without its status change.
func (s *Service) apply(ctx context.Context, n *paymentdomain.Notification) (paymentdomain.Result, error) {
	var result paymentdomain.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		record := paymentdomain.WebhookEvent{
			ID:              s.genID.Generate(),
			Provider:        n.Provider,
			ProviderEventID: n.ProviderEventID,
			EventType:       n.EventType,
			TransactionID:   n.TransactionID,
			Payload:         datatypes.JSON(n.RawPayload),
			ReceivedAt:      now,
		}
		inserted, err := s.repo.InsertEvent(ctx, tx, &record)
		if err != nil {
			return err
		}
		if !inserted {
			stored, err := s.repo.FindEvent(ctx, tx, n.Provider, n.ProviderEventID)
			if err != nil {
				return err
			}
			if stored == nil || stored.ProcessedAt != nil {
				result = paymentdomain.Result{Reason: paymentdomain.ReasonDuplicate}
				return nil
			}
			record = *stored
		}

		result, err = s.applyNotification(ctx, tx, n)
		if err != nil {
			return err
		}
		outcome := "handled"
		if !result.Handled {
			outcome = result.Reason
		}
		return s.repo.MarkProcessed(ctx, tx, record.ID, result.TransactionID, outcome, now)
	})
	return result, err
}

func (s *Service) applyNotification(ctx context.Context, tx *gorm.DB, n *paymentdomain.Notification) (paymentdomain.Result, error) {
	if n.Recurring && n.Status == paymentdomain.StatusSucceeded {
		return s.applyRenewal(ctx, tx, n)
	}

	ledger := s.ledger.WithTx(tx)
	t, err := s.resolveTransaction(ctx, ledger, n)
	if errors.Is(err, ledgerdomain.ErrNotFound) {
		return paymentdomain.Result{Reason: paymentdomain.ReasonUnknownTransaction}, nil
	}
	if err != nil {
		return paymentdomain.Result{}, err
	}
	id := t.ID
	result := paymentdomain.Result{TransactionID: &id}

	if n.Status == paymentdomain.StatusRefunded {
		switch t.Status {
		case ledgerdomain.StatusSucceeded:
		case ledgerdomain.StatusRefunded:
			result.Reason = paymentdomain.ReasonAlreadyApplied
			return result, nil
		default:
			result.Reason = paymentdomain.ReasonNotRefundable
			return result, nil
		}
		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			Channel:   events.ChannelOrderRefunded,
			Payload:   events.OrderRefunded{TransactionID: t.ID, Reason: n.EventType},
			DedupeKey: fmt.Sprintf("%s:%s", events.ChannelOrderRefunded, t.ID),
		}); err != nil {
			return result, err
		}
		result.Handled = true
		return result, nil
	}

	updated, changed, err := ledger.MarkStatus(ctx, t.ID, ledgerStatus(n.Status), ledgerdomain.GatewayPayload{
		Provider:      n.Provider,
		CorrelationID: n.CorrelationID,
		Payload:       datatypes.JSON(n.RawPayload),
	})
	switch {
	case errors.Is(err, ledgerdomain.ErrInvalidTransition):
		result.Reason = paymentdomain.ReasonTerminalTransaction
		return result, nil
	case errors.Is(err, ledgerdomain.ErrDuplicateCorrelation):
		result.Reason = paymentdomain.ReasonDuplicate
		return result, nil
	case err != nil:
		return result, err
	case !changed:
		result.Reason = paymentdomain.ReasonAlreadyApplied
		return result, nil
	}

	if updated.Status == ledgerdomain.StatusSucceeded {
		if err := s.publishSucceeded(ctx, tx, updated); err != nil {
			return result, err
		}
	}
	result.Handled = true
	return result, nil
}

// applyRenewal records a billing cycle as its own succeeded transaction,
// copied from the original sale.
// renewalPricing prices a recurring cycle from what the provider billed. The
// parent's line items are reused only when the notification carries no amount.
func renewalPricing(parent *ledgerdomain.Transaction, n *paymentdomain.Notification) ([]ledgerdomain.LineItem, string) {
	currency := parent.Currency
	if n.Currency != "" {
		currency = strings.ToUpper(n.Currency)
	}
	if n.Amount <= 0 {
		return []ledgerdomain.LineItem(parent.LineItems), currency
	}
	item := ledgerdomain.LineItem{Name: string(parent.Category), CreatorID: parent.CreatorID, Quantity: 1, UnitPrice: n.Amount}
	if len(parent.LineItems) > 0 {
		first := parent.LineItems[0]
		item.Name = first.Name
		item.ProductID = first.ProductID
		if first.CreatorID != nil {
			item.CreatorID = first.CreatorID
		}
	}
	return []ledgerdomain.LineItem{item}, currency
}

func (s *Service) applyRenewal(ctx context.Context, tx *gorm.DB, n *paymentdomain.Notification) (paymentdomain.Result, error) {
	ledger := s.ledger.WithTx(tx)

	if existing, err := ledger.FindByCorrelation(ctx, n.Provider, n.CorrelationID); err == nil {
		id := existing.ID
		return paymentdomain.Result{Reason: paymentdomain.ReasonAlreadyApplied, TransactionID: &id}, nil
	} else if !errors.Is(err, ledgerdomain.ErrNotFound) {
		return paymentdomain.Result{}, err
	}

	parent, err := s.resolveParent(ctx, ledger, n)
	if errors.Is(err, ledgerdomain.ErrNotFound) {
		return paymentdomain.Result{Reason: paymentdomain.ReasonUnknownTransaction}, nil
	}
	if err != nil {
		return paymentdomain.Result{}, err
	}

	lineItems, currency := renewalPricing(parent, n)
	if n.Amount > 0 && n.Amount != parent.OriginalPrice {
		s.log.Info("renewal billed at a different amount than the original sale",
			zap.String("parent_transaction_id", parent.ID.String()),
			zap.Int64("original_price", parent.OriginalPrice),
			zap.Int64("renewal_amount", n.Amount),
		)
	}
	contentType := ""
	if parent.ContentType != nil {
		contentType = *parent.ContentType
	}
	parentID := parent.ID
	child, err := ledger.CreateTransaction(ctx, ledgerdomain.CreateTransactionRequest{
		Payer:               parent.Payer(),
		CreatorID:           parent.CreatorID,
		TargetType:          parent.TargetType,
		TargetID:            parent.TargetID,
		Category:            parent.Category,
		ContentType:         contentType,
		ContentID:           parent.ContentID,
		LineItems:           lineItems,
		Currency:            currency,
		TokenAmount:         parent.TokenAmount,
		Gateway:             n.Provider,
		CorrelationID:       n.CorrelationID,
		ParentTransactionID: &parentID,
		Status:              ledgerdomain.StatusSucceeded,
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateCorrelation) {
		return paymentdomain.Result{Reason: paymentdomain.ReasonAlreadyApplied}, nil
	}
	if err != nil {
		return paymentdomain.Result{}, err
	}
	if err := s.publishSucceeded(ctx, tx, child); err != nil {
		return paymentdomain.Result{}, err
	}
	id := child.ID
	return paymentdomain.Result{Handled: true, TransactionID: &id}, nil
}

// resolveTransaction prefers our id echoed back in provider metadata, then
// the provider's own references. A transaction on another rail never matches.
func (s *Service) resolveTransaction(ctx context.Context, ledger ledgerdomain.Service, n *paymentdomain.Notification) (*ledgerdomain.Transaction, error) {
	if n.TransactionID != nil {
		t, err := ledger.GetTransaction(ctx, *n.TransactionID)
		if err == nil && t.Gateway == n.Provider {
			return t, nil
		}
		if err != nil && !errors.Is(err, ledgerdomain.ErrNotFound) {
			return nil, err
		}
	}
	for _, ref := range []string{n.CorrelationID, n.FallbackCorrelationID} {
		if strings.TrimSpace(ref) == "" {
			continue
		}
		t, err := ledger.FindByCorrelation(ctx, n.Provider, ref)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ledgerdomain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, ledgerdomain.ErrNotFound
}

func (s *Service) resolveParent(ctx context.Context, ledger ledgerdomain.Service, n *paymentdomain.Notification) (*ledgerdomain.Transaction, error) {
	if n.TransactionID != nil {
		t, err := ledger.GetTransaction(ctx, *n.TransactionID)
		if err == nil && t.Gateway == n.Provider && !t.IsToken {
			return t, nil
		}
		if err != nil && !errors.Is(err, ledgerdomain.ErrNotFound) {
			return nil, err
		}
	}
	if n.ParentCorrelationID == "" {
		return nil, ledgerdomain.ErrNotFound
	}
	return ledger.FindByCorrelation(ctx, n.Provider, n.ParentCorrelationID)
}

func (s *Service) publishSucceeded(ctx context.Context, tx *gorm.DB, t *ledgerdomain.Transaction) error {
	channel := events.ChannelTransactionSucceeded
	if t.IsToken {
		channel = events.ChannelTokenTransactionSucceeded
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Channel:   channel,
		Payload:   events.TransactionSucceeded{TransactionID: t.ID, Action: events.ActionCreated},
		DedupeKey: fmt.Sprintf("%s:%s", channel, t.ID),
	})
}

func (s *Service) notHandled(ctx context.Context, provider, eventType, reason string) paymentdomain.Result {
	result := paymentdomain.Result{Reason: reason}
	s.count(ctx, provider, eventType, result)
	return result
}

func (s *Service) count(ctx context.Context, provider, eventType string, result paymentdomain.Result) {
	outcome := "handled"
	if !result.Handled {
		outcome = result.Reason
	}
	if s.metrics != nil {
		s.metrics.IncWebhook(provider, outcome)
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, provider, eventType, outcome)
	}
}

func ledgerStatus(status paymentdomain.Status) ledgerdomain.TransactionStatus {
	switch status {
	case paymentdomain.StatusSucceeded:
		return ledgerdomain.StatusSucceeded
	case paymentdomain.StatusFailed:
		return ledgerdomain.StatusFailed
	case paymentdomain.StatusRequiresAction:
		return ledgerdomain.StatusRequiresAction
	case paymentdomain.StatusPending:
		return ledgerdomain.StatusProcessing
	default:
		return ""
	}
}
