package service

import (
	"context"
	"errors"

	"github.com/smallbiznis/creatorledger/internal/events"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"github.com/smallbiznis/creatorledger/internal/settlement/domain"
	"go.uber.org/zap"
)

const (
	subscriberEarnings = "settlement.earnings"
	subscriberReversal = "settlement.reversal"
)

// Subscriptions wires the engine onto the bus.
func Subscriptions(s *Service) []events.Subscription {
	return []events.Subscription{
		{Channel: events.ChannelTransactionSucceeded, Name: subscriberEarnings, Handler: s.HandleTransactionSucceeded},
		{Channel: events.ChannelTokenTransactionSucceeded, Name: subscriberEarnings, Handler: s.HandleTransactionSucceeded},
		{Channel: events.ChannelContentDeleted, Name: subscriberReversal, Handler: s.HandleContentDeleted},
		{Channel: events.ChannelOrderRefunded, Name: subscriberReversal, Handler: s.HandleOrderRefunded},
	}
}

// HandleTransactionSucceeded never returns an error: a failed settlement is
// recorded for operators and the recovery job, not retried by the bus.
func (s *Service) HandleTransactionSucceeded(ctx context.Context, msg events.Message) error {
	ctx = obscontext.WithActor(ctx, "subscriber", subscriberEarnings)
	log := s.log.With(zap.String("channel", string(msg.Channel)), zap.String("event_id", msg.EventID.String()))

	var payload events.TransactionSucceeded
	if err := msg.Decode(&payload); err != nil || payload.TransactionID <= 0 {
		log.Warn("ignoring malformed settlement event", zap.Error(err))
		s.countSettlement(msg.Channel, obsmetrics.SettlementOutcomeIgnored)
		return nil
	}
	if payload.Action != events.ActionCreated {
		s.countSettlement(msg.Channel, obsmetrics.SettlementOutcomeIgnored)
		return nil
	}

	t, err := s.ledger.GetTransaction(ctx, payload.TransactionID)
	if err == nil && t.IsToken != (msg.Channel == events.ChannelTokenTransactionSucceeded) {
		log.Warn("transaction published on the wrong channel",
			zap.String("transaction_id", payload.TransactionID.String()),
			zap.Bool("is_token", t.IsToken),
		)
		s.countSettlement(msg.Channel, obsmetrics.SettlementOutcomeIgnored)
		return nil
	}

	outcome, err := s.SettleTransaction(ctx, payload.TransactionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("settlement event for unknown transaction",
				zap.String("transaction_id", payload.TransactionID.String()))
			s.countSettlement(msg.Channel, obsmetrics.SettlementOutcomeIgnored)
			return nil
		}
		log.Error("settlement failed",
			zap.String("transaction_id", payload.TransactionID.String()),
			zap.Error(err),
		)
		s.recordFailure(ctx, msg, ptrID(payload.TransactionID), nil, err)
		s.countSettlement(msg.Channel, obsmetrics.SettlementOutcomeFailed)
		return nil
	}

	switch outcome {
	case domain.OutcomeSettled:
		s.countSettlement(msg.Channel, obsmetrics.SettlementOutcomeRecorded)
	case domain.OutcomeDuplicate:
		log.Debug("transaction already settled", zap.String("transaction_id", payload.TransactionID.String()))
		s.countSettlement(msg.Channel, obsmetrics.SettlementOutcomeDuplicate)
	default:
		s.countSettlement(msg.Channel, obsmetrics.SettlementOutcomeIgnored)
	}
	return nil
}

func (s *Service) HandleContentDeleted(ctx context.Context, msg events.Message) error {
	ctx = obscontext.WithActor(ctx, "subscriber", subscriberReversal)

	var payload events.ContentDeleted
	if err := msg.Decode(&payload); err != nil || payload.ContentType == "" || payload.ContentID <= 0 {
		s.log.Warn("ignoring malformed content-deleted event", zap.String("event_id", msg.EventID.String()), zap.Error(err))
		return nil
	}

	_, failures, err := s.reverseContent(ctx, payload.ContentType, payload.ContentID, ReasonContentDeleted)
	for _, f := range failures {
		s.recordFailure(ctx, msg, ptrID(f.TransactionID), ptrID(f.EarningID), f.Err)
	}
	if err != nil {
		s.log.Error("content reversal aborted",
			zap.String("content_type", payload.ContentType),
			zap.String("content_id", payload.ContentID.String()),
			zap.Error(err),
		)
		s.recordFailure(ctx, msg, nil, nil, err)
	}
	return nil
}

func (s *Service) HandleOrderRefunded(ctx context.Context, msg events.Message) error {
	ctx = obscontext.WithActor(ctx, "subscriber", subscriberReversal)

	var payload events.OrderRefunded
	if err := msg.Decode(&payload); err != nil || payload.TransactionID <= 0 {
		s.log.Warn("ignoring malformed order-refunded event", zap.String("event_id", msg.EventID.String()), zap.Error(err))
		return nil
	}

	report, err := s.ReverseTransaction(ctx, payload.TransactionID, ReasonOrderRefunded)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warn("refund for unknown transaction", zap.String("transaction_id", payload.TransactionID.String()))
			return nil
		}
		s.log.Error("refund reversal failed",
			zap.String("transaction_id", payload.TransactionID.String()),
			zap.Error(err),
		)
		s.recordFailure(ctx, msg, ptrID(payload.TransactionID), nil, err)
		return nil
	}
	s.log.Info("order refunded",
		zap.String("transaction_id", payload.TransactionID.String()),
		zap.String("reason", payload.Reason),
		zap.Int("reversed", report.Reversed),
	)
	return nil
}

func (s *Service) countSettlement(channel events.Channel, outcome string) {
	if s.metrics != nil {
		s.metrics.IncSettlement(string(channel), outcome)
	}
}
