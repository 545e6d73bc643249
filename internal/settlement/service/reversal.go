package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"github.com/smallbiznis/creatorledger/internal/settlement/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	ReasonContentDeleted = "content_deleted"
	ReasonOrderRefunded  = "order_refunded"
)

// itemFailure carries a per-item reversal error up to the handler so it can
// be recorded without aborting the batch.
type itemFailure struct {
	TransactionID snowflake.ID
	EarningID     snowflake.ID
	Err           error
}

// ReverseContent reverses every earning tied to deleted content, one page at
// a time. A failing item is reported and skipped; the rest still reverse.
func (s *Service) ReverseContent(ctx context.Context, contentType string, contentID snowflake.ID, reason string) (domain.ReversalReport, error) {
	report, _, err := s.reverseContent(ctx, contentType, contentID, reason)
	return report, err
}

func (s *Service) reverseContent(ctx context.Context, contentType string, contentID snowflake.ID, reason string) (domain.ReversalReport, []itemFailure, error) {
	var report domain.ReversalReport
	if contentType == "" || contentID <= 0 {
		return report, nil, domain.ErrInvalidContent
	}

	ctx, span := s.tracer.Start(ctx, "settlement.reverse_content",
		trace.WithAttributes(
			attribute.String("content.type", contentType),
			attribute.String("content.id", contentID.String()),
		))
	defer span.End()

	exists, err := s.content.Exists(ctx, contentType, contentID)
	if err != nil {
		return report, nil, fmt.Errorf("content lookup: %w", err)
	}
	if exists {
		s.log.Info("content still exists, ignoring deletion event",
			zap.String("content_type", contentType),
			zap.String("content_id", contentID.String()),
		)
		return report, nil, nil
	}

	pageSize := s.cfg.Get().ReversalPageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	target := ledgerdomain.EarningTarget{ContentType: contentType, ContentID: &contentID}

	var failures []itemFailure
	var afterID snowflake.ID
	for {
		page, err := s.ledger.ListEarningsByTarget(ctx, target, afterID, pageSize)
		if err != nil {
			return report, failures, err
		}
		for _, earning := range page {
			reversed, err := s.reverseEarning(ctx, earning, reason)
			switch {
			case err != nil:
				report.Failed++
				failures = append(failures, itemFailure{
					TransactionID: earning.TransactionID,
					EarningID:     earning.ID,
					Err:           err,
				})
				s.log.Error("earning reversal failed",
					zap.String("earning_id", earning.ID.String()),
					zap.String("transaction_id", earning.TransactionID.String()),
					zap.Error(err),
				)
			case reversed:
				report.Reversed++
			default:
				report.Skipped++
			}
		}
		if len(page) < pageSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	s.log.Info("content reversal finished",
		zap.String("content_type", contentType),
		zap.String("content_id", contentID.String()),
		zap.Int("reversed", report.Reversed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, failures, nil
}

// ReverseTransaction undoes the settlement of one refunded transaction. No
// earning is not an error: the transaction may never have settled.
func (s *Service) ReverseTransaction(ctx context.Context, transactionID snowflake.ID, reason string) (domain.ReversalReport, error) {
	var report domain.ReversalReport

	ctx, span := s.tracer.Start(ctx, "settlement.reverse_transaction",
		trace.WithAttributes(attribute.String("transaction.id", transactionID.String())))
	defer span.End()

	t, err := s.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrNotFound) {
			return report, domain.ErrNotFound
		}
		return report, err
	}

	if t.TargetType == ledgerdomain.TargetTokenPackage {
		reversed, err := s.refundTokenPackage(ctx, t)
		if err != nil {
			report.Failed++
			return report, err
		}
		if reversed {
			report.Reversed++
		} else {
			report.Skipped++
		}
		return report, nil
	}

	earning, err := s.ledger.FindEarningByTransaction(ctx, transactionID)
	if errors.Is(err, ledgerdomain.ErrNotFound) {
		earning, err = s.refundUnsettled(ctx, transactionID)
		if err != nil {
			return report, err
		}
		if earning == nil {
			report.Skipped++
			return report, nil
		}
	} else if err != nil {
		return report, err
	}

	reversed, err := s.reverseEarning(ctx, *earning, reason)
	if err != nil {
		report.Failed++
		return report, err
	}
	if reversed {
		report.Reversed++
	} else {
		report.Skipped++
	}
	return report, nil
}

// reverseEarning deletes the earning, debits the creator the full gross,
// refunds the payer's tokens for token purchases and marks the transaction
// refunded, all in one database transaction. It returns false when another
// worker already reversed the earning.
func (s *Service) reverseEarning(ctx context.Context, earning ledgerdomain.Earning, reason string) (bool, error) {
	reversed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := s.ledger.WithTx(tx)
		item, err := ledger.ReverseEarning(ctx, earning.ID)
		if errors.Is(err, ledgerdomain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		reversed = true

		balances := s.balance.WithTx(tx)
		source := &balancedomain.Source{Type: ledgerdomain.SourceEarningReversal, ID: item.ID, Note: reason}
		if _, err := balances.AdjustBalance(ctx, item.Creator(), -item.GrossAmount, balancedomain.AdjustOptions{
			AllowNegative: true,
			Source:        source,
			Notify:        true,
		}); err != nil {
			return fmt.Errorf("debit creator: %w", err)
		}
		if item.IsToken {
			if _, err := balances.AdjustBalance(ctx, item.Payer(), item.GrossAmount, balancedomain.AdjustOptions{
				Source: source,
				Notify: true,
			}); err != nil {
				return fmt.Errorf("refund payer: %w", err)
			}
		}

		if _, _, err := ledger.MarkRefunded(ctx, item.TransactionID); err != nil &&
			!errors.Is(err, ledgerdomain.ErrInvalidTransition) && !errors.Is(err, ledgerdomain.ErrNotFound) {
			return err
		}
		return nil
	})

	outcome := obsmetrics.ReversalOutcomeSkipped
	switch {
	case err != nil:
		outcome = obsmetrics.ReversalOutcomeFailed
	case reversed:
		outcome = obsmetrics.ReversalOutcomeReversed
		if s.obsMetrics != nil {
			s.obsMetrics.RecordReversal(ctx, reason)
		}
	}
	if s.metrics != nil {
		s.metrics.IncReversal(reason, outcome)
	}
	return reversed, err
}

// refundUnsettled marks a transaction without an earning refunded. The row
// lock orders it against a concurrent settlement; if that settlement won, the
// earning it wrote is returned for reversal instead.
func (s *Service) refundUnsettled(ctx context.Context, transactionID snowflake.ID) (*ledgerdomain.Earning, error) {
	var settled *ledgerdomain.Earning
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ledger := s.ledger.WithTx(tx)
		if _, err := ledger.LockTransaction(ctx, transactionID); err != nil {
			return err
		}
		earning, err := ledger.FindEarningByTransaction(ctx, transactionID)
		if err == nil {
			settled = earning
			return nil
		}
		if !errors.Is(err, ledgerdomain.ErrNotFound) {
			return err
		}
		if _, _, err := ledger.MarkRefunded(ctx, transactionID); err != nil && !errors.Is(err, ledgerdomain.ErrInvalidTransition) {
			return err
		}
		return nil
	})
	return settled, err
}

// refundTokenPackage claws back purchased tokens once, when the gateway
// refunds the package. The payer may go negative if the tokens were spent.
func (s *Service) refundTokenPackage(ctx context.Context, t *ledgerdomain.Transaction) (bool, error) {
	refunded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh, changed, err := s.ledger.WithTx(tx).MarkRefunded(ctx, t.ID)
		if err != nil {
			if errors.Is(err, ledgerdomain.ErrInvalidTransition) {
				return nil
			}
			return err
		}
		if !changed || fresh.SettledAt == nil || fresh.TokenAmount <= 0 {
			return nil
		}
		refunded = true
		_, err = s.balance.WithTx(tx).AdjustBalance(ctx, fresh.Payer(), -fresh.TokenAmount, balancedomain.AdjustOptions{
			AllowNegative: true,
			Source:        &balancedomain.Source{Type: ledgerdomain.SourceTokenRefund, ID: t.ID},
			Notify:        true,
		})
		return err
	})
	return refunded, err
}
