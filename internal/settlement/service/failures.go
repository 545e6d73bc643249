package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/events"
	"github.com/smallbiznis/creatorledger/internal/observability/tracing"
	"github.com/smallbiznis/creatorledger/internal/settlement/domain"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"go.uber.org/zap"
)

// recordFailure persists a failed settlement for operators. It writes outside
// any settlement transaction so the record survives the rollback.
func (s *Service) recordFailure(ctx context.Context, msg events.Message, transactionID, earningID *snowflake.ID, cause error) {
	reason := "unknown"
	if cause != nil {
		reason = tracing.SafeError(cause).Error()
	}
	failure := &domain.Failure{
		ID:            s.genID.Generate(),
		Channel:       msg.Channel,
		EventID:       msg.EventID,
		TransactionID: transactionID,
		EarningID:     earningID,
		Reason:        reason,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Create(failure).Error; err != nil {
		s.log.Error("failed to persist settlement failure",
			zap.String("channel", string(msg.Channel)),
			zap.String("event_id", msg.EventID.String()),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
	if s.metrics != nil {
		s.metrics.IncFailure(string(msg.Channel))
	}
}

func (s *Service) hasOpenFailure(ctx context.Context, transactionID snowflake.ID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Failure{}).
		Where("transaction_id = ? AND resolved_at IS NULL", transactionID).
		Count(&count).Error
	return count > 0, err
}

// FailedCount is the number of unresolved settlement failures.
func (s *Service) FailedCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.Failure{}).
		Where("resolved_at IS NULL").
		Count(&count).Error
	return count, err
}

func (s *Service) ListFailures(ctx context.Context, page pagination.Pagination) ([]domain.Failure, pagination.PageInfo, error) {
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	limit := page.Limit()
	query := s.db.WithContext(ctx).Where("resolved_at IS NULL")
	if cursor != nil && cursor.ID != "" {
		beforeID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, pagination.PageInfo{}, pagination.ErrInvalidPageToken
		}
		query = query.Where("id < ?", beforeID)
	}
	var items []domain.Failure
	if err := query.Order("id DESC").Limit(limit + 1).Find(&items).Error; err != nil {
		return nil, pagination.PageInfo{}, err
	}
	items, info := pagination.Trim(items, limit, func(f domain.Failure) pagination.Cursor {
		return pagination.Cursor{ID: f.ID.String()}
	})
	return items, info, nil
}

func (s *Service) ResolveFailure(ctx context.Context, id snowflake.ID) error {
	res := s.db.WithContext(ctx).Model(&domain.Failure{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Update("resolved_at", s.clock.Now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func ptrID(id snowflake.ID) *snowflake.ID {
	if id <= 0 {
		return nil
	}
	return &id
}
