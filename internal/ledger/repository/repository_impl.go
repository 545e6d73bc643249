package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	"github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, tx *domain.Transaction) error {
	return db.WithContext(ctx).Create(tx).Error
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Transaction, error) {
	query := db.WithContext(ctx).Model(&domain.Transaction{}).Where("id = ?", id)
	if forUpdate {
		query = lockForUpdate(query)
	}
	var items []domain.Transaction
	if err := query.Limit(1).Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) FindByCorrelation(ctx context.Context, db *gorm.DB, gateway, correlationID string) (*domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).
		Where("gateway = ? AND correlation_id = ?", gateway, correlationID).
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, update domain.StatusUpdate) (bool, error) {
	from := make([]string, 0, len(update.From))
	for _, status := range update.From {
		from = append(from, string(status))
	}

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(update.To), update.At}
	switch update.To {
	case domain.StatusSucceeded:
		sets = append(sets, "succeeded_at = ?")
		args = append(args, update.At)
	case domain.StatusRefunded:
		sets = append(sets, "refunded_at = ?")
		args = append(args, update.At)
	}
	if update.CorrelationID != "" {
		sets = append(sets, "correlation_id = COALESCE(correlation_id, ?)")
		args = append(args, update.CorrelationID)
	}
	if len(update.Payload) > 0 {
		sets = append(sets, "gateway_payload = ?")
		args = append(args, update.Payload)
	}
	args = append(args, update.ID, from)

	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions SET `+strings.Join(sets, ", ")+`
		 WHERE id = ? AND status IN ?`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ClaimSettlement(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_transactions
		 SET settled_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND settled_at IS NULL`,
		at,
		at,
		id,
		string(domain.StatusSucceeded),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, payer account.Ref, beforeID snowflake.ID, limit int) ([]domain.Transaction, error) {
	query := db.WithContext(ctx).
		Where("payer_kind = ? AND payer_id = ?", string(payer.Kind), payer.ID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}
	var items []domain.Transaction
	if err := query.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ListUnsettled finds succeeded transactions that never produced their
// settlement side effects: earning categories without an earning row and
// token packages without settled_at.
func (r *repo) ListUnsettled(ctx context.Context, db *gorm.DB, succeededBefore time.Time, limit int) ([]domain.Transaction, error) {
	var items []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT t.* FROM payment_transactions t
		 WHERE t.status = ? AND t.succeeded_at < ?
		   AND (
		     (t.target_type = ? AND t.settled_at IS NULL)
		     OR (t.target_type <> ? AND t.creator_id IS NOT NULL AND t.final_price > 0
		         AND NOT EXISTS (SELECT 1 FROM earnings e WHERE e.transaction_id = t.id))
		   )
		 ORDER BY t.id ASC
		 LIMIT ?`,
		string(domain.StatusSucceeded),
		succeededBefore,
		string(domain.TargetTokenPackage),
		string(domain.TargetTokenPackage),
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]snowflake.ID, error) {
	pending := make([]string, 0, 3)
	for _, status := range domain.PendingStatuses() {
		pending = append(pending, string(status))
	}
	var ids []snowflake.ID
	err := db.WithContext(ctx).Model(&domain.Transaction{}).
		Where("status IN ? AND created_at < ?", pending, createdBefore).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// InsertEarning returns false when the transaction already has an earning.
func (r *repo) InsertEarning(ctx context.Context, db *gorm.DB, e *domain.Earning) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO earnings (
			id, transaction_id, creator_id, payer_kind, payer_id, category,
			content_type, content_id, gross_amount, commission_rate,
			commission_amount, net_amount, is_token, is_paid, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING`,
		e.ID,
		e.TransactionID,
		e.CreatorID,
		string(e.PayerKind),
		e.PayerID,
		string(e.Category),
		e.ContentType,
		e.ContentID,
		e.GrossAmount,
		e.CommissionRate,
		e.CommissionAmount,
		e.NetAmount,
		e.IsToken,
		false,
		e.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEarning(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Earning, error) {
	query := db.WithContext(ctx).Model(&domain.Earning{}).Where("id = ?", id)
	if forUpdate {
		query = lockForUpdate(query)
	}
	var items []domain.Earning
	if err := query.Limit(1).Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) FindEarningByTransaction(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) (*domain.Earning, error) {
	var items []domain.Earning
	err := db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) ListEarningsByTarget(ctx context.Context, db *gorm.DB, target domain.EarningTarget, afterID snowflake.ID, limit int) ([]domain.Earning, error) {
	query := db.WithContext(ctx).Model(&domain.Earning{})
	if target.TransactionID != nil {
		query = query.Where("transaction_id = ?", *target.TransactionID)
	}
	if target.ContentID != nil {
		query = query.Where("content_type = ? AND content_id = ?", target.ContentType, *target.ContentID)
	}
	if afterID > 0 {
		query = query.Where("id > ?", afterID)
	}
	var items []domain.Earning
	if err := query.Order("id ASC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListEarnings(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, beforeID snowflake.ID, limit int) ([]domain.Earning, error) {
	query := db.WithContext(ctx).Where("creator_id = ?", creatorID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}
	var items []domain.Earning
	if err := query.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListUnpaidEarnings(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) ([]domain.Earning, error) {
	var items []domain.Earning
	err := db.WithContext(ctx).
		Where("creator_id = ? AND is_paid = ?", creatorID, false).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) DeleteEarning(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM earnings WHERE id = ?`, id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkEarningsPaid(ctx context.Context, db *gorm.DB, ids []snowflake.ID, payoutRequestID snowflake.ID, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE earnings
		 SET is_paid = ?, payout_request_id = ?, paid_at = ?
		 WHERE id IN ? AND is_paid = ?`,
		true,
		payoutRequestID,
		at,
		ids,
		false,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) SumNetEarnings(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(net_amount), 0) FROM earnings WHERE creator_id = ?`,
		creatorID,
	).Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *repo) InsertChangeLog(ctx context.Context, db *gorm.DB, entry *domain.ChangeTokenLog) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListChangeLogs(ctx context.Context, db *gorm.DB, ref account.Ref, beforeID snowflake.ID, limit int) ([]domain.ChangeTokenLog, error) {
	query := db.WithContext(ctx).
		Where("account_kind = ? AND account_id = ?", string(ref.Kind), ref.ID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}
	var items []domain.ChangeTokenLog
	if err := query.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// lockForUpdate adds a row lock on dialects that support one.
func lockForUpdate(query *gorm.DB) *gorm.DB {
	if query.Dialector.Name() == "sqlite" {
		return query
	}
	return query.Clauses(clause.Locking{Strength: "UPDATE"})
}
