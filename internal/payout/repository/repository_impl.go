package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	"github.com/smallbiznis/creatorledger/internal/payout/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, req *domain.PayoutRequest) error {
	return db.WithContext(ctx).Create(req).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.PayoutRequest, error) {
	query := db.WithContext(ctx).Model(&domain.PayoutRequest{}).Where("id = ?", id)
	if forUpdate && query.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var items []domain.PayoutRequest
	if err := query.Limit(1).Find(&items).Error; err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, beforeID snowflake.ID, limit int) ([]domain.PayoutRequest, error) {
	query := db.WithContext(ctx).Where("creator_id = ?", creatorID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}
	var items []domain.PayoutRequest
	if err := query.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Totals(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (domain.PayoutTotals, error) {
	var row struct {
		Done    int64
		Pending int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN amount ELSE 0 END), 0) AS done,
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN amount ELSE 0 END), 0) AS pending
		 FROM payout_requests
		 WHERE creator_id = ?`,
		string(domain.StatusDone),
		string(domain.StatusPending),
		string(domain.StatusProcessing),
		creatorID,
	).Scan(&row).Error
	if err != nil {
		return domain.PayoutTotals{}, err
	}
	return domain.PayoutTotals{Done: row.Done, Pending: row.Pending}, nil
}

// LockCreator takes the creator's balance row lock. sqlite serializes
// writers on its own and has no row locks.
func (r *repo) LockCreator(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) error {
	if db.Dialector.Name() == "sqlite" {
		return nil
	}
	var balances []int64
	return db.WithContext(ctx).Raw(
		`SELECT balance FROM account_balances
		 WHERE account_kind = ? AND account_id = ?
		 FOR UPDATE`,
		string(account.KindPerformer),
		creatorID,
	).Scan(&balances).Error
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payout_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.StatusProcessing),
		at,
		id,
		string(domain.StatusPending),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Release(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payout_requests
		 SET status = ?, last_error = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusPending),
		message,
		at,
		id,
		string(domain.StatusProcessing),
	).Error
}

func (r *repo) MarkDone(ctx context.Context, db *gorm.DB, id snowflake.ID, note *string, reference string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payout_requests
		 SET status = ?, admin_note = COALESCE(?, admin_note), external_reference = ?,
		     last_error = NULL, attempts = attempts + 1, decided_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusDone),
		note,
		reference,
		at,
		at,
		id,
		string(domain.StatusProcessing),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkRejected(ctx context.Context, db *gorm.DB, id snowflake.ID, note *string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payout_requests
		 SET status = ?, admin_note = COALESCE(?, admin_note), decided_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusRejected),
		note,
		at,
		at,
		id,
		string(domain.StatusPending),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payout_requests
		 SET last_error = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		message,
		at,
		id,
		string(domain.StatusPending),
		string(domain.StatusProcessing),
	).Error
}
