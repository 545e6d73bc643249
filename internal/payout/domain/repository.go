package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, req *PayoutRequest) error
	Find(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*PayoutRequest, error)
	List(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, beforeID snowflake.ID, limit int) ([]PayoutRequest, error)
	Totals(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (PayoutTotals, error)
	// LockCreator serializes payout bookkeeping for one creator.
	LockCreator(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) error
	// Claim moves a pending request to processing. It reports false when
	// another approval got there first.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	// Release hands a processing request back to pending after a failed
	// transfer.
	Release(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) error
	MarkDone(ctx context.Context, db *gorm.DB, id snowflake.ID, note *string, reference string, at time.Time) (bool, error)
	MarkRejected(ctx context.Context, db *gorm.DB, id snowflake.ID, note *string, at time.Time) (bool, error)
	RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) error
}
