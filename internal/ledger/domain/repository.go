package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StatusUpdate is a conditional status change: it applies only while the row
// is still in one of From.
type StatusUpdate struct {
	ID            snowflake.ID
	From          []TransactionStatus
	To            TransactionStatus
	CorrelationID string
	Payload       datatypes.JSON
	At            time.Time
}

type Repository interface {
	InsertTransaction(ctx context.Context, db *gorm.DB, tx *Transaction) error
	FindTransaction(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Transaction, error)
	FindByCorrelation(ctx context.Context, db *gorm.DB, gateway, correlationID string) (*Transaction, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, update StatusUpdate) (bool, error)
	ClaimSettlement(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	ListTransactions(ctx context.Context, db *gorm.DB, payer account.Ref, beforeID snowflake.ID, limit int) ([]Transaction, error)
	ListUnsettled(ctx context.Context, db *gorm.DB, succeededBefore time.Time, limit int) ([]Transaction, error)
	ListStale(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]snowflake.ID, error)

	InsertEarning(ctx context.Context, db *gorm.DB, earning *Earning) (bool, error)
	FindEarning(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*Earning, error)
	FindEarningByTransaction(ctx context.Context, db *gorm.DB, transactionID snowflake.ID) (*Earning, error)
	ListEarningsByTarget(ctx context.Context, db *gorm.DB, target EarningTarget, afterID snowflake.ID, limit int) ([]Earning, error)
	ListEarnings(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, beforeID snowflake.ID, limit int) ([]Earning, error)
	ListUnpaidEarnings(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) ([]Earning, error)
	DeleteEarning(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	MarkEarningsPaid(ctx context.Context, db *gorm.DB, ids []snowflake.ID, payoutRequestID snowflake.ID, at time.Time) (int64, error)
	SumNetEarnings(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (int64, error)

	InsertChangeLog(ctx context.Context, db *gorm.DB, entry *ChangeTokenLog) error
	ListChangeLogs(ctx context.Context, db *gorm.DB, ref account.Ref, beforeID snowflake.ID, limit int) ([]ChangeTokenLog, error)
}
