package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type CreateTransactionRequest struct {
	Payer               account.Ref
	CreatorID           *snowflake.ID
	TargetType          TargetType
	TargetID            *snowflake.ID
	Category            Category
	ContentType         string
	ContentID           *snowflake.ID
	LineItems           []LineItem
	Currency            string
	IsToken             bool
	TokenAmount         int64
	Coupon              *CouponSnapshot
	Gateway             string
	CorrelationID       string
	ParentTransactionID *snowflake.ID
	Status              TransactionStatus
}

// GatewayPayload is what a gateway reported when it moved a transaction.
type GatewayPayload struct {
	Provider      string
	CorrelationID string
	Payload       datatypes.JSON
}

type CreateEarningRequest struct {
	Transaction      *Transaction
	CreatorID        snowflake.ID
	GrossAmount      int64
	CommissionRate   string
	CommissionAmount int64
	NetAmount        int64
}

type ChangeLogRequest struct {
	Account      account.Ref
	SourceType   SourceType
	SourceID     snowflake.ID
	Delta        int64
	BalanceAfter int64
	Note         string
}

// EarningTarget selects earnings tied to a transaction or to a content item.
type EarningTarget struct {
	TransactionID *snowflake.ID
	ContentType   string
	ContentID     *snowflake.ID
}

type Service interface {
	// WithTx returns a Service whose reads and writes go through tx.
	WithTx(tx *gorm.DB) Service

	CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*Transaction, error)
	GetTransaction(ctx context.Context, id snowflake.ID) (*Transaction, error)
	// LockTransaction re-reads the transaction under a row lock. Call it on a
	// WithTx clone so the lock lives as long as the surrounding transaction.
	LockTransaction(ctx context.Context, id snowflake.ID) (*Transaction, error)
	FindByCorrelation(ctx context.Context, gateway string, correlationID string) (*Transaction, error)
	MarkSucceeded(ctx context.Context, id snowflake.ID, payload GatewayPayload) (*Transaction, bool, error)
	MarkStatus(ctx context.Context, id snowflake.ID, status TransactionStatus, payload GatewayPayload) (*Transaction, bool, error)
	MarkRefunded(ctx context.Context, id snowflake.ID) (*Transaction, bool, error)
	ClaimSettlement(ctx context.Context, id snowflake.ID) (bool, error)
	ListTransactions(ctx context.Context, payer account.Ref, page pagination.Pagination) ([]Transaction, pagination.PageInfo, error)
	ListUnsettled(ctx context.Context, succeededBefore time.Time, limit int) ([]Transaction, error)
	ExpireStale(ctx context.Context, createdBefore time.Time, limit int) (int64, error)

	CreateEarning(ctx context.Context, req CreateEarningRequest) (*Earning, error)
	GetEarning(ctx context.Context, id snowflake.ID) (*Earning, error)
	FindEarningByTransaction(ctx context.Context, transactionID snowflake.ID) (*Earning, error)
	ListEarningsByTarget(ctx context.Context, target EarningTarget, afterID snowflake.ID, limit int) ([]Earning, error)
	ListEarnings(ctx context.Context, creatorID snowflake.ID, page pagination.Pagination) ([]Earning, pagination.PageInfo, error)
	ReverseEarning(ctx context.Context, id snowflake.ID) (*Earning, error)
	ListUnpaidEarnings(ctx context.Context, creatorID snowflake.ID) ([]Earning, error)
	MarkEarningsPaid(ctx context.Context, ids []snowflake.ID, payoutRequestID snowflake.ID) (int64, error)
	SumNetEarnings(ctx context.Context, creatorID snowflake.ID) (int64, error)

	AppendChangeLog(ctx context.Context, req ChangeLogRequest) (*ChangeTokenLog, error)
	ListChangeLogs(ctx context.Context, ref account.Ref, page pagination.Pagination) ([]ChangeTokenLog, pagination.PageInfo, error)
}
