package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/events"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
)

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidContent = errors.New("invalid_content_reference")
)

// Outcome is what a settlement attempt did.
type Outcome string

const (
	OutcomeSettled   Outcome = "settled"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Failure is a settlement or reversal that could not be applied and needs an
// operator. Rows stay open until resolved.
type Failure struct {
	ID            snowflake.ID   `json:"id" gorm:"primaryKey"`
	Channel       events.Channel `json:"channel" gorm:"type:text;not null"`
	EventID       snowflake.ID   `json:"event_id"`
	TransactionID *snowflake.ID  `json:"transaction_id,omitempty"`
	EarningID     *snowflake.ID  `json:"earning_id,omitempty"`
	Reason        string         `json:"reason" gorm:"type:text;not null"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (Failure) TableName() string { return "settlement_failures" }

type ReversalReport struct {
	Reversed int `json:"reversed"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// ContentStore answers whether purchasable content still exists. A
// content-deleted event for content that is still live is stale and ignored.
type ContentStore interface {
	Exists(ctx context.Context, contentType string, contentID snowflake.ID) (bool, error)
}

type Service interface {
	SettleTransaction(ctx context.Context, transactionID snowflake.ID) (Outcome, error)
	ReverseContent(ctx context.Context, contentType string, contentID snowflake.ID, reason string) (ReversalReport, error)
	ReverseTransaction(ctx context.Context, transactionID snowflake.ID, reason string) (ReversalReport, error)
	RecoverUnsettled(ctx context.Context, limit int) (int, error)

	PublishContentDeleted(ctx context.Context, contentType string, contentID snowflake.ID) error

	FailedCount(ctx context.Context) (int64, error)
	ListFailures(ctx context.Context, page pagination.Pagination) ([]Failure, pagination.PageInfo, error)
	ResolveFailure(ctx context.Context, id snowflake.ID) error
}
