package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"gorm.io/gorm"
)

var (
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInvalidDelta        = errors.New("invalid_delta")
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrNoteRequired        = errors.New("note_required")
)

type AccountBalance struct {
	AccountKind account.Kind `json:"account_kind" gorm:"primaryKey;type:text"`
	AccountID   snowflake.ID `json:"account_id" gorm:"primaryKey"`
	Balance     int64        `json:"balance"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// Source ties a balance delta to the record that caused it. Adjustments with
// a Source are mirrored into the change-token audit log.
type Source struct {
	Type ledgerdomain.SourceType
	ID   snowflake.ID
	Note string
}

type AdjustOptions struct {
	// AllowNegative skips the balance >= 0 guard. Reversals use it: a creator
	// who already spent an earning still owes it back.
	AllowNegative bool
	Source        *Source
	// Notify publishes balance-changed in the same database transaction.
	Notify bool
}

type Adjustment struct {
	Account     account.Ref
	Delta       int64
	Balance     int64
	SourceType  ledgerdomain.SourceType
	SourceID    snowflake.ID
	ChangeLogID *snowflake.ID
}

type Service interface {
	WithTx(tx *gorm.DB) Service
	GetBalance(ctx context.Context, ref account.Ref) (int64, error)
	AdjustBalance(ctx context.Context, ref account.Ref, delta int64, opts AdjustOptions) (*Adjustment, error)
	NotifyBalanceChanged(ctx context.Context, adj Adjustment) error
	AdminAdjust(ctx context.Context, ref account.Ref, delta int64, note string) (*Adjustment, error)
}
