package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	"gorm.io/datatypes"
)

// TransactionStatus tracks a payment through the gateway lifecycle.
type TransactionStatus string

const (
	StatusCreated        TransactionStatus = "created"
	StatusProcessing     TransactionStatus = "processing"
	StatusRequiresAction TransactionStatus = "requires-action"
	StatusSucceeded      TransactionStatus = "succeeded"
	StatusFailed         TransactionStatus = "failed"
	StatusCanceled       TransactionStatus = "canceled"
	StatusRefunded       TransactionStatus = "refunded"
)

// TargetType is what the payer bought.
type TargetType string

const (
	TargetSubscription TargetType = "subscription"
	TargetTokenPackage TargetType = "token_package"
	TargetOrder        TargetType = "order"
)

// Category drives commission resolution.
type Category string

const (
	CategoryFeed         Category = "feed"
	CategoryVideo        Category = "video"
	CategoryGallery      Category = "gallery"
	CategoryProduct      Category = "product"
	CategoryTip          Category = "tip"
	CategorySubscription Category = "subscription"
	CategoryChat         Category = "chat"
	CategoryTokenPackage Category = "token_package"
)

var earningCategories = map[Category]struct{}{
	CategoryFeed:         {},
	CategoryVideo:        {},
	CategoryGallery:      {},
	CategoryProduct:      {},
	CategoryTip:          {},
	CategorySubscription: {},
	CategoryChat:         {},
}

// IsEarningCategory reports whether purchases in c pay a creator.
func (c Category) IsEarningCategory() bool {
	_, ok := earningCategories[c]
	return ok
}

// EarningCategories lists every category a commission can be configured for.
func EarningCategories() []Category {
	return []Category{
		CategoryFeed,
		CategoryVideo,
		CategoryGallery,
		CategoryProduct,
		CategoryTip,
		CategorySubscription,
		CategoryChat,
	}
}

type LineItem struct {
	Name      string        `json:"name"`
	ProductID *snowflake.ID `json:"product_id,omitempty"`
	CreatorID *snowflake.ID `json:"creator_id,omitempty"`
	UnitPrice int64         `json:"unit_price"`
	Quantity  int64         `json:"quantity"`
}

func (l LineItem) Total() int64 { return l.UnitPrice * l.Quantity }

type DiscountType string

const (
	DiscountPercent DiscountType = "percent"
	DiscountFixed   DiscountType = "fixed"
)

// CouponSnapshot freezes the coupon terms at purchase time.
type CouponSnapshot struct {
	CouponID      *snowflake.ID `json:"coupon_id,omitempty"`
	Code          string        `json:"code"`
	DiscountType  DiscountType  `json:"discount_type"`
	DiscountValue int64         `json:"discount_value"`
	AppliedAmount int64         `json:"applied_amount"`
}

// Transaction is one charge against a payer. Recurring billing produces a new
// Transaction per cycle linked through ParentTransactionID.
type Transaction struct {
	ID                  snowflake.ID                  `json:"id" gorm:"primaryKey"`
	PayerKind           account.Kind                  `json:"payer_kind" gorm:"type:text;not null"`
	PayerID             snowflake.ID                  `json:"payer_id" gorm:"not null"`
	CreatorID           *snowflake.ID                 `json:"creator_id,omitempty"`
	TargetType          TargetType                    `json:"target_type" gorm:"type:text;not null"`
	TargetID            *snowflake.ID                 `json:"target_id,omitempty"`
	Category            Category                      `json:"category" gorm:"type:text;not null"`
	ContentType         *string                       `json:"content_type,omitempty"`
	ContentID           *snowflake.ID                 `json:"content_id,omitempty"`
	LineItems           datatypes.JSONSlice[LineItem] `json:"line_items" gorm:"type:jsonb;not null"`
	Currency            string                        `json:"currency" gorm:"type:text;not null"`
	IsToken             bool                          `json:"is_token"`
	Status              TransactionStatus             `json:"status" gorm:"type:text;not null"`
	OriginalPrice       int64                         `json:"original_price"`
	FinalPrice          int64                         `json:"final_price"`
	TokenAmount         int64                         `json:"token_amount"`
	CouponSnapshot      datatypes.JSON                `json:"coupon_snapshot,omitempty" gorm:"type:jsonb"`
	Gateway             string                        `json:"gateway" gorm:"type:text;not null"`
	CorrelationID       *string                       `json:"correlation_id,omitempty"`
	ParentTransactionID *snowflake.ID                 `json:"parent_transaction_id,omitempty"`
	GatewayPayload      datatypes.JSON                `json:"-" gorm:"type:jsonb"`
	SucceededAt         *time.Time                    `json:"succeeded_at,omitempty"`
	RefundedAt          *time.Time                    `json:"refunded_at,omitempty"`
	SettledAt           *time.Time                    `json:"settled_at,omitempty"`
	CreatedAt           time.Time                     `json:"created_at"`
	UpdatedAt           time.Time                     `json:"updated_at"`
}

func (Transaction) TableName() string { return "payment_transactions" }

func (t Transaction) Payer() account.Ref {
	return account.Ref{Kind: t.PayerKind, ID: t.PayerID}
}

// Earning is the creator side of one settled transaction.
type Earning struct {
	ID               snowflake.ID  `json:"id" gorm:"primaryKey"`
	TransactionID    snowflake.ID  `json:"transaction_id" gorm:"not null;uniqueIndex"`
	CreatorID        snowflake.ID  `json:"creator_id" gorm:"not null"`
	PayerKind        account.Kind  `json:"payer_kind" gorm:"type:text;not null"`
	PayerID          snowflake.ID  `json:"payer_id" gorm:"not null"`
	Category         Category      `json:"category" gorm:"type:text;not null"`
	ContentType      *string       `json:"content_type,omitempty"`
	ContentID        *snowflake.ID `json:"content_id,omitempty"`
	GrossAmount      int64         `json:"gross_amount"`
	CommissionRate   string        `json:"commission_rate" gorm:"type:text;not null"`
	CommissionAmount int64         `json:"commission_amount"`
	NetAmount        int64         `json:"net_amount"`
	IsToken          bool          `json:"is_token"`
	IsPaid           bool          `json:"is_paid"`
	PayoutRequestID  *snowflake.ID `json:"payout_request_id,omitempty"`
	PaidAt           *time.Time    `json:"paid_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

func (Earning) TableName() string { return "earnings" }

func (e Earning) Payer() account.Ref {
	return account.Ref{Kind: e.PayerKind, ID: e.PayerID}
}

func (e Earning) Creator() account.Ref {
	return account.Performer(e.CreatorID)
}

// SourceType labels what caused a balance delta in the audit trail.
type SourceType string

const (
	SourceEarning         SourceType = "earning"
	SourceEarningReversal SourceType = "earning_reversal"
	SourceTokenPackage    SourceType = "token_package"
	SourceTokenRefund     SourceType = "token_package_refund"
	SourcePurchase        SourceType = "purchase"
	SourcePayout          SourceType = "payout"
	SourceAdmin           SourceType = "admin"
)

// ChangeTokenLog is an append-only audit row for a balance delta.
type ChangeTokenLog struct {
	ID           snowflake.ID `json:"id" gorm:"primaryKey"`
	AccountKind  account.Kind `json:"account_kind" gorm:"type:text;not null"`
	AccountID    snowflake.ID `json:"account_id" gorm:"not null"`
	SourceType   SourceType   `json:"source_type" gorm:"type:text;not null"`
	SourceID     snowflake.ID `json:"source_id" gorm:"not null"`
	Delta        int64        `json:"delta"`
	BalanceAfter int64        `json:"balance_after"`
	Note         *string      `json:"note,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (ChangeTokenLog) TableName() string { return "change_token_logs" }
