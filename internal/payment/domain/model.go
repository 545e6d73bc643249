package domain

import (
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"gorm.io/datatypes"
)

// Status is a gateway outcome normalized across providers.
type Status string

const (
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusPending        Status = "pending"
	StatusRequiresAction Status = "requires-action"
	StatusRefunded       Status = "refunded"
)

// Inbound is one raw webhook delivery as received over HTTP.
type Inbound struct {
	Payload []byte
	Headers http.Header
	Query   url.Values
}

// Notification is what an adapter extracts from a verified webhook.
type Notification struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Status          Status

	// CorrelationID is the provider charge reference recorded on the
	// transaction. FallbackCorrelationID is tried when the first lookup misses.
	CorrelationID         string
	FallbackCorrelationID string
	// TransactionID is our id echoed back through provider metadata.
	TransactionID *snowflake.ID

	// Recurring marks a renewal charge. ParentCorrelationID references the
	// original sale the cycle belongs to.
	Recurring           bool
	ParentCorrelationID string

	Amount     int64
	Currency   string
	OccurredAt time.Time
	RawPayload []byte
}

// WebhookEvent is the stored copy of every accepted webhook. The unique
// (provider, provider_event_id) pair is the replay guard.
type WebhookEvent struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	TransactionID   *snowflake.ID  `json:"transaction_id,omitempty"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Outcome         *string        `json:"outcome,omitempty" gorm:"type:text"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// ProviderConfig holds the encrypted credentials of one payment rail.
type ProviderConfig struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider  string         `json:"provider" gorm:"type:text;not null;uniqueIndex"`
	Config    datatypes.JSON `json:"-" gorm:"type:jsonb;not null"`
	IsActive  bool           `json:"is_active" gorm:"not null;default:true"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"not null"`
}

func (ProviderConfig) TableName() string { return "payment_provider_configs" }

type ConfigSummary struct {
	Provider   string `json:"provider"`
	IsActive   bool   `json:"is_active"`
	Configured bool   `json:"configured"`
}

type UpsertConfigRequest struct {
	Provider string         `json:"provider"`
	Config   map[string]any `json:"config"`
}

// Result is the neutral answer for a webhook. Handled=false still maps to a
// 2xx so the gateway stops retrying.
type Result struct {
	Handled       bool          `json:"handled"`
	Reason        string        `json:"reason,omitempty"`
	TransactionID *snowflake.ID `json:"transaction_id,omitempty"`
}

const (
	ReasonUnknownProvider     = "unknown_provider"
	ReasonNotConfigured       = "provider_not_configured"
	ReasonInvalidSignature    = "invalid_signature"
	ReasonInvalidPayload      = "invalid_payload"
	ReasonIgnoredEvent        = "ignored_event"
	ReasonMissingCorrelation  = "missing_correlation_id"
	ReasonDuplicate           = "duplicate_delivery"
	ReasonUnknownTransaction  = "unknown_transaction"
	ReasonTerminalTransaction = "terminal_transaction"
	ReasonAlreadyApplied      = "already_applied"
	ReasonNotRefundable       = "not_refundable"
)

// CheckoutRequest starts a cash purchase on a gateway.
type CheckoutRequest struct {
	Provider    string
	Payer       account.Ref
	CreatorID   *snowflake.ID
	TargetType  ledgerdomain.TargetType
	TargetID    *snowflake.ID
	Category    ledgerdomain.Category
	ContentType string
	ContentID   *snowflake.ID
	LineItems   []ledgerdomain.LineItem
	Currency    string
	TokenAmount int64
	Coupon      *ledgerdomain.CouponSnapshot
	ReturnURL   string
}

type CheckoutSession struct {
	Transaction *ledgerdomain.Transaction `json:"transaction"`
	Provider    string                    `json:"provider"`
	RedirectURL string                    `json:"redirect_url,omitempty"`
}

// TokenPurchaseRequest buys content with the payer's token balance.
type TokenPurchaseRequest struct {
	Payer       account.Ref
	CreatorID   snowflake.ID
	TargetType  ledgerdomain.TargetType
	TargetID    *snowflake.ID
	Category    ledgerdomain.Category
	ContentType string
	ContentID   *snowflake.ID
	LineItems   []ledgerdomain.LineItem
	Coupon      *ledgerdomain.CouponSnapshot
}

const TokenGateway = "tokens"
