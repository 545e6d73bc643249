package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Channel is a logical bus topic.
type Channel string

const (
	ChannelTransactionSucceeded      Channel = "transaction-succeeded"
	ChannelTokenTransactionSucceeded Channel = "token-transaction-succeeded"
	ChannelContentDeleted            Channel = "content-deleted"
	ChannelOrderRefunded             Channel = "order-refunded"
	ChannelEarningRecorded           Channel = "earning-recorded"
	ChannelBalanceChanged            Channel = "balance-changed"
	ChannelCouponUsed                Channel = "coupon-used"
	ChannelPayoutCompleted           Channel = "payout-completed"
)

var (
	ErrInvalidChannel = errors.New("invalid_event_channel")
	ErrInvalidPayload = errors.New("invalid_event_payload")
)

// Event is what publishers hand to the outbox.
type Event struct {
	Channel   Channel
	Payload   any
	DedupeKey string
}

// Message is what subscribers receive.
type Message struct {
	EventID     snowflake.ID
	DeliveryID  snowflake.ID
	Channel     Channel
	Payload     datatypes.JSON
	PublishedAt time.Time
	Attempt     int
}

func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errors.Join(ErrInvalidPayload, err)
	}
	return nil
}

const ActionCreated = "created"

// TransactionSucceeded is published on both transaction-succeeded and
// token-transaction-succeeded.
type TransactionSucceeded struct {
	TransactionID snowflake.ID `json:"transaction_id"`
	Action        string       `json:"action"`
}

type ContentDeleted struct {
	ContentType string       `json:"content_type"`
	ContentID   snowflake.ID `json:"content_id"`
}

type OrderRefunded struct {
	TransactionID snowflake.ID `json:"transaction_id"`
	Reason        string       `json:"reason,omitempty"`
}

type EarningRecorded struct {
	EarningID     snowflake.ID `json:"earning_id"`
	TransactionID snowflake.ID `json:"transaction_id"`
	CreatorID     snowflake.ID `json:"creator_id"`
	Category      string       `json:"category"`
	Gross         int64        `json:"gross"`
	Commission    int64        `json:"commission"`
	Net           int64        `json:"net"`
	Rate          string       `json:"rate"`
	IsToken       bool         `json:"is_token"`
}

type BalanceChanged struct {
	AccountKind string       `json:"account_kind"`
	AccountID   snowflake.ID `json:"account_id"`
	Delta       int64        `json:"delta"`
	Balance     int64        `json:"balance"`
	SourceType  string       `json:"source_type,omitempty"`
}

type CouponUsed struct {
	TransactionID snowflake.ID    `json:"transaction_id"`
	Coupon        json.RawMessage `json:"coupon"`
	PayerKind     string          `json:"payer_kind"`
	PayerID       snowflake.ID    `json:"payer_id"`
}

type PayoutCompleted struct {
	PayoutRequestID snowflake.ID `json:"payout_request_id"`
	CreatorID       snowflake.ID `json:"creator_id"`
	Amount          int64        `json:"amount"`
	CashAmount      int64        `json:"cash_amount"`
	Rail            string       `json:"rail"`
	Reference       string       `json:"reference"`
}
