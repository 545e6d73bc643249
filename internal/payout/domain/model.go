package domain

import (
	"encoding/json"
	"net/mail"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	// StatusProcessing means one approval owns the request and its transfer
	// is in flight. Only that approval may finish or release it.
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusRejected   Status = "rejected"
)

const (
	RailManual        = "manual"
	RailPayPal        = "paypal"
	RailStripeConnect = "stripe_connect"
)

// PayoutAccount is where the creator wants the money sent. It is copied onto
// the request so later profile edits cannot redirect an approved payout.
type PayoutAccount struct {
	Rail            string `json:"rail"`
	PayPalEmail     string `json:"paypal_email,omitempty"`
	StripeAccountID string `json:"stripe_account_id,omitempty"`
	BankName        string `json:"bank_name,omitempty"`
	AccountName     string `json:"account_name,omitempty"`
	AccountNumber   string `json:"account_number,omitempty"`
}

func (a PayoutAccount) Normalize() PayoutAccount {
	a.Rail = strings.ToLower(strings.TrimSpace(a.Rail))
	a.PayPalEmail = strings.TrimSpace(a.PayPalEmail)
	a.StripeAccountID = strings.TrimSpace(a.StripeAccountID)
	a.BankName = strings.TrimSpace(a.BankName)
	a.AccountName = strings.TrimSpace(a.AccountName)
	a.AccountNumber = strings.TrimSpace(a.AccountNumber)
	return a
}

// Validate checks that the fields the rail needs are present.
func (a PayoutAccount) Validate() error {
	switch a.Rail {
	case RailPayPal:
		if _, err := mail.ParseAddress(a.PayPalEmail); err != nil {
			return ErrInvalidAccount
		}
	case RailStripeConnect:
		if !strings.HasPrefix(a.StripeAccountID, "acct_") {
			return ErrInvalidAccount
		}
	case RailManual:
		if a.AccountNumber == "" || a.AccountName == "" {
			return ErrInvalidAccount
		}
	default:
		return ErrUnsupportedRail
	}
	return nil
}

type PayoutRequest struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	CreatorID         snowflake.ID   `json:"creator_id" gorm:"not null"`
	Amount            int64          `json:"amount" gorm:"not null"`
	ConversionRate    string         `json:"conversion_rate" gorm:"type:text;not null"`
	CashAmount        int64          `json:"cash_amount" gorm:"not null"`
	Rail              string         `json:"rail" gorm:"type:text;not null"`
	Status            Status         `json:"status" gorm:"type:text;not null"`
	AdminNote         *string        `json:"admin_note,omitempty"`
	AccountSnapshot   datatypes.JSON `json:"account_snapshot" gorm:"type:jsonb;not null"`
	ExternalReference *string        `json:"external_reference,omitempty"`
	LastError         *string        `json:"last_error,omitempty"`
	Attempts          int            `json:"attempts" gorm:"not null"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (PayoutRequest) TableName() string { return "payout_requests" }

func (p PayoutRequest) Account() (PayoutAccount, error) {
	var account PayoutAccount
	if err := json.Unmarshal(p.AccountSnapshot, &account); err != nil {
		return PayoutAccount{}, err
	}
	return account, nil
}

// AvailableBalance is what a creator may still withdraw:
// earned - paid out - already requested.
type AvailableBalance struct {
	CreatorID snowflake.ID `json:"creator_id"`
	Earned    int64        `json:"earned"`
	PaidOut   int64        `json:"paid_out"`
	Pending   int64        `json:"pending"`
	Available int64        `json:"available"`
}

type RequestPayoutRequest struct {
	CreatorID snowflake.ID
	Amount    int64
	Account   PayoutAccount
}

// Decision is an admin's verdict on a pending request. Manual rails need
// ConfirmedTransfer: the admin attests the money already left.
type Decision struct {
	Approve           bool   `json:"approve"`
	Note              string `json:"note"`
	ConfirmedTransfer bool   `json:"confirmed_transfer"`
	Reference         string `json:"reference"`
}

type PayoutTotals struct {
	Done    int64
	Pending int64
}
