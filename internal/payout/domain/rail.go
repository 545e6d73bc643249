package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Transfer is one instruction to move cash to a creator.
type Transfer struct {
	PayoutRequestID snowflake.ID
	CreatorID       snowflake.ID
	Amount          int64
	Currency        string
	Account         PayoutAccount
	Note            string
	// Reference is supplied by the admin for rails that moved money by hand.
	Reference string
	// IdempotencyKey is stable per payout request so a retried approval
	// cannot send twice.
	IdempotencyKey string
}

type TransferResult struct {
	Reference string
}

type Rail interface {
	Name() string
	// RequiresConfirmation reports whether an admin must attest the transfer.
	RequiresConfirmation() bool
	Send(ctx context.Context, transfer Transfer) (TransferResult, error)
}
