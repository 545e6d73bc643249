package domain

import (
	"context"

	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
)

type AdapterConfig struct {
	Provider string
	Config   map[string]any
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}

// Adapter verifies and normalizes one provider's webhooks.
type Adapter interface {
	Verify(ctx context.Context, in Inbound) error
	Parse(ctx context.Context, in Inbound) (*Notification, error)
}

// CheckoutAdapter is implemented by rails that can hand the payer a hosted
// payment page without a server-side API call.
type CheckoutAdapter interface {
	CheckoutURL(ctx context.Context, tx *ledgerdomain.Transaction, returnURL string) (string, error)
}
