package domain

import (
	"context"

	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
)

type Service interface {
	IngestWebhook(ctx context.Context, provider string, in Inbound) (Result, error)

	BeginCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	PurchaseWithTokens(ctx context.Context, req TokenPurchaseRequest) (*ledgerdomain.Transaction, error)

	ListConfigs(ctx context.Context) ([]ConfigSummary, error)
	UpsertConfig(ctx context.Context, req UpsertConfigRequest) (*ConfigSummary, error)
	SetActive(ctx context.Context, provider string, isActive bool) (*ConfigSummary, error)
}
