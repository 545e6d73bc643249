package payment

import (
	"github.com/smallbiznis/creatorledger/internal/payment/adapters"
	"github.com/smallbiznis/creatorledger/internal/payment/adapters/bitpay"
	"github.com/smallbiznis/creatorledger/internal/payment/adapters/ccbill"
	"github.com/smallbiznis/creatorledger/internal/payment/adapters/stripe"
	"github.com/smallbiznis/creatorledger/internal/payment/repository"
	paymentservice "github.com/smallbiznis/creatorledger/internal/payment/service"
	"go.uber.org/fx"
)

func NewRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
		ccbill.NewFactory(),
		bitpay.NewFactory(),
	)
}

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
)
