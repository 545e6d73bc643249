package payout

import (
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/payout/rails"
	"github.com/smallbiznis/creatorledger/internal/payout/rails/manual"
	"github.com/smallbiznis/creatorledger/internal/payout/rails/paypal"
	"github.com/smallbiznis/creatorledger/internal/payout/rails/stripeconnect"
	"github.com/smallbiznis/creatorledger/internal/payout/repository"
	"github.com/smallbiznis/creatorledger/internal/payout/service"
	"go.uber.org/fx"
)

func NewRails(cfg config.Config) *rails.Registry {
	return rails.NewRegistry(
		manual.New(),
		paypal.New(paypal.Config{
			BaseURL:      cfg.PayoutRails.PayPalBaseURL,
			ClientID:     cfg.PayoutRails.PayPalClientID,
			ClientSecret: cfg.PayoutRails.PayPalClientSecret,
		}),
		stripeconnect.New(stripeconnect.Config{
			BaseURL:   cfg.PayoutRails.StripeBaseURL,
			SecretKey: cfg.PayoutRails.StripeSecretKey,
		}),
	)
}

var Module = fx.Module("payout.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRails),
	fx.Provide(service.NewService),
)
