package service

import (
	"context"
	"errors"

	balancedomain "github.com/smallbiznis/creatorledger/internal/balance/domain"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/creatorledger/internal/payment/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BeginCheckout opens a cash purchase on a configured rail. No row is written
// when the rail has no active configuration.
func (s *Service) BeginCheckout(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	provider, err := s.adapters.Resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	adapter, err := s.activeAdapter(ctx, provider)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidConfig) {
			return nil, paymentdomain.ErrMissingGatewayConfig
		}
		return nil, err
	}

	t, err := s.ledger.CreateTransaction(ctx, ledgerdomain.CreateTransactionRequest{
		Payer:       req.Payer,
		CreatorID:   req.CreatorID,
		TargetType:  req.TargetType,
		TargetID:    req.TargetID,
		Category:    req.Category,
		ContentType: req.ContentType,
		ContentID:   req.ContentID,
		LineItems:   req.LineItems,
		Currency:    req.Currency,
		TokenAmount: req.TokenAmount,
		Coupon:      req.Coupon,
		Gateway:     provider,
	})
	if err != nil {
		return nil, err
	}

	session := &paymentdomain.CheckoutSession{Transaction: t, Provider: provider}
	if builder, ok := adapter.(paymentdomain.CheckoutAdapter); ok {
		link, err := builder.CheckoutURL(ctx, t, req.ReturnURL)
		switch {
		case errors.Is(err, paymentdomain.ErrCheckoutUnsupported):
		case err != nil:
			return nil, err
		default:
			session.RedirectURL = link
		}
	}

	s.log.Info("checkout started",
		zap.String("transaction_id", t.ID.String()),
		zap.String("provider", provider),
		zap.String("payer", t.Payer().String()),
		zap.Int64("final_price", t.FinalPrice),
	)
	return session, nil
}

// PurchaseWithTokens records a token purchase as succeeded and queues its
// settlement. The balance check here only fails fast; the settlement debit is
// the guarded one.
func (s *Service) PurchaseWithTokens(ctx context.Context, req paymentdomain.TokenPurchaseRequest) (*ledgerdomain.Transaction, error) {
	creatorID := req.CreatorID
	targetType := req.TargetType
	if targetType == "" {
		targetType = ledgerdomain.TargetOrder
	}

	var created *ledgerdomain.Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		t, err := s.ledger.WithTx(tx).CreateTransaction(ctx, ledgerdomain.CreateTransactionRequest{
			Payer:       req.Payer,
			CreatorID:   &creatorID,
			TargetType:  targetType,
			TargetID:    req.TargetID,
			Category:    req.Category,
			ContentType: req.ContentType,
			ContentID:   req.ContentID,
			LineItems:   req.LineItems,
			IsToken:     true,
			Coupon:      req.Coupon,
			Gateway:     paymentdomain.TokenGateway,
			Status:      ledgerdomain.StatusSucceeded,
		})
		if err != nil {
			return err
		}

		balance, err := s.balance.WithTx(tx).GetBalance(ctx, t.Payer())
		if err != nil {
			return err
		}
		if balance < t.FinalPrice {
			return balancedomain.ErrInsufficientBalance
		}

		created = t
		return s.publishSucceeded(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("token purchase recorded",
		zap.String("transaction_id", created.ID.String()),
		zap.String("payer", created.Payer().String()),
		zap.String("category", string(created.Category)),
		zap.Int64("tokens", created.FinalPrice),
	)
	return created, nil
}

// activeAdapter builds the adapter for provider from its stored, encrypted
// configuration.
func (s *Service) activeAdapter(ctx context.Context, provider string) (paymentdomain.Adapter, error) {
	cfg, err := s.repo.FindConfig(ctx, s.db, provider)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.IsActive {
		return nil, paymentdomain.ErrMissingGatewayConfig
	}
	decrypted, err := openConfig(s.encKey, cfg.Config)
	if err != nil {
		return nil, err
	}
	return s.adapters.NewAdapter(provider, paymentdomain.AdapterConfig{
		Provider: provider,
		Config:   decrypted,
	})
}

func (s *Service) ListConfigs(ctx context.Context) ([]paymentdomain.ConfigSummary, error) {
	items, err := s.repo.ListConfigs(ctx, s.db)
	if err != nil {
		return nil, err
	}

	// Every wired rail is listed so operators can see which still need
	// credentials.
	stored := make(map[string]paymentdomain.ProviderConfig, len(items))
	for _, item := range items {
		stored[item.Provider] = item
	}
	resp := make([]paymentdomain.ConfigSummary, 0, len(items))
	for _, name := range s.adapters.Providers() {
		item, ok := stored[name]
		resp = append(resp, paymentdomain.ConfigSummary{
			Provider:   name,
			IsActive:   ok && item.IsActive,
			Configured: ok,
		})
	}
	return resp, nil
}

func (s *Service) UpsertConfig(ctx context.Context, req paymentdomain.UpsertConfigRequest) (*paymentdomain.ConfigSummary, error) {
	provider, err := s.adapters.Resolve(req.Provider)
	if err != nil {
		return nil, err
	}

	config := normalizeConfig(req.Config)
	if len(config) == 0 {
		return nil, paymentdomain.ErrInvalidConfig
	}
	// Reject credentials the adapter would refuse later at webhook time.
	if _, err := s.adapters.NewAdapter(provider, paymentdomain.AdapterConfig{Provider: provider, Config: config}); err != nil {
		return nil, err
	}

	encrypted, err := sealConfig(s.encKey, config)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindConfig(ctx, s.db, provider)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	cfg := paymentdomain.ProviderConfig{
		ID:        s.genID.Generate(),
		Provider:  provider,
		Config:    encrypted,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		cfg.ID = existing.ID
		cfg.IsActive = existing.IsActive
		cfg.CreatedAt = existing.CreatedAt
	}

	if err := s.repo.UpsertConfig(ctx, s.db, &cfg); err != nil {
		return nil, err
	}

	action := "provider.rotate_secret"
	if existing == nil {
		action = "provider.enable"
	}
	s.log.Info("payment provider configured", zap.String("provider", provider), zap.String("action", action))

	return &paymentdomain.ConfigSummary{
		Provider:   provider,
		IsActive:   cfg.IsActive,
		Configured: true,
	}, nil
}

func (s *Service) SetActive(ctx context.Context, provider string, isActive bool) (*paymentdomain.ConfigSummary, error) {
	provider, err := s.adapters.Resolve(provider)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateConfigStatus(ctx, s.db, provider, isActive, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, paymentdomain.ErrNotFound
	}

	s.log.Info("payment provider status changed", zap.String("provider", provider), zap.Bool("is_active", isActive))
	return &paymentdomain.ConfigSummary{
		Provider:   provider,
		IsActive:   isActive,
		Configured: true,
	}, nil
}
