package adapters

import (
	"testing"

	"github.com/smallbiznis/creatorledger/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct{ name string }

func (f stubFactory) Provider() string { return f.name }

func (f stubFactory) NewAdapter(cfg domain.AdapterConfig) (domain.Adapter, error) {
	if len(cfg.Config) == 0 {
		return nil, domain.ErrInvalidConfig
	}
	return nil, nil
}

func TestRegistryResolvesRailNames(t *testing.T) {
	registry := NewRegistry(stubFactory{"Stripe"}, nil, stubFactory{" "}, stubFactory{"ccbill"})

	name, err := registry.Resolve("  STRIPE ")
	require.NoError(t, err)
	assert.Equal(t, "stripe", name)
	assert.Equal(t, []string{"ccbill", "stripe"}, registry.Providers())

	_, err = registry.Resolve("bitpay")
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)
	_, err = registry.Resolve(domain.TokenGateway)
	assert.ErrorIs(t, err, domain.ErrInvalidProvider)

	_, err = registry.NewAdapter("ccbill", domain.AdapterConfig{})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	_, err = registry.NewAdapter("paypal", domain.AdapterConfig{})
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)

	var missing *Registry
	assert.False(t, missing.ProviderExists("stripe"))
	assert.Empty(t, missing.Providers())
}

func TestRegistryRejectsMiswiredRails(t *testing.T) {
	assert.Panics(t, func() { NewRegistry(stubFactory{"stripe"}, stubFactory{"STRIPE"}) })
	assert.Panics(t, func() { NewRegistry(stubFactory{domain.TokenGateway}) })
}
