package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultSettlementConfigIsValid(t *testing.T) {
	cfg := DefaultSettlementConfig()
	require.NoError(t, ValidateSettlementConfig(cfg))
	assert.Equal(t, "0.2", cfg.FallbackRate().String())
	assert.Equal(t, "1", cfg.Payout.ConversionRate().String())
}

func TestValidateSettlementConfigRejectsOutOfRangeRate(t *testing.T) {
	cfg := DefaultSettlementConfig()
	cfg.FallbackCommissionRate = "1.5"
	assert.Error(t, ValidateSettlementConfig(cfg))

	cfg.FallbackCommissionRate = "abc"
	assert.Error(t, ValidateSettlementConfig(cfg))
}

func TestNewSettlementConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settlement.yml")
	content := []byte(`settlement:
  fallbackCommissionRate: "0.30"
  reversalPageSize: 25
  dispatcher:
    workers: 2
    pollInterval: 250ms
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewSettlementConfigHolder(Config{SettlementConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "0.3", cfg.FallbackRate().String())
	assert.Equal(t, 25, cfg.ReversalPageSize)
	assert.Equal(t, 2, cfg.Dispatcher.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatcher.PollInterval)
	// untouched keys keep defaults
	assert.Equal(t, 100, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 15*time.Second, cfg.Payout.TransferTimeout)
}
