package service

import (
	"context"
	"testing"

	"github.com/smallbiznis/creatorledger/internal/commission/domain"
	"github.com/smallbiznis/creatorledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"github.com/smallbiznis/creatorledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, fallback string) (domain.Service, *gorm.DB) {
	t.Helper()
	db := testutil.OpenSQLite(t)
	cfg := config.DefaultSettlementConfig()
	if fallback != "" {
		cfg.FallbackCommissionRate = fallback
	}
	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		Config: config.NewStaticSettlementConfigHolder(cfg),
	})
	return svc, db
}

func TestResolveOverridePrecedence(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx := context.Background()

	_, err := svc.SetGlobalRate(ctx, ledgerdomain.CategoryVideo, "0.20")
	require.NoError(t, err)
	_, err = svc.SetCreatorRate(ctx, 11, ledgerdomain.CategoryVideo, "0.15")
	require.NoError(t, err)

	res, err := svc.Resolve(ctx, 11, ledgerdomain.CategoryVideo)
	require.NoError(t, err)
	assert.Equal(t, "0.15", res.Rate.String())
	assert.Equal(t, domain.SourceCreator, res.Source)

	other, err := svc.Resolve(ctx, 12, ledgerdomain.CategoryVideo)
	require.NoError(t, err)
	assert.Equal(t, "0.2", other.Rate.String())
	assert.Equal(t, domain.SourceGlobal, other.Source)

	require.NoError(t, svc.RemoveCreatorRate(ctx, 11, ledgerdomain.CategoryVideo))
	res, err = svc.Resolve(ctx, 11, ledgerdomain.CategoryVideo)
	require.NoError(t, err)
	assert.Equal(t, "0.2", res.Rate.String())

	assert.ErrorIs(t, svc.RemoveCreatorRate(ctx, 11, ledgerdomain.CategoryVideo), domain.ErrNotFound)
}

func TestResolveFallsBackToConfig(t *testing.T) {
	svc, _ := newTestService(t, "0.3")

	res, err := svc.Resolve(context.Background(), 1, ledgerdomain.CategoryTip)
	require.NoError(t, err)
	assert.Equal(t, "0.3", res.Rate.String())
	assert.Equal(t, domain.SourceFallback, res.Source)
}

func TestResolveSkipsInvalidStoredValues(t *testing.T) {
	svc, db := newTestService(t, "")
	ctx := context.Background()

	require.NoError(t, db.Exec(
		`INSERT INTO creator_commission_settings (creator_id, category, rate, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		5, "feed", "1.7",
	).Error)
	require.NoError(t, db.Exec(
		`INSERT INTO global_settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		"commission.feed", "abc",
	).Error)

	res, err := svc.Resolve(ctx, 5, ledgerdomain.CategoryFeed)
	require.NoError(t, err)
	assert.Equal(t, "0.2", res.Rate.String())
	assert.Equal(t, domain.SourceFallback, res.Source)
}

func TestResolveIgnoresInvalidFallback(t *testing.T) {
	svc, _ := newTestService(t, "2.5")

	res, err := svc.Resolve(context.Background(), 1, ledgerdomain.CategoryChat)
	require.NoError(t, err)
	assert.Equal(t, "0.2", res.Rate.String())
}

func TestSetRatesValidate(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx := context.Background()

	_, err := svc.SetCreatorRate(ctx, 1, ledgerdomain.CategoryVideo, "1.01")
	assert.ErrorIs(t, err, domain.ErrInvalidRate)
	_, err = svc.SetCreatorRate(ctx, 0, ledgerdomain.CategoryVideo, "0.1")
	assert.ErrorIs(t, err, domain.ErrInvalidCreator)
	_, err = svc.SetCreatorRate(ctx, 1, ledgerdomain.CategoryTokenPackage, "0.1")
	assert.ErrorIs(t, err, domain.ErrInvalidCategory)
	_, err = svc.SetGlobalRate(ctx, ledgerdomain.CategoryFeed, "-0.5")
	assert.ErrorIs(t, err, domain.ErrInvalidRate)
	_, err = svc.Resolve(ctx, 1, "stream")
	assert.ErrorIs(t, err, domain.ErrInvalidCategory)
}

func TestSetCreatorRateUpserts(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx := context.Background()

	_, err := svc.SetCreatorRate(ctx, 3, ledgerdomain.CategoryGallery, "0.1")
	require.NoError(t, err)
	_, err = svc.SetCreatorRate(ctx, 3, ledgerdomain.CategoryGallery, "0.12")
	require.NoError(t, err)
	_, err = svc.SetCreatorRate(ctx, 3, ledgerdomain.CategoryChat, "0.3")
	require.NoError(t, err)

	rates, err := svc.ListCreatorRates(ctx, 3)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, ledgerdomain.CategoryChat, rates[0].Category)
	assert.Equal(t, "0.12", rates[1].Rate)
}

func TestGlobalLookupQuotesKeyColumn(t *testing.T) {
	_, db := newTestService(t, "")

	var rows []domain.GlobalSetting
	stmt := db.Session(&gorm.Session{DryRun: true}).
		Model(&domain.GlobalSetting{}).
		Where(globalKeyEq(ledgerdomain.CategoryVideo)).
		Find(&rows).Statement
	assert.Contains(t, stmt.SQL.String(), "`key` = ?")
	require.Len(t, stmt.Vars, 1)
	assert.Equal(t, domain.GlobalKey(ledgerdomain.CategoryVideo), stmt.Vars[0])
}
