package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/commission/domain"
	"github.com/smallbiznis/creatorledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Config *config.SettlementConfigHolder
	Clock  clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	cfg   *config.SettlementConfigHolder
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("commission.service"),
		cfg:   p.Config,
		clock: clk,
	}
}

// Resolve picks the creator override, then the global default for the
// category, then the configured fallback. Stored values that fail to parse or
// fall outside [0,1] are logged and skipped.
func (s *Service) Resolve(ctx context.Context, creatorID snowflake.ID, category ledgerdomain.Category) (domain.Resolution, error) {
	if !category.IsEarningCategory() {
		return domain.Resolution{}, domain.ErrInvalidCategory
	}

	if creatorID > 0 {
		var overrides []string
		err := s.db.WithContext(ctx).Model(&domain.CreatorCommission{}).
			Where("creator_id = ? AND category = ?", creatorID, string(category)).
			Limit(1).
			Pluck("rate", &overrides).Error
		if err != nil {
			return domain.Resolution{}, err
		}
		if len(overrides) > 0 {
			if rate, err := domain.ParseRate(overrides[0]); err == nil {
				return domain.Resolution{Rate: rate, Source: domain.SourceCreator}, nil
			}
			s.log.Warn("ignoring invalid creator commission",
				zap.String("creator_id", creatorID.String()),
				zap.String("category", string(category)),
				zap.String("rate", overrides[0]),
			)
		}
	}

	var globals []string
	err := s.db.WithContext(ctx).Model(&domain.GlobalSetting{}).
		Where(globalKeyEq(category)).
		Limit(1).
		Pluck("value", &globals).Error
	if err != nil {
		return domain.Resolution{}, err
	}
	if len(globals) > 0 {
		if rate, err := domain.ParseRate(globals[0]); err == nil {
			return domain.Resolution{Rate: rate, Source: domain.SourceGlobal}, nil
		}
		s.log.Warn("ignoring invalid global commission",
			zap.String("category", string(category)),
			zap.String("value", globals[0]),
		)
	}

	fallback := s.cfg.Get().FallbackRate()
	if !domain.ValidRate(fallback) {
		fallback = config.DefaultSettlementConfig().FallbackRate()
	}
	return domain.Resolution{Rate: fallback, Source: domain.SourceFallback}, nil
}

func (s *Service) SetCreatorRate(ctx context.Context, creatorID snowflake.ID, category ledgerdomain.Category, raw string) (*domain.CreatorCommission, error) {
	if creatorID <= 0 {
		return nil, domain.ErrInvalidCreator
	}
	if !category.IsEarningCategory() {
		return nil, domain.ErrInvalidCategory
	}
	rate, err := domain.ParseRate(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}

	row := &domain.CreatorCommission{
		CreatorID: creatorID,
		Category:  category,
		Rate:      rate.String(),
		UpdatedAt: s.clock.Now(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "creator_id"}, {Name: "category"}},
		DoUpdates: clause.AssignmentColumns([]string{"rate", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return nil, err
	}
	s.log.Info("creator commission set",
		zap.String("creator_id", creatorID.String()),
		zap.String("category", string(category)),
		zap.String("rate", row.Rate),
	)
	return row, nil
}

func (s *Service) RemoveCreatorRate(ctx context.Context, creatorID snowflake.ID, category ledgerdomain.Category) error {
	res := s.db.WithContext(ctx).
		Where("creator_id = ? AND category = ?", creatorID, string(category)).
		Delete(&domain.CreatorCommission{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Service) ListCreatorRates(ctx context.Context, creatorID snowflake.ID) ([]domain.CreatorCommission, error) {
	var items []domain.CreatorCommission
	err := s.db.WithContext(ctx).
		Where("creator_id = ?", creatorID).
		Order("category ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) SetGlobalRate(ctx context.Context, category ledgerdomain.Category, raw string) (*domain.GlobalSetting, error) {
	if !category.IsEarningCategory() {
		return nil, domain.ErrInvalidCategory
	}
	rate, err := domain.ParseRate(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}

	row := &domain.GlobalSetting{
		Key:       domain.GlobalKey(category),
		Value:     rate.String(),
		UpdatedAt: s.clock.Now(),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		return nil, err
	}
	s.log.Info("global commission set", zap.String("category", string(category)), zap.String("rate", row.Value))
	return row, nil
}

// globalKeyEq matches a global setting row. key is reserved in MySQL, so the
// column goes through the dialect's quoting instead of a raw fragment.
func globalKeyEq(category ledgerdomain.Category) clause.Expression {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: domain.GlobalKey(category)}
}
