package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
)

var (
	ErrInvalidRate     = errors.New("invalid_commission_rate")
	ErrInvalidCategory = errors.New("invalid_commission_category")
	ErrInvalidCreator  = errors.New("invalid_creator")
	ErrNotFound        = errors.New("not_found")
)

// GlobalKeyPrefix namespaces commission defaults in global_settings.
const GlobalKeyPrefix = "commission."

func GlobalKey(category ledgerdomain.Category) string {
	return GlobalKeyPrefix + string(category)
}

type CreatorCommission struct {
	CreatorID snowflake.ID          `json:"creator_id" gorm:"primaryKey"`
	Category  ledgerdomain.Category `json:"category" gorm:"primaryKey;type:text"`
	Rate      string                `json:"rate" gorm:"type:text;not null"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (CreatorCommission) TableName() string { return "creator_commission_settings" }

type GlobalSetting struct {
	Key       string    `json:"key" gorm:"primaryKey;type:text"`
	Value     string    `json:"value" gorm:"type:text;not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (GlobalSetting) TableName() string { return "global_settings" }

type RateSource string

const (
	SourceCreator  RateSource = "creator"
	SourceGlobal   RateSource = "global"
	SourceFallback RateSource = "fallback"
)

type Resolution struct {
	Rate   decimal.Decimal
	Source RateSource
}

type Service interface {
	Resolve(ctx context.Context, creatorID snowflake.ID, category ledgerdomain.Category) (Resolution, error)
	SetCreatorRate(ctx context.Context, creatorID snowflake.ID, category ledgerdomain.Category, rate string) (*CreatorCommission, error)
	RemoveCreatorRate(ctx context.Context, creatorID snowflake.ID, category ledgerdomain.Category) error
	ListCreatorRates(ctx context.Context, creatorID snowflake.ID) ([]CreatorCommission, error)
	SetGlobalRate(ctx context.Context, category ledgerdomain.Category, rate string) (*GlobalSetting, error)
}
