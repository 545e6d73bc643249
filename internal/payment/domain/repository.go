package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*WebhookEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionID *snowflake.ID, outcome string, at time.Time) error

	FindConfig(ctx context.Context, db *gorm.DB, provider string) (*ProviderConfig, error)
	ListConfigs(ctx context.Context, db *gorm.DB) ([]ProviderConfig, error)
	UpsertConfig(ctx context.Context, db *gorm.DB, cfg *ProviderConfig) error
	UpdateConfigStatus(ctx context.Context, db *gorm.DB, provider string, isActive bool, at time.Time) (bool, error)
}
