package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
)

type Service interface {
	AvailableBalance(ctx context.Context, creatorID snowflake.ID) (*AvailableBalance, error)
	RequestPayout(ctx context.Context, req RequestPayoutRequest) (*PayoutRequest, error)
	ApprovePayout(ctx context.Context, id snowflake.ID, decision Decision) (*PayoutRequest, error)
	GetPayout(ctx context.Context, id snowflake.ID) (*PayoutRequest, error)
	ListPayouts(ctx context.Context, creatorID snowflake.ID, page pagination.Pagination) ([]PayoutRequest, pagination.PageInfo, error)
}
