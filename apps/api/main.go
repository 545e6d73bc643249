package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/audit"
	"github.com/smallbiznis/creatorledger/internal/balance"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/commission"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	"github.com/smallbiznis/creatorledger/internal/ledger"
	"github.com/smallbiznis/creatorledger/internal/observability"
	"github.com/smallbiznis/creatorledger/internal/payment"
	"github.com/smallbiznis/creatorledger/internal/payout"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
	"github.com/smallbiznis/creatorledger/internal/server"
	"github.com/smallbiznis/creatorledger/internal/settlement"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,
		events.Module,

		ledger.Module,
		balance.Module,
		commission.Module,
		settlement.Module,
		payment.Module,
		payout.Module,
		audit.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
