package balance

import (
	"github.com/smallbiznis/creatorledger/internal/balance/service"
	"github.com/smallbiznis/creatorledger/internal/events"
	"go.uber.org/fx"
)

var Module = fx.Module("balance.service",
	fx.Provide(service.NewService),
	fx.Provide(service.NewLiveNotifier),
	fx.Provide(events.AsSubscriptions(service.Subscriptions)),
)
