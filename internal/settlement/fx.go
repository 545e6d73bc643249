package settlement

import (
	"github.com/smallbiznis/creatorledger/internal/events"
	"github.com/smallbiznis/creatorledger/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement.service",
	fx.Provide(service.NewService),
	fx.Provide(service.AsDomain),
	fx.Provide(events.AsSubscriptions(service.Subscriptions)),
)
