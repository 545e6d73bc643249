package events

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(NewRegistry),
	fx.Provide(NewDispatcher),
)

// AsSubscriptions annotates a constructor returning []Subscription so its
// results join the bus registry.
func AsSubscriptions(f any) any {
	return fx.Annotate(f, fx.ResultTags(`group:"bus.subscriptions,flatten"`))
}

// WorkerModule runs the dispatcher loop for the lifetime of the app.
var WorkerModule = fx.Module("events.worker",
	fx.Invoke(RunDispatcher),
)

func RunDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go d.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
