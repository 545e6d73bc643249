package service

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creatorledger/internal/events"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const liveChannelFormat = "balance:%s:%s"

type NotifierParams struct {
	fx.In

	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

// LiveNotifier forwards balance-changed events to connected clients through
// Redis pub/sub. Socket fan-out lives outside this service.
type LiveNotifier struct {
	log    *zap.Logger
	client *redis.Client
}

func NewLiveNotifier(p NotifierParams) *LiveNotifier {
	return &LiveNotifier{
		log:    p.Log.Named("balance.notifier"),
		client: p.Redis,
	}
}

func (n *LiveNotifier) Handle(ctx context.Context, msg events.Message) error {
	var payload events.BalanceChanged
	if err := msg.Decode(&payload); err != nil {
		// Undecodable payloads will never succeed; drop them.
		n.log.Warn("drop balance notification", zap.String("event_id", msg.EventID.String()), zap.Error(err))
		return nil
	}
	channel := fmt.Sprintf(liveChannelFormat, payload.AccountKind, payload.AccountID)
	if n.client == nil {
		n.log.Debug("balance changed",
			zap.String("channel", channel),
			zap.Int64("delta", payload.Delta),
			zap.Int64("balance", payload.Balance),
		)
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, channel, body).Err()
}

// Subscriptions registers the notifier on the bus.
func Subscriptions(n *LiveNotifier) []events.Subscription {
	return []events.Subscription{
		{
			Channel: events.ChannelBalanceChanged,
			Name:    "balance.live-notify",
			Handler: n.Handle,
		},
	}
}
