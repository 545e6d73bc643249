package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OutboxParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock `optional:"true"`
}

// Outbox persists events next to the state change that produced them. The
// dispatcher fans them out to subscribers later.
type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p OutboxParams) *Outbox {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Outbox{
		db:    p.DB,
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
		clock: clk,
	}
}

// Publish writes the event in its own statement.
func (o *Outbox) Publish(ctx context.Context, evt Event) error {
	return o.PublishTx(ctx, o.db, evt)
}

// PublishTx writes the event using tx so it commits or rolls back with the
// caller's changes. A repeated dedupe key is a silent no-op.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, evt Event) error {
	channel := Channel(strings.TrimSpace(string(evt.Channel)))
	if channel == "" {
		return ErrInvalidChannel
	}
	if evt.Payload == nil {
		return ErrInvalidPayload
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}

	id := o.genID.Generate()
	dedupeKey := strings.TrimSpace(evt.DedupeKey)
	if dedupeKey == "" {
		dedupeKey = string(channel) + ":" + id.String()
	}

	res := tx.WithContext(ctx).Exec(
		`INSERT INTO bus_events (id, channel, dedupe_key, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		id,
		string(channel),
		dedupeKey,
		datatypes.JSON(payload),
		o.clock.Now(),
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		o.log.Debug("duplicate event suppressed",
			zap.String("channel", string(channel)),
			zap.String("dedupe_key", dedupeKey),
		)
	}
	return nil
}
