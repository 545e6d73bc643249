package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxErrorLength = 1024

type DispatcherParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Registry *Registry
	Config   *config.SettlementConfigHolder
	Clock    clock.Clock                   `optional:"true"`
	Metrics  *obsmetrics.SettlementMetrics `optional:"true"`
}

// Dispatcher pumps the outbox: it fans new events out into one delivery per
// registered subscriber, then runs pending deliveries on a bounded worker pool.
type Dispatcher struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	registry *Registry
	cfg      *config.SettlementConfigHolder
	clock    clock.Clock
	metrics  *obsmetrics.SettlementMetrics
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Dispatcher{
		db:       p.DB,
		log:      p.Log.Named("events.dispatcher"),
		genID:    p.GenID,
		registry: p.Registry,
		cfg:      p.Config,
		clock:    clk,
		metrics:  p.Metrics,
	}
}

type pendingDelivery struct {
	ID         snowflake.ID   `gorm:"column:id"`
	EventID    snowflake.ID   `gorm:"column:event_id"`
	Channel    Channel        `gorm:"column:channel"`
	Subscriber string         `gorm:"column:subscriber"`
	Attempts   int            `gorm:"column:attempts"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

// RunOnce performs one fan-out pass and one delivery pass. It returns the
// number of deliveries attempted.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	if _, err := d.fanOut(ctx); err != nil {
		return 0, fmt.Errorf("fan out: %w", err)
	}
	return d.deliver(ctx)
}

// Drain runs until no deliveries are ready. Retries scheduled in the future
// are left alone.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for i := 0; i < 1000; i++ {
		n, err := d.RunOnce(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return errors.New("event bus did not drain")
}

func (d *Dispatcher) fanOut(ctx context.Context) (int, error) {
	cfg := d.cfg.Get().Dispatcher

	var pending []BusEvent
	if err := d.db.WithContext(ctx).
		Where("fanned_out_at IS NULL").
		Order("id ASC").
		Limit(cfg.BatchSize).
		Find(&pending).Error; err != nil {
		return 0, err
	}

	for _, evt := range pending {
		now := d.clock.Now()
		err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			for _, sub := range d.registry.Subscribers(evt.Channel) {
				if err := tx.Exec(
					`INSERT INTO bus_deliveries (
						id, event_id, channel, subscriber, status, attempts,
						next_attempt_at, created_at, updated_at
					) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
					ON CONFLICT (event_id, subscriber) DO NOTHING`,
					d.genID.Generate(),
					evt.ID,
					string(evt.Channel),
					sub.Name,
					string(DeliveryPending),
					now,
					now,
					now,
				).Error; err != nil {
					return err
				}
			}
			return tx.Exec(
				`UPDATE bus_events SET fanned_out_at = ? WHERE id = ? AND fanned_out_at IS NULL`,
				now,
				evt.ID,
			).Error
		})
		if err != nil {
			return 0, err
		}
		if len(d.registry.Subscribers(evt.Channel)) == 0 {
			d.log.Debug("event has no subscribers", zap.String("channel", string(evt.Channel)), zap.String("event_id", evt.ID.String()))
		}
	}
	return len(pending), nil
}

func (d *Dispatcher) deliver(ctx context.Context) (int, error) {
	cfg := d.cfg.Get().Dispatcher
	now := d.clock.Now()

	var rows []pendingDelivery
	if err := d.db.WithContext(ctx).Raw(
		`SELECT d.id, d.event_id, d.channel, d.subscriber, d.attempts, e.payload, e.created_at
		 FROM bus_deliveries d
		 JOIN bus_events e ON e.id = d.event_id
		 WHERE d.status = ? AND d.next_attempt_at <= ?
		 ORDER BY d.id ASC
		 LIMIT ?`,
		string(DeliveryPending),
		now,
		cfg.BatchSize,
	).Scan(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(cfg.Workers)

	attempted := 0
	for _, row := range rows {
		claimed, err := d.claim(ctx, row.ID)
		if err != nil {
			_ = g.Wait()
			return attempted, err
		}
		if !claimed {
			continue
		}
		attempted++
		row := row
		row.Attempts++
		g.Go(func() error {
			return d.deliverOne(ctx, row, cfg)
		})
	}
	return attempted, g.Wait()
}

func (d *Dispatcher) claim(ctx context.Context, id snowflake.ID) (bool, error) {
	res := d.db.WithContext(ctx).Exec(
		`UPDATE bus_deliveries
		 SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(DeliveryProcessing),
		d.clock.Now(),
		id,
		string(DeliveryPending),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, row pendingDelivery, cfg config.DispatcherConfig) error {
	log := d.log.With(
		zap.String("channel", string(row.Channel)),
		zap.String("subscriber", row.Subscriber),
		zap.String("event_id", row.EventID.String()),
		zap.Int("attempt", row.Attempts),
	)

	sub, ok := d.registry.Lookup(row.Channel, row.Subscriber)
	if !ok {
		log.Warn("subscriber no longer registered")
		return d.finish(ctx, row, DeliveryDead, errors.New("subscriber_not_registered"), cfg)
	}

	start := time.Now()
	handlerCtx := obscontext.WithActor(ctx, "subscriber", row.Subscriber)
	err := invoke(handlerCtx, sub.Handler, Message{
		EventID:     row.EventID,
		DeliveryID:  row.ID,
		Channel:     row.Channel,
		Payload:     row.Payload,
		PublishedAt: row.CreatedAt,
		Attempt:     row.Attempts,
	})
	elapsed := time.Since(start)

	if err == nil {
		d.metrics.ObserveDelivery(string(row.Channel), obsmetrics.DeliveryResultDelivered, elapsed)
		return d.finish(ctx, row, DeliveryDelivered, nil, cfg)
	}

	if row.Attempts >= cfg.MaxAttempts {
		log.Error("delivery exhausted retries", zap.Error(err))
		d.metrics.ObserveDelivery(string(row.Channel), obsmetrics.DeliveryResultDead, elapsed)
		return d.finish(ctx, row, DeliveryDead, err, cfg)
	}
	log.Warn("delivery failed, will retry", zap.Error(err))
	d.metrics.ObserveDelivery(string(row.Channel), obsmetrics.DeliveryResultRetry, elapsed)
	return d.finish(ctx, row, DeliveryPending, err, cfg)
}

func (d *Dispatcher) finish(ctx context.Context, row pendingDelivery, status DeliveryStatus, cause error, cfg config.DispatcherConfig) error {
	now := d.clock.Now()
	var lastError *string
	if cause != nil {
		msg := cause.Error()
		if len(msg) > maxErrorLength {
			msg = msg[:maxErrorLength]
		}
		lastError = &msg
	}

	var deliveredAt *time.Time
	next := now
	switch status {
	case DeliveryDelivered:
		deliveredAt = &now
	case DeliveryPending:
		next = now.Add(backoff(cfg.RetryBackoff, row.Attempts))
	}

	return d.db.WithContext(ctx).Exec(
		`UPDATE bus_deliveries
		 SET status = ?, last_error = ?, delivered_at = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(status),
		lastError,
		deliveredAt,
		next,
		now,
		row.ID,
	).Error
}

// RequeueStale returns deliveries stuck in processing (worker crashed
// mid-handler) to pending.
func (d *Dispatcher) RequeueStale(ctx context.Context) (int64, error) {
	cfg := d.cfg.Get().Dispatcher
	now := d.clock.Now()
	res := d.db.WithContext(ctx).Exec(
		`UPDATE bus_deliveries
		 SET status = ?, updated_at = ?, next_attempt_at = ?
		 WHERE status = ? AND updated_at < ?`,
		string(DeliveryPending),
		now,
		now,
		string(DeliveryProcessing),
		now.Add(-cfg.ProcessingLease),
	)
	return res.RowsAffected, res.Error
}

// invoke shields the dispatcher from panicking subscribers.
func invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	return base * time.Duration(1<<(attempt-1))
}

// RunForever polls until ctx is cancelled. A full batch triggers an immediate
// next pass instead of waiting for the poll interval.
func (d *Dispatcher) RunForever(ctx context.Context) {
	for {
		n, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.log.Error("dispatch pass failed", zap.Error(err))
		}

		cfg := d.cfg.Get().Dispatcher
		wait := cfg.PollInterval
		if err == nil && n >= cfg.BatchSize {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
