package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/account"
	"github.com/smallbiznis/creatorledger/internal/balance/domain"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
	"github.com/smallbiznis/creatorledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Ledger     ledgerdomain.Service
	Outbox     *events.Outbox
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service is the only writer of account_balances.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	ledger     ledgerdomain.Service
	outbox     *events.Outbox
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("balance.service"),
		genID:      p.GenID,
		ledger:     p.Ledger,
		outbox:     p.Outbox,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) GetBalance(ctx context.Context, ref account.Ref) (int64, error) {
	if err := ref.Validate(); err != nil {
		return 0, domain.ErrInvalidAccount
	}
	var balances []int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT balance FROM account_balances
		 WHERE account_kind = ? AND account_id = ?`,
		string(ref.Kind),
		ref.ID,
	).Scan(&balances).Error
	if err != nil {
		return 0, err
	}
	if len(balances) == 0 {
		return 0, nil
	}
	return balances[0], nil
}

// AdjustBalance applies delta with one conditional UPDATE so concurrent
// credits and debits on the same account never lose an update.
func (s *Service) AdjustBalance(ctx context.Context, ref account.Ref, delta int64, opts domain.AdjustOptions) (*domain.Adjustment, error) {
	if err := ref.Validate(); err != nil {
		return nil, domain.ErrInvalidAccount
	}
	if delta == 0 {
		return nil, domain.ErrInvalidDelta
	}

	var adj *domain.Adjustment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		if err := tx.Exec(
			`INSERT INTO account_balances (account_kind, account_id, balance, updated_at)
			 VALUES (?, ?, 0, ?)
			 ON CONFLICT (account_kind, account_id) DO NOTHING`,
			string(ref.Kind),
			ref.ID,
			now,
		).Error; err != nil {
			return err
		}

		query := `UPDATE account_balances
			 SET balance = balance + ?, updated_at = ?
			 WHERE account_kind = ? AND account_id = ?`
		args := []any{delta, now, string(ref.Kind), ref.ID}
		if delta < 0 && !opts.AllowNegative {
			query += ` AND balance + ? >= 0`
			args = append(args, delta)
		}
		res := tx.Exec(query, args...)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrInsufficientBalance
		}

		balance, err := s.WithTx(tx).GetBalance(ctx, ref)
		if err != nil {
			return err
		}
		adj = &domain.Adjustment{Account: ref, Delta: delta, Balance: balance}

		if opts.Source != nil {
			adj.SourceType = opts.Source.Type
			adj.SourceID = opts.Source.ID
			entry, err := s.ledger.WithTx(tx).AppendChangeLog(ctx, ledgerdomain.ChangeLogRequest{
				Account:      ref,
				SourceType:   opts.Source.Type,
				SourceID:     opts.Source.ID,
				Delta:        delta,
				BalanceAfter: balance,
				Note:         opts.Source.Note,
			})
			if err != nil {
				return fmt.Errorf("append change log: %w", err)
			}
			adj.ChangeLogID = &entry.ID
		}

		if opts.Notify {
			return s.WithTx(tx).NotifyBalanceChanged(ctx, *adj)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordBalanceAdjustment(ctx, string(ref.Kind), string(adj.SourceType))
	}
	logger.WithAccount(logger.WithContext(ctx, s.log), string(ref.Kind), ref.ID.String()).Debug("balance adjusted",
		zap.Int64("delta", delta),
		zap.Int64("balance", adj.Balance),
		zap.String("source_type", string(adj.SourceType)),
	)
	return adj, nil
}

// NotifyBalanceChanged queues a balance-changed event for live clients. It
// joins the caller's transaction when called through WithTx.
func (s *Service) NotifyBalanceChanged(ctx context.Context, adj domain.Adjustment) error {
	if s.outbox == nil {
		return nil
	}
	dedupeKey := ""
	if adj.SourceID > 0 {
		dedupeKey = fmt.Sprintf("%s:%s:%s:%s",
			events.ChannelBalanceChanged, adj.Account, adj.SourceType, adj.SourceID)
	}
	return s.outbox.PublishTx(ctx, s.db, events.Event{
		Channel: events.ChannelBalanceChanged,
		Payload: events.BalanceChanged{
			AccountKind: string(adj.Account.Kind),
			AccountID:   adj.Account.ID,
			Delta:       adj.Delta,
			Balance:     adj.Balance,
			SourceType:  string(adj.SourceType),
		},
		DedupeKey: dedupeKey,
	})
}

// AdminAdjust is a manual edit from the back office. It is always written to
// the audit log and never drives a balance negative.
func (s *Service) AdminAdjust(ctx context.Context, ref account.Ref, delta int64, note string) (*domain.Adjustment, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, domain.ErrNoteRequired
	}
	if actorType, actorID := obscontext.ActorFromContext(ctx); actorID != "" {
		note = actorType + ":" + actorID + " " + note
	}
	adj, err := s.AdjustBalance(ctx, ref, delta, domain.AdjustOptions{
		Source: &domain.Source{
			Type: ledgerdomain.SourceAdmin,
			ID:   s.genID.Generate(),
			Note: note,
		},
		Notify: true,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("admin balance adjustment",
		zap.String("account", ref.String()),
		zap.Int64("delta", delta),
		zap.Int64("balance", adj.Balance),
	)
	return adj, nil
}
