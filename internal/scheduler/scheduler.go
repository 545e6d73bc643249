package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	"github.com/smallbiznis/creatorledger/internal/ratelimit"
	settlementdomain "github.com/smallbiznis/creatorledger/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobDispatchEvents          = "dispatch_events"
	JobRecoverUnsettled        = "recover_unsettled"
	JobExpireStaleTransactions = "expire_stale_transactions"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

// maxDispatchPasses caps one dispatch_events run so a hot outbox cannot
// starve the jobs behind it.
const maxDispatchPasses = 50

type Params struct {
	fx.In

	Log              *zap.Logger
	GenID            *snowflake.Node
	Dispatcher       *events.Dispatcher
	Settlement       settlementdomain.Service
	Ledger           ledgerdomain.Service
	SettlementConfig *config.SettlementConfigHolder
	Locker           *ratelimit.Locker `optional:"true"`
	Clock            clock.Clock       `optional:"true"`
	Config           Config            `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	locker     *ratelimit.Locker
	dispatcher *events.Dispatcher
	settlement settlementdomain.Service
	ledger     ledgerdomain.Service
	settleCfg  *config.SettlementConfigHolder
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Dispatcher == nil || p.Settlement == nil || p.Ledger == nil || p.SettlementConfig == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      clk,
		locker:     p.Locker,
		dispatcher: p.Dispatcher,
		settlement: p.Settlement,
		ledger:     p.Ledger,
		settleCfg:  p.SettlementConfig,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := s.withJobLock(ctx, name, func() error { return fn(ctx) })
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	schedMetrics.AddBatchProcessed(name, "items", run.processedCount)
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next tick picks up where this one stopped
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// withJobLock keeps two scheduler instances off the same job. Losing the race
// is not an error.
func (s *Scheduler) withJobLock(ctx context.Context, name string, fn func() error) error {
	err := s.locker.WithLock(ctx, "scheduler:job:"+name, s.cfg.LockTTL, fn)
	if errors.Is(err, ratelimit.ErrLockBusy) {
		s.logger(ctx).Debug("job held by another instance", zap.String("job", name))
		return nil
	}
	return err
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobDispatchEvents, s.DispatchEventsJob},
		{JobRecoverUnsettled, s.RecoverUnsettledJob},
		{JobExpireStaleTransactions, s.ExpireStaleTransactionsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// DispatchEventsJob returns crashed deliveries to the queue and pumps the
// outbox until it runs dry.
func (s *Scheduler) DispatchEventsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDispatchEvents, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	requeued, err := s.dispatcher.RequeueStale(ctx)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.dispatch.requeue.failed", JobDispatchEvents, err)
		return err
	}
	if requeued > 0 {
		s.logger(ctx).Warn("requeued stale deliveries", zap.Int64("count", requeued))
	}

	for pass := 0; pass < maxDispatchPasses; pass++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.dispatcher.RunOnce(ctx)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.dispatch.pass.failed", JobDispatchEvents, err)
			return err
		}
		run.AddProcessed(n)
		if n == 0 {
			break
		}
	}
	return nil
}

// RecoverUnsettledJob re-publishes succeeded transactions whose settlement
// never landed. One pass per tick: re-published rows stay unsettled until
// the dispatcher delivers them.
func (s *Scheduler) RecoverUnsettledJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRecoverUnsettled, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	n, err := s.settlement.RecoverUnsettled(ctx, s.cfg.BatchSize)
	run.AddProcessed(n)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.recover.failed", JobRecoverUnsettled, err)
		return err
	}
	return nil
}

// ExpireStaleTransactionsJob cancels created/processing transactions older
// than the configured TTL.
func (s *Scheduler) ExpireStaleTransactionsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobExpireStaleTransactions, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	ttl := s.settleCfg.Get().StaleTransactionTTL
	if ttl <= 0 {
		return nil
	}
	cutoff := s.clock.Now().Add(-ttl)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.ledger.ExpireStale(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.expire.failed", JobExpireStaleTransactions, err)
			return err
		}
		run.AddProcessed(int(n))
		if n < int64(s.cfg.BatchSize) {
			return nil
		}
	}
}
