package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/events"
	ledgerdomain "github.com/smallbiznis/creatorledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creatorledger/internal/observability/metrics"
	settlementdomain "github.com/smallbiznis/creatorledger/internal/settlement/domain"
	dbtest "github.com/smallbiznis/creatorledger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSettlement struct {
	settlementdomain.Service

	mu     sync.Mutex
	limits []int
	err    error
}

func (f *fakeSettlement) RecoverUnsettled(_ context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	return 0, f.err
}

type fakeLedger struct {
	ledgerdomain.Service

	mu      sync.Mutex
	cutoffs []time.Time
	results []int64
}

func (f *fakeLedger) ExpireStale(_ context.Context, createdBefore time.Time, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, createdBefore)
	if len(f.results) == 0 {
		return 0, nil
	}
	n := f.results[0]
	f.results = f.results[1:]
	return n, nil
}

type fixture struct {
	sched      *Scheduler
	clock      *clock.FakeClock
	outbox     *events.Outbox
	settlement *fakeSettlement
	ledger     *fakeLedger
	delivered  *atomic.Int32
	registry   *prometheus.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "creatorledger", Environment: "test"})

	db := dbtest.OpenSQLite(t)
	node := dbtest.Node(t)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	holder := config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())

	delivered := &atomic.Int32{}
	busRegistry, err := events.BuildRegistry(events.Subscription{
		Channel: events.ChannelContentDeleted,
		Name:    "scheduler-test",
		Handler: func(context.Context, events.Message) error {
			delivered.Add(1)
			return nil
		},
	})
	require.NoError(t, err)

	settlement := &fakeSettlement{}
	ledger := &fakeLedger{}
	sched, err := New(Params{
		Log:   log,
		GenID: node,
		Dispatcher: events.NewDispatcher(events.DispatcherParams{
			DB: db, Log: log, GenID: node, Registry: busRegistry, Config: holder, Clock: clk,
		}),
		Settlement:       settlement,
		Ledger:           ledger,
		SettlementConfig: holder,
		Clock:            clk,
		Config:           cfg,
	})
	require.NoError(t, err)

	return &fixture{
		sched:      sched,
		clock:      clk,
		outbox:     events.NewOutbox(events.OutboxParams{DB: db, Log: log, GenID: node, Clock: clk}),
		settlement: settlement,
		ledger:     ledger,
		delivered:  delivered,
		registry:   registry,
	}
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	f := newFixture(t, Config{})

	err := f.sched.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "creatorledger",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, f.registry, "creatorledger_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "creatorledger",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, f.registry, "creatorledger_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 25})
	ctx := context.Background()

	require.NoError(t, f.outbox.Publish(ctx, events.Event{
		Channel:   events.ChannelContentDeleted,
		Payload:   events.ContentDeleted{ContentType: "post", ContentID: snowflake.ID(42)},
		DedupeKey: "content-deleted:post:42",
	}))

	require.NoError(t, f.sched.RunOnce(ctx))

	assert.EqualValues(t, 1, f.delivered.Load())
	assert.Equal(t, []int{25}, f.settlement.limits)
	ttl := config.DefaultSettlementConfig().StaleTransactionTTL
	require.Len(t, f.ledger.cutoffs, 1)
	assert.True(t, f.ledger.cutoffs[0].Equal(f.clock.Now().Add(-ttl)))

	for _, job := range []string{JobDispatchEvents, JobRecoverUnsettled, JobExpireStaleTransactions} {
		labels := map[string]string{"service": "creatorledger", "env": "test", "job": job}
		assert.EqualValues(t, 1, getCounterValue(t, f.registry, "creatorledger_scheduler_job_runs_total", labels), job)
	}

	// a second tick finds nothing new to deliver
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.EqualValues(t, 1, f.delivered.Load())
}

func TestEnabledJobsFilter(t *testing.T) {
	f := newFixture(t, Config{EnabledJobs: []string{" Expire_Stale_Transactions "}})

	require.NoError(t, f.sched.RunOnce(context.Background()))

	assert.Empty(t, f.settlement.limits)
	assert.Len(t, f.ledger.cutoffs, 1)
}

func TestExpireStaleDrainsFullBatches(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 10})
	f.ledger.results = []int64{10, 10, 3}

	require.NoError(t, f.sched.ExpireStaleTransactionsJob(context.Background()))

	assert.Len(t, f.ledger.cutoffs, 3)
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	f := newFixture(t, Config{})
	f.settlement.err = errors.New("db down")

	err := f.sched.RunOnce(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "recover_unsettled: db down")
	assert.Len(t, f.ledger.cutoffs, 1, "later jobs still run")
}

func TestProvideConfig(t *testing.T) {
	cfg := ProvideConfig(config.Config{
		SchedulerInterval: 15 * time.Second,
		SchedulerJobs:     []string{JobDispatchEvents},
	})
	assert.Equal(t, 15*time.Second, cfg.RunInterval)
	assert.Equal(t, []string{JobDispatchEvents}, cfg.EnabledJobs)

	defaults := Config{JobTimeout: 5 * time.Minute}.withDefaults()
	assert.Greater(t, defaults.LockTTL, defaults.JobTimeout)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
