package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SettlementOutcomeRecorded  = "recorded"
	SettlementOutcomeDuplicate = "duplicate"
	SettlementOutcomeIgnored   = "ignored"
	SettlementOutcomeFailed    = "failed"

	ReversalOutcomeReversed = "reversed"
	ReversalOutcomeSkipped  = "skipped"
	ReversalOutcomeFailed   = "failed"

	DeliveryResultDelivered = "delivered"
	DeliveryResultRetry     = "retry"
	DeliveryResultDead      = "dead"

	PayoutStatusRequested = "requested"
	PayoutStatusDone      = "done"
	PayoutStatusRejected  = "rejected"
	PayoutStatusFailed    = "failed"
)

// SettlementMetrics are scraped from /metrics and drive the failed-settlement alert.
type SettlementMetrics struct {
	settlements      *prometheus.CounterVec
	failures         *prometheus.CounterVec
	reversals        *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	webhooks         *prometheus.CounterVec
	payouts          *prometheus.CounterVec
}

var (
	settlementMetricsOnce sync.Once
	settlementMetrics     *SettlementMetrics
)

func Settlement() *SettlementMetrics {
	return SettlementWithConfig(Config{})
}

func SettlementWithConfig(cfg Config) *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementMetrics = NewSettlementMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return settlementMetrics
}

func ResetSettlementMetricsForTest() {
	settlementMetricsOnce = sync.Once{}
	settlementMetrics = nil
}

// NewSettlementMetrics registers a fresh set of collectors on registerer.
func NewSettlementMetrics(registerer prometheus.Registerer, cfg Config) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &SettlementMetrics{
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creatorledger_settlements_total",
			Help:        "Settlement attempts by outcome.",
			ConstLabels: labels,
		}, []string{"channel", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creatorledger_settlement_failures_total",
			Help:        "Settlement or reversal handlers that failed and were recorded for follow-up.",
			ConstLabels: labels,
		}, []string{"channel"}),
		reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creatorledger_earning_reversals_total",
			Help:        "Earning reversals by outcome.",
			ConstLabels: labels,
		}, []string{"reason", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creatorledger_bus_deliveries_total",
			Help:        "Event bus deliveries by channel and result.",
			ConstLabels: labels,
		}, []string{"channel", "result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "creatorledger_bus_delivery_duration_seconds",
			Help:        "Subscriber handler latency.",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: labels,
		}, []string{"channel"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creatorledger_webhook_ingest_total",
			Help:        "Gateway webhooks by provider and result.",
			ConstLabels: labels,
		}, []string{"provider", "result"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creatorledger_payout_requests_total",
			Help:        "Payout request transitions by rail.",
			ConstLabels: labels,
		}, []string{"rail", "status"}),
	}
	registerer.MustRegister(
		m.settlements,
		m.failures,
		m.reversals,
		m.deliveries,
		m.deliveryDuration,
		m.webhooks,
		m.payouts,
	)
	return m
}

func (m *SettlementMetrics) IncSettlement(channel, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(channel, outcome).Inc()
}

func (m *SettlementMetrics) IncFailure(channel string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(channel).Inc()
}

func (m *SettlementMetrics) IncReversal(reason, outcome string) {
	if m == nil {
		return
	}
	m.reversals.WithLabelValues(reason, outcome).Inc()
}

func (m *SettlementMetrics) ObserveDelivery(channel, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, result).Inc()
	m.deliveryDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func (m *SettlementMetrics) IncWebhook(provider, result string) {
	if m == nil {
		return
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = "unknown"
	}
	m.webhooks.WithLabelValues(provider, result).Inc()
}

func (m *SettlementMetrics) IncPayout(rail, status string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(rail, status).Inc()
}
