package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookEvents      metric.Int64Counter
	earningsRecorded   metric.Int64Counter
	earningsGross      metric.Int64Counter
	reversals          metric.Int64Counter
	payouts            metric.Int64Counter
	balanceAdjustments metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creatorledger"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	if m.webhookEvents, err = meter.Int64Counter("creatorledger_webhook_events_total"); err != nil {
		return nil, err
	}
	if m.earningsRecorded, err = meter.Int64Counter("creatorledger_earnings_recorded_total"); err != nil {
		return nil, err
	}
	if m.earningsGross, err = meter.Int64Counter("creatorledger_earnings_gross_minor_total"); err != nil {
		return nil, err
	}
	if m.reversals, err = meter.Int64Counter("creatorledger_earning_reversals_total"); err != nil {
		return nil, err
	}
	if m.payouts, err = meter.Int64Counter("creatorledger_payouts_total"); err != nil {
		return nil, err
	}
	if m.balanceAdjustments, err = meter.Int64Counter("creatorledger_balance_adjustments_total"); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordWebhookEvent counts normalized gateway callbacks.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordEarning(ctx context.Context, category string, isToken bool, gross int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("category", strings.TrimSpace(category)),
		attribute.Bool("is_token", isToken),
	)
	m.earningsRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
	if gross > 0 {
		m.earningsGross.Add(ctx, gross, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordReversal(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.reversals.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPayout(ctx context.Context, rail, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("rail", strings.TrimSpace(rail)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.payouts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordBalanceAdjustment(ctx context.Context, accountKind, sourceType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("account_kind", strings.TrimSpace(accountKind)),
		attribute.String("source_type", strings.TrimSpace(sourceType)),
	)
	m.balanceAdjustments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Account and creator ids are deliberately absent: they are unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":     {},
	"event_type":   {},
	"outcome":      {},
	"category":     {},
	"is_token":     {},
	"reason":       {},
	"rail":         {},
	"status":       {},
	"account_kind": {},
	"source_type":  {},
	"channel":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
