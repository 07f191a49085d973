package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
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
	commissionEntries metric.Int64Counter
	commissionAmount  metric.Float64Counter
	eligibilitySkips  metric.Int64Counter
	duplicateEvents   metric.Int64Counter
	qualifyingEvents  metric.Int64Counter
	tierTransitions   metric.Int64Counter
	disbursements     metric.Int64Counter
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
		name = "cascade"
	}
	meter := provider.Meter(name)

	commissionEntries, err := meter.Int64Counter("cascade_commission_entries_total")
	if err != nil {
		return nil, err
	}
	commissionAmount, err := meter.Float64Counter("cascade_commission_amount_total",
		metric.WithDescription("Commission credited to the ledger, in payout currency units."),
	)
	if err != nil {
		return nil, err
	}
	eligibilitySkips, err := meter.Int64Counter("cascade_eligibility_skips_total")
	if err != nil {
		return nil, err
	}
	duplicateEvents, err := meter.Int64Counter("cascade_duplicate_events_total")
	if err != nil {
		return nil, err
	}
	qualifyingEvents, err := meter.Int64Counter("cascade_qualifying_events_total")
	if err != nil {
		return nil, err
	}
	tierTransitions, err := meter.Int64Counter("cascade_tier_transitions_total")
	if err != nil {
		return nil, err
	}
	disbursements, err := meter.Int64Counter("cascade_disbursements_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		commissionEntries: commissionEntries,
		commissionAmount:  commissionAmount,
		eligibilitySkips:  eligibilitySkips,
		duplicateEvents:   duplicateEvents,
		qualifyingEvents:  qualifyingEvents,
		tierTransitions:   tierTransitions,
		disbursements:     disbursements,
	}, nil
}

// RecordCommissionEntry counts an appended ledger entry and its amount.
// Level 0 is a member's own award; upline levels are bucketed past five so
// a deep compensation plan cannot explode the series count.
func (m *Metrics) RecordCommissionEntry(ctx context.Context, entryType string, level int, amount decimal.Decimal) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(
		attribute.String("entry_type", strings.TrimSpace(entryType)),
		attribute.String("level", levelBucket(level)),
	)...)
	m.commissionEntries.Add(ctx, 1, attrs)
	m.commissionAmount.Add(ctx, amount.InexactFloat64(), attrs)
}

func levelBucket(level int) string {
	switch {
	case level <= 0:
		return "self"
	case level > 5:
		return "6+"
	default:
		return strconv.Itoa(level)
	}
}

// RecordEligibilitySkip counts members skipped for lacking the onboarding flag.
func (m *Metrics) RecordEligibilitySkip(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.eligibilitySkips.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDuplicateEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.duplicateEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordQualifyingEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.qualifyingEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordTierTransition(ctx context.Context, transition, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("transition", strings.TrimSpace(transition)),
		attribute.String("tier", strings.TrimSpace(tier)),
	)
	m.tierTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDisbursement counts gateway outcomes per provider.
func (m *Metrics) RecordDisbursement(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.disbursements.Add(ctx, 1, metric.WithAttributes(attrs...))
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"entry_type": {},
	"level":      {},
	"event_type": {},
	"provider":   {},
	"outcome":    {},
	"reason":     {},
	"transition": {},
	"tier":       {},
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
