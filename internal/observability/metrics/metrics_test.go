package metrics

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("entry_type", "referral"),
		attribute.String("member_id", "456"),
		attribute.String("provider", "stripe"),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("entry_type"), attrs[0].Key)
	assert.Equal(t, attribute.Key("provider"), attrs[1].Key)
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordCommissionEntry(context.Background(), "referral", 1, decimal.NewFromInt(5))
	m.RecordDisbursement(context.Background(), "stripe", "succeeded")

	built, err := New(Config{ServiceName: "cascade"}, noop.NewMeterProvider())
	require.NoError(t, err)
	built.RecordEligibilitySkip(context.Background(), "source_not_onboarded")
	built.RecordTierTransition(context.Background(), "advanced", "gold")
}

func TestCommissionAmountsAreBucketedByLevel(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(Config{ServiceName: "cascade"}, provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordCommissionEntry(ctx, "referral", 1, decimal.RequireFromString("10.50"))
	m.RecordCommissionEntry(ctx, "referral", 1, decimal.RequireFromString("4.50"))
	m.RecordCommissionEntry(ctx, "referral", 9, decimal.RequireFromString("0.25"))
	m.RecordCommissionEntry(ctx, "achievement_bonus", 0, decimal.NewFromInt(100))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	amounts := map[string]float64{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != "cascade_commission_amount_total" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[float64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				level, _ := dp.Attributes.Value("level")
				amounts[level.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]float64{"1": 15, "6+": 0.25, "self": 100}, amounts)
}

func TestLevelBucket(t *testing.T) {
	assert.Equal(t, "self", levelBucket(0))
	assert.Equal(t, "3", levelBucket(3))
	assert.Equal(t, "6+", levelBucket(12))
}
