package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifySchedulerErrorType(t *testing.T) {
	if got := ClassifySchedulerErrorType(context.Canceled); got != SchedulerErrorTypeDeadlineExceeded {
		t.Fatalf("expected deadline_exceeded, got %q", got)
	}
	if got := ClassifySchedulerErrorType(&pgconn.PgError{Code: "23505"}); got != SchedulerErrorTypeDB {
		t.Fatalf("expected db, got %q", got)
	}
	if got := ClassifySchedulerErrorType(gorm.ErrRecordNotFound); got != SchedulerErrorTypeBusinessRule {
		t.Fatalf("expected business_rule, got %q", got)
	}
	if IsSchedulerErrorRetryable(errors.New("validation")) {
		t.Fatalf("plain errors are not retryable")
	}
	if !IsSchedulerErrorRetryable(&pgconn.PgError{Code: "40P01"}) {
		t.Fatalf("deadlocks are retryable")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "cascade",
		Environment: "test",
	})

	metrics.AddBatchProcessed("aggregate", "members", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("aggregate", "members"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestEngineCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "cascade", Environment: "test"})

	metrics.IncAggregationInconsistency()
	metrics.IncPayoutOutcome("stripe", "succeeded")
	metrics.IncPayoutOutcome("stripe", "succeeded")
	metrics.AddCounterDrift(0)

	if got := testutil.ToFloat64(metrics.aggregationFailures); got != 1 {
		t.Fatalf("expected 1 inconsistency, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.payoutOutcomes.WithLabelValues("stripe", "succeeded")); got != 2 {
		t.Fatalf("expected 2 payouts, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.counterDrift); got != 0 {
		t.Fatalf("expected no drift, got %v", got)
	}
}
