package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	obscontext "github.com/smallbiznis/cascade/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRunID(context.Background(), "run-1")
	ctx = obscontext.WithJob(ctx, "aggregate")
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithMemberID(ctx, "42")

	WithContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "run-1", fields["run_id"])
	assert.Equal(t, "aggregate", fields["job"])
	assert.Equal(t, "42", fields["member_id"])
	assert.Equal(t, "system", fields["actor_type"])
	assert.NotContains(t, fields, "request_id")
	assert.NotContains(t, fields, "trace_id")
}

func TestWithContextWithoutCorrelationReturnsBase(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, WithContext(context.Background(), base))
}

func TestSampledCoreNeverDropsWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(newSampledCore(core, Config{SamplingInitial: 1, SamplingThereafter: 1000, SamplingWindow: time.Minute}))

	for i := 0; i < 5; i++ {
		log.Info("member skipped")
		log.Warn("member failed")
	}

	assert.Equal(t, 1, logs.FilterMessage("member skipped").Len())
	assert.Equal(t, 5, logs.FilterMessage("member failed").Len())
}

func TestClassifySQL(t *testing.T) {
	cases := []struct {
		sql, op, table string
	}{
		{`SELECT * FROM "members" WHERE id = $1`, "SELECT", "members"},
		{"  insert into `commission_entries` (`id`,`amount`) VALUES (?,?)", "INSERT", "commission_entries"},
		{`WITH x AS (SELECT 1) UPDATE volume_snapshots SET team_volume = 0`, "UPDATE", "volume_snapshots"},
		{`SELECT count(*) FROM payout_batches`, "SELECT", "payout_batches"},
		{`DELETE FROM audit_logs`, "DELETE", "audit_logs"},
		{"", "UNKNOWN", ""},
	}
	for _, tc := range cases {
		op, table := classifySQL(tc.sql)
		assert.Equal(t, tc.op, op, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}

func TestGormLoggerTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gl := NewGormLogger(zap.New(core), GormLoggerConfig{
		Level:              gormlogger.Warn,
		SlowThreshold:      10 * time.Millisecond,
		BatchSlowThreshold: time.Hour,
	})
	fc := func() (string, int64) { return `UPDATE "members" SET onboarded_at = $1`, 1 }
	slow := time.Now().Add(-time.Second)

	gl.Trace(context.Background(), time.Now(), fc, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 0, logs.Len(), "record not found is not an error")

	gl.Trace(context.Background(), slow, fc, nil)
	require.Equal(t, 1, logs.FilterMessage("db.slow_query").Len())
	entry := logs.FilterMessage("db.slow_query").All()[0]
	assert.Equal(t, "members", entry.ContextMap()["table"])
	assert.Equal(t, "db", entry.LoggerName)

	gl.Trace(obscontext.WithJob(context.Background(), "nightly"), slow, fc, nil)
	assert.Equal(t, 1, logs.FilterMessage("db.slow_query").Len(), "batch jobs use the batch threshold")

	gl.Trace(context.Background(), time.Now(), fc, errors.New("deadlock"))
	assert.Equal(t, 1, logs.FilterMessage("db.query").FilterField(zap.String("operation", "UPDATE")).Len())

	gl.LogMode(gormlogger.Silent).Trace(context.Background(), slow, fc, errors.New("ignored"))
	assert.Equal(t, 2, logs.Len())
}

func TestParseGormLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, ParseGormLevel("off"))
	assert.Equal(t, gormlogger.Error, ParseGormLevel("ERROR"))
	assert.Equal(t, gormlogger.Info, ParseGormLevel("debug"))
	assert.Equal(t, gormlogger.Warn, ParseGormLevel(""))
}
