package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/cascade/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	// BatchSlowThreshold applies when the query runs inside a scheduled job.
	BatchSlowThreshold time.Duration
}

// GormLogger routes gorm output through zap with the run, job and member of
// the calling context attached. Repositories treat a missing row as a nil
// result, so record-not-found is never logged as an error.
type GormLogger struct {
	base *zap.Logger
	cfg  GormLoggerConfig
}

func NewGormLogger(base *zap.Logger, cfg GormLoggerConfig) *GormLogger {
	if base == nil {
		base = zap.L()
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = 200 * time.Millisecond
	}
	if cfg.BatchSlowThreshold < cfg.SlowThreshold {
		cfg.BatchSlowThreshold = cfg.SlowThreshold
	}
	return &GormLogger{base: base.Named("db"), cfg: cfg}
}

// ParseGormLevel maps silent, error, warn and info; anything else is warn.
func ParseGormLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent", "off":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info", "debug":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.cfg.Level = level
	return &next
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *GormLogger) message(ctx context.Context, threshold gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.cfg.Level < threshold {
		return
	}
	fields := []zap.Field{}
	if len(data) > 0 {
		fields = append(fields, zap.Any("data", data))
	}
	WithContext(ctx, l.base).Log(level, msg, fields...)
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.cfg.Level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	if errors.Is(err, gormlogger.ErrRecordNotFound) {
		err = nil
	}

	switch {
	case err != nil && l.cfg.Level >= gormlogger.Error:
		l.query(ctx, zapcore.ErrorLevel, fc, elapsed, err)
	case elapsed > l.slowThreshold(ctx) && l.cfg.Level >= gormlogger.Warn:
		l.query(ctx, zapcore.WarnLevel, fc, elapsed, nil)
	case l.cfg.Level >= gormlogger.Info:
		l.query(ctx, zapcore.DebugLevel, fc, elapsed, nil)
	}
}

// ParamsFilter drops bound values. Destinations and amounts stay out of the logs.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) slowThreshold(ctx context.Context) time.Duration {
	if obscontext.JobFromContext(ctx) != "" {
		return l.cfg.BatchSlowThreshold
	}
	return l.cfg.SlowThreshold
}

func (l *GormLogger) query(ctx context.Context, level zapcore.Level, fc func() (string, int64), elapsed time.Duration, err error) {
	sql, rows := fc()
	op, table := classifySQL(sql)
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("table", table),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
		zap.String("sql", strings.TrimSpace(sql)),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows_affected", rows))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	msg := "db.query"
	if level == zapcore.WarnLevel {
		msg = "db.slow_query"
	}
	WithContext(ctx, l.base).Log(level, msg, fields...)
}

// classifySQL returns the statement kind and the first table it touches.
// A leading CTE is skipped so "WITH ... UPDATE x" reports UPDATE on x.
func classifySQL(sql string) (string, string) {
	tokens := strings.Fields(strings.TrimSpace(sql))
	depth := 0
	for i, raw := range tokens {
		lead := len(raw) - len(strings.TrimLeft(raw, "("))
		depth += lead
		if depth == 0 {
			switch token := strings.ToUpper(strings.Trim(raw, "();")); token {
			case "SELECT", "DELETE":
				return token, tableAfter(tokens[i+1:], "FROM")
			case "INSERT":
				return token, tableAfter(tokens[i+1:], "INTO")
			case "UPDATE":
				return token, tableName(tokens, i+1)
			}
		}
		depth += strings.Count(raw, "(") - lead - strings.Count(raw, ")")
	}
	return "UNKNOWN", ""
}

func tableAfter(tokens []string, keyword string) string {
	for i, token := range tokens {
		if strings.EqualFold(token, keyword) {
			return tableName(tokens, i+1)
		}
	}
	return ""
}

func tableName(tokens []string, i int) string {
	if i >= len(tokens) {
		return ""
	}
	return strings.Trim(tokens[i], "`\"();")
}

var _ gormlogger.Interface = (*GormLogger)(nil)
