package logger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLogger routes gorm's SQL logging through the context logger so queries
// carry the job_id/batch_id of the caller.
type GormLogger struct {
	level         gormlogger.LogLevel
	slowThreshold time.Duration
}

// NewGormLogger returns a gorm logger at the given level.
func NewGormLogger(level gormlogger.LogLevel, slowThreshold time.Duration) *GormLogger {
	return &GormLogger{level: level, slowThreshold: slowThreshold}
}

func (g *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Info {
		FromContext(ctx).WithField(FieldComponent, "gorm").Infof(msg, args...)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Warn {
		FromContext(ctx).WithField(FieldComponent, "gorm").Warnf(msg, args...)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Error {
		FromContext(ctx).WithField(FieldComponent, "gorm").Errorf(msg, args...)
	}
}

func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && g.level >= gormlogger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		sql, rows := fc()
		FromContext(ctx).WithFields(Fields{
			FieldComponent:  "gorm",
			FieldDurationMs: elapsed.Milliseconds(),
			"rows":          rows,
			"sql":           sql,
		}).WithError(err).Error("query failed")
	case g.slowThreshold > 0 && elapsed > g.slowThreshold && g.level >= gormlogger.Warn:
		sql, rows := fc()
		FromContext(ctx).WithFields(Fields{
			FieldComponent:  "gorm",
			FieldDurationMs: elapsed.Milliseconds(),
			"rows":          rows,
			"sql":           sql,
		}).Warn("slow query")
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		FromContext(ctx).WithFields(Fields{
			FieldComponent:  "gorm",
			FieldDurationMs: elapsed.Milliseconds(),
			"rows":          rows,
			"sql":           sql,
		}).Debug("query")
	}
}
