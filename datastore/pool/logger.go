package pool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"github.com/pitabwire/util"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"

	"github.com/embeddedsocial/pipeline/config"
)

// tint colours for the query fields.
const (
	colourDuration = 214
	colourRows     = 12
	colourQuery    = 2
)

// queryLogger writes gorm output through the logger of the calling context.
// Handlers run with a logger that already names the worker, queue and
// message, so every query a handler issues is attributed to that message.
type queryLogger struct {
	mode     glogger.LogLevel
	traceAll bool
	slow     time.Duration
}

func newQueryLogger(cfg config.ConfigurationDatabaseTracing) *queryLogger {
	l := &queryLogger{mode: glogger.Info, slow: config.DefaultSlowQueryThreshold}
	if cfg != nil {
		l.slow = cfg.GetDatabaseSlowQueryLogThreshold()
		l.traceAll = cfg.CanDatabaseTraceQueries()
	}
	return l
}

// LogMode returns a copy limited to mode; gorm uses it for Debug and Silent
// sessions.
func (l *queryLogger) LogMode(mode glogger.LogLevel) glogger.Interface {
	c := *l
	c.mode = mode
	return &c
}

func (l *queryLogger) Info(ctx context.Context, msg string, data ...any) {
	l.write(ctx, slog.LevelInfo, msg, data...)
}

func (l *queryLogger) Warn(ctx context.Context, msg string, data ...any) {
	l.write(ctx, slog.LevelWarn, msg, data...)
}

func (l *queryLogger) Error(ctx context.Context, msg string, data ...any) {
	l.write(ctx, slog.LevelError, msg, data...)
}

func (l *queryLogger) write(ctx context.Context, level slog.Level, msg string, data ...any) {
	if !l.allows(level) {
		return
	}
	util.Log(ctx).With("component", "datastore").Log(ctx, level, msg, data...)
}

// Trace reports one finished query. Failures are errors, slow queries
// warnings, and the rest info when query tracing is on and debug otherwise.
func (l *queryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	level, msg, slow := l.classify(elapsed, err)

	log := util.Log(ctx)
	if !l.allows(level) || !log.Enabled(ctx, level) {
		return
	}

	sql, rows := fc()
	entry := log.With(
		slog.String("component", "datastore"),
		tint.Attr(colourDuration, slog.Duration("duration", elapsed)),
		tint.Attr(colourRows, slog.Int64("rows", rows)),
		tint.Attr(colourQuery, slog.String("query", sql)),
	)
	defer entry.Release()

	if slow {
		entry = entry.WithField("slow_threshold", l.slow.String())
	}
	if level == slog.LevelError {
		entry = entry.WithError(err)
	}
	entry.Log(ctx, level, msg)
}

func (l *queryLogger) classify(elapsed time.Duration, err error) (slog.Level, string, bool) {
	slow := l.slow > 0 && elapsed > l.slow
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return slog.LevelError, "query failed", slow
	case slow:
		return slog.LevelWarn, "query is slow", slow
	case l.traceAll:
		return slog.LevelInfo, "query executed", slow
	default:
		return slog.LevelDebug, "query executed", slow
	}
}

// allows maps gorm's log modes onto slog levels. Info mode lets debug through
// so the logger's own level decides.
func (l *queryLogger) allows(level slog.Level) bool {
	switch l.mode {
	case glogger.Silent:
		return false
	case glogger.Error:
		return level >= slog.LevelError
	case glogger.Warn:
		return level >= slog.LevelWarn
	default:
		return true
	}
}
