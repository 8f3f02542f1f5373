// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver), the zerolog query logger and schema migrations.
package repo

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-crosspost-backend/internal/domain"
)

// Options configures Open. Zero values get defaults.
type Options struct {
	Path string
	// MaxOpenConns bounds the pool; SQLite serializes writers anyway.
	MaxOpenConns int
	// BusyTimeout is how long a writer waits on a locked database. Claims and
	// ledger inserts from concurrent webhooks contend here.
	BusyTimeout time.Duration
	// SlowQuery is the threshold above which queries are logged at warn.
	SlowQuery time.Duration
	// Log receives query errors and slow queries. A zero Logger discards them.
	Log zerolog.Logger
}

func (o *Options) defaults() {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = 10
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.SlowQuery <= 0 {
		o.SlowQuery = 200 * time.Millisecond
	}
}

// Open opens (or creates) a SQLite database. PRAGMAs travel in the DSN so
// every pooled connection gets them, not only the first.
func Open(opts Options) (*gorm.DB, error) {
	opts.defaults()

	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(opts.Path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn(opts)), &gorm.Config{
		Logger: NewQueryLogger(opts.Log, opts.SlowQuery),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func dsn(opts Options) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	return opts.Path + "?" + q.Encode()
}

// EnableTracing registers the GORM OpenTelemetry plugin so every query emits
// a span under the request's trace. Metrics are left to Prometheus.
func EnableTracing(db *gorm.DB) error {
	return db.Use(tracing.NewPlugin(tracing.WithoutMetrics()))
}

// AutoMigrate creates or updates every table owned by the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Account{},
		&domain.AutomationTask{},
		&domain.TaskExecution{},
		&domain.MediaGroup{},
		&domain.MediaGroupFragment{},
		&domain.ProcessedUpdate{},
	)
}

// queryLogger adapts zerolog to gorm's logger.Interface.
type queryLogger struct {
	log   zerolog.Logger
	slow  time.Duration
	level logger.LogLevel
}

// NewQueryLogger logs failed queries at error and slow queries at warn.
// Missing rows are expected on lookups and are not logged; unique-constraint
// violations are how the dedup ledger detects repeats, so they are not
// logged either.
func NewQueryLogger(log zerolog.Logger, slow time.Duration) logger.Interface {
	return &queryLogger{log: log, slow: slow, level: logger.Warn}
}

func (l *queryLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Info {
		l.log.Info().Msgf(msg, args...)
	}
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Warn().Msgf(msg, args...)
	}
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= logger.Error {
		l.log.Error().Msgf(msg, args...)
	}
}

func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound) && !isUniqueViolation(err):
		sql, rows := fc()
		l.log.Error().Err(err).Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query failed")
	case l.slow > 0 && elapsed > l.slow && l.level >= logger.Warn:
		sql, rows := fc()
		l.log.Warn().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("slow query")
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log.Debug().Dur("elapsed", elapsed).Int64("rows", rows).Str("sql", sql).Msg("query")
	}
}
