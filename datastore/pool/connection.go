package pool

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// driverParams are stripped from connection URLs before they reach pgx.
//
//nolint:gochecknoglobals // fixed lookup table
var driverParams = map[string]bool{
	"queue":              true,
	"lock_duration":      true,
	"max_delivery_count": true,
	"poll_interval":      true,
	"migrate":            true,
}

// Open connects to PostgreSQL through a traced pgx pool and wraps it in gorm.
func Open(ctx context.Context, dsn string, opts ...Option) (*gorm.DB, error) {
	poolOpts := defaultOptions()
	for _, opt := range opts {
		opt(poolOpts)
	}

	cleanedPostgresqlDSN, err := cleanPostgresDSN(dsn)
	if err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(cleanedPostgresqlDSN)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	if poolOpts.MaxOpen > 0 {
		cfg.MaxConns = int32(min(poolOpts.MaxOpen, 1<<15)) //nolint:gosec // bounded above
	}
	if poolOpts.MaxLifetime > 0 {
		cfg.MaxConnLifetime = poolOpts.MaxLifetime
	}

	pgxPool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err = otelpgx.RecordStats(pgxPool); err != nil {
		pgxPool.Close()
		return nil, fmt.Errorf("unable to record database stats: %w", err)
	}

	conn := stdlib.OpenDBFromPool(pgxPool)
	if poolOpts.MaxIdle > 0 {
		conn.SetMaxIdleConns(poolOpts.MaxIdle)
	}

	gormDB, err := gorm.Open(
		postgres.New(postgres.Config{
			Conn:                 conn,
			PreferSimpleProtocol: poolOpts.PreferSimpleProtocol,
		}),
		&gorm.Config{
			Logger:                 newQueryLogger(poolOpts.TraceConfig),
			SkipDefaultTransaction: poolOpts.SkipDefaultTransaction,
		},
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return gormDB, nil
}

// cleanPostgresDSN converts a postgres URL into a key/value DSN, dropping queue
// driver parameters. Key/value DSNs pass through untouched.
func cleanPostgresDSN(pgString string) (string, error) {
	trimmed := strings.TrimSpace(pgString)
	lower := strings.ToLower(trimmed)
	if strings.Contains(trimmed, "=") && !strings.HasPrefix(lower, "postgres://") &&
		!strings.HasPrefix(lower, "postgresql://") {
		return trimmed, nil
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}

	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("invalid scheme: %s", u.Scheme)
	}

	user := ""
	password := ""
	if u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}

	dsn := []string{
		"host=" + u.Hostname(),
		"port=" + port,
		"user=" + user,
		"password=" + password,
		"dbname=" + strings.TrimPrefix(u.Path, "/"),
	}
	for k, vals := range u.Query() {
		if driverParams[k] {
			continue
		}
		for _, v := range vals {
			dsn = append(dsn, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return strings.Join(dsn, " "), nil
}
