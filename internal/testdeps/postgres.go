package testdeps

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/xid"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	PostgresImage = "postgres:latest"
	DBUser        = "pipeline"
	DBPassword    = "p1pel1ne"
	DBName        = "pipeline_test"

	readyLogOccurrence = 2
	startupTimeout     = 60 * time.Second
)

type postgresResource struct {
	opts      containerOpts
	dbName    string
	container *tcPostgres.PostgresContainer
}

// NewPostgres returns a PostgreSQL server with an empty pipeline_test database.
func NewPostgres(opts ...Option) Resource {
	o := containerOpts{
		image:          PostgresImage,
		userName:       DBUser,
		password:       DBPassword,
		networkAliases: []string{"postgres", "db-postgres"},
	}
	o.apply(opts...)
	return &postgresResource{opts: o, dbName: DBName}
}

func (d *postgresResource) Name() string {
	return d.opts.image
}

func (d *postgresResource) Setup(ctx context.Context, ntwk *testcontainers.DockerNetwork) error {
	c, err := tcPostgres.Run(ctx, d.opts.image, d.opts.customizers(ctx, ntwk,
		tcPostgres.WithDatabase(d.dbName),
		tcPostgres.WithUsername(d.opts.userName),
		tcPostgres.WithPassword(d.opts.password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogOccurrence).
				WithStartupTimeout(startupTimeout)),
	)...)
	if err != nil {
		return fmt.Errorf("failed to start postgres container: %w", err)
	}
	d.container = c
	return nil
}

func (d *postgresResource) DSN(ctx context.Context) (string, error) {
	if d.container == nil {
		return "", fmt.Errorf("postgres container is not running")
	}
	return d.container.ConnectionString(ctx, "sslmode=disable")
}

func (d *postgresResource) Cleanup(ctx context.Context) {
	if d.container != nil {
		terminate(ctx, d.Name(), d.container)
	}
}

// FreshDatabase creates a uniquely named database on the server behind dsn and
// returns its connection string, so tests sharing one container stay isolated.
func FreshDatabase(ctx context.Context, dsn string, prefix string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}

	name := strings.ToLower(fmt.Sprintf("%s_%s", prefix, xid.New().String()))

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return "", err
	}
	defer pool.Close()

	_, err = pool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %q;`, name))
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != "42P04" {
			return "", err
		}
	}

	u.Path = "/" + name
	return u.String(), nil
}
